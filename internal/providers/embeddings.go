package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

const embedBatchSize = 64

// OpenAIEmbedder implements Embedder against an OpenAI-compatible
// /embeddings endpoint.
type OpenAIEmbedder struct {
	provider *OpenAIProvider
	model    string
}

// NewOpenAIEmbedder creates an embedder sharing the provider's HTTP client
// and retry behaviour.
func NewOpenAIEmbedder(apiKey, apiBase, model, proxy string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{
		provider: NewOpenAIProvider("embeddings", apiKey, apiBase, model, proxy),
		model:    model,
	}
}

// Embed returns one vector per input text, in input order. Inputs are sent in
// batches; a failed batch fails the whole call.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		vectors, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	body := map[string]interface{}{
		"model": e.model,
		"input": texts,
	}

	return RetryDo(ctx, e.provider.retryConfig, func() ([][]float64, error) {
		respBody, err := e.provider.doRequest(ctx, "/embeddings", body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp struct {
			Data []struct {
				Index     int       `json:"index"`
				Embedding []float64 `json:"embedding"`
			} `json:"data"`
		}
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("embeddings: decode response: %w", err)
		}
		if len(resp.Data) != len(texts) {
			return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
		}

		// The API may return out of order; index is authoritative.
		sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
		vectors := make([][]float64, len(resp.Data))
		for i, d := range resp.Data {
			vectors[i] = d.Embedding
		}
		return vectors, nil
	})
}
