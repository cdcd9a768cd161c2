package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openweaver/wisp/internal/config"
	"github.com/openweaver/wisp/internal/knowledge"
	"github.com/openweaver/wisp/internal/providers"
)

func knowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage the knowledge base",
	}
	cmd.AddCommand(knowledgeIngestCmd())
	cmd.AddCommand(knowledgeStatusCmd())
	cmd.AddCommand(knowledgeClearWebCacheCmd())
	return cmd
}

func knowledgeIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <path>",
		Short: "Ingest a file or directory into the long-term collection",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withKnowledge(func(ctx context.Context, kb *knowledge.Manager) error {
				res := kb.Ingest(ctx, args[0])
				fmt.Printf("added %d, skipped %d\n", res.Added, res.Skipped)
				for _, e := range res.Errors {
					fmt.Println("error:", e)
				}
				if len(res.Errors) > 0 {
					return fmt.Errorf("%d files failed", len(res.Errors))
				}
				return nil
			})
		},
	}
}

func knowledgeStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show chunk counts per collection",
		Run: func(cmd *cobra.Command, args []string) {
			withKnowledge(func(ctx context.Context, kb *knowledge.Manager) error {
				mainCount, webCount, err := kb.Status(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("long_term:  %d chunks\n", mainCount)
				fmt.Printf("web_cache:  %d chunks\n", webCount)
				sources, err := kb.ListSources(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("sources:    %d\n", len(sources))
				return nil
			})
		},
	}
}

func knowledgeClearWebCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-web-cache",
		Short: "Drop all cached web documents",
		Run: func(cmd *cobra.Command, args []string) {
			withKnowledge(func(ctx context.Context, kb *knowledge.Manager) error {
				n, err := kb.ClearWebCache(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("cleared %d cached documents\n", n)
				return nil
			})
		},
	}
}

func withKnowledge(fn func(ctx context.Context, kb *knowledge.Manager) error) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	kb, closeStore, err := openKnowledge(cfg)
	if err != nil {
		fail(err)
	}
	defer closeStore()

	if err := fn(context.Background(), kb); err != nil {
		fail(err)
	}
}

func openKnowledge(cfg *config.Config) (*knowledge.Manager, func() error, error) {
	embKey := cfg.Providers.Embedding.APIKey
	if embKey == "" {
		embKey = cfg.Providers.Chat.APIKey
	}
	if embKey == "" {
		return nil, nil, fmt.Errorf("no embedding credentials; set WISP_EMBEDDING_API_KEY or WISP_API_KEY")
	}

	ws := cfg.WorkspacePath()
	store, err := knowledge.OpenStore(filepath.Join(ws, "knowledge", "knowledge.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open knowledge store: %w", err)
	}

	embedder := providers.NewOpenAIEmbedder(
		embKey,
		cfg.Providers.Embedding.APIBase,
		cfg.Providers.Embedding.Model,
		cfg.Providers.Embedding.Proxy,
	)
	kb := knowledge.NewManager(store, embedder,
		filepath.Join(ws, "knowledge"),
		cfg.Knowledge.ChunkSizeTokens,
		cfg.Knowledge.ChunkOverlapTokens,
		cfg.Knowledge.TopK,
		cfg.Knowledge.RetentionDays,
	)
	return kb, store.Close, nil
}
