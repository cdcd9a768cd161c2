package history

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// maxExportPairs caps the generated example document.
	maxExportPairs = 200
	// defaultMinContentLen filters out trivially short turns, in runes.
	defaultMinContentLen = 10
)

// QAPair is one customer question with the admin reply that followed it.
type QAPair struct {
	Question  string  `json:"question"`
	Reply     string  `json:"reply"`
	ChatID    string  `json:"chat_id"`
	Timestamp float64 `json:"ts"`
}

// extractPairs finds consecutive customer→admin turns with both sides long
// enough to be worth learning from.
func extractPairs(rows []Record, chatID string, minLen int) []QAPair {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })

	var pairs []QAPair
	for i := 0; i+1 < len(rows); i++ {
		a, b := rows[i], rows[i+1]
		if a.Role != RoleCustomer || b.Role != RoleAdmin {
			continue
		}
		q := strings.TrimSpace(a.Content)
		reply := strings.TrimSpace(b.Content)
		if len([]rune(q)) < minLen || len([]rune(reply)) < minLen {
			continue
		}
		cid := a.ChatID
		if cid == "" {
			cid = chatID
		}
		pairs = append(pairs, QAPair{Question: q, Reply: reply, ChatID: cid, Timestamp: b.Timestamp})
	}
	return pairs
}

// ExportQAPairs mines the channel's transcripts for question/reply pairs and
// writes them as a markdown example document under the knowledge directory,
// ready for ingest. Returns the pairs and the output path ("" when no pairs
// were found).
func (r *Recorder) ExportQAPairs(channel, outputDir string, minContentLen int, chatIDFilter string) ([]QAPair, string, error) {
	if minContentLen <= 0 {
		minContentLen = defaultMinContentLen
	}
	dir := filepath.Join(r.base, channel)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", err
	}

	if outputDir == "" {
		outputDir = filepath.Join(r.workspace, "knowledge", "long_term", "reply_examples")
	}

	var pairs []QAPair
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		chatID := strings.TrimSuffix(name, ".jsonl")
		if chatIDFilter != "" && chatID != chatIDFilter {
			continue
		}
		rows := readRows(filepath.Join(dir, name))
		pairs = append(pairs, extractPairs(rows, chatID, minContentLen)...)
	}
	if len(pairs) == 0 {
		return nil, "", nil
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return pairs, "", fmt.Errorf("create output dir: %w", err)
	}
	outPath := filepath.Join(outputDir, channel+"_qa_examples.md")

	var sb strings.Builder
	sb.WriteString("# Customer questions and admin replies (" + channel + ")\n\n")
	sb.WriteString("Question/reply pairs extracted from chat history, for the agent to learn reply tone from.\n\n---\n\n")
	limit := len(pairs)
	if limit > maxExportPairs {
		limit = maxExportPairs
	}
	for i := 0; i < limit; i++ {
		p := pairs[i]
		fmt.Fprintf(&sb, "## Example %d (from: %s)\n\n", i+1, p.ChatID)
		fmt.Fprintf(&sb, "**Customer**: %s\n\n", p.Question)
		fmt.Fprintf(&sb, "**Admin**: %s\n\n---\n\n", p.Reply)
	}

	if err := os.WriteFile(outPath, []byte(sb.String()), 0644); err != nil {
		return pairs, "", fmt.Errorf("write export: %w", err)
	}
	slog.Info("exported qa pairs", "channel", channel, "pairs", len(pairs), "path", outPath)
	return pairs, outPath, nil
}

// ChatDiagnosis is the per-chat role breakdown.
type ChatDiagnosis struct {
	ChatID   string `json:"chat_id"`
	Total    int    `json:"total"`
	Admin    int    `json:"admin"`
	Customer int    `json:"customer"`
	Unknown  int    `json:"unknown"`
	QAPairs  int    `json:"qa_pairs"`
}

// Diagnosis explains why an export produced no pairs.
type Diagnosis struct {
	AdminNames      []string        `json:"admin_names"`
	AdminIDs        []string        `json:"admin_ids"`
	AdminConfigured bool            `json:"admin_configured"`
	Chats           []ChatDiagnosis `json:"chats"`
	Hint            string          `json:"hint"`
}

// Diagnose inspects role distribution per chat and suggests the most likely
// fix when no Q&A pairs can be extracted.
func (r *Recorder) Diagnose(channel, chatIDFilter string) Diagnosis {
	d := Diagnosis{
		AdminNames:      sortedKeys(r.adminNames),
		AdminIDs:        sortedKeys(r.adminIDs),
		AdminConfigured: len(r.adminNames) > 0 || len(r.adminIDs) > 0,
	}

	dir := filepath.Join(r.base, channel)
	entries, err := os.ReadDir(dir)
	if err != nil {
		d.Hint = "no chat history yet; start the gateway and let messages accumulate first"
		return d
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		chatID := strings.TrimSuffix(name, ".jsonl")
		if chatIDFilter != "" && chatID != chatIDFilter {
			continue
		}
		rows := readRows(filepath.Join(dir, name))
		cd := ChatDiagnosis{ChatID: chatID, Total: len(rows)}
		for _, row := range rows {
			switch row.Role {
			case RoleAdmin:
				cd.Admin++
			case RoleCustomer:
				cd.Customer++
			default:
				cd.Unknown++
			}
		}
		cd.QAPairs = len(extractPairs(rows, chatID, defaultMinContentLen))
		d.Chats = append(d.Chats, cd)
	}

	switch {
	case !d.AdminConfigured:
		d.Hint = "adminNames/adminIds not configured, so every message is tagged unknown; configure them, run chat-history re-role, then export again"
	case len(d.Chats) > 0:
		c := d.Chats[0]
		switch {
		case c.Unknown == c.Total:
			d.Hint = "all messages are tagged unknown (recorded before admin config); run chat-history re-role, then export"
		case c.Admin == 0:
			d.Hint = "no admin messages in this chat; check that adminNames/adminIds match the actual admin nickname or account"
		case c.QAPairs == 0:
			d.Hint = fmt.Sprintf("%d admin messages but no consecutive customer→admin turns; messages may be interleaved or too short", c.Admin)
		default:
			d.Hint = fmt.Sprintf("%d pairs should export; retry the export", c.QAPairs)
		}
	case chatIDFilter != "":
		d.Hint = fmt.Sprintf("no history for chat_id=%s; run chat-history list to see the exact IDs", chatIDFilter)
	}
	return d
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
