// Package history records raw chat transcripts as JSONL files, tagged by
// speaker role so admin replies can later be mined as tone examples.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Speaker roles.
const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
	RoleUnknown  = "unknown"
)

const historyDirName = "chat_history"

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// sanitizeFilename makes a chat ID safe as a file name.
func sanitizeFilename(chatID string) string {
	s := unsafeFilenameChars.ReplaceAllString(chatID, "_")
	runes := []rune(s)
	if len(runes) > 120 {
		s = string(runes[:120])
	}
	return s
}

// Record is one transcript row.
type Record struct {
	Timestamp float64 `json:"ts"`
	Sender    string  `json:"sender"`
	SenderID  string  `json:"sender_id"`
	Content   string  `json:"content"`
	Role      string  `json:"role"`
	ChatID    string  `json:"chat_id"`
	IsGroup   bool    `json:"is_group"`
	IDClient  string  `json:"id_client,omitempty"`
}

// FetchedMessage is a message pulled from the bridge's in-page message
// store, in the page's own field names.
type FetchedMessage struct {
	IDClient string  `json:"idClient"`
	Time     float64 `json:"time"`
	From     string  `json:"from"`
	FromNick string  `json:"fromNick"`
	Text     string  `json:"text"`
}

// Recorder appends transcript rows under <workspace>/chat_history/<channel>/.
type Recorder struct {
	workspace  string
	base       string
	adminNames map[string]struct{}
	adminIDs   map[string]struct{}
}

// NewRecorder creates a recorder. Admin names and IDs decide role tagging;
// with neither configured every message is tagged unknown.
func NewRecorder(workspace string, adminNames, adminIDs []string) *Recorder {
	r := &Recorder{
		workspace:  workspace,
		base:       filepath.Join(workspace, historyDirName),
		adminNames: make(map[string]struct{}),
		adminIDs:   make(map[string]struct{}),
	}
	for _, n := range adminNames {
		if n = strings.TrimSpace(n); n != "" {
			r.adminNames[n] = struct{}{}
		}
	}
	for _, id := range adminIDs {
		if id = strings.TrimSpace(id); id != "" {
			r.adminIDs[id] = struct{}{}
		}
	}
	return r
}

// Role classifies a sender. IDs win over nicknames.
func (r *Recorder) Role(sender, senderID string) string {
	if len(r.adminNames) == 0 && len(r.adminIDs) == 0 {
		return RoleUnknown
	}
	if id := strings.TrimSpace(senderID); id != "" {
		if _, ok := r.adminIDs[id]; ok {
			return RoleAdmin
		}
	}
	if n := strings.TrimSpace(sender); n != "" {
		if _, ok := r.adminNames[n]; ok {
			return RoleAdmin
		}
	}
	return RoleCustomer
}

func (r *Recorder) chatFile(channel, chatID string) string {
	return filepath.Join(r.base, channel, sanitizeFilename(chatID)+".jsonl")
}

// Record appends one row. Empty content is dropped. A zero timestamp
// becomes now; an empty role is derived from the admin config.
func (r *Recorder) Record(channel string, rec Record) error {
	rec.Content = strings.TrimSpace(rec.Content)
	if rec.Content == "" {
		return nil
	}
	if rec.Role == "" {
		rec.Role = r.Role(rec.Sender, rec.SenderID)
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = float64(time.Now().Unix())
	}

	path := r.chatFile(channel, rec.ChatID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// dedupKey identifies a row when merging fetched history: the client message
// ID when present, otherwise timestamp, sender and a content prefix.
func dedupKey(idClient string, ts float64, sender, content string) string {
	if idClient != "" {
		return idClient
	}
	c := []rune(content)
	if len(c) > 80 {
		c = c[:80]
	}
	return fmt.Sprintf("%v|%s|%s", ts, sender, string(c))
}

// SaveFetched merges messages fetched from the page into the transcript,
// skipping rows already recorded. Returns the number of new rows.
func (r *Recorder) SaveFetched(channel, chatID string, messages []FetchedMessage, isGroup bool) (int, error) {
	path := r.chatFile(channel, chatID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("create history dir: %w", err)
	}

	existing := make(map[string]struct{})
	for _, row := range readRows(path) {
		existing[dedupKey(row.IDClient, row.Timestamp, row.Sender, row.Content)] = struct{}{}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	added := 0
	for _, m := range messages {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		sender := m.FromNick
		if sender == "" {
			sender = m.From
		}
		key := dedupKey(m.IDClient, m.Time, sender, text)
		if _, seen := existing[key]; seen {
			continue
		}
		existing[key] = struct{}{}

		rec := Record{
			Timestamp: m.Time,
			Sender:    sender,
			SenderID:  m.From,
			Content:   text,
			Role:      r.Role(sender, m.From),
			ChatID:    chatID,
			IsGroup:   isGroup,
			IDClient:  m.IDClient,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return added, fmt.Errorf("append record: %w", err)
		}
		added++
	}
	return added, nil
}

// ChatInfo summarizes one transcript file.
type ChatInfo struct {
	ChatID   string `json:"chat_id"`
	MsgCount int    `json:"msg_count"`
	IsGroup  bool   `json:"is_group"`
}

// ListChats lists transcripts for a channel, most messages first.
func (r *Recorder) ListChats(channel string) []ChatInfo {
	entries, err := os.ReadDir(filepath.Join(r.base, channel))
	if err != nil {
		return nil
	}

	var chats []ChatInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		chatID := strings.TrimSuffix(name, ".jsonl")
		rows := readRows(filepath.Join(r.base, channel, name))
		chats = append(chats, ChatInfo{
			ChatID:   chatID,
			MsgCount: len(rows),
			IsGroup:  strings.HasPrefix(chatID, "team-"),
		})
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].MsgCount > chats[j].MsgCount })
	return chats
}

// ReRole re-tags every stored row with the current admin config and rewrites
// changed files. Returns the number of rows whose role changed.
func (r *Recorder) ReRole(channel, chatIDFilter string) (int, error) {
	if len(r.adminNames) == 0 && len(r.adminIDs) == 0 {
		return 0, nil
	}
	dir := filepath.Join(r.base, channel)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	updated := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		chatID := strings.TrimSuffix(name, ".jsonl")
		if chatIDFilter != "" && chatID != chatIDFilter {
			continue
		}

		path := filepath.Join(dir, name)
		rows := readRows(path)
		if len(rows) == 0 {
			continue
		}

		changed := false
		for i := range rows {
			newRole := r.Role(rows[i].Sender, rows[i].SenderID)
			if rows[i].Role != newRole {
				rows[i].Role = newRole
				updated++
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := writeRows(path, rows); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

func readRows(path string) []Record {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var rows []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		rows = append(rows, rec)
	}
	return rows
}

func writeRows(path string, rows []Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".history-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, rec := range rows {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
