package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openweaver/wisp/internal/sessions"
)

// Bootstrap files read from the workspace root on every turn. Editing
// them takes effect on the next message, no restart needed.
const (
	PersonaFile   = "PERSONA.md"
	UserFile      = "USER.md"
	ToolNotesFile = "TOOL_NOTES.md"
	HeartbeatFile = "HEARTBEAT.md"
)

var contextFiles = []string{PersonaFile, UserFile, ToolNotesFile}

// buildSystemPrompt assembles the system message: a short runtime header,
// then the workspace bootstrap files in order. Missing or empty files are
// skipped silently so a bare workspace still works.
func (l *Loop) buildSystemPrompt(req RunRequest) string {
	var b strings.Builder

	b.WriteString("You are wisp, a personal assistant reachable over chat.\n")
	fmt.Fprintf(&b, "Current time: %s\n", time.Now().Format("2006-01-02 15:04 MST"))
	if req.Channel != "" {
		fmt.Fprintf(&b, "Channel: %s\n", req.Channel)
	}
	if sessions.IsSynthetic(req.SessionKey) {
		b.WriteString("This turn was triggered by a schedule, not a person. ")
		b.WriteString("There is no one to ask follow-up questions.\n")
	}

	for _, name := range contextFiles {
		content := readWorkspaceFile(l.workspace, name)
		if content == "" {
			continue
		}
		b.WriteString("\n## ")
		b.WriteString(strings.TrimSuffix(name, ".md"))
		b.WriteString("\n\n")
		b.WriteString(content)
		b.WriteString("\n")
	}

	if names := l.registry.Names(); len(names) > 0 {
		b.WriteString("\nAvailable tools: ")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString("\n")
	}

	return b.String()
}

// readWorkspaceFile returns the trimmed content of a workspace file, or
// "" when it is absent or empty.
func readWorkspaceFile(workspace, name string) string {
	data, err := os.ReadFile(filepath.Join(workspace, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// HeartbeatPrompt reads the heartbeat instruction file. An empty return
// means the heartbeat turn should be skipped entirely.
func HeartbeatPrompt(workspace string) string {
	return readWorkspaceFile(workspace, HeartbeatFile)
}
