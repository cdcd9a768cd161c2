package agent

import (
	"regexp"
	"strings"
)

// Some models leak reasoning markup into the final text. Strip the common
// tag families before the reply reaches a chat surface.
var thinkingTags = regexp.MustCompile(`(?s)<(think|thinking|thought|reasoning)>.*?</(think|thinking|thought|reasoning)>`)

// Unclosed variant: a reasoning tag opened but never closed swallows the
// rest of the message, so only the prefix survives.
var danglingThinking = regexp.MustCompile(`(?s)<(think|thinking|thought|reasoning)>.*$`)

// sanitizeReply cleans an assistant message for delivery.
func sanitizeReply(s string) string {
	s = thinkingTags.ReplaceAllString(s, "")
	s = danglingThinking.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
