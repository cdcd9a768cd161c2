// Package sessions — conversation histories keyed by session key.
//
// Session keys:
//
//	Channel conversation: {channel}:{chatId}   e.g. "telegram:42", "shangwang:team-x"
//	Cron job:             cron:{jobId}
//	Heartbeat:            heartbeat
package sessions

import (
	"fmt"
	"strings"
)

// HeartbeatKey is the session key for the periodic maintenance turn.
const HeartbeatKey = "heartbeat"

// Key builds the canonical session key for a channel conversation.
// Two transports never share a key.
func Key(channel, chatID string) string {
	return fmt.Sprintf("%s:%s", channel, chatID)
}

// CronKey builds the synthetic session key for a scheduled job.
func CronKey(jobID string) string {
	return fmt.Sprintf("cron:%s", jobID)
}

// IsSynthetic reports whether the key belongs to a scheduler-originated
// session rather than a channel conversation.
func IsSynthetic(key string) bool {
	return key == HeartbeatKey || strings.HasPrefix(key, "cron:")
}

// Split returns the channel and chat id of a conversation key, or ("", "")
// for synthetic keys.
func Split(key string) (channel, chatID string) {
	if IsSynthetic(key) {
		return "", ""
	}
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
