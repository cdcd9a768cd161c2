package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"

	"github.com/openweaver/wisp/internal/bus"
	"github.com/openweaver/wisp/internal/channels"
)

// handleMessage processes one incoming Telegram update.
func (c *Channel) handleMessage(ctx context.Context, update telego.Update) {
	message := update.Message
	if message == nil {
		return
	}

	// Service messages (member joined, title changed, pins) carry no user
	// content and would reach the agent as "[empty message]".
	if isServiceMessage(message) {
		return
	}

	user := message.From
	if user == nil {
		return
	}

	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", userID, user.Username)
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	chatIDStr := fmt.Sprintf("%d", message.Chat.ID)

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	mediaList := c.resolveMedia(ctx, message)
	var mediaPaths []string
	if len(mediaList) > 0 {
		if tags := buildMediaTags(mediaList); tags != "" {
			if content != "" {
				content = tags + "\n\n" + content
			} else {
				content = tags
			}
		}
		for _, m := range mediaList {
			if m.Type == "document" && m.FilePath != "" && m.FileName != "" {
				docContent, err := extractDocumentContent(m.FilePath, m.FileName)
				if err != nil {
					slog.Warn("document extraction failed", "file", m.FileName, "error", err)
				} else if docContent != "" {
					content += "\n\n" + docContent
				}
			}
			if m.FilePath != "" {
				mediaPaths = append(mediaPaths, m.FilePath)
			}
		}
	}

	if content == "" {
		content = "[empty message]"
	}

	// Annotate group messages with the sender so the model knows who speaks.
	if isGroup {
		senderLabel := user.FirstName
		if user.Username != "" {
			senderLabel = "@" + user.Username
		}
		content = fmt.Sprintf("[From: %s]\n%s", senderLabel, content)
	}

	slog.Debug("telegram message received",
		"sender_id", senderID,
		"chat_id", chatIDStr,
		"is_group", isGroup,
		"preview", channels.Truncate(content, 50),
	)

	c.HandleMessage(bus.InboundMessage{
		SenderID:   senderID,
		SenderNick: user.FirstName,
		ChatID:     chatIDStr,
		Content:    content,
		Media:      mediaPaths,
		IsGroup:    isGroup,
		IDClient:   fmt.Sprintf("%d", message.MessageID),
		Timestamp:  int64(message.Date) * 1000,
		Metadata: map[string]string{
			"message_id": fmt.Sprintf("%d", message.MessageID),
			"username":   user.Username,
		},
	})
}

// isServiceMessage reports whether a message is a service/system message
// (member added, title changed, pinned) rather than user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
