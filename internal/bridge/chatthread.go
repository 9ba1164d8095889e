package bridge

import (
	"context"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/banterop/conductor/internal/platform/apperror"
)

// Attachment is an inline file reference accepted by
// send_message_to_chat_thread, embedded as a base64 file part.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

// ChatThreadStatus is the simplified status vocabulary surfaced to MCP
// tool callers, distinct from the richer A2A TaskStatus.State values.
type ChatThreadStatus string

const (
	ChatThreadWorking       ChatThreadStatus = "working"
	ChatThreadInputRequired ChatThreadStatus = "input-required"
	ChatThreadClosed        ChatThreadStatus = "closed"
)

// BeginChatThread starts a fresh epoch on pairID and returns it as the
// MCP-facing conversationId, per SPEC_FULL.md's
// begin_chat_thread() → {conversationId} mapping (conversationId =
// String(epoch)).
func (b *Bridge) BeginChatThread(ctx context.Context, pairID string) (string, error) {
	row, err := b.ensurePair(ctx, pairID)
	if err != nil {
		return "", err
	}
	row, err = b.advanceEpoch(ctx, row)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(row.Epoch), nil
}

// SendMessageToChatThread appends message as the initiator on the named
// epoch and returns the projected status.
func (b *Bridge) SendMessageToChatThread(ctx context.Context, pairID, conversationID, message string, attachments []Attachment) (ChatThreadStatus, error) {
	epoch, err := strconv.Atoi(conversationID)
	if err != nil {
		return "", apperror.InvalidParams("conversationId must be an epoch number")
	}
	row, err := b.store.getByID(ctx, pairID)
	if err != nil {
		return "", apperror.NotFound("room not found")
	}
	if epoch != row.Epoch {
		return "", apperror.InvalidParams("conversationId does not match the room's current epoch")
	}

	parts := []*MessagePart{{Type: "text", Text: &message}}
	for _, a := range attachments {
		encoded := base64.StdEncoding.EncodeToString(a.Content)
		mimeType := a.ContentType
		parts = append(parts, &MessagePart{Type: "file", MIMEType: &mimeType, Bytes: &encoded})
	}

	tm := TaskMessage{Role: "user", Parts: parts}
	_, err = b.MessageSend(ctx, pairID, SendMessagePayload{
		TaskID:   taskID(pairID, row.Epoch, RoleInit),
		Message:  &tm,
		Metadata: map[string]any{bridgeMetadataKey: map[string]any{"nextState": "input-required"}},
	})
	if err != nil {
		return "", err
	}

	task, err := b.projectTask(ctx, row.ConversationID, pairID, row.Epoch, RoleInit)
	if err != nil {
		return "", err
	}
	return chatThreadStatusFor(task), nil
}

// ChatThreadWindow is the set of counterpart messages accumulated since
// the initiator's last message, returned by check_replies.
type ChatThreadWindow struct {
	Messages []*TaskMessage
	Status   ChatThreadStatus
}

// CheckReplies implements the check_replies MCP tool: it returns
// immediately if the epoch is already terminal or awaiting initiator
// input, otherwise it blocks on the pair's event stream for up to waitMs
// before re-collecting exactly once, per SPEC_FULL.md §4.6.
func (b *Bridge) CheckReplies(ctx context.Context, pairID, conversationID string, waitMs int) (ChatThreadWindow, error) {
	epoch, err := strconv.Atoi(conversationID)
	if err != nil {
		return ChatThreadWindow{}, apperror.InvalidParams("conversationId must be an epoch number")
	}
	if waitMs < 0 {
		waitMs = 10_000
	}
	if waitMs > 120_000 {
		waitMs = 120_000
	}

	row, err := b.store.getByID(ctx, pairID)
	if err != nil {
		return ChatThreadWindow{}, apperror.NotFound("room not found")
	}

	window, done, err := b.collectWindow(ctx, row, epoch)
	if err != nil || done {
		return window, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(waitMs)*time.Millisecond)
	defer cancel()

	stream, err := b.StreamTask(waitCtx, taskID(pairID, epoch, RoleResp))
	if err != nil {
		return ChatThreadWindow{}, err
	}
	select {
	case <-stream:
	case <-waitCtx.Done():
	}

	window, _, err = b.collectWindow(ctx, row, epoch)
	return window, err
}

// collectWindow builds the current reply window and reports whether the
// epoch is already settled (terminal or awaiting initiator input), in
// which case the caller should not block further.
func (b *Bridge) collectWindow(ctx context.Context, row pairRow, epoch int) (ChatThreadWindow, bool, error) {
	task, err := b.projectTask(ctx, row.ConversationID, row.PairID, epoch, RoleInit)
	if err != nil {
		return ChatThreadWindow{}, false, err
	}

	window := ChatThreadWindow{Status: chatThreadStatusFor(task)}
	for i := len(task.History) - 1; i >= 0; i-- {
		m := task.History[i]
		if m.Role == "user" {
			break
		}
		window.Messages = append([]*TaskMessage{m}, window.Messages...)
	}

	return window, window.Status != ChatThreadWorking, nil
}

func chatThreadStatusFor(task Task) ChatThreadStatus {
	if task.Status == nil {
		return ChatThreadWorking
	}
	switch task.Status.State {
	case "input-required":
		return ChatThreadInputRequired
	case "completed", "canceled", "failed", "rejected":
		return ChatThreadClosed
	default:
		return ChatThreadWorking
	}
}
