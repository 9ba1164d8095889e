package mcp

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/bridge"
	"github.com/banterop/conductor/internal/platform/logging"
)

// registerTools wires the three pair-scoped tools onto s, grounded on the
// reference implementation's registerTools (internal/mcpserver/tools.go),
// adapted from a task-board tool surface to the bridge's pair/epoch
// model and its blocking ask_user_question idiom reused for check_replies.
func registerTools(s *server.MCPServer, br *bridge.Bridge, pairID string, log *logging.Logger) {
	s.AddTool(
		mcp.NewTool("begin_chat_thread",
			mcp.WithDescription("Start a new chat thread with the counterpart agent. Returns a conversationId to use for subsequent calls."),
		),
		beginChatThreadHandler(br, pairID, log),
	)

	s.AddTool(
		mcp.NewTool("send_message_to_chat_thread",
			mcp.WithDescription("Send a message to the counterpart agent on an existing chat thread."),
			mcp.WithString("conversationId",
				mcp.Required(),
				mcp.Description("The conversationId returned by begin_chat_thread"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message text to send"),
			),
			mcp.WithArray("attachments",
				mcp.Description("Optional file attachments, each with name/contentType/content (base64)"),
			),
		),
		sendMessageHandler(br, pairID, log),
	)

	s.AddTool(
		mcp.NewTool("check_replies",
			mcp.WithDescription("Wait for and retrieve the counterpart's replies on a chat thread since your last message."),
			mcp.WithString("conversationId",
				mcp.Required(),
				mcp.Description("The conversationId returned by begin_chat_thread"),
			),
			mcp.WithNumber("waitMs",
				mcp.Description("How long to wait for a new reply, in milliseconds (0-120000, default 10000)"),
			),
		),
		checkRepliesHandler(br, pairID, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

func beginChatThreadHandler(br *bridge.Bridge, pairID string, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := br.BeginChatThread(ctx, pairID)
		if err != nil {
			log.Error("begin_chat_thread failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(`{"conversationId":%q}`, conversationID)), nil
	}
}

func sendMessageHandler(br *bridge.Bridge, pairID string, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := req.RequireString("conversationId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		attachments := parseAttachments(req)

		status, err := br.SendMessageToChatThread(ctx, pairID, conversationID, message, attachments)
		if err != nil {
			log.Error("send_message_to_chat_thread failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(`{"guidance":"message sent","status":%q}`, status)), nil
	}
}

func checkRepliesHandler(br *bridge.Bridge, pairID string, log *logging.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := req.RequireString("conversationId")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		waitMs := int(req.GetFloat("waitMs", 10_000))

		window, err := br.CheckReplies(ctx, pairID, conversationID, waitMs)
		if err != nil {
			log.Error("check_replies failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatWindow(window)), nil
	}
}

func parseAttachments(req mcp.CallToolRequest) []bridge.Attachment {
	args := req.GetArguments()
	raw, ok := args["attachments"].([]any)
	if !ok {
		return nil
	}
	out := make([]bridge.Attachment, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		contentType, _ := m["contentType"].(string)
		contentB64, _ := m["content"].(string)
		decoded, err := base64.StdEncoding.DecodeString(contentB64)
		if err != nil {
			continue
		}
		out = append(out, bridge.Attachment{Name: name, ContentType: contentType, Content: decoded})
	}
	return out
}

func formatWindow(window bridge.ChatThreadWindow) string {
	if len(window.Messages) == 0 {
		return fmt.Sprintf(`{"status":%q,"messages":[]}`, window.Status)
	}
	var texts string
	for i, m := range window.Messages {
		for _, p := range m.Parts {
			if p.Type == "text" && p.Text != nil {
				if i > 0 {
					texts += "\n"
				}
				texts += *p.Text
			}
		}
	}
	return fmt.Sprintf(`{"status":%q,"messages":%q}`, window.Status, texts)
}
