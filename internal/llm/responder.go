package llm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/paths"
	"github.com/valetbot/valet/internal/pipeline"
)

const defaultPersona = `You are a helpful personal assistant reachable over chat.
Keep replies short and conversational; this is a messaging app, not email.
Use the provided context and remembered facts when they are relevant, and
say so when you do not know something.`

// Responder generates chat replies. Implements pipeline.Responder.
type Responder struct {
	client *Client
}

func NewResponder(client *Client) *Responder { return &Responder{client: client} }

// GenerateReply runs one chat completion over the enriched request.
func (r *Responder) GenerateReply(ctx context.Context, req *pipeline.ReplyRequest) (string, error) {
	system := r.systemPrompt(req)

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
	}
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}

	userText := req.Text
	if req.Event.IsGroup {
		userText = req.Event.Sender.Name() + ": " + userText
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	})

	resp, err := r.client.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    r.client.cfg.Model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	L_debug("llm: reply generated", "model", r.client.cfg.Model,
		"inputTokens", resp.Usage.PromptTokens, "outputTokens", resp.Usage.CompletionTokens)
	return reply, nil
}

func (r *Responder) systemPrompt(req *pipeline.ReplyRequest) string {
	var sb strings.Builder
	sb.WriteString(r.persona(req))

	if len(req.Memories) > 0 {
		sb.WriteString("\n\nThings you remember:\n")
		for _, m := range req.Memories {
			sb.WriteString("- " + m + "\n")
		}
	}
	if req.ReplyContext != "" {
		sb.WriteString("\n\nThe user is replying to this thread (most recent first):\n")
		sb.WriteString(req.ReplyContext)
	}
	if req.AmbientContext != "" {
		sb.WriteString("\n\nRecent messages in this chat:\n")
		sb.WriteString(req.AmbientContext)
	}
	return sb.String()
}

// persona loads the per-chat persona file when policy set one.
func (r *Responder) persona(req *pipeline.ReplyRequest) string {
	if req.Decision == nil || req.Decision.PersonaFile == "" {
		return defaultPersona
	}
	path, err := paths.ExpandTilde(req.Decision.PersonaFile)
	if err != nil {
		L_warn("llm: persona path invalid, using default", "path", req.Decision.PersonaFile, "error", err)
		return defaultPersona
	}
	if !filepath.IsAbs(path) {
		if base, err := paths.BaseDir(); err == nil {
			path = filepath.Join(base, path)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		L_warn("llm: persona file unreadable, using default", "path", path, "error", err)
		return defaultPersona
	}
	return strings.TrimSpace(string(data))
}
