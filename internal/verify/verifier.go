package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/domain/entity"
)

// Reply is one human message read from the verification thread
type Reply struct {
	Text string
	// Marker is the message create time in epoch milliseconds. Subsequent
	// polls only consider messages strictly newer than the last marker.
	Marker int64
}

// Config holds verification chat settings
type Config struct {
	AppID        string
	AppSecret    string
	ChatID       string
	PollInterval time.Duration
}

// Verifier runs human verification conversations over a group chat.
// Each run gets one root message; follow-ups reply in its thread.
type Verifier struct {
	client       *lark.Client
	chatID       string
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewVerifier creates a chat verifier
func NewVerifier(cfg Config, logger *zap.Logger) *Verifier {
	client := lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithLogLevel(larkcore.LogLevelInfo),
		lark.WithEnableTokenCache(true),
	)

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 10 * time.Second
	}

	return &Verifier{
		client:       client,
		chatID:       cfg.ChatID,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Open posts the verification request for a run and returns the conversation
// handle plus the marker of the posted message.
func (v *Verifier) Open(ctx context.Context, run *entity.WorkflowRun, data map[string]any) (*entity.Conversation, int64, error) {
	text := formatVerificationMessage(run, data)

	content, err := textContent(text)
	if err != nil {
		return nil, 0, err
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(v.chatID).
			MsgType("text").
			Content(content).
			Build()).
		Build()

	resp, err := v.client.Im.Message.Create(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open verification thread: %w", err)
	}
	if !resp.Success() {
		return nil, 0, fmt.Errorf("chat API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}
	if messageID == "" {
		return nil, 0, fmt.Errorf("chat API returned no message id")
	}

	marker := int64(0)
	if resp.Data.CreateTime != nil {
		marker, _ = strconv.ParseInt(*resp.Data.CreateTime, 10, 64)
	}

	v.logger.Info("Verification thread opened",
		zap.String("run_id", run.RunID),
		zap.String("message_id", messageID))

	return &entity.Conversation{ChatID: v.chatID, RootMessageID: messageID}, marker, nil
}

// SendFollowup replies in the run's thread and returns the marker of the sent
// message, so polls never re-read the bot's own output.
func (v *Verifier) SendFollowup(ctx context.Context, conv *entity.Conversation, text string) (int64, error) {
	content, err := textContent(text)
	if err != nil {
		return 0, err
	}

	req := larkim.NewReplyMessageReqBuilder().
		MessageId(conv.RootMessageID).
		Body(larkim.NewReplyMessageReqBodyBuilder().
			MsgType("text").
			Content(content).
			Build()).
		Build()

	resp, err := v.client.Im.Message.Reply(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("failed to send follow-up: %w", err)
	}
	if !resp.Success() {
		return 0, fmt.Errorf("chat API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	marker := int64(0)
	if resp.Data != nil && resp.Data.CreateTime != nil {
		marker, _ = strconv.ParseInt(*resp.Data.CreateTime, 10, 64)
	}

	return marker, nil
}

// PollReply waits up to timeout for a human reply newer than the marker.
// Returns (nil, nil) when the deadline passes without a reply; a non-nil error
// means the transport itself failed.
func (v *Verifier) PollReply(ctx context.Context, conv *entity.Conversation, marker int64, timeout time.Duration) (*Reply, error) {
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	for {
		reply, err := v.fetchReply(ctx, conv, marker)
		if err != nil {
			return nil, err
		}
		if reply != nil {
			return reply, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// fetchReply lists the thread and returns the oldest human message newer than
// the marker, or nil when there is none yet.
func (v *Verifier) fetchReply(ctx context.Context, conv *entity.Conversation, marker int64) (*Reply, error) {
	req := larkim.NewListMessageReqBuilder().
		ContainerIdType("chat").
		ContainerId(conv.ChatID).
		SortType("ByCreateTimeDesc").
		PageSize(50).
		Build()

	resp, err := v.client.Im.Message.List(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	if !resp.Success() {
		return nil, fmt.Errorf("chat API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	return pickReply(resp.Data.Items, conv.RootMessageID, marker), nil
}

// pickReply returns the oldest human message in the thread strictly newer
// than the marker, or nil when there is none. A message created exactly at
// the marker has already been seen.
func pickReply(items []*larkim.Message, rootMessageID string, marker int64) *Reply {
	var candidates []*Reply
	for _, msg := range items {
		if msg.RootId == nil || *msg.RootId != rootMessageID {
			continue
		}
		if msg.Sender != nil && msg.Sender.SenderType != nil && *msg.Sender.SenderType == "app" {
			continue
		}

		createTime := int64(0)
		if msg.CreateTime != nil {
			createTime, _ = strconv.ParseInt(*msg.CreateTime, 10, 64)
		}
		if createTime <= marker {
			continue
		}

		text := ""
		if msg.Body != nil && msg.Body.Content != nil {
			text = parseTextContent(*msg.Body.Content)
		}
		if text == "" {
			continue
		}

		candidates = append(candidates, &Reply{Text: text, Marker: createTime})
	}

	if len(candidates) == 0 {
		return nil
	}

	// Oldest unseen message first, so replies are handled in order
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Marker < candidates[j].Marker
	})
	return candidates[0]
}

// textContent builds the JSON body of a text message
func textContent(text string) (string, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("failed to marshal message content: %w", err)
	}
	return string(body), nil
}

// parseTextContent pulls the plain text out of a text message body
func parseTextContent(content string) string {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &body); err != nil {
		return ""
	}
	return body.Text
}

// formatVerificationMessage renders the extracted data for human review
func formatVerificationMessage(run *entity.WorkflowRun, data map[string]any) string {
	pretty, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		pretty = []byte(fmt.Sprintf("%v", data))
	}

	return fmt.Sprintf(
		"New billing setup request from %s (%s).\n\nExtracted data:\n%s\n\nReply \"approve\" to continue, or describe the changes needed.",
		run.Item.Key, run.Item.Source, string(pretty))
}
