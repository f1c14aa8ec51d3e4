package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Outcome classifies a human reply
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeChanges  Outcome = "changes"
	OutcomeUnclear  Outcome = "unclear"
)

// approvalKeywords short-circuit interpretation; matched as substrings of the
// lowercased reply.
var approvalKeywords = []string{
	"approve",
	"approved",
	"verified",
	"looks good",
	"lg",
	"yes",
	"confirm",
}

// chatCompleter is the slice of the LLM client the interpreter needs
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMConfig holds interpreter LLM settings
type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// Interpreter decides whether a reply approves the data, requests changes, or
// is too unclear to act on.
type Interpreter struct {
	client      chatCompleter
	model       string
	temperature float32
	logger      *zap.Logger
}

// NewInterpreter creates a reply interpreter sharing the extractor's LLM settings
func NewInterpreter(cfg LLMConfig, logger *zap.Logger) *Interpreter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.1
	}
	return &Interpreter{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: temperature,
		logger:      logger,
	}
}

// Interpret classifies the reply against the current candidate data. For
// change requests the returned map is the updated candidate data.
func (i *Interpreter) Interpret(ctx context.Context, reply string, data map[string]any) (Outcome, map[string]any, error) {
	lowered := strings.ToLower(reply)
	for _, keyword := range approvalKeywords {
		if strings.Contains(lowered, keyword) {
			return OutcomeApproved, nil, nil
		}
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return OutcomeUnclear, nil, fmt.Errorf("failed to marshal candidate data: %w", err)
	}

	resp, err := i.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       i.model,
		Temperature: i.temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: interpretSystemPrompt,
			},
			{
				Role: openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Current data:\n%s\n\nUser message:\n%s",
					string(dataJSON), reply),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return OutcomeUnclear, nil, fmt.Errorf("interpretation call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return OutcomeUnclear, nil, fmt.Errorf("no response from model")
	}

	var result struct {
		UpdatedData    map[string]any `json:"updated_data"`
		ChangesApplied bool           `json:"changes_applied"`
		Error          string         `json:"error"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &result); err != nil {
		i.logger.Warn("Unparseable interpretation result",
			zap.String("content", resp.Choices[0].Message.Content),
			zap.Error(err))
		return OutcomeUnclear, nil, nil
	}

	if result.Error != "" || !result.ChangesApplied || len(result.UpdatedData) == 0 {
		return OutcomeUnclear, nil, nil
	}

	return OutcomeChanges, result.UpdatedData, nil
}

const interpretSystemPrompt = `You apply a user's requested corrections to a JSON object of billing setup fields.

The user was shown the current data and replied with a free-form message. If the message describes concrete changes (fix a value, add a field, remove a field), apply them and return:
{"updated_data": {...the full corrected object...}, "changes_applied": true, "error": ""}

If the message does not describe any actionable change, return:
{"updated_data": {}, "changes_applied": false, "error": "brief reason"}

Never invent values the user did not state. Always return valid JSON.`
