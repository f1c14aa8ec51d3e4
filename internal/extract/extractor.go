package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// maxVisionPages bounds how many rendered pages go into a single vision call
const maxVisionPages = 2

// Config holds LLM extraction settings
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// Extractor pulls structured billing fields out of a document using an LLM
type Extractor struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *zap.Logger
}

// NewExtractor creates a document extractor
func NewExtractor(cfg Config, logger *zap.Logger) *Extractor {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.1
	}
	return &Extractor{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: temperature,
		logger:      logger,
	}
}

// Extract reads the document and returns the raw extracted field map.
// Text documents go through a text completion; PDFs and images are rendered
// to JPEG pages and sent as vision content parts.
func (e *Extractor) Extract(ctx context.Context, documentPath string) (map[string]any, error) {
	e.logger.Info("Extracting billing fields from document", zap.String("path", documentPath))

	ext := strings.ToLower(filepath.Ext(documentPath))
	if ext == ".txt" {
		text, err := os.ReadFile(documentPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read document: %w", err)
		}
		return e.extractFromText(ctx, string(text))
	}

	pages, err := e.renderPages(documentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to render document: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no renderable pages in document %s", documentPath)
	}
	if len(pages) > maxVisionPages {
		pages = pages[:maxVisionPages]
	}

	return e.extractWithVision(ctx, pages)
}

// renderPages renders a PDF or image document to JPEG page images
func (e *Extractor) renderPages(documentPath string) ([][]byte, error) {
	if _, err := os.Stat(documentPath); err != nil {
		return nil, fmt.Errorf("document not found: %w", err)
	}

	// go-fitz opens PDFs and common raster formats alike
	doc, err := fitz.New(documentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer doc.Close()

	var pages [][]byte
	for pageNum := 0; pageNum < doc.NumPage(); pageNum++ {
		img, err := doc.Image(pageNum)
		if err != nil {
			e.logger.Warn("Failed to render page",
				zap.Int("page", pageNum),
				zap.Error(err))
			continue
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			e.logger.Warn("Failed to encode page to JPEG",
				zap.Int("page", pageNum),
				zap.Error(err))
			continue
		}
		pages = append(pages, buf.Bytes())
	}

	return pages, nil
}

// extractFromText extracts billing fields from a plain text document
func (e *Extractor) extractFromText(ctx context.Context, text string) (map[string]any, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: e.temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: extractionSystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Extract the billing setup fields from this document:\n\n%s", text),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}

	return e.parseFields(resp)
}

// extractWithVision extracts billing fields from rendered page images
func (e *Extractor) extractWithVision(ctx context.Context, pages [][]byte) (map[string]any, error) {
	contentParts := []openai.ChatMessagePart{
		{
			Type: openai.ChatMessagePartTypeText,
			Text: "Extract the billing setup fields from this document.",
		},
	}

	for i, page := range pages {
		contentParts = append(contentParts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    fmt.Sprintf("data:image/jpeg;base64,%s", base64.StdEncoding.EncodeToString(page)),
				Detail: openai.ImageURLDetailHigh,
			},
		})
		e.logger.Debug("Added page to vision request",
			zap.Int("page", i+1),
			zap.Int("size_bytes", len(page)))
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		MaxTokens:   4096,
		Temperature: e.temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: extractionSystemPrompt,
			},
			{
				Role:         openai.ChatMessageRoleUser,
				MultiContent: contentParts,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("vision extraction call failed: %w", err)
	}

	return e.parseFields(resp)
}

// parseFields decodes the model response into a field map
func (e *Extractor) parseFields(resp openai.ChatCompletionResponse) (map[string]any, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from model")
	}

	content := resp.Choices[0].Message.Content

	var fields map[string]any
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		e.logger.Error("Failed to parse extraction result",
			zap.Error(err),
			zap.String("content", content))
		return nil, fmt.Errorf("failed to parse extraction result: %w", err)
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("extraction returned no fields")
	}

	e.logger.Info("Billing fields extracted", zap.Int("field_count", len(fields)))
	return fields, nil
}

const extractionSystemPrompt = `You are a billing onboarding assistant. The document describes a new customer signing up for a subscription service.

Extract every field relevant to billing setup, such as:
- customer_name: the customer or company name
- customer_email: the billing contact email
- plan_type: the subscription plan (basic, pro, enterprise)
- user_count: number of seats or users
- addons: any add-on products mentioned

Return a flat JSON object. Use the field names as they appear in the document when they differ from the examples above. Omit fields that are not present; never invent values.`
