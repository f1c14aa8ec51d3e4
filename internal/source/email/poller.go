package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/domain/entity"
)

const mailToolkit = "Gmailer"

// ToolInvoker executes named tools on the remote worker
type ToolInvoker interface {
	Invoke(ctx context.Context, toolkit, tool string, inputs map[string]any) (map[string]any, error)
}

// Poller fetches unread emails through the tool worker and spools each one as
// a document on disk. A PDF attachment wins over the email body when both are
// present.
type Poller struct {
	invoker  ToolInvoker
	spoolDir string
	logger   *zap.Logger
}

// NewPoller creates an email poller spooling into the given directory
func NewPoller(invoker ToolInvoker, spoolDir string, logger *zap.Logger) (*Poller, error) {
	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &Poller{
		invoker:  invoker,
		spoolDir: spoolDir,
		logger:   logger,
	}, nil
}

// message mirrors the tool output shape for one email
type message struct {
	id          string
	subject     string
	body        string
	attachments []attachment
}

type attachment struct {
	filename string
	content  []byte
}

// Poll fetches unread emails and returns one work item per email. Emails the
// ledger already knows are filtered out downstream, so re-reading is harmless.
func (p *Poller) Poll(ctx context.Context) ([]entity.WorkItem, error) {
	output, err := p.invoker.Invoke(ctx, mailToolkit, "ListEmails", map[string]any{
		"unread_only": true,
		"max_results": 10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}

	messages := parseMessages(output)
	if len(messages) == 0 {
		return nil, nil
	}

	var items []entity.WorkItem
	for _, msg := range messages {
		item, err := p.spool(msg)
		if err != nil {
			p.logger.Error("Failed to spool email",
				zap.String("email_id", msg.id),
				zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// spool writes the email's document to the spool directory
func (p *Poller) spool(msg message) (entity.WorkItem, error) {
	key := "email_" + msg.id

	// Prefer a PDF attachment over the body text
	for _, att := range msg.attachments {
		if strings.EqualFold(filepath.Ext(att.filename), ".pdf") {
			path := filepath.Join(p.spoolDir, key+".pdf")
			if err := os.WriteFile(path, att.content, 0644); err != nil {
				return entity.WorkItem{}, fmt.Errorf("failed to write attachment: %w", err)
			}
			p.logger.Info("Email attachment spooled",
				zap.String("email_id", msg.id),
				zap.String("filename", att.filename))
			return entity.WorkItem{Key: key, Source: entity.SourceEmail, DocumentPath: path}, nil
		}
	}

	path := filepath.Join(p.spoolDir, key+".txt")
	content := fmt.Sprintf("Subject: %s\n\n%s", msg.subject, msg.body)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return entity.WorkItem{}, fmt.Errorf("failed to write email body: %w", err)
	}

	p.logger.Info("Email body spooled", zap.String("email_id", msg.id))
	return entity.WorkItem{Key: key, Source: entity.SourceEmail, DocumentPath: path}, nil
}

// parseMessages decodes the tool output into messages, skipping anything
// malformed rather than failing the whole poll
func parseMessages(output map[string]any) []message {
	rawList, ok := output["emails"].([]any)
	if !ok {
		return nil
	}

	var messages []message
	for _, raw := range rawList {
		fields, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		msg := message{
			id:      stringField(fields, "id"),
			subject: stringField(fields, "subject"),
			body:    stringField(fields, "body"),
		}
		if msg.id == "" {
			continue
		}

		if rawAtts, ok := fields["attachments"].([]any); ok {
			for _, rawAtt := range rawAtts {
				attFields, ok := rawAtt.(map[string]any)
				if !ok {
					continue
				}
				content, err := base64.StdEncoding.DecodeString(stringField(attFields, "content_base64"))
				if err != nil {
					continue
				}
				msg.attachments = append(msg.attachments, attachment{
					filename: stringField(attFields, "filename"),
					content:  content,
				})
			}
		}

		messages = append(messages, msg)
	}
	return messages
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
