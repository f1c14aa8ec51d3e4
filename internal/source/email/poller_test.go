package email

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/domain/entity"
)

type stubInvoker struct {
	output map[string]any
	err    error
}

func (s *stubInvoker) Invoke(ctx context.Context, toolkit, tool string, inputs map[string]any) (map[string]any, error) {
	return s.output, s.err
}

func TestPoller_SpoolsEmailBody(t *testing.T) {
	spoolDir := t.TempDir()
	p, err := NewPoller(&stubInvoker{output: map[string]any{
		"emails": []any{
			map[string]any{
				"id":      "42",
				"subject": "New signup: Acme",
				"body":    "Acme wants the pro plan, contact a@x.com",
			},
		},
	}}, spoolDir, zap.NewNop())
	require.NoError(t, err)

	items, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)

	assert.Equal(t, "email_42", items[0].Key)
	assert.Equal(t, entity.SourceEmail, items[0].Source)

	content, err := os.ReadFile(items[0].DocumentPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "Subject: New signup: Acme")
	assert.Contains(t, string(content), "pro plan")
}

func TestPoller_PrefersPDFAttachment(t *testing.T) {
	pdf := []byte("%PDF-1.4 fake")
	spoolDir := t.TempDir()
	p, err := NewPoller(&stubInvoker{output: map[string]any{
		"emails": []any{
			map[string]any{
				"id":      "7",
				"subject": "signup",
				"body":    "see attachment",
				"attachments": []any{
					map[string]any{
						"filename":       "logo.png",
						"content_base64": base64.StdEncoding.EncodeToString([]byte("png")),
					},
					map[string]any{
						"filename":       "Signup.PDF",
						"content_base64": base64.StdEncoding.EncodeToString(pdf),
					},
				},
			},
		},
	}}, spoolDir, zap.NewNop())
	require.NoError(t, err)

	items, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)

	assert.Equal(t, filepath.Join(spoolDir, "email_7.pdf"), items[0].DocumentPath)
	content, err := os.ReadFile(items[0].DocumentPath)
	require.NoError(t, err)
	assert.Equal(t, pdf, content)
}

func TestPoller_EmptyInbox(t *testing.T) {
	p, err := NewPoller(&stubInvoker{output: map[string]any{"emails": []any{}}}, t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	items, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPoller_SkipsMalformedEntries(t *testing.T) {
	p, err := NewPoller(&stubInvoker{output: map[string]any{
		"emails": []any{
			"not an object",
			map[string]any{"subject": "no id"},
			map[string]any{"id": "ok", "subject": "fine", "body": "text"},
		},
	}}, t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	items, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "email_ok", items[0].Key)
}
