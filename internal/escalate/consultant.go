package escalate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultModel   = "claude-3-5-haiku-20241022"
	maxRetries     = 3
	initialBackoff = 1 * time.Second
)

// ErrAPIKeyRequired is returned when an API key is needed but not provided.
var ErrAPIKeyRequired = errors.New("API key required")

// Consultant asks a model to route an escalated task and returns the parsed
// decision block.
type Consultant struct {
	client         anthropic.Client
	model          anthropic.Model
	promptTemplate *template.Template
	maxRetries     int
	initialBackoff time.Duration
}

// NewConsultant creates a consultant client. Env var ANTHROPIC_API_KEY takes
// precedence over the explicit key.
func NewConsultant(apiKey, model string) (*Consultant, error) {
	envKey := os.Getenv("ANTHROPIC_API_KEY")
	if envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY environment variable or provide via config", ErrAPIKeyRequired)
	}
	if model == "" {
		model = defaultModel
	}
	tmpl, err := template.New("consultant").Parse(consultantPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse consultant template: %w", err)
	}
	return &Consultant{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		promptTemplate: tmpl,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// EscalationContext is the material the consultant sees.
type EscalationContext struct {
	TaskRef    string
	Reason     string
	Signature  string
	RecentLog  string
	IssueTitle string
}

// Consult renders the escalation prompt, calls the model, and parses the
// decision block from its reply.
func (c *Consultant) Consult(ctx context.Context, ec EscalationContext) (Decision, string, error) {
	var buf []byte
	w := &bytesWriter{}
	if err := c.promptTemplate.Execute(w, ec); err != nil {
		return Decision{}, "", fmt.Errorf("failed to render consultant prompt: %w", err)
	}
	buf = w.buf

	reply, err := c.callWithRetry(ctx, string(buf))
	if err != nil {
		return Decision{}, "", err
	}
	d, err := Parse(reply)
	if err != nil {
		return Decision{}, reply, fmt.Errorf("consultant reply had no usable decision: %w", err)
	}
	return d, reply, nil
}

func (c *Consultant) callWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) > 0 {
				content := message.Content[0]
				if content.Type == "text" {
					return content.Text, nil
				}
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return "", fmt.Errorf("unexpected response format: no content blocks")
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}
	return "", fmt.Errorf("failed after %d retries: %w", c.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		statusCode := apiErr.StatusCode
		return statusCode == 429 || statusCode >= 500
	}
	return false
}

type bytesWriter struct {
	buf []byte
}

func (w *bytesWriter) Write(p []byte) (n int, err error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

const consultantPromptTemplate = `You are the escalation consultant for an autonomous coding orchestrator. A task has escalated and needs routing.

**Task:** {{.TaskRef}}
{{if .IssueTitle}}**Issue:** {{.IssueTitle}}
{{end}}**Escalation reason:** {{.Reason}}

**Failure signature:** {{.Signature}}

{{if .RecentLog}}**Recent session log excerpt:**
{{.RecentLog}}
{{end}}
Classify the escalation and reply with EXACTLY this structure:

## Consultant Decision

` + "```json" + `
{
  "kind": "<watchdog|low-confidence|blocked|product-gap|contract-surface>",
  "confidence": "<high|medium|low>",
  "action": "<one-line resolution instruction>",
  "rationale": "<one sentence>",
  "dependencyIssue": 0,
  "signature": "{{.Signature}}"
}
` + "```" + `

Rules: use product-gap when the issue needs a product call; contract-surface when a public API would change; blocked only with a concrete dependencyIssue number; watchdog or low-confidence for mechanical restarts you are sure about.`
