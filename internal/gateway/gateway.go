// Package gateway turns document-level requests into model calls and
// validates what comes back.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sk28832/carbonpaper-app/internal/metrics"
)

var (
	ErrTimeout           = errors.New("ai call timed out")
	ErrCanceled          = errors.New("ai call canceled")
	ErrMalformedResponse = errors.New("ai response is malformed")
	ErrUpstream          = errors.New("ai provider error")
	ErrEmptyInput        = errors.New("input is empty")
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type ChatMessage struct {
	Role    string
	Content string
}

type CompletionRequest struct {
	System    string
	Messages  []ChatMessage
	MaxTokens int
	// JSON asks the backend for a single JSON object.
	JSON bool
}

// Completer is a chat completion backend.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

type Options struct {
	Timeout       time.Duration
	MaxAttempts   int
	RatePerSecond float64
	Burst         int
	Logger        *zap.Logger
}

type Gateway struct {
	completer   Completer
	limiter     *rate.Limiter
	timeout     time.Duration
	maxAttempts int
	logger      *zap.Logger
}

func New(completer Completer, opts Options) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Gateway{
		completer:   completer,
		limiter:     rate.NewLimiter(limit, opts.Burst),
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
	}
}

// Question is a chat question about a document.
type Question struct {
	Input        string
	DocumentText string
	Sources      []string
	History      []ChatMessage
}

type Reply struct {
	Text      string
	Citations []string
}

func (g *Gateway) Ask(ctx context.Context, q Question) (Reply, error) {
	if strings.TrimSpace(q.Input) == "" {
		return Reply{}, ErrEmptyInput
	}
	var background strings.Builder
	background.WriteString("Document content:\n")
	background.WriteString(q.DocumentText)
	if len(q.Sources) > 0 {
		background.WriteString("\n\nAdditional context from selected sources:\n")
		background.WriteString(strings.Join(q.Sources, "\n"))
	}

	messages := make([]ChatMessage, 0, len(q.History)+1)
	messages = append(messages, q.History...)
	messages = append(messages, ChatMessage{
		Role:    RoleUser,
		Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s", background.String(), q.Input),
	})

	out, err := g.call(ctx, "ask", CompletionRequest{
		System:    "You are an assistant for attorneys. Answer concisely and accurately, referencing the document where relevant.",
		Messages:  messages,
		MaxTokens: 2000,
	})
	if err != nil {
		return Reply{}, err
	}
	text := strings.TrimSpace(out)
	if text == "" {
		return Reply{}, fmt.Errorf("%w: empty reply", ErrMalformedResponse)
	}
	return Reply{Text: text, Citations: Citations(text, q.DocumentText)}, nil
}

// EditRequest asks for one tracked edit somewhere in a document. Pending,
// when set, is the suggestion the user is still reviewing.
type EditRequest struct {
	Instruction  string
	DocumentText string
	Pending      *PendingEdit
}

// PendingEdit is an unresolved suggestion shown to the model as context.
type PendingEdit struct {
	Original string
	Current  string
}

// SuggestEdit asks the model for a span of the document to replace. The
// answer must be a JSON object naming a span that exists in DocumentText;
// malformed answers are retried up to the configured attempt count.
func (g *Gateway) SuggestEdit(ctx context.Context, req EditRequest) (Suggestion, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return Suggestion{}, ErrEmptyInput
	}
	content := fmt.Sprintf("Edit request: %s\n\nDocument content:\n%s", req.Instruction, req.DocumentText)
	if p := req.Pending; p != nil {
		content += fmt.Sprintf("\n\nSuggestion under review: replace %q with %q.", p.Original, p.Current)
	}
	completion := CompletionRequest{
		System: "You edit legal documents. Reply with a JSON object " +
			`{"original": "<exact text copied from the document>", "suggested": "<replacement text>"} ` +
			"and nothing else.",
		Messages: []ChatMessage{{
			Role:    RoleUser,
			Content: content,
		}},
		MaxTokens: 4000,
		JSON:      true,
	}

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		out, err := g.call(ctx, "suggest_edit", completion)
		if err != nil {
			return Suggestion{}, err
		}
		suggestion, err := ParseSuggestion(out, req.DocumentText)
		if err == nil {
			return suggestion, nil
		}
		lastErr = err
		g.logger.Warn("malformed edit suggestion",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", g.maxAttempts),
			zap.Error(err),
		)
	}
	return Suggestion{}, lastErr
}

// Transform applies a quick action, or a custom instruction, to text.
func (g *Gateway) Transform(ctx context.Context, command, text string) (string, error) {
	instruction := Instruction(command)
	if instruction == "" || strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}
	out, err := g.call(ctx, "transform", CompletionRequest{
		System: "You improve legal text. Keep its intent and formal tone. " +
			"Return only the resulting text without commentary or markup. Task: " + instruction,
		Messages:  []ChatMessage{{Role: RoleUser, Content: text}},
		MaxTokens: 2000,
	})
	if err != nil {
		return "", err
	}
	result := strings.TrimSpace(out)
	if result == "" {
		return "", fmt.Errorf("%w: empty transform", ErrMalformedResponse)
	}
	return result, nil
}

func (g *Gateway) call(ctx context.Context, op string, req CompletionRequest) (string, error) {
	started := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.complete(callCtx, req)
	if err != nil {
		err = classify(ctx, callCtx, err)
	}
	metrics.ObserveAI(op, outcome(err), time.Since(started))
	if err != nil {
		g.logger.Warn("ai call failed", zap.String("operation", op), zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return "", err
	}
	return out, nil
}

func (g *Gateway) complete(ctx context.Context, req CompletionRequest) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return g.completer.Complete(ctx, req)
}

// classify maps a backend failure onto the gateway's error kinds. parent is
// the caller's context, callCtx the one carrying the per-call timeout.
func classify(parent, callCtx context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("%w: %v", ErrCanceled, err)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case strings.Contains(err.Error(), "would exceed context deadline"):
		// rate.Limiter refuses waits that cannot finish before the deadline.
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	default:
		return "error"
	}
}
