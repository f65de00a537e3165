package luna

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// errEmptyCompletion indicates the endpoint returned a 200 with no
// usable payload. Treated like a missing response for cooldown
// purposes.
var errEmptyCompletion = errors.New("completion response contained no text")

// chatCompleter is the slice of the OpenAI client used by the
// generator. Tests substitute fakes.
type chatCompleter interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// Generator produces chat responses from an OpenAI-compatible
// endpoint, rotating across the credential pool on failure. It is the
// sole place where remote-call failures become pool-wide availability
// decisions: callers see either a response, or total exhaustion.
type Generator struct {
	config  *OpenAIConfig
	pool    *KeyPool
	clients []chatCompleter
	limiter *rate.Limiter
	logger  *slog.Logger
	audit   *GenerationAudit
}

// newGenerator builds one OpenAI client per credential slot; a client
// is bound to its key, so the pool index doubles as the client index.
func newGenerator(
	config *OpenAIConfig,
	pool *KeyPool,
	httpClient *http.Client,
	audit *GenerationAudit,
	logger *slog.Logger,
) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	g := &Generator{
		config:  config,
		pool:    pool,
		audit:   audit,
		logger:  logger.With(loggerNameKey, "openai"),
		limiter: rate.NewLimiter(limit, 1),
	}
	for _, slot := range pool.slots {
		clientCfg := openai.DefaultConfig(slot.Secret())
		if config.BaseURL != "" {
			clientCfg.BaseURL = config.BaseURL
		}
		if httpClient != nil {
			clientCfg.HTTPClient = httpClient
		}
		g.clients = append(g.clients, openai.NewClientWithConfig(clientCfg))
	}
	return g
}

// classifyError maps a go-openai error to a FailureClass. Structured
// API errors carry an HTTP status; anything else means no structured
// response was received.
func classifyError(err error) FailureClass {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode)
	}
	return FailureNetwork
}

// Generate runs a chat completion for the given prompt, trying up to
// one attempt per configured key. Each failed attempt blocks its slot
// per the failure class and rotates to the next. Returns
// ErrNoKeysAvailable without any remote call when every slot is
// already cooling down, or ErrAllKeysFailed carrying the last failure
// once attempts are exhausted.
func (g *Generator) Generate(
	ctx context.Context,
	userID string,
	prompt string,
) (string, error) {
	maxAttempts := g.pool.Size()
	if maxAttempts == 0 {
		return "", fmt.Errorf("%w (0 configured)", ErrNoKeysAvailable)
	}

	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = g.logger
	}
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		slot, err := g.pool.Select()
		if err != nil {
			if lastErr != nil {
				return "", fmt.Errorf("%w (last failure: %w)", err, lastErr)
			}
			return "", err
		}

		if err = g.limiter.Wait(ctx); err != nil {
			return "", err
		}

		text, err := g.attempt(ctx, userID, slot, prompt)
		if err == nil {
			g.pool.RecordSuccess(slot.Index)
			return text, nil
		}

		class := classifyError(err)
		logger.WarnContext(
			ctx,
			"completion attempt failed",
			"slot", slot,
			"class", class.String(),
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			tint.Err(err),
		)
		g.pool.RecordFailure(slot.Index, class)
		lastErr = err
	}

	return "", fmt.Errorf("%w: %w", ErrAllKeysFailed, lastErr)
}

// attempt performs a single bounded completion call on the given slot.
func (g *Generator) attempt(
	ctx context.Context,
	userID string,
	slot *CredentialSlot,
	prompt string,
) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	started := time.Now()
	resp, err := g.clients[slot.Index].CreateChatCompletion(
		callCtx,
		openai.ChatCompletionRequest{
			Model:     g.config.Model,
			MaxTokens: g.config.MaxTokens,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
		},
	)

	var text string
	if err == nil {
		if len(resp.Choices) > 0 {
			text = strings.TrimSpace(resp.Choices[0].Message.Content)
		}
		if text == "" {
			err = errEmptyCompletion
		}
	}

	g.audit.Record(
		GenerationLog{
			UserID:     userID,
			Kind:       string(EntryTypeChat),
			Prompt:     prompt,
			Response:   text,
			SlotIndex:  slot.Index,
			DurationMS: time.Since(started).Milliseconds(),
		}, err,
	)

	return text, err
}

// buildPrompt assembles the generation prompt: persona preamble,
// recent conversation context, then the new user line.
func buildPrompt(persona, recentContext, displayName, message string) string {
	var b strings.Builder
	if persona != "" {
		b.WriteString(persona)
		b.WriteString("\n\n")
	}
	if recentContext != "" {
		b.WriteString("Recent conversation:\n")
		b.WriteString(recentContext)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "%s: %s\nLuna:", displayName, message)
	return b.String()
}
