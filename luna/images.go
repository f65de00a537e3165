package luna

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
)

// ErrImageGeneration indicates the image endpoint returned a failure
// or an empty body.
var ErrImageGeneration = errors.New("image generation failed")

// scrubTerms are removed from image prompts before encoding. This is
// a plain substring scrub, not a content filter.
var scrubTerms = []string{
	"nsfw",
	"nude",
	"naked",
	"gore",
}

// scrubPrompt removes disallowed substrings (case-insensitive) and
// collapses the leftover whitespace. Matching happens rune-by-rune so
// offsets stay valid for prompts where lowercasing changes byte
// lengths.
func scrubPrompt(prompt string) string {
	runes := []rune(prompt)
	lowered := make([]rune, len(runes))
	for i, r := range runes {
		lowered[i] = unicode.ToLower(r)
	}
	for _, term := range scrubTerms {
		needle := []rune(term)
		for {
			i := indexRunes(lowered, needle)
			if i < 0 {
				break
			}
			runes = append(runes[:i], runes[i+len(needle):]...)
			lowered = append(lowered[:i], lowered[i+len(needle):]...)
		}
	}
	return strings.Join(strings.Fields(string(runes)), " ")
}

func indexRunes(haystack []rune, needle []rune) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, r := range needle {
			if haystack[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// ImageClient fetches generated images from an opaque HTTP endpoint
// that takes a URL-encoded prompt and returns raw image bytes.
type ImageClient struct {
	config     *ImageConfig
	httpClient *http.Client
	logger     *slog.Logger
	audit      *GenerationAudit
}

func newImageClient(
	config *ImageConfig,
	httpClient *http.Client,
	audit *GenerationAudit,
	logger *slog.Logger,
) *ImageClient {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ImageClient{
		config:     config,
		httpClient: httpClient,
		audit:      audit,
		logger:     logger.With(loggerNameKey, "images"),
	}
}

// Generate fetches an image for the prompt, bounded by the configured
// request timeout. The prompt is scrubbed before encoding.
func (c *ImageClient) Generate(
	ctx context.Context,
	userID string,
	prompt string,
) ([]byte, error) {
	scrubbed := scrubPrompt(prompt)

	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = c.logger
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	endpoint := fmt.Sprintf(
		"%s/%s",
		strings.TrimSuffix(c.config.URL, "/"),
		url.PathEscape(scrubbed),
	)
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("error building image request: %w", err)
	}
	logger.DebugContext(callCtx, "fetching image", "prompt", scrubbed)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordAudit(userID, scrubbed, 0, started, err)
		return nil, fmt.Errorf("%w: %w", ErrImageGeneration, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf(
			"%w: unexpected status %d",
			ErrImageGeneration,
			resp.StatusCode,
		)
		c.recordAudit(userID, scrubbed, 0, started, err)
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordAudit(userID, scrubbed, 0, started, err)
		return nil, fmt.Errorf("%w: %w", ErrImageGeneration, err)
	}
	if len(data) == 0 {
		err = fmt.Errorf("%w: empty response body", ErrImageGeneration)
		c.recordAudit(userID, scrubbed, 0, started, err)
		return nil, err
	}

	c.recordAudit(userID, scrubbed, len(data), started, nil)
	return data, nil
}

func (c *ImageClient) recordAudit(
	userID string,
	prompt string,
	size int,
	started time.Time,
	err error,
) {
	c.audit.Record(
		GenerationLog{
			UserID:     userID,
			Kind:       string(EntryTypeImage),
			Prompt:     prompt,
			Response:   fmt.Sprintf("%d bytes", size),
			DurationMS: time.Since(started).Milliseconds(),
		}, err,
	)
}
