package luna

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextLogger(t *testing.T) {
	t.Parallel()

	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := testLogger(t)
	ctx := WithLogger(context.Background(), logger)
	found, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, found)
}

func TestWithLoggerNilFallsBackToDefault(t *testing.T) {
	t.Parallel()

	ctx := WithLogger(context.Background(), nil)
	found, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.NotNil(t, found)
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       string
		n        int
		expected string
	}{
		{"shorter than limit", "hello", 10, "hello"},
		{"exactly at limit", "hello", 5, "hello"},
		{"truncated", "hello world", 5, "hello"},
		{"multibyte runes kept whole", "çiçekçi", 4, "çiçe"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tt.expected, truncate(tt.in, tt.n))
			},
		)
	}
}

func TestShortenString(t *testing.T) {
	t.Parallel()

	short := "fits as-is"
	assert.Equal(t, short, shortenString(short, 50))

	// double newlines collapse before anything gets cut
	spaced := strings.Repeat("ab\n\n", 10)
	shortened := shortenString(spaced, 35)
	assert.NotContains(t, shortened, "\n\n")
	assert.LessOrEqual(t, len(shortened), 35)

	long := strings.Repeat("x", 100)
	shortened = shortenString(long, 60)
	assert.LessOrEqual(t, len(shortened), 60)
	assert.Contains(t, shortened, "output limit reached")
}
