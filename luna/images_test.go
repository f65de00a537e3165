package luna

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrubPrompt(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		prompt   string
		expected string
	}{
		{"clean prompt untouched", "a cat on a windowsill", "a cat on a windowsill"},
		{"term removed", "a nsfw picture of a cat", "a picture of a cat"},
		{"case insensitive", "NSFW sunset", "sunset"},
		{"repeated term", "gore gore flowers", "flowers"},
		{"whitespace collapsed", "a  nude   beach", "a beach"},
		{"multibyte prefix", "İİİİİİ nsfw cat", "İİİİİİ cat"},
		{"lowercase form longer than original", "Ⱥnsfw", "Ⱥ"},
		{"multibyte then uppercase term", "çiçek NSFW bahçe", "çiçek bahçe"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tt.expected, scrubPrompt(tt.prompt))
			},
		)
	}
}

func newTestImageClient(t *testing.T, endpoint string) *ImageClient {
	t.Helper()
	return newImageClient(
		&ImageConfig{
			URL:            endpoint,
			RequestTimeout: 5 * time.Second,
		},
		nil,
		nil,
		testLogger(t),
	)
}

func TestImageGenerate(t *testing.T) {
	t.Parallel()
	var requestedPath string
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				requestedPath = r.URL.EscapedPath()
				_, _ = w.Write([]byte("fake image bytes"))
			},
		),
	)
	t.Cleanup(srv.Close)

	client := newTestImageClient(t, srv.URL)
	data, err := client.Generate(
		context.Background(),
		"user-a",
		"a nsfw picture of luna at the beach",
	)
	require.NoError(t, err)
	assert.Equal(t, []byte("fake image bytes"), data)

	// the scrubbed prompt rides in the URL path
	assert.Equal(
		t,
		"/"+url.PathEscape("a picture of luna at the beach"),
		requestedPath,
	)
}

func TestImageGenerateErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		),
	)
	t.Cleanup(srv.Close)

	client := newTestImageClient(t, srv.URL)
	_, err := client.Generate(context.Background(), "user-a", "a cat")
	require.ErrorIs(t, err, ErrImageGeneration)
}

func TestImageGenerateEmptyBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
		),
	)
	t.Cleanup(srv.Close)

	client := newTestImageClient(t, srv.URL)
	_, err := client.Generate(context.Background(), "user-a", "a cat")
	require.ErrorIs(t, err, ErrImageGeneration)
}
