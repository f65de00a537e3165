package luna

import (
	"log/slog"
	"os"
	"testing"

	"github.com/lmittmann/tint"
)

// testLogger returns a logger that only surfaces errors, to keep test
// output readable.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{Level: slog.LevelError},
		),
	)
}
