package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// NewLogger builds the root logger. format is "json", "text" or "auto";
// auto picks text for a terminal and JSON otherwise.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	if w == nil {
		w = io.Discard
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if useJSON(w, format) {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With(slog.String("service", "querydesk"))
}

func useJSON(w io.Writer, format string) bool {
	switch strings.ToLower(format) {
	case "json":
		return true
	case "auto":
		f, ok := w.(*os.File)
		return !ok || !term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
	default:
		return false
	}
}
