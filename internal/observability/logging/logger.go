package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// maxQueryTextRunes caps incident text echoed into logs; the full text
// lives in the session ledger.
const maxQueryTextRunes = 200

var redactedKeys = map[string]struct{}{
	"authorization": {},
	"token":         {},
	"jwt_secret":    {},
	"api_key":       {},
}

func NewJSONLogger(service, level string) *slog.Logger {
	return NewJSONLoggerTo(os.Stdout, service, level)
}

// NewJSONLoggerTo is used by binaries whose stdout carries a protocol.
func NewJSONLoggerTo(w io.Writer, service, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: scrubAttr,
	})
	return slog.New(handler).With("service", service)
}

func scrubAttr(_ []string, attr slog.Attr) slog.Attr {
	key := strings.ToLower(attr.Key)
	if _, ok := redactedKeys[key]; ok {
		return slog.String(attr.Key, "[redacted]")
	}
	if key == "query_text" && attr.Value.Kind() == slog.KindString {
		runes := []rune(attr.Value.String())
		if len(runes) > maxQueryTextRunes {
			return slog.String(attr.Key, string(runes[:maxQueryTextRunes])+"…")
		}
	}
	return attr
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
