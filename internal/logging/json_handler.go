package logging

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"dossier/internal/services"
)

// newJSONHandler writes one object per line. Timestamps keep sub-second
// precision so signal deliveries within a second stay ordered, and error
// values become {message, kind, operation} objects.
func newJSONHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) slog.Handler {
	opts := slog.HandlerOptions{
		Level:     lvl,
		AddSource: addSource,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "ts"
				if attr.Value.Kind() == slog.KindTime {
					attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				attr.Value = slog.StringValue(strings.ToLower(attr.Value.String()))
			case slog.SourceKey:
				if src, ok := attr.Value.Any().(*slog.Source); ok && src != nil {
					attr.Value = slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
				}
			case "error":
				if err, ok := attr.Value.Any().(error); ok && err != nil {
					attr.Value = errorValue(err)
				}
			}
			return attr
		},
	}
	return slog.NewJSONHandler(w, &opts)
}

func errorValue(err error) slog.Value {
	details := services.Details(err)
	attrs := []slog.Attr{
		slog.String("message", err.Error()),
		slog.String("kind", details.Kind),
	}
	if details.Operation != "" {
		attrs = append(attrs, slog.String("operation", details.Operation))
	}
	return slog.GroupValue(attrs...)
}
