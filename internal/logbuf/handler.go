package logbuf

import (
	"context"
	"log/slog"
	"strings"
)

// Handler is an slog.Handler that tees records into a Ring before passing
// them to the wrapped handler. "service" and "request_id" attributes are
// hoisted onto the Record so the dashboard can filter without digging
// through fields.
type Handler struct {
	next  slog.Handler
	ring  *Ring
	attrs []slog.Attr
	group string
}

// NewHandler wraps next so every record also lands in ring.
func NewHandler(next slog.Handler, ring *Ring) *Handler {
	return &Handler{next: next, ring: ring}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	rec := Record{
		TS:      r.Time,
		Level:   strings.ToLower(r.Level.String()),
		Message: r.Message,
	}

	collect := func(a slog.Attr) {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		switch key {
		case "service", "component":
			rec.Component = a.Value.String()
		case "request_id":
			rec.RequestID = a.Value.String()
		default:
			if rec.Fields == nil {
				rec.Fields = make(map[string]any)
			}
			rec.Fields[key] = a.Value.Any()
		}
	}

	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	h.ring.Append(rec)
	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.next = h.next.WithGroup(name)
	if clone.group == "" {
		clone.group = name
	} else {
		clone.group = clone.group + "." + name
	}
	return &clone
}
