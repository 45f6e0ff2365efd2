package logging

import (
	"context"
	"log/slog"
)

const componentKey = "component"

// componentHandler drops records below the level configured for the
// component attribute most recently attached with WithAttrs.
type componentHandler struct {
	next      slog.Handler
	spec      *Spec
	component string
}

// NewHandler wraps next so that records are filtered by spec.
func NewHandler(next slog.Handler, spec *Spec) slog.Handler {
	return &componentHandler{next: next, spec: spec}
}

func (h *componentHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.spec.LevelFor(h.component).Slog()
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := &componentHandler{
		next:      h.next.WithAttrs(attrs),
		spec:      h.spec,
		component: h.component,
	}
	for _, a := range attrs {
		if a.Key == componentKey {
			out.component = a.Value.String()
		}
	}
	return out
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	return &componentHandler{
		next:      h.next.WithGroup(name),
		spec:      h.spec,
		component: h.component,
	}
}
