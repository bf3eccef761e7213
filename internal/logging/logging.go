// Package logging configures slog and optional Rollbar error forwarding.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/rollbar/rollbar-go"
)

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// NewHandler builds a text or JSON handler writing to w.
func NewHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// RollbarConfig configures error forwarding.
type RollbarConfig struct {
	Token       string
	Environment string
	ServerHost  string
	CodeVersion string
}

// Reporter receives error records. rollbar.Error satisfies it.
type Reporter func(interfaces ...interface{})

// ForwardingHandler passes every record to the wrapped handler and reports
// records at or above Error level.
type ForwardingHandler struct {
	next   slog.Handler
	report Reporter
	attrs  []slog.Attr
	groups []string
	mu     *sync.Mutex
}

// NewForwardingHandler wraps next so error records also go to report.
func NewForwardingHandler(next slog.Handler, report Reporter) *ForwardingHandler {
	return &ForwardingHandler{next: next, report: report, mu: &sync.Mutex{}}
}

// EnableRollbar configures the global Rollbar client and wraps next.
func EnableRollbar(next slog.Handler, cfg RollbarConfig) *ForwardingHandler {
	rollbar.SetToken(cfg.Token)
	rollbar.SetEnvironment(cfg.Environment)
	if cfg.ServerHost != "" {
		rollbar.SetServerHost(cfg.ServerHost)
	}
	if cfg.CodeVersion != "" {
		rollbar.SetCodeVersion(cfg.CodeVersion)
	}
	rollbar.SetEnabled(true)
	return NewForwardingHandler(next, rollbar.Error)
}

// Flush waits for queued Rollbar items to be sent.
func Flush() {
	rollbar.Wait()
}

func (h *ForwardingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelError || h.next.Enabled(ctx, level)
}

func (h *ForwardingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		h.forward(r)
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ForwardingHandler) forward(r slog.Record) {
	extras := make(map[string]interface{}, len(h.attrs)+r.NumAttrs())
	var cause error
	add := func(a slog.Attr) {
		v := a.Value.Resolve()
		if err, ok := v.Any().(error); ok && cause == nil {
			cause = err
		}
		extras[a.Key] = v.String()
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(h.qualify(a))
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if cause != nil {
		extras["message"] = r.Message
		h.report(cause, extras)
		return
	}
	h.report(r.Message, extras)
}

// qualify prefixes the attribute key with the open groups.
func (h *ForwardingHandler) qualify(a slog.Attr) slog.Attr {
	if len(h.groups) > 0 {
		a.Key = strings.Join(h.groups, ".") + "." + a.Key
	}
	return a
}

func (h *ForwardingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.next = h.next.WithAttrs(attrs)
	c.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		c.attrs = append(c.attrs, h.qualify(a))
	}
	return &c
}

func (h *ForwardingHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.next = h.next.WithGroup(name)
	c.groups = append(append([]string{}, h.groups...), name)
	return &c
}
