package policy

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/usestring/powhttp-proxy/internal/filter"
	"github.com/usestring/powhttp-proxy/pkg/contenttype"
	"github.com/usestring/powhttp-proxy/pkg/flow"
	"github.com/usestring/powhttp-proxy/pkg/layer"
	"github.com/usestring/powhttp-proxy/pkg/layers/httplayer"
)

// Engine applies rules to hooks. It is safe for concurrent use; rules are
// immutable once compiled.
type Engine struct {
	rules  []compiledRule
	mode   httplayer.Mode
	logger *slog.Logger
}

type compiledRule struct {
	Rule
	match *filter.Filter
}

// Option configures an Engine.
type Option func(*Engine)

// WithMode sets the proxy mode used for top-level protocol decisions.
func WithMode(m httplayer.Mode) Option {
	return func(e *Engine) {
		e.mode = m
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine checks and compiles rules.
func NewEngine(rules []Rule, opts ...Option) (*Engine, error) {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	for _, r := range rules {
		if err := r.check(); err != nil {
			return nil, err
		}
		cr := compiledRule{Rule: r}
		if r.Match != "" {
			f, err := filter.Compile(r.Match)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", r.Name, err)
			}
			cr.match = f
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

// Len returns the number of rules.
func (e *Engine) Len() int { return len(e.rules) }

// HandleHook answers h. NextLayerHook gets the default protocol decision
// unless a layer was already chosen.
func (e *Engine) HandleHook(ctx context.Context, h layer.Hook) error {
	if nl, ok := h.(*layer.NextLayerHook); ok {
		if nl.Choice == nil {
			nl.Choice = DecideNextLayer(nl, e.mode)
		}
		return nil
	}

	f := httplayer.HookFlow(h)
	if f == nil {
		return nil
	}
	hook := HookName(h.Name())
	for i := range e.rules {
		r := &e.rules[i]
		if r.Hook != hook {
			continue
		}
		if r.match != nil {
			ok, err := r.match.Match(f)
			if err != nil {
				e.logger.Warn("policy match failed",
					slog.String("rule", r.Name),
					slog.String("error", err.Error()))
				continue
			}
			if !ok {
				continue
			}
		}
		if err := e.apply(r, hook, f); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		e.logger.Debug("policy rule applied",
			slog.String("rule", r.Name),
			slog.String("hook", string(hook)),
			slog.String("flow", f.ID))
		if r.Reply != nil {
			break
		}
	}
	return nil
}

func (e *Engine) apply(r *compiledRule, hook HookName, f *flow.Flow) error {
	if r.SetURL != "" {
		if err := f.Request.SetURL(r.SetURL); err != nil {
			return err
		}
	}

	if len(r.SetHeaders) > 0 || len(r.RemoveHeaders) > 0 {
		var h *flow.Headers
		switch hook {
		case HookResponseHeaders, HookResponse:
			if f.Response != nil {
				h = &f.Response.Headers
			}
		default:
			h = &f.Request.Headers
		}
		if h != nil {
			for _, name := range r.RemoveHeaders {
				h.Del(name)
			}
			for _, name := range slices.Sorted(maps.Keys(r.SetHeaders)) {
				h.Set(name, r.SetHeaders[name])
			}
		}
	}

	if r.Reply != nil {
		var headers flow.Headers
		for _, name := range slices.Sorted(maps.Keys(r.Reply.Headers)) {
			headers.Add(name, r.Reply.Headers[name])
		}
		f.Response = flow.MakeResponse(r.Reply.Status, []byte(r.Reply.Body), headers)
	}

	if r.Stream != "" {
		switch hook {
		case HookRequestHeaders:
			f.Request.Stream = e.streamFunc(r, f.Request.Headers)
		case HookResponseHeaders:
			if f.Response != nil {
				f.Response.Stream = e.streamFunc(r, f.Response.Headers)
			}
		}
	}
	return nil
}

// streamFunc keeps binary bodies intact: text transforms only run on
// messages without a Content-Type or with a textual one.
func (e *Engine) streamFunc(r *compiledRule, h flow.Headers) flow.StreamFunc {
	if r.Stream == StreamIdentity {
		return flow.Identity
	}
	if ct := h.Get("Content-Type"); ct != "" && !contenttype.Classify(ct).Textual() {
		e.logger.Debug("streaming binary body unchanged",
			slog.String("rule", r.Name),
			slog.String("content_type", ct))
		return flow.Identity
	}
	return r.Stream.Func()
}
