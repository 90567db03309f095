// Package filter evaluates jq expressions against flows.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/usestring/powhttp-proxy/pkg/flow"
	"github.com/usestring/powhttp-proxy/pkg/types"
)

// Filter is a compiled flow filter expression. A Filter is safe for
// concurrent use.
type Filter struct {
	expr string
	code *gojq.Code
}

// Compile parses and compiles a jq expression.
func Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty filter expression")
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		var parseErr *gojq.ParseError
		if errors.As(err, &parseErr) {
			return nil, fmt.Errorf("invalid filter at position %d: %w", parseErr.Offset, err)
		}
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter: %w", err)
	}
	return &Filter{expr: expr, code: code}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string) *Filter {
	f, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Filter) String() string { return f.expr }

// Match reports whether fl satisfies the filter.
func (f *Filter) Match(fl *flow.Flow) (bool, error) {
	return f.MatchSummary(types.Summarize(fl))
}

// MatchSummary evaluates the filter against a flow summary. The first result
// decides: anything but null and false matches.
func (f *Filter) MatchSummary(s *types.FlowSummary) (bool, error) {
	input, err := types.ToAny(s)
	if err != nil {
		return false, fmt.Errorf("encoding flow: %w", err)
	}
	iter := f.code.Run(input)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, isErr := v.(error); isErr {
		return false, errors.New(formatJQError(s.ID, err))
	}
	return truthy(v), nil
}

func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	}
	return true
}

// formatJQError adds hints for the runtime errors users hit most often.
// gojq does not type these, so the hints come from the message text.
func formatJQError(label string, err error) string {
	var haltErr *gojq.HaltError
	if errors.As(err, &haltErr) {
		if haltErr.Value() == nil {
			return fmt.Sprintf("%s: filter halted", label)
		}
		return fmt.Sprintf("%s: filter halted with: %v", label, haltErr.Value())
	}

	errStr := err.Error()
	var hint string
	switch {
	case strings.Contains(errStr, "cannot iterate over: null"):
		hint = " (the field may be absent on this flow)"
	case strings.Contains(errStr, "cannot index") && strings.Contains(errStr, "with"):
		hint = " (field not found or wrong type)"
	case strings.Contains(errStr, "cannot be matched"):
		hint = " (test/match need a string, try adding '// \"\"')"
	}
	return fmt.Sprintf("%s: %s%s", label, errStr, hint)
}
