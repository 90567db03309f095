// Package policy implements declarative interception rules and the default
// protocol decision for new connections.
package policy

import (
	"bytes"
	"fmt"

	"github.com/usestring/powhttp-proxy/pkg/flow"
)

// HookName names the hook a rule runs on.
type HookName string

const (
	HookRequestHeaders  HookName = "requestheaders"
	HookRequest         HookName = "request"
	HookResponseHeaders HookName = "responseheaders"
	HookResponse        HookName = "response"
	HookError           HookName = "error"
	HookConnect         HookName = "connect"
)

// StreamMode selects a chunk transform for streamed bodies.
type StreamMode string

const (
	StreamIdentity StreamMode = "identity"
	StreamUpper    StreamMode = "upper"
	StreamLower    StreamMode = "lower"
)

// Func returns the chunk transform for m.
func (m StreamMode) Func() flow.StreamFunc {
	switch m {
	case StreamUpper:
		return bytes.ToUpper
	case StreamLower:
		return bytes.ToLower
	}
	return flow.Identity
}

// File is the top level of a policy file.
type File struct {
	Rules []Rule `json:"rules" jsonschema:"description=Rules applied in order"`
}

// Rule is one interception rule. Match is a jq filter over the flow summary;
// an empty Match matches every flow.
type Rule struct {
	Name          string            `json:"name" jsonschema:"minLength=1"`
	Hook          HookName          `json:"hook" jsonschema:"enum=requestheaders,enum=request,enum=responseheaders,enum=response,enum=error,enum=connect"`
	Match         string            `json:"match,omitempty" jsonschema:"description=jq expression evaluated against the flow summary"`
	SetURL        string            `json:"set_url,omitempty" jsonschema:"description=Absolute http(s) URL replacing the request target"`
	SetHeaders    map[string]string `json:"set_headers,omitempty"`
	RemoveHeaders []string          `json:"remove_headers,omitempty"`
	Reply         *Reply            `json:"reply,omitempty"`
	Stream        StreamMode        `json:"stream,omitempty" jsonschema:"enum=identity,enum=upper,enum=lower"`
}

// Reply answers a request from the proxy.
type Reply struct {
	Status  int               `json:"status" jsonschema:"minimum=100,maximum=599"`
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type action uint8

const (
	actSetURL action = 1 << iota
	actHeaders
	actReply
	actStream
)

func (a action) String() string {
	switch a {
	case actSetURL:
		return "set_url"
	case actHeaders:
		return "set_headers/remove_headers"
	case actReply:
		return "reply"
	case actStream:
		return "stream"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// allowed mirrors what each hook reply may change on the flow.
var allowed = map[HookName]action{
	HookRequestHeaders:  actSetURL | actHeaders | actReply | actStream,
	HookRequest:         actSetURL | actHeaders | actReply,
	HookResponseHeaders: actHeaders | actStream,
	HookResponse:        actHeaders,
	HookError:           actReply,
	HookConnect:         actSetURL | actHeaders | actReply,
}

func (r *Rule) actions() action {
	var a action
	if r.SetURL != "" {
		a |= actSetURL
	}
	if len(r.SetHeaders) > 0 || len(r.RemoveHeaders) > 0 {
		a |= actHeaders
	}
	if r.Reply != nil {
		a |= actReply
	}
	if r.Stream != "" {
		a |= actStream
	}
	return a
}

// check rejects rules whose actions cannot take effect on their hook.
func (r *Rule) check() error {
	have := r.actions()
	if have == 0 {
		return fmt.Errorf("rule %q has no action", r.Name)
	}
	ok, known := allowed[r.Hook]
	if !known {
		return fmt.Errorf("rule %q: unknown hook %q", r.Name, r.Hook)
	}
	for a := actSetURL; a <= actStream; a <<= 1 {
		if have&a != 0 && ok&a == 0 {
			return fmt.Errorf("rule %q: %s is not supported on the %s hook", r.Name, a, r.Hook)
		}
	}
	if r.SetURL != "" {
		probe := &flow.Request{}
		if err := probe.SetURL(r.SetURL); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return nil
}
