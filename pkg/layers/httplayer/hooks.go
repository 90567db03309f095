package httplayer

import (
	"github.com/usestring/powhttp-proxy/pkg/flow"
	"github.com/usestring/powhttp-proxy/pkg/layer"
)

// RequestHeadersHook fires once the request head is parsed, before the body.
// Replies may change the request head, enable streaming by setting
// Request.Stream, or answer from the proxy by setting Response.
type RequestHeadersHook struct {
	layer.HookCommand
	Flow *flow.Flow
}

// RequestHook fires once the full request body is buffered. Replies may
// change the request or set Response to answer without contacting a server.
type RequestHook struct {
	layer.HookCommand
	Flow *flow.Flow
}

// ResponseHeadersHook fires once the response head is parsed. Replies may
// change the response head or enable streaming via Response.Stream.
type ResponseHeadersHook struct {
	layer.HookCommand
	Flow *flow.Flow
}

// ResponseHook fires once the full response body is buffered.
type ResponseHook struct {
	layer.HookCommand
	Flow *flow.Flow
}

// ErrorHook fires when an exchange fails. Flow.Error describes the failure.
// Setting a new Response replaces the synthesized 502.
type ErrorHook struct {
	layer.HookCommand
	Flow *flow.Flow
}

// ConnectHook fires for CONNECT requests. Replies may rewrite the tunnel
// target or refuse the tunnel by setting Response.
type ConnectHook struct {
	layer.HookCommand
	Flow *flow.Flow
}

func (*RequestHeadersHook) Name() string  { return "requestheaders" }
func (*RequestHook) Name() string         { return "request" }
func (*ResponseHeadersHook) Name() string { return "responseheaders" }
func (*ResponseHook) Name() string        { return "response" }
func (*ErrorHook) Name() string           { return "error" }
func (*ConnectHook) Name() string         { return "connect" }

// HookFlow returns the flow carried by an HTTP hook, or nil for other hooks.
func HookFlow(h layer.Hook) *flow.Flow {
	switch h := h.(type) {
	case *RequestHeadersHook:
		return h.Flow
	case *RequestHook:
		return h.Flow
	case *ResponseHeadersHook:
		return h.Flow
	case *ResponseHook:
		return h.Flow
	case *ErrorHook:
		return h.Flow
	case *ConnectHook:
		return h.Flow
	}
	return nil
}

// contract is the set of flow fields a reply to h may change.
func contract(h layer.Hook) flow.Fields {
	switch h.(type) {
	case *RequestHeadersHook:
		return flow.RequestHead | flow.RequestStream | flow.ResponseAssign
	case *RequestHook:
		return flow.RequestHead | flow.RequestBody | flow.ResponseAssign
	case *ResponseHeadersHook:
		return flow.ResponseHead | flow.ResponseStream
	case *ResponseHook:
		return flow.ResponseHead | flow.ResponseBody
	case *ErrorHook:
		return flow.ErrorField | flow.ResponseAssign
	case *ConnectHook:
		return flow.RequestHead | flow.ResponseAssign
	}
	return 0
}
