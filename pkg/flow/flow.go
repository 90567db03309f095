// Package flow holds the data model of one HTTP exchange as seen by hooks.
package flow

import (
	"time"

	"github.com/google/uuid"

	"github.com/usestring/powhttp-proxy/pkg/connection"
	"github.com/usestring/powhttp-proxy/pkg/errors"
)

// Flow is one request/response exchange.
type Flow struct {
	ID         string
	Client     *connection.Connection
	ServerConn *connection.Connection
	Request    *Request
	Response   *Response
	Error      *errors.Error
	Live       bool
	Started    time.Time
}

// New creates a live flow for the given client connection.
func New(client *connection.Connection) *Flow {
	return &Flow{
		ID:      uuid.NewString(),
		Client:  client,
		Live:    true,
		Started: time.Now(),
	}
}

// Clone returns a deep copy of the flow. Connections are shared.
func (f *Flow) Clone() *Flow {
	c := *f
	c.Request = f.Request.Clone()
	c.Response = f.Response.Clone()
	c.Error = f.Error.Clone()
	return &c
}

// Fields is the set of flow fields a hook reply may change.
type Fields uint16

const (
	RequestHead Fields = 1 << iota
	RequestBody
	RequestStream
	ResponseAssign // replace or set the response wholesale
	ResponseHead
	ResponseBody
	ResponseStream
	ErrorField
)

// Has reports whether all fields in o are set.
func (f Fields) Has(o Fields) bool {
	return f&o == o
}

// Snapshot is the state of a flow at the time a hook was issued.
type Snapshot struct {
	copy     Flow
	request  *Request
	response *Response
}

// Snapshot records the flow before it is handed to a hook.
func (f *Flow) Snapshot() *Snapshot {
	s := &Snapshot{
		copy:     *f,
		request:  f.Request,
		response: f.Response,
	}
	s.copy.Request = f.Request.Clone()
	s.copy.Response = f.Response.Clone()
	s.copy.Error = f.Error.Clone()
	return s
}

// ResponseReplaced reports whether the response pointer changed since s.
func (s *Snapshot) ResponseReplaced(f *Flow) bool {
	return f.Response != s.response
}

// Restrict resets every field outside allowed to its value in s. Identity
// fields (ID, connections, start time) are never writable by a hook.
func (f *Flow) Restrict(s *Snapshot, allowed Fields) {
	f.ID = s.copy.ID
	f.Client = s.copy.Client
	f.ServerConn = s.copy.ServerConn
	f.Started = s.copy.Started
	f.Live = s.copy.Live

	if f.Request != s.request && !allowed.Has(RequestHead|RequestBody) {
		f.Request = s.request
	}
	if f.Request == s.request && f.Request != nil {
		before := s.copy.Request
		if !allowed.Has(RequestHead) {
			f.Request.restoreHead(before)
		}
		if !allowed.Has(RequestBody) {
			f.Request.Body = before.Body
		}
		if !allowed.Has(RequestStream) {
			f.Request.Stream = before.Stream
		}
	}

	if f.Response != s.response && !allowed.Has(ResponseAssign) {
		f.Response = s.response
	}
	if f.Response == s.response && f.Response != nil {
		before := s.copy.Response
		if !allowed.Has(ResponseHead) {
			f.Response.restoreHead(before)
		}
		if !allowed.Has(ResponseBody) {
			f.Response.Body = before.Body
		}
		if !allowed.Has(ResponseStream) {
			f.Response.Stream = before.Stream
		}
	}

	if !allowed.Has(ErrorField) {
		f.Error = s.copy.Error
	}
}
