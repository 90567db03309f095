package types

import (
	"strings"

	"github.com/usestring/powhttp-proxy/pkg/contenttype"
	"github.com/usestring/powhttp-proxy/pkg/flow"
)

// Summarize builds the summary of f. It never returns nil for a non-nil flow.
func Summarize(f *flow.Flow) *FlowSummary {
	if f == nil {
		return nil
	}
	s := &FlowSummary{
		ID:        f.ID,
		StartedMs: f.Started.UnixMilli(),
	}
	if f.Client != nil {
		s.Client = f.Client.Address.String()
	}
	if f.ServerConn != nil {
		s.Server = f.ServerConn.Address.String()
	}

	if req := f.Request; req != nil {
		s.Method = req.Method
		s.URL = req.URL()
		s.Scheme = req.Scheme
		s.Host = strings.ToLower(req.Host)
		s.Port = req.Port
		s.Path = req.Path
		s.HTTPVersion = req.HTTPVersion
		s.Headers = headerMap(req.Headers)
		s.Sizes.ReqBodyBytes = len(req.Body)
	}

	if resp := f.Response; resp != nil {
		s.Status = resp.StatusCode
		s.Reason = resp.Reason
		s.RespHeaders = headerMap(resp.Headers)
		ct := resp.Headers.Get("Content-Type")
		s.Sizes.RespBodyBytes = len(resp.Body)
		s.Sizes.RespContentType = ct
		s.Sizes.RespCategory = string(contenttype.Detect(ct, resp.Body))
		if !resp.TimestampEnd.IsZero() {
			s.DurationMs = resp.TimestampEnd.Sub(f.Started).Milliseconds()
		}
	}

	if f.Error != nil {
		s.Error = &ErrorSummary{
			Type:    string(f.Error.Type),
			Message: f.Error.Message,
		}
	}
	return s
}

// headerMap keeps the first value of each header, keyed by lowercase name.
func headerMap(h flow.Headers) map[string]string {
	if len(h) == 0 {
		return nil
	}
	m := make(map[string]string, len(h))
	for _, pair := range h {
		if len(pair) < 2 {
			continue
		}
		k := strings.ToLower(pair[0])
		if _, ok := m[k]; !ok {
			m[k] = pair[1]
		}
	}
	return m
}
