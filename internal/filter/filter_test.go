package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usestring/powhttp-proxy/pkg/connection"
	"github.com/usestring/powhttp-proxy/pkg/flow"
)

func testFlow() *flow.Flow {
	f := flow.New(connection.NewClient(connection.Address{Host: "127.0.0.1", Port: 4000}))
	f.Request = &flow.Request{
		Method:      "POST",
		Scheme:      "http",
		Host:        "api.example.com",
		Port:        80,
		Path:        "/v1/users?page=2",
		HTTPVersion: "HTTP/1.1",
		Headers:     flow.Headers{{"Host", "api.example.com"}, {"Content-Type", "application/json"}},
		Body:        []byte(`{}`),
	}
	f.Response = flow.MakeResponse(201, []byte("created"), flow.Headers{{"Content-Type", "text/plain"}})
	return f
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"method", `.method == "POST"`, true},
		{"host suffix", `.host | endswith("example.com")`, true},
		{"status range", `.status >= 400`, false},
		{"header", `.request_headers["content-type"] == "application/json"`, true},
		{"path regex", `.path | test("^/v1/")`, true},
		{"null is false", `.error`, false},
		{"non-bool value matches", `.url`, true},
		{"empty output", `empty`, false},
		{"first result decides", `false, true`, false},
		{"category", `.sizes.resp_category == "text"`, true},
	}

	f := testFlow()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flt, err := Compile(tt.expr)
			require.NoError(t, err)
			got, err := flt.Match(f)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile("")
	assert.Error(t, err)

	_, err = Compile(".method ==")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "position")

	_, err = Compile("undefined_fn(1)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile")
}

func TestMatchRuntimeError(t *testing.T) {
	flt := MustCompile(`.request_headers[]`)
	f := testFlow()
	f.Request.Headers = nil

	_, err := flt.Match(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), f.ID)
	assert.Contains(t, err.Error(), "absent")
}

func TestMatchHalt(t *testing.T) {
	flt := MustCompile(`"stop" | halt_error`)
	_, err := flt.Match(testFlow())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "halted with: stop")
}

func TestMustCompilePanics(t *testing.T) {
	assert.Panics(t, func() { MustCompile("(") })
	assert.Equal(t, ".a", MustCompile("  .a ").String())
}
