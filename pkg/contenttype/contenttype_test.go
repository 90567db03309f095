package contenttype

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		want        Category
	}{
		{"application/json", "application/json", JSON},
		{"vendor json", "application/vnd.api+json", JSON},
		{"json with charset", "application/json; charset=utf-8", JSON},
		{"text/html", "text/html; charset=utf-8", HTML},
		{"xhtml", "application/xhtml+xml", HTML},
		{"application/xml", "application/xml", XML},
		{"vendor xml", "application/vnd.foo+xml", XML},
		{"yaml", "application/x-yaml", YAML},
		{"tsv", "text/tab-separated-values", CSV},
		{"form", "application/x-www-form-urlencoded", Form},
		{"text/plain", "text/plain", Text},
		{"javascript", "application/javascript", Text},
		{"image/png", "image/png", Binary},
		{"octet-stream", "application/octet-stream", Binary},
		{"empty", "", Binary},
		{"uppercase", "Application/JSON", JSON},
		{"malformed", "text/plain;;=", Text},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.contentType))
		})
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        []byte
		want        Category
	}{
		{"empty body", "application/json", nil, Empty},
		{"header wins", "application/json", []byte("<html>"), JSON},
		{"sniff html", "", []byte("<!DOCTYPE html><html></html>"), HTML},
		{"sniff text", "", []byte("hello world"), Text},
		{"sniff png", "", []byte("\x89PNG\r\n\x1a\n0000"), Binary},
		{"invalid utf8", "", []byte{0x00, 0x01, 0xff, 0x80}, Binary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.contentType, tt.body))
		})
	}
}

func TestTextual(t *testing.T) {
	assert.True(t, JSON.Textual())
	assert.True(t, Text.Textual())
	assert.False(t, Binary.Textual())
	assert.False(t, Empty.Textual())
}

func TestIsJSON(t *testing.T) {
	assert.True(t, IsJSON("application/vnd.api+json; charset=utf-8"))
	assert.True(t, IsJSON("Application/JSON"))
	assert.False(t, IsJSON("text/html"))
	assert.False(t, IsJSON(""))
}
