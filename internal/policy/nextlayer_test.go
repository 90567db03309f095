package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usestring/powhttp-proxy/internal/layertest"
	"github.com/usestring/powhttp-proxy/pkg/layer"
	"github.com/usestring/powhttp-proxy/pkg/layers/httplayer"
)

func TestDecideNextLayer(t *testing.T) {
	tests := []struct {
		name   string
		nested bool
		mode   httplayer.Mode
		data   string
		want   layer.Kind
	}{
		{"regular proxy", false, httplayer.ModeRegular, "GET http://x/ HTTP/1.1\r\n", layer.KindHTTPRegular},
		{"regular proxy ignores bytes", false, httplayer.ModeRegular, "\x16\x03\x01", layer.KindHTTPRegular},
		{"transparent http", false, httplayer.ModeTransparent, "GET / HTTP/1.1\r\n", layer.KindHTTPTransparent},
		{"transparent other", false, httplayer.ModeTransparent, "SSH-2.0-OpenSSH\r\n", layer.KindTCP},
		{"tunnel http", true, httplayer.ModeRegular, "POST /x HTTP/1.1\r\n", layer.KindHTTPTransparent},
		{"tunnel tls", true, httplayer.ModeRegular, "\x16\x03\x01\x02\x00", layer.KindTCP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := layertest.NewContext(nil)
			if tt.nested {
				ctx.Push(layer.KindHTTPRegular)
				ctx.Server = layertest.NewServer("example.com", 443, false)
			}
			nl := layer.NewNextLayer(ctx)
			cmds := nl.HandleEvent(layer.DataReceived{Conn: ctx.Client, Data: []byte(tt.data)})
			require.Len(t, cmds, 1)
			hook := cmds[0].(*layer.NextLayerHook)

			choice := DecideNextLayer(hook, tt.mode)
			require.NotNil(t, choice)
			// Deciding leaves the live stack alone.
			assert.Equal(t, layer.KindNextLayer, ctx.Layers[len(ctx.Layers)-1])

			hook.Choice = choice
			nl.HandleEvent(layer.HookReply{Hook: hook})
			require.NotNil(t, nl.Layer())
			assert.Equal(t, tt.want, nl.Layer().Kind())
			assert.Equal(t, tt.want, ctx.Layers[len(ctx.Layers)-1])
		})
	}
}

func TestEngineAnswersNextLayerHook(t *testing.T) {
	e, err := NewEngine(nil, WithMode(httplayer.ModeTransparent))
	require.NoError(t, err)

	ctx := layertest.NewContext(nil)
	nl := layer.NewNextLayer(ctx)
	cmds := nl.HandleEvent(layer.DataReceived{Conn: ctx.Client, Data: []byte("GET / HTTP/1.1\r\n")})
	hook := cmds[0].(*layer.NextLayerHook)

	require.NoError(t, e.HandleHook(context.Background(), hook))
	require.NotNil(t, hook.Choice)
	assert.Nil(t, nl.Layer(), "the handler must not build the layer")

	nl.HandleEvent(layer.HookReply{Hook: hook})
	require.NotNil(t, nl.Layer())
	assert.Equal(t, layer.KindHTTPTransparent, nl.Layer().Kind())
}

func TestEngineKeepsEarlierChoice(t *testing.T) {
	e, err := NewEngine(nil)
	require.NoError(t, err)

	hook := &layer.NextLayerHook{Data: []byte("GET / HTTP/1.1\r\n"), Layers: []layer.Kind{layer.KindNextLayer}}
	var called bool
	hook.Choice = func(ctx *layer.Context) layer.Layer {
		called = true
		return nil
	}
	require.NoError(t, e.HandleHook(context.Background(), hook))
	hook.Choice(nil)
	assert.True(t, called)
}
