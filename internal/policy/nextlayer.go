package policy

import (
	"github.com/usestring/powhttp-proxy/pkg/http1"
	"github.com/usestring/powhttp-proxy/pkg/layer"
	"github.com/usestring/powhttp-proxy/pkg/layers/httplayer"
	"github.com/usestring/powhttp-proxy/pkg/layers/tcp"
)

// DecideNextLayer picks the layer for a connection from its first bytes.
//
// A regular proxy speaks HTTP to its clients, so the outermost layer is always
// the regular HTTP layer. Everywhere else, bytes that start like an HTTP/1
// request line get the transparent HTTP layer and anything else, TLS included,
// is relayed untouched.
func DecideNextLayer(h *layer.NextLayerHook, mode httplayer.Mode) layer.Factory {
	if h.Outermost() && mode == httplayer.ModeRegular {
		return httplayer.Factory(httplayer.ModeRegular)
	}
	if http1.LooksLikeRequest(h.Data) {
		return httplayer.Factory(httplayer.ModeTransparent)
	}
	return tcp.Factory
}
