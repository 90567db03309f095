package driver

import (
	"context"

	"github.com/usestring/powhttp-proxy/internal/flowstore"
	"github.com/usestring/powhttp-proxy/pkg/layer"
	"github.com/usestring/powhttp-proxy/pkg/layers/httplayer"
)

// Recorder stores every flow that reaches the response or error hook after
// Next has handled it.
type Recorder struct {
	Next  Handler
	Store *flowstore.Store
}

func (r *Recorder) HandleHook(ctx context.Context, h layer.Hook) error {
	if r.Next != nil {
		if err := r.Next.HandleHook(ctx, h); err != nil {
			return err
		}
	}
	switch h := h.(type) {
	case *httplayer.ResponseHook:
		r.Store.Add(h.Flow)
	case *httplayer.ErrorHook:
		r.Store.Add(h.Flow)
	}
	return nil
}
