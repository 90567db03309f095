package layer

import (
	"log/slog"
)

// Factory builds a layer on ctx. It is called by the goroutine that owns the
// stack.
type Factory func(ctx *Context) Layer

// NextLayerHook asks policy code which layer should handle a connection. The
// payload is a snapshot; the reply must set Choice.
type NextLayerHook struct {
	// Data is a copy of the client bytes received before the hook was issued.
	Data []byte
	// Layers is a copy of the enclosing stack, ending with the NextLayer.
	Layers []Kind
	// Choice builds the child layer.
	Choice Factory
}

func (*NextLayerHook) isCommand()   {}
func (*NextLayerHook) Name() string { return "nextlayer" }

// Outermost reports whether the decision is for the client-facing layer.
func (h *NextLayerHook) Outermost() bool { return len(h.Layers) == 1 }

// NextLayer defers the choice of protocol layer until the first client bytes
// are known. Events are buffered until the decision arrives and are then
// replayed to the chosen layer, which handles everything afterwards.
type NextLayer struct {
	layer      Layer
	ctx        *Context
	pending    *NextLayerHook
	buffered   []Event
	clientData []byte
	failed     bool
}

// NewNextLayer creates a NextLayer for ctx.
func NewNextLayer(ctx *Context) *NextLayer {
	ctx.Push(KindNextLayer)
	return &NextLayer{ctx: ctx}
}

func (n *NextLayer) Kind() Kind         { return KindNextLayer }
func (n *NextLayer) Context() *Context { return n.ctx }

// Layer returns the chosen child, or nil before the decision.
func (n *NextLayer) Layer() Layer { return n.layer }

// ClientData returns the client bytes received before the decision.
func (n *NextLayer) ClientData() []byte { return n.clientData }

func (n *NextLayer) HandleEvent(ev Event) []Command {
	if n.failed {
		return nil
	}
	if n.layer != nil {
		return n.layer.HandleEvent(ev)
	}

	switch e := ev.(type) {
	case Start:
		return nil

	case HookReply:
		if n.pending == nil || e.Hook != Hook(n.pending) {
			n.buffered = append(n.buffered, ev)
			return nil
		}
		choice := n.pending.Choice
		n.pending = nil
		if choice != nil {
			n.layer = choice(n.ctx)
		}
		if n.layer == nil {
			n.failed = true
			return []Command{
				Logf(slog.LevelError, "no layer selected for connection from %s", n.ctx.Client.Address),
				&CloseConnection{Conn: n.ctx.Client},
			}
		}
		cmds := n.layer.HandleEvent(Start{})
		buffered := n.buffered
		n.buffered = nil
		for _, b := range buffered {
			cmds = append(cmds, n.layer.HandleEvent(b)...)
		}
		return Coalesce(cmds)

	case DataReceived:
		n.buffered = append(n.buffered, ev)
		if e.Conn != n.ctx.Client {
			return nil
		}
		n.clientData = append(n.clientData, e.Data...)
		if n.pending != nil {
			return nil
		}
		n.pending = &NextLayerHook{
			Data:   append([]byte(nil), n.clientData...),
			Layers: append([]Kind(nil), n.ctx.Layers...),
		}
		return []Command{n.pending}

	case ConnectionClosed:
		if e.Conn == n.ctx.Client && n.pending == nil {
			n.failed = true
			var cmds []Command
			if s := n.ctx.Server; s != nil && s.Connected() {
				cmds = append(cmds, &CloseConnection{Conn: s})
			}
			return append(cmds, &CloseConnection{Conn: n.ctx.Client})
		}
		n.buffered = append(n.buffered, ev)
		return nil

	default:
		n.buffered = append(n.buffered, ev)
		return nil
	}
}
