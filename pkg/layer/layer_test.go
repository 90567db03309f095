package layer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usestring/powhttp-proxy/pkg/connection"
)

// echoLayer records events and echoes client data back.
type echoLayer struct {
	ctx    *Context
	events []Event
}

func (e *echoLayer) Kind() Kind         { return KindTCP }
func (e *echoLayer) Context() *Context { return e.ctx }

func (e *echoLayer) HandleEvent(ev Event) []Command {
	e.events = append(e.events, ev)
	if d, ok := ev.(DataReceived); ok {
		return []Command{&SendData{Conn: d.Conn, Data: d.Data}}
	}
	return nil
}

func newTestContext() *Context {
	return NewContext(connection.NewClient(connection.Address{Host: "127.0.0.1", Port: 50000}), nil)
}

func TestCoalesce(t *testing.T) {
	a := connection.NewServer(connection.Address{Host: "a", Port: 80})
	b := connection.NewServer(connection.Address{Host: "b", Port: 80})
	closeA := &CloseConnection{Conn: a}

	cmds := Coalesce([]Command{
		&SendData{Conn: a, Data: []byte("x")},
		&SendData{Conn: a, Data: []byte("y")},
		&SendData{Conn: b, Data: []byte("z")},
		closeA,
		&SendData{Conn: a, Data: []byte("w")},
	})

	require.Len(t, cmds, 4)
	assert.Equal(t, []byte("xy"), cmds[0].(*SendData).Data)
	assert.Equal(t, b, cmds[1].(*SendData).Conn)
	assert.Same(t, closeA, cmds[2])
	assert.Equal(t, []byte("w"), cmds[3].(*SendData).Data)
}

func TestContextFork(t *testing.T) {
	ctx := newTestContext().Push(KindHTTPRegular)
	child := ctx.Fork()
	child.Server = connection.NewServer(connection.Address{Host: "example.com", Port: 443})
	child.Push(KindNextLayer)

	assert.Nil(t, ctx.Server)
	assert.Equal(t, []Kind{KindHTTPRegular}, ctx.Layers)
	assert.Equal(t, []Kind{KindHTTPRegular, KindNextLayer}, child.Layers)
	assert.Same(t, ctx.Client, child.Client)
	assert.Same(t, ctx.Options, child.Options)
}

func TestNextLayerBuffersUntilDecision(t *testing.T) {
	ctx := newTestContext()
	nl := NewNextLayer(ctx)
	assert.Nil(t, nl.HandleEvent(Start{}))

	cmds := nl.HandleEvent(DataReceived{Conn: ctx.Client, Data: []byte("hello ")})
	require.Len(t, cmds, 1)
	hook, ok := cmds[0].(*NextLayerHook)
	require.True(t, ok)
	assert.Equal(t, []byte("hello "), hook.Data)
	assert.Equal(t, []Kind{KindNextLayer}, hook.Layers)
	assert.True(t, hook.Outermost())
	assert.Equal(t, "nextlayer", hook.Name())

	// More data while the decision is pending does not issue another hook.
	assert.Nil(t, nl.HandleEvent(DataReceived{Conn: ctx.Client, Data: []byte("world")}))
	assert.Equal(t, []byte("hello world"), nl.ClientData())
	// The hook payload is a snapshot.
	assert.Equal(t, []byte("hello "), hook.Data)

	child := &echoLayer{ctx: ctx}
	var built *Context
	hook.Choice = func(c *Context) Layer {
		built = c
		return child
	}
	assert.Nil(t, nl.Layer())
	cmds = nl.HandleEvent(HookReply{Hook: hook})
	assert.Same(t, ctx, built)
	assert.Same(t, child, nl.Layer())

	require.Len(t, cmds, 1)
	assert.Equal(t, []byte("hello world"), cmds[0].(*SendData).Data)
	require.Len(t, child.events, 3)
	assert.IsType(t, Start{}, child.events[0])

	// Afterwards events go straight to the child.
	cmds = nl.HandleEvent(DataReceived{Conn: ctx.Client, Data: []byte("!")})
	require.Len(t, cmds, 1)
	assert.Len(t, child.events, 4)
}

func TestNextLayerHookSnapshotsNestedStack(t *testing.T) {
	ctx := newTestContext()
	ctx.Push(KindHTTPRegular)
	nl := NewNextLayer(ctx.Fork())

	cmds := nl.HandleEvent(DataReceived{Conn: ctx.Client, Data: []byte("\x16\x03")})
	hook := cmds[0].(*NextLayerHook)
	assert.Equal(t, []Kind{KindHTTPRegular, KindNextLayer}, hook.Layers)
	assert.False(t, hook.Outermost())

	// Building the child extends the stack's own context, not the snapshot.
	hook.Choice = func(c *Context) Layer {
		c.Push(KindTCP)
		return &echoLayer{ctx: c}
	}
	nl.HandleEvent(HookReply{Hook: hook})
	assert.Equal(t, []Kind{KindHTTPRegular, KindNextLayer, KindTCP}, nl.Context().Layers)
	assert.Equal(t, []Kind{KindHTTPRegular, KindNextLayer}, hook.Layers)
}

func TestNextLayerWithoutDecisionClosesClient(t *testing.T) {
	ctx := newTestContext()
	nl := NewNextLayer(ctx)
	cmds := nl.HandleEvent(DataReceived{Conn: ctx.Client, Data: []byte("x")})
	hook := cmds[0].(*NextLayerHook)

	cmds = nl.HandleEvent(HookReply{Hook: hook})
	require.Len(t, cmds, 2)
	assert.IsType(t, &Log{}, cmds[0])
	assert.Equal(t, ctx.Client, cmds[1].(*CloseConnection).Conn)
	assert.Nil(t, nl.HandleEvent(DataReceived{Conn: ctx.Client, Data: []byte("y")}))
}

func TestNextLayerClientClosesBeforeData(t *testing.T) {
	ctx := newTestContext()
	ctx.Server = connection.NewServer(connection.Address{Host: "example.com", Port: 80})
	ctx.Server.State = connection.Open
	nl := NewNextLayer(ctx)

	cmds := nl.HandleEvent(ConnectionClosed{Conn: ctx.Client})
	require.Len(t, cmds, 2)
	assert.Equal(t, ctx.Server, cmds[0].(*CloseConnection).Conn)
	assert.Equal(t, ctx.Client, cmds[1].(*CloseConnection).Conn)
}
