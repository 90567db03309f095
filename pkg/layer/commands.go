package layer

import (
	"fmt"
	"log/slog"

	"github.com/usestring/powhttp-proxy/pkg/connection"
)

// Command is an output of a layer. Commands are pointers; a blocking
// command's pointer identity correlates it with its reply.
type Command interface {
	isCommand()
}

// OpenConnection asks the driver to open Conn. Answered by
// OpenConnectionReply.
type OpenConnection struct {
	Conn *connection.Connection
}

// SendData asks the driver to write Data to Conn.
type SendData struct {
	Conn *connection.Connection
	Data []byte
}

// CloseConnection asks the driver to close Conn, or only its write side.
type CloseConnection struct {
	Conn      *connection.Connection
	HalfClose bool
}

// Log is a message for the proxy log.
type Log struct {
	Level   slog.Level
	Message string
}

// Hook is an interception point handed to policy code. Every hook is
// answered by exactly one HookReply carrying the same pointer.
type Hook interface {
	Command
	Name() string
}

// HookCommand is embedded by hook types declared outside this package.
type HookCommand struct{}

func (HookCommand) isCommand() {}

func (*OpenConnection) isCommand()  {}
func (*SendData) isCommand()        {}
func (*CloseConnection) isCommand() {}
func (*Log) isCommand()             {}

func (c *OpenConnection) String() string  { return fmt.Sprintf("OpenConnection(%s)", c.Conn) }
func (c *SendData) String() string        { return fmt.Sprintf("SendData(%s, %q)", c.Conn, c.Data) }
func (c *CloseConnection) String() string { return fmt.Sprintf("CloseConnection(%s)", c.Conn) }
func (c *Log) String() string             { return fmt.Sprintf("Log(%s, %s)", c.Level, c.Message) }

// Logf builds a Log command.
func Logf(level slog.Level, format string, args ...any) *Log {
	return &Log{Level: level, Message: fmt.Sprintf(format, args...)}
}

// Coalesce merges adjacent SendData commands for the same connection.
func Coalesce(cmds []Command) []Command {
	if len(cmds) < 2 {
		return cmds
	}
	out := cmds[:1]
	for _, c := range cmds[1:] {
		prev, ok1 := out[len(out)-1].(*SendData)
		cur, ok2 := c.(*SendData)
		if ok1 && ok2 && prev.Conn == cur.Conn {
			merged := make([]byte, 0, len(prev.Data)+len(cur.Data))
			merged = append(append(merged, prev.Data...), cur.Data...)
			out[len(out)-1] = &SendData{Conn: prev.Conn, Data: merged}
			continue
		}
		out = append(out, c)
	}
	return out
}
