// Package mcp exposes a sandbox session to MCP clients. Tools talk to the
// session the way a GUI would: python-dialect frames over a session client.
package mcp

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/zot/sandbox/internal/sandbox"
	"github.com/zot/sandbox/internal/session"
)

// CallError is an in-band failure reported by the sandbox.
type CallError struct {
	Op       string
	Messages []string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, strings.Join(e.Messages, "; "))
}

// Bridge is an attached session client that pairs requests with replies
// and collects delta entries.
type Bridge struct {
	client   *session.Client
	mu       sync.Mutex
	seq      int
	replies  map[int]map[string]any
	deltas   []any
	greeting map[string]any
}

// NewBridge attaches to sess, which must speak the python dialect.
func NewBridge(sess *session.Session) (*Bridge, error) {
	if sess.Dialect != sandbox.DialectPython {
		return nil, errors.Errorf("bridge needs a %s session, not %s", sandbox.DialectPython, sess.Dialect)
	}
	b := &Bridge{replies: map[int]map[string]any{}}
	client, err := sess.Connect(b.deliver)
	if err != nil {
		return nil, err
	}
	b.client = client
	return b, nil
}

// deliver runs on the session loop.
func (b *Bridge) deliver(data string) {
	var frame map[string]any
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case frame["op"] == "delta":
		if entries, ok := frame["result"].([]any); ok {
			b.deltas = append(b.deltas, entries...)
		}
	case frame["request_id"] != nil:
		if id, ok := frame["request_id"].(float64); ok {
			b.replies[int(id)] = frame
		}
	default:
		b.greeting = frame
	}
}

// Call sends op with params and returns the reply. A reply carrying err
// is returned along with a *CallError.
func (b *Bridge) Call(op string, params map[string]any) (map[string]any, error) {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.mu.Unlock()

	frame := maps.Clone(params)
	if frame == nil {
		frame = map[string]any{}
	}
	frame["op"] = op
	frame["request_id"] = id
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if err := b.client.Send(data); err != nil {
		return nil, errors.Wrapf(err, "sending %s", op)
	}

	b.mu.Lock()
	reply, ok := b.replies[id]
	delete(b.replies, id)
	b.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("no reply to %s", op)
	}
	if msgs := replyErrors(reply["err"]); len(msgs) > 0 {
		return reply, &CallError{Op: op, Messages: msgs}
	}
	return reply, nil
}

func replyErrors(v any) []string {
	switch v := v.(type) {
	case string:
		return []string{v}
	case []any:
		msgs := make([]string, 0, len(v))
		for _, m := range v {
			msgs = append(msgs, fmt.Sprint(m))
		}
		return msgs
	}
	return nil
}

// Changes returns and clears the delta entries seen since the last call.
func (b *Bridge) Changes() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.deltas
	b.deltas = nil
	if out == nil {
		out = []any{}
	}
	return out
}

// Greeting returns the frame the sandbox sent on connect.
func (b *Bridge) Greeting() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.greeting
}

// Close detaches from the session.
func (b *Bridge) Close() {
	b.client.Close()
}
