package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrConnClosed = errors.New("devtools connection closed")

// message is a DevTools protocol frame. Responses carry ID, events carry
// Method.
type message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

// ProtocolError is an error returned by the browser for a command
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("devtools error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("devtools error %d: %s", e.Code, e.Message)
}

// Conn is a DevTools protocol connection to one target
type Conn struct {
	ws *websocket.Conn

	writeMutex sync.Mutex
	nextID     atomic.Int64

	pendingMutex sync.Mutex
	pending      map[int64]chan *message

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Dial connects to a target's webSocketDebuggerUrl
func Dial(ctx context.Context, url string) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial devtools %s: %w", url, err)
	}

	c := &Conn{
		ws:      ws,
		pending: make(map[int64]chan *message),
		done:    make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// Call sends a command and decodes its result into result (which may be
// nil). It returns when the browser answers, ctx ends or the connection
// drops.
func (c *Conn) Call(ctx context.Context, method string, params, result interface{}) error {
	id := c.nextID.Add(1)
	req := struct {
		ID     int64       `json:"id"`
		Method string      `json:"method"`
		Params interface{} `json:"params,omitempty"`
	}{ID: id, Method: method, Params: params}

	reply := make(chan *message, 1)
	c.pendingMutex.Lock()
	c.pending[id] = reply
	c.pendingMutex.Unlock()
	defer func() {
		c.pendingMutex.Lock()
		delete(c.pending, id)
		c.pendingMutex.Unlock()
	}()

	c.writeMutex.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetWriteDeadline(deadline)
	} else {
		c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	err := c.ws.WriteJSON(req)
	c.writeMutex.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case msg := <-reply:
		if msg.Error != nil {
			return fmt.Errorf("%s: %w", method, msg.Error)
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("%s: %w", method, c.Err())
	}
}

// Done is closed when the connection is gone
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed
func (c *Conn) Err() error {
	select {
	case <-c.done:
		if c.err != nil {
			return c.err
		}
		return ErrConnClosed
	default:
		return nil
	}
}

// Close closes the connection
func (c *Conn) Close() error {
	c.shutdown(ErrConnClosed)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.writeMutex.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMutex.Unlock()
		c.ws.Close()
		close(c.done)
	})
}

func (c *Conn) readPump() {
	for {
		var msg message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.shutdown(ErrConnClosed)
			} else {
				c.shutdown(fmt.Errorf("%w: %v", ErrConnClosed, err))
			}
			return
		}

		// Protocol events are not subscribed to
		if msg.ID == 0 {
			continue
		}

		c.pendingMutex.Lock()
		reply, ok := c.pending[msg.ID]
		c.pendingMutex.Unlock()
		if ok {
			m := msg
			reply <- &m
		}
	}
}
