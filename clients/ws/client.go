// Package ws provides a WebSocket client for the taskstore gateway.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"

	wsprotocol "github.com/dohr-michael/taskstore/internal/gateway/ws"
)

// Client is a WebSocket client for the taskstore gateway.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to the gateway WebSocket endpoint, e.g.
// ws://127.0.0.1:18421/api/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

// Request sends a request frame and returns its id. The matching response
// arrives through ReadFrame, possibly after event frames.
func (c *Client) Request(method wsprotocol.Method, params any) (string, error) {
	seq := atomic.AddUint64(&c.reqSeq, 1)

	frame := wsprotocol.Frame{
		Type:   wsprotocol.FrameTypeRequest,
		ID:     fmt.Sprintf("req-%d", seq),
		Method: string(method),
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return "", err
		}
		frame.Params = raw
	}

	data, err := wsprotocol.MarshalFrame(frame)
	if err != nil {
		return "", err
	}
	return frame.ID, c.conn.Write(c.ctx, websocket.MessageText, data)
}

// Call sends a request and waits for its response. Event frames read while
// waiting are passed to onEvent, which may be nil.
func (c *Client) Call(method wsprotocol.Method, params any, onEvent func(wsprotocol.Frame)) (wsprotocol.Frame, error) {
	id, err := c.Request(method, params)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	for {
		f, err := c.ReadFrame()
		if err != nil {
			return wsprotocol.Frame{}, err
		}
		if f.Type == wsprotocol.FrameTypeResponse && f.ID == id {
			if f.OK == nil || !*f.OK {
				return f, fmt.Errorf("%s: %s", method, f.Error)
			}
			return f, nil
		}
		if f.Type == wsprotocol.FrameTypeEvent && onEvent != nil {
			onEvent(f)
		}
	}
}

// ReadFrame reads the next frame from the connection.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
