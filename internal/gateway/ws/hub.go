// Package ws streams task change notifications to WebSocket clients and
// answers a small set of task queries over the same connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/dohr-michael/taskstore/internal/events"
	"github.com/dohr-michael/taskstore/internal/tasks"
)

// Client represents a connected WebSocket client.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub manages WebSocket clients and bridges them to the event bus.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	bus         *events.Bus
	store       tasks.Store
	logger      *slog.Logger
	unsubscribe func()
}

// NewHub creates a new WebSocket hub connected to an event bus.
func NewHub(bus *events.Bus, store tasks.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients: make(map[*Client]struct{}),
		bus:     bus,
		store:   store,
		logger:  logger,
	}

	// Subscribe to all events and bridge to WS clients
	h.unsubscribe = bus.Subscribe(func(e events.Event) {
		frame, err := NewEventFrame(string(e.Type), e.TaskID, e)
		if err != nil {
			h.logger.Error("marshal event frame", "error", err)
			return
		}
		data, err := MarshalFrame(frame)
		if err != nil {
			h.logger.Error("marshal frame", "error", err)
			return
		}
		h.broadcast(data)
	})

	return h
}

// broadcast sends data to all connected clients.
func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.logger.Info("ws client connected", "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Info("ws client disconnected", "clients", len(h.clients))
	}
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
// Browser clients must be same-origin.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.register(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// readPump reads frames from the WS connection and dispatches them.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.hub.logger.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				c.hub.logger.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			c.sendError("", "invalid frame")
			continue
		}

		switch frame.Type {
		case FrameTypeRequest:
			c.handleRequest(frame)
		default:
			c.hub.logger.Debug("ws unknown frame type", "type", frame.Type)
		}
	}
}

type taskParams struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// handleRequest processes a request frame (method dispatch).
func (c *Client) handleRequest(frame Frame) {
	h := c.hub
	switch Method(frame.Method) {
	case MethodListTasks:
		var params struct {
			Status string `json:"status"`
		}
		if len(frame.Params) > 0 {
			if err := json.Unmarshal(frame.Params, &params); err != nil {
				c.sendError(frame.ID, "invalid params")
				return
			}
		}
		var (
			ids []tasks.TaskID
			err error
		)
		if params.Status != "" {
			status, perr := tasks.ParseStatus(params.Status)
			if perr != nil {
				c.sendError(frame.ID, perr.Error())
				return
			}
			ids, err = h.store.TaskIDsByStatus(status)
		} else {
			ids, err = h.store.TaskIDs()
		}
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		c.sendOK(frame.ID, ids)

	case MethodCheckTask:
		p, ok := c.taskParams(frame)
		if !ok {
			return
		}
		m, err := h.store.LoadMetadata(p.id)
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		if m == nil {
			c.sendError(frame.ID, fmt.Sprintf("task %s not found", p.id))
			return
		}
		c.sendOK(frame.ID, m)

	case MethodCancelTask:
		p, ok := c.taskParams(frame)
		if !ok {
			return
		}
		m, err := tasks.Cancel(h.store, p.id, p.reason)
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		if m == nil {
			c.sendError(frame.ID, fmt.Sprintf("task %s not found", p.id))
			return
		}
		h.bus.Publish(events.NewEvent(events.EventTaskCancelled, events.SourceWS, p.id.String(),
			map[string]any{"reason": p.reason}))
		c.sendOK(frame.ID, m)

	case MethodHistory:
		var params struct {
			Limit int `json:"limit"`
		}
		if len(frame.Params) > 0 {
			if err := json.Unmarshal(frame.Params, &params); err != nil {
				c.sendError(frame.ID, "invalid params")
				return
			}
		}
		if params.Limit <= 0 {
			params.Limit = 50
		}
		history := h.bus.History(params.Limit)
		if history == nil {
			history = []events.Event{}
		}
		c.sendOK(frame.ID, history)

	default:
		c.sendError(frame.ID, "unknown method: "+frame.Method)
	}
}

type parsedTask struct {
	id     tasks.TaskID
	reason string
}

func (c *Client) taskParams(frame Frame) (parsedTask, bool) {
	var params taskParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.sendError(frame.ID, "invalid params")
		return parsedTask{}, false
	}
	id, err := tasks.NewTaskID(params.TaskID)
	if err != nil {
		c.sendError(frame.ID, err.Error())
		return parsedTask{}, false
	}
	return parsedTask{id: id, reason: params.Reason}, true
}

// writePump writes queued messages to the WS connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				if !errors.Is(err, context.Canceled) {
					c.hub.logger.Debug("ws write error", "error", err)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(id string, payload any) {
	c.reply(NewResponseFrame(id, true, payload, ""))
}

func (c *Client) sendError(id string, errMsg string) {
	c.reply(NewResponseFrame(id, false, nil, errMsg))
}

// reply queues a response. Responses are sent from the read goroutine, so
// c.send is still open here.
func (c *Client) reply(f Frame, err error) {
	if err != nil {
		c.hub.logger.Error("ws build response", "error", err)
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
	}
}
