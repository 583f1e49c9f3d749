package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/logic/motion"
	"github.com/cjeanneret/RampGo/internal/ramp"
)

const (
	wsMaxMessageBytes = 64 * 1024
	wsPongWait        = 60 * time.Second
	wsPingPeriod      = 30 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Command is a control request received on /ws.
//
//	{"op":"start","channel":0}
//	{"op":"ramp","ramp":{"cycle_seconds":3}}
//	{"op":"stop_all"}
type Command struct {
	Op      string      `json:"op"`
	Channel *int        `json:"channel,omitempty"`
	Ramp    *RampUpdate `json:"ramp,omitempty"`
}

// Response answers a Command. On success it carries the state after the
// command ran.
type Response struct {
	Op       string          `json:"op"`
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	Channels []motion.Status `json:"channels,omitempty"`
	Ramp     *ramp.Params    `json:"ramp,omitempty"`
}

// Execute runs one command against the controller.
func (h *Handlers) Execute(cmd Command) Response {
	resp := Response{Op: cmd.Op}
	if h.ctrl == nil || h.store == nil {
		resp.Error = errNoController.Error()
		return resp
	}

	var err error
	switch cmd.Op {
	case "start", "stop", "direction":
		if cmd.Channel == nil {
			err = errors.New("channel is required")
			break
		}
		err = h.channelAction(*cmd.Channel, cmd.Op)
	case "stop_all":
		err = h.ctrl.StopAll()
	case "ramp":
		if cmd.Ramp == nil {
			err = errors.New("ramp is required")
			break
		}
		_, err = h.applyRamp(*cmd.Ramp)
	case "status":
	default:
		err = fmt.Errorf("%w %q", errUnknownOp, cmd.Op)
	}
	if err != nil {
		resp.Error = err.Error()
		return resp
	}

	p := h.store.Snapshot()
	resp.OK = true
	resp.Channels = h.ctrl.Statuses()
	resp.Ramp = &p
	return resp
}

// wsClient is one WebSocket connection. Responses and broadcast events
// are written by writePump only.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	h      *Handlers
	sendCh chan Response
	done   chan struct{}
	once   sync.Once
}

// Send queues a response; it is dropped if the client is not keeping up.
func (c *wsClient) Send(resp Response) {
	select {
	case c.sendCh <- resp:
	case <-c.done:
	default:
		debug.Verbose("ws client %d: dropping response (queue full)", c.id)
	}
}

// Close closes the connection once.
func (c *wsClient) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(wsMaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws client %d: read error: %v", c.id, err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.Send(Response{Error: "invalid JSON"})
			continue
		}
		c.Send(c.h.Execute(cmd))
	}
}

// writePump forwards responses and broadcast events. events may be nil.
func (c *wsClient) writePump(events <-chan string) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case resp := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(resp); err != nil {
				return
			}

		case evt, ok := <-events:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(evt)); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// HandleWebSocket handles GET /ws. Each text message is a Command; each
// gets one Response. Broadcast events (StatusEvent) are pushed as they occur.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	c := &wsClient{
		id:     h.wsNextID.Add(1),
		conn:   conn,
		h:      h,
		sendCh: make(chan Response, 16),
		done:   make(chan struct{}),
	}
	debug.Verbose("ws client %d connected from %s", c.id, r.RemoteAddr)

	var events <-chan string
	if h.Broadcaster != nil {
		ch, unsub := h.Broadcaster.Subscribe()
		defer unsub()
		events = ch
	}

	go c.writePump(events)
	c.readPump() // blocks until the connection closes
	debug.Verbose("ws client %d disconnected", c.id)
}
