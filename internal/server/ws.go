package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/murmur/internal/audit"
	"github.com/HyphaGroup/murmur/internal/logger"
	"github.com/HyphaGroup/murmur/internal/relay"
	"github.com/HyphaGroup/murmur/internal/session"
	"github.com/HyphaGroup/murmur/internal/validation"
)

// Control words a client can send instead of an instruction
const (
	commandReset = "reset"
	commandStop  = "stop"
)

// clientMessage is one frame from the browser
type clientMessage struct {
	Content string `json:"content"`
}

// wsConn adapts a websocket to session.Conn. Writes are serialized and
// bounded by a deadline.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// wsRun is the instruction currently running on a connection
type wsRun struct {
	// stopRequested is set when this connection's own stop cancelled the run
	stopRequested atomic.Bool
}

// wsSession is the per-connection state of the read loop
type wsSession struct {
	srv  *Server
	conn *wsConn
	id   string
	ctx  context.Context

	mu  sync.Mutex
	run *wsRun
	wg  sync.WaitGroup
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		notReady(w)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.origins.checkOrigin}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{conn: ws, writeTimeout: s.writeTimeout()}
	id := s.conns.Connect(c)

	ctx, cancel := context.WithCancel(logger.WithConnectionID(logger.WithSessionID(r.Context(), id), id))
	sess := &wsSession{srv: s, conn: c, id: id, ctx: ctx}
	defer sess.wg.Wait()
	defer cancel()
	defer s.conns.Disconnect(c)

	if interval := s.cfg.PingInterval.Duration; interval > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(2 * interval))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(2 * interval))
		})
		go sess.keepalive(interval)
	}

	logger.InfoContext(ctx, "websocket connected", "remote", r.RemoteAddr)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WarnContext(ctx, "websocket read failed", "error", err)
			}
			logger.InfoContext(ctx, "websocket disconnected")
			return
		}
		sess.handleMessage(data)
	}
}

func (ws *wsSession) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ws.ctx.Done():
			return
		case <-ticker.C:
			if err := ws.conn.ping(); err != nil {
				logger.DebugContext(ws.ctx, "ping failed", "error", err)
				return
			}
		}
	}
}

// send writes ev to the client; failures disconnect it
func (ws *wsSession) send(ev relay.Event) {
	_ = ws.srv.conns.Send(ws.conn, ev.Marshal())
}

func (ws *wsSession) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.WarnContext(ws.ctx, "malformed client message", "error", err)
		ws.send(relay.ErrorEvent("invalid message: " + err.Error()))
		return
	}

	switch msg.Content {
	case commandReset:
		ws.reset()
	case commandStop:
		ws.stop()
	default:
		instruction, err := validation.ValidateInstruction(msg.Content)
		if err != nil {
			ws.send(relay.ErrorEvent(err.Error()))
			return
		}
		ws.start(instruction)
	}
}

func (ws *wsSession) current() *wsRun {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.run
}

// reset clears the agent's conversation history. A running instruction
// is cancelled first; the reset reply is its only acknowledgement.
func (ws *wsSession) reset() {
	if run := ws.current(); run != nil {
		run.stopRequested.Store(true)
		if err := ws.srv.registry.Cancel(ws.id, session.SourceStop); err != nil {
			logger.ErrorContext(ws.ctx, "cancel before reset failed", "error", err)
		}
	}
	// Another connection may hold the agent; waiting must not stall this
	// read loop for the length of that run
	ctx, cancel := context.WithTimeout(ws.ctx, ws.srv.writeTimeout())
	defer cancel()
	err := ws.srv.adapter.Reset(ctx)
	audit.Record(ws.ctx, audit.OpReset, SourceWebSocket, ws.id, err)
	if err != nil {
		logger.ErrorContext(ws.ctx, "agent reset failed", "error", err)
		ws.send(relay.ErrorEvent("reset failed: " + err.Error()))
		return
	}
	logger.InfoContext(ws.ctx, "conversation reset")
	ws.send(relay.SuccessEvent(msgResetDone))
}

// stop cancels the running instruction. Once Cancel returns the relay can
// no longer emit, so the acknowledgement is the last event of the run.
func (ws *wsSession) stop() {
	if run := ws.current(); run != nil {
		run.stopRequested.Store(true)
	}
	err := ws.srv.registry.Cancel(ws.id, session.SourceStop)
	audit.Record(ws.ctx, audit.OpStop, SourceWebSocket, ws.id, err)
	if err != nil {
		logger.ErrorContext(ws.ctx, "stop failed", "error", err)
	}
	ws.send(relay.SuccessEvent(msgStopped))
}

// start begins a new instruction and relays it in the background so the
// read loop stays free to receive stop.
func (ws *wsSession) start(instruction string) {
	flag, err := ws.srv.registry.Begin(ws.id, SourceWebSocket)
	if err != nil {
		ws.send(relay.ErrorEvent("an instruction is already running"))
		return
	}

	audit.Record(ws.ctx, audit.OpInstruction, SourceWebSocket, ws.id, nil)
	run := &wsRun{}
	ws.mu.Lock()
	ws.run = run
	ws.mu.Unlock()

	sink := relay.SinkFunc(func(ev relay.Event) error {
		return ws.srv.conns.Send(ws.conn, ev.Marshal())
	})

	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()

		_, err := ws.srv.relay.Run(ws.ctx, ws.id, flag, instruction, sink)
		ws.srv.registry.Finish(ws.id, flag)

		ws.mu.Lock()
		if ws.run == run {
			ws.run = nil
		}
		ws.mu.Unlock()

		if errors.Is(err, relay.ErrCancelled) && !run.stopRequested.Load() {
			if _, live := ws.srv.conns.SessionID(ws.conn); live {
				ws.send(relay.SuccessEvent(msgStopped))
			}
		}
	}()
}
