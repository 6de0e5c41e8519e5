// Package chatfeed keeps a live WebSocket subscription to plant chat
// rooms and hands every delivered message to the local store.
package chatfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/plantsync/internal/models"
	"github.com/alexjbarnes/plantsync/internal/remote"
	"github.com/coder/websocket"
)

//go:generate mockgen -destination=mock_wsconn_test.go -package=chatfeed -mock_names=wsConn=MockWSConn . wsConn

const (
	pingAfter        = 25 * time.Second
	disconnectAfter  = 90 * time.Second
	heartbeatCheckAt = 10 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	wsReadLimit     = 1 << 20
	inboundChanSize = 16
	writeTimeout    = 10 * time.Second
)

// wsConn abstracts the WebSocket connection so Feed can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Sink receives normalized remote chat messages.
type Sink interface {
	IngestRemote(ctx context.Context, rec models.Record) error
}

// Config holds the parameters needed to connect to the chat stream.
type Config struct {
	URL      string
	PlantIDs []string
	// Header is sent with the upgrade request.
	Header http.Header
}

type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type envelope struct {
	Op      string `json:"op"`
	PlantID string `json:"plantId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Feed manages one WebSocket connection with automatic reconnection.
// A reader goroutine feeds inbound frames to a single event loop, which
// owns every write to the connection.
type Feed struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	dial func(ctx context.Context) (wsConn, error)

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	connected   bool
	connectedMu sync.RWMutex
}

// New creates a Feed. Nothing is dialed until Run.
func New(cfg Config, sink Sink, logger *slog.Logger) *Feed {
	f := &Feed{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
	}

	f.dial = f.dialWebSocket

	return f
}

func (f *Feed) dialWebSocket(ctx context.Context) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, f.cfg.URL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: f.cfg.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// Connected reports whether the stream is live.
func (f *Feed) Connected() bool {
	f.connectedMu.RLock()
	defer f.connectedMu.RUnlock()

	return f.connected
}

func (f *Feed) setConnected(v bool) {
	f.connectedMu.Lock()
	f.connected = v
	f.connectedMu.Unlock()
}

func (f *Feed) touchLastMessage() {
	f.lastMsgMu.Lock()
	f.lastMessage = time.Now()
	f.lastMsgMu.Unlock()
}

// Run connects and processes messages until ctx is cancelled, redialing
// with exponential backoff and jitter whenever the connection drops.
// Returns only on context cancellation or a permanent error.
func (f *Feed) Run(ctx context.Context) error {
	if len(f.cfg.PlantIDs) == 0 {
		f.logger.Info("no chat rooms configured, live feed disabled")
		<-ctx.Done()

		return ctx.Err()
	}

	backoff := reconnectMin

	for {
		connected, err := f.session(ctx)
		f.setConnected(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isPermanentError(err) {
			return fmt.Errorf("permanent error: %w", err)
		}

		if connected {
			backoff = reconnectMin
		}

		f.logger.Warn("chat stream lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		timer := time.NewTimer(backoff + jitter)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if !connected {
			backoff = min(backoff*2, reconnectMax)
		}
	}
}

// session runs one connection from dial to failure. connected reports
// whether the subscription was established.
func (f *Feed) session(ctx context.Context) (connected bool, err error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return false, err
	}

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	if err := f.subscribe(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return false, err
	}

	f.setConnected(true)
	f.touchLastMessage()
	f.logger.Info("chat stream connected", slog.Int("rooms", len(f.cfg.PlantIDs)))

	inbound := startReader(connCtx, conn)

	err = f.eventLoop(ctx, conn, inbound)
	conn.Close(websocket.StatusNormalClosure, "bye")

	return true, err
}

func (f *Feed) subscribe(ctx context.Context, conn wsConn) error {
	conn.SetReadLimit(wsReadLimit)

	for _, id := range f.cfg.PlantIDs {
		if err := writeJSON(ctx, conn, envelope{Op: "subscribe", PlantID: id}); err != nil {
			return fmt.Errorf("subscribing to %s: %w", id, err)
		}
	}

	return nil
}

// startReader reads frames until the connection fails or connCtx ends.
func startReader(connCtx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// eventLoop handles inbound frames and the heartbeat for one connection.
// Returns on read error, heartbeat timeout or ctx cancellation.
func (f *Feed) eventLoop(ctx context.Context, conn wsConn, inbound <-chan inboundMsg) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			f.touchLastMessage()

			if msg.typ != websocket.MessageText {
				f.logger.Debug("ignoring binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			f.handleInbound(ctx, msg.data)

		case <-ticker.C:
			f.lastMsgMu.Lock()
			elapsed := time.Since(f.lastMessage)
			f.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				f.logger.Warn("chat stream timed out, closing")
				conn.Close(websocket.StatusGoingAway, "timeout")

				return errors.New("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := writeJSON(ctx, conn, envelope{Op: "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleInbound processes one text frame. Frames that cannot be used are
// logged and dropped; they never tear down the connection.
func (f *Feed) handleInbound(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("unparseable text frame", slog.Int("bytes", len(data)))
		return
	}

	switch env.Op {
	case "pong", "subscribed":
		return
	case "error":
		f.logger.Warn("chat stream error", slog.String("error", env.Error))
		return
	case "", "message":
	default:
		f.logger.Debug("unexpected op", slog.String("op", env.Op))
		return
	}

	rec, err := remote.DecodeChatMessage(data)
	if err != nil {
		f.logger.Warn("dropping chat message", slog.String("error", err.Error()))
		return
	}

	if err := f.sink.IngestRemote(ctx, rec); err != nil {
		f.logger.Warn("storing chat message",
			slog.String("server_id", rec.ServerID),
			slog.String("error", err.Error()),
		)
	}
}

func writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(wctx, websocket.MessageText, data)
}

// isPermanentError reports whether the server closed the stream in a
// way that redialing cannot fix.
func isPermanentError(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation, websocket.StatusUnsupportedData:
		return true
	}

	return false
}
