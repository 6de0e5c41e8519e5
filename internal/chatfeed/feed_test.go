package chatfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/plantsync/internal/models"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakeSink struct {
	mu   sync.Mutex
	recs []models.Record
}

func (s *fakeSink) IngestRemote(_ context.Context, rec models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs = append(s.recs, rec)

	return nil
}

func (s *fakeSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, r := range s.recs {
		out = append(out, r.ServerID)
	}

	return out
}

func newTestFeed(sink Sink, plantIDs ...string) *Feed {
	return New(Config{URL: "ws://example.invalid/chat-messages/stream", PlantIDs: plantIDs}, sink, slog.Default())
}

// blockRead makes every Read wait for the connection context to end.
func blockRead(mock *MockWSConn) {
	mock.EXPECT().Read(gomock.Any()).AnyTimes().DoAndReturn(
		func(ctx context.Context) (websocket.MessageType, []byte, error) {
			<-ctx.Done()
			return 0, nil, ctx.Err()
		})
}

// --- subscribe ---

func TestSubscribe_WritesPerPlant(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	f := newTestFeed(&fakeSink{}, "p1", "p2")

	mock.EXPECT().SetReadLimit(int64(wsReadLimit))
	gomock.InOrder(
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`{"op":"subscribe","plantId":"p1"}`)).Return(nil),
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`{"op":"subscribe","plantId":"p2"}`)).Return(nil),
	)

	require.NoError(t, f.subscribe(context.Background(), mock))
}

func TestSubscribe_WriteError(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	f := newTestFeed(&fakeSink{}, "p1", "p2")

	mock.EXPECT().SetReadLimit(gomock.Any())
	mock.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("broken pipe"))

	err := f.subscribe(context.Background(), mock)
	assert.ErrorContains(t, err, "subscribing to p1")
	assert.ErrorContains(t, err, "broken pipe")
}

// --- handleInbound ---

func TestHandleInbound(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  []string
	}{
		{"wrapped message", `{"op":"message","message":{"_id":"m1","plantId":"p1","author":"a","text":"hi","chattime":"2026-03-01T10:30:00Z"}}`, []string{"m1"}},
		{"bare message", `{"_id":"m2","plantId":"p1","author":"a","text":"hi","time":1772361000000}`, []string{"m2"}},
		{"pong", `{"op":"pong"}`, nil},
		{"server error", `{"op":"error","error":"bad room"}`, nil},
		{"unknown op", `{"op":"typing","plantId":"p1"}`, nil},
		{"not json", `hello`, nil},
		{"message without id", `{"op":"message","message":{"plantId":"p1","text":"x"}}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{}
			f := newTestFeed(sink, "p1")

			f.handleInbound(context.Background(), []byte(tt.frame))

			assert.Equal(t, tt.want, sink.ids())
		})
	}
}

func TestHandleInbound_NormalizedRecord(t *testing.T) {
	sink := &fakeSink{}
	f := newTestFeed(sink, "p1")

	f.handleInbound(context.Background(), []byte(`{"op":"message","message":{"_id":"m1","plantId":"p1","author":"bob","text":"hi","chatTime":"2026-03-01T10:30:00Z"}}`))

	require.Len(t, sink.recs, 1)
	rec := sink.recs[0]
	assert.Equal(t, models.KindChatMessages, rec.Kind)
	assert.Equal(t, models.OriginRemote, rec.Origin)
	assert.Equal(t, "bob", rec.Payload.Chat.Author)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), rec.Payload.Chat.Time)
}

// --- eventLoop ---

func TestEventLoop_DeliversFrames(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockWSConn(ctrl)
		sink := &fakeSink{}
		f := newTestFeed(sink, "p1")
		f.touchLastMessage()

		inbound := make(chan inboundMsg, 2)
		inbound <- inboundMsg{typ: websocket.MessageText, data: []byte(`{"_id":"m1","plantId":"p1","text":"a"}`)}
		inbound <- inboundMsg{err: errors.New("connection reset")}

		err := f.eventLoop(context.Background(), mock, inbound)

		assert.ErrorContains(t, err, "connection reset")
		assert.Equal(t, []string{"m1"}, sink.ids())
	})
}

func TestEventLoop_IgnoresBinary(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockWSConn(ctrl)
		sink := &fakeSink{}
		f := newTestFeed(sink, "p1")
		f.touchLastMessage()

		inbound := make(chan inboundMsg, 2)
		inbound <- inboundMsg{typ: websocket.MessageBinary, data: []byte(`{"_id":"m1"}`)}
		inbound <- inboundMsg{err: errors.New("eof")}

		_ = f.eventLoop(context.Background(), mock, inbound)
		assert.Empty(t, sink.ids())
	})
}

func TestEventLoop_PingsThenTimesOut(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockWSConn(ctrl)
		f := newTestFeed(&fakeSink{}, "p1")
		f.touchLastMessage()

		var pings atomic.Int32

		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`{"op":"ping"}`)).AnyTimes().DoAndReturn(
			func(context.Context, websocket.MessageType, []byte) error {
				pings.Add(1)
				return nil
			})
		mock.EXPECT().Close(websocket.StatusGoingAway, "timeout").Return(nil)

		start := time.Now()
		err := f.eventLoop(context.Background(), mock, make(chan inboundMsg))

		assert.ErrorContains(t, err, "heartbeat timeout")
		assert.Equal(t, 100*time.Second, time.Since(start))
		// Checks at 30s through 90s are past pingAfter but not disconnectAfter.
		assert.Equal(t, int32(7), pings.Load())
	})
}

// --- Run ---

func TestRun_NoRoomsIdles(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newTestFeed(&fakeSink{})
		f.dial = func(context.Context) (wsConn, error) {
			t.Fatal("dial should not be called")
			return nil, nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)

		go func() { errCh <- f.Run(ctx) }()

		synctest.Wait()
		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)
	})
}

func TestRun_ReconnectsWithBackoff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockWSConn(ctrl)

		mock.EXPECT().SetReadLimit(gomock.Any()).AnyTimes()
		mock.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes().Return(nil)
		mock.EXPECT().Close(gomock.Any(), gomock.Any()).AnyTimes().Return(nil)
		blockRead(mock)

		var dials atomic.Int32

		f := newTestFeed(&fakeSink{}, "p1")
		f.dial = func(context.Context) (wsConn, error) {
			if dials.Add(1) == 1 {
				return nil, errors.New("connection refused")
			}

			return mock, nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)

		go func() { errCh <- f.Run(ctx) }()

		synctest.Wait()
		assert.Equal(t, int32(1), dials.Load())
		assert.False(t, f.Connected())

		// First retry waits reconnectMin plus up to half of it in jitter.
		time.Sleep(reconnectMin + reconnectMin/2)
		synctest.Wait()
		assert.Equal(t, int32(2), dials.Load())
		assert.True(t, f.Connected())

		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)
		assert.False(t, f.Connected())
	})
}

func TestRun_PermanentCloseStops(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockWSConn(ctrl)

		mock.EXPECT().SetReadLimit(gomock.Any())
		mock.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageType(0), nil,
			websocket.CloseError{Code: websocket.StatusPolicyViolation, Reason: "unauthorized"})
		mock.EXPECT().Close(websocket.StatusNormalClosure, "bye").Return(nil)

		f := newTestFeed(&fakeSink{}, "p1")
		f.dial = func(context.Context) (wsConn, error) { return mock, nil }

		err := f.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permanent error")
	})
}

func TestIsPermanentError(t *testing.T) {
	assert.True(t, isPermanentError(fmt.Errorf("reading: %w", websocket.CloseError{Code: websocket.StatusPolicyViolation})))
	assert.False(t, isPermanentError(fmt.Errorf("reading: %w", websocket.CloseError{Code: websocket.StatusGoingAway})))
	assert.False(t, isPermanentError(errors.New("connection reset")))
	assert.False(t, isPermanentError(nil))
}
