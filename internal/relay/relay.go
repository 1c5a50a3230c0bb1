package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/domain"
	"github.com/PlebeianApp/market-sub007/internal/store"
)

// ErrNotConnected is returned for operations needing a live connection while
// the transport is between reconnect attempts.
var ErrNotConnected = errors.New("relay: not connected")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	publishAckWait = 10 * time.Second
	maxFrameSize   = 1 << 20
)

// Transport maintains one websocket connection to a relay, reconnecting with
// exponential backoff and re-issuing active subscriptions after each
// reconnect. Redeliveries caused by resubscription are deduplicated upstream
// by the store client.
type Transport struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]*relaySub
	acks map[string]chan ackResult

	done      chan struct{}
	closeOnce sync.Once
	seq       atomic.Uint64
}

type relaySub struct {
	id       string
	filter   store.Filter
	out      chan domain.Message
	caughtUp chan struct{}

	caughtOnce sync.Once
	cancelOnce sync.Once
	done       chan struct{}
}

type ackResult struct {
	ok     bool
	reason string
}

func New(url string, logger *zap.Logger) *Transport {
	t := &Transport{
		url:    url,
		logger: logger.With(zap.String("relay", url)),
		subs:   make(map[string]*relaySub),
		acks:   make(map[string]chan ackResult),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Transport) Name() string { return t.url }

// run owns the connection: dial, resubscribe, read until failure, repeat.
func (t *Transport) run() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; the medium is expected to flap

	for {
		select {
		case <-t.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(t.url, nil)
		if err != nil {
			wait := bo.NextBackOff()
			t.logger.Warn("relay dial failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-time.After(wait):
				continue
			case <-t.done:
				return
			}
		}
		bo.Reset()
		t.logger.Info("relay connected")

		conn.SetReadLimit(maxFrameSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		t.mu.Lock()
		t.conn = conn
		for _, s := range t.subs {
			if err := t.writeLocked(encodeReqFrame(s)); err != nil {
				t.logger.Warn("resubscribe failed", zap.String("sub", s.id), zap.Error(err))
			}
		}
		t.mu.Unlock()

		stopPing := make(chan struct{})
		go t.pingLoop(conn, stopPing)
		t.readLoop(conn)
		close(stopPing)

		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		_ = conn.Close()

		select {
		case <-t.done:
			return
		default:
			t.logger.Warn("relay disconnected, reconnecting")
		}
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			if t.conn == conn {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.PingMessage, nil)
			}
			t.mu.Unlock()
		case <-stop:
			return
		case <-t.done:
			return
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := decodeFrame(data)
		if err != nil {
			t.logger.Debug("dropping bad frame", zap.Error(err))
			continue
		}
		switch frame.kind {
		case frameEvent:
			t.dispatchEvent(frame.subID, *frame.event)
		case frameEOSE:
			t.mu.Lock()
			s := t.subs[frame.subID]
			t.mu.Unlock()
			if s != nil {
				s.caughtOnce.Do(func() { close(s.caughtUp) })
			}
		case frameOK:
			t.mu.Lock()
			ch := t.acks[frame.eventID]
			delete(t.acks, frame.eventID)
			t.mu.Unlock()
			if ch != nil {
				ch <- ackResult{ok: frame.ok, reason: frame.reason}
			}
		}
	}
}

func (t *Transport) dispatchEvent(subID string, m domain.Message) {
	t.mu.Lock()
	s := t.subs[subID]
	t.mu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.out <- m:
	case <-s.done:
	case <-t.done:
	}
}

// Subscribe registers the filter and issues a REQ on the current connection
// (or on the next reconnect if the relay is down right now).
func (t *Transport) Subscribe(ctx context.Context, f store.Filter) (*store.TransportSub, error) {
	return t.subscribe(ctx, f)
}

func (t *Transport) subscribe(_ context.Context, f store.Filter) (*store.TransportSub, error) {
	s := &relaySub{
		id:       fmt.Sprintf("sub-%d", t.seq.Add(1)),
		filter:   f,
		out:      make(chan domain.Message, 64),
		caughtUp: make(chan struct{}),
		done:     make(chan struct{}),
	}

	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return nil, ErrNotConnected
	default:
	}
	t.subs[s.id] = s
	if t.conn != nil {
		if err := t.writeLocked(encodeReqFrame(s)); err != nil {
			t.logger.Warn("subscribe write failed, deferring to reconnect",
				zap.String("sub", s.id), zap.Error(err))
		}
	}
	t.mu.Unlock()

	cancel := func() {
		s.cancelOnce.Do(func() {
			close(s.done)
			t.mu.Lock()
			delete(t.subs, s.id)
			if t.conn != nil {
				if data, err := encodeClose(s.id); err == nil {
					_ = t.writeLocked(data)
				}
			}
			t.mu.Unlock()
		})
	}
	return &store.TransportSub{Messages: s.out, CaughtUp: s.caughtUp, Cancel: cancel}, nil
}

// Fetch runs a one-shot subscription and collects until end-of-stored-events
// or the context deadline, whichever comes first. A deadline returns what
// was gathered so far.
func (t *Transport) Fetch(ctx context.Context, f store.Filter) ([]domain.Message, error) {
	ts, err := t.subscribe(ctx, f)
	if err != nil {
		return nil, err
	}
	defer ts.Cancel()

	var out []domain.Message
	for {
		select {
		case m, ok := <-ts.Messages:
			if !ok {
				return out, nil
			}
			out = append(out, m)
			if f.Limit > 0 && len(out) >= f.Limit {
				return out, nil
			}
		case <-ts.CaughtUp:
			// drain whatever is already buffered, then stop
			for {
				select {
				case m, ok := <-ts.Messages:
					if !ok {
						return out, nil
					}
					out = append(out, m)
				default:
					return out, nil
				}
			}
		case <-ctx.Done():
			return out, nil
		}
	}
}

// Publish sends the event and waits for the relay's OK acknowledgement.
func (t *Transport) Publish(ctx context.Context, m domain.Message) error {
	data, err := encodeEvent(m)
	if err != nil {
		return err
	}
	ack := make(chan ackResult, 1)

	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.acks[m.ID] = ack
	err = t.writeLocked(data)
	t.mu.Unlock()
	if err != nil {
		t.dropAck(m.ID)
		return err
	}

	timer := time.NewTimer(publishAckWait)
	defer timer.Stop()
	select {
	case res := <-ack:
		if !res.ok {
			return fmt.Errorf("relay rejected event %s: %s", m.ID, res.reason)
		}
		return nil
	case <-ctx.Done():
		t.dropAck(m.ID)
		return ctx.Err()
	case <-timer.C:
		t.dropAck(m.ID)
		return fmt.Errorf("relay ack timeout for event %s", m.ID)
	}
}

func (t *Transport) dropAck(id string) {
	t.mu.Lock()
	delete(t.acks, id)
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
			t.conn = nil
		}
		t.mu.Unlock()
	})
	return nil
}

// writeLocked writes a frame; callers hold t.mu.
func (t *Transport) writeLocked(data []byte) error {
	if t.conn == nil {
		return ErrNotConnected
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func encodeReqFrame(s *relaySub) []byte {
	data, err := encodeReq(s.id, s.filter)
	if err != nil {
		// filters are validated by the store client before reaching here
		return nil
	}
	return data
}
