package wsstream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/mathx"
	"github.com/zeromicro/go-zero/core/threading"

	"arena-feed/pkg/events"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
	jitterDeviation   = 0.2
)

// State is the connection state of the hub.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config describes the push endpoint.
type Config struct {
	URL        string
	Header     http.Header
	MinBackoff time.Duration
	MaxBackoff time.Duration
	ReadLimit  int64
	Dialer     *websocket.Dialer
}

// Hub owns one websocket connection and fans every frame out to its
// subscribers. It reconnects with exponential backoff until closed.
type Hub struct {
	*events.Fanout

	cfg    Config
	state  atomic.Int32
	dials  atomic.Int64
	jitter mathx.Unstable

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// New validates the config and returns an idle hub.
func New(cfg Config) (*Hub, error) {
	if cfg.URL == "" {
		return nil, errors.New("wsstream: url is required")
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
		if cfg.MaxBackoff < cfg.MinBackoff {
			cfg.MaxBackoff = cfg.MinBackoff
		}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Hub{
		Fanout: events.NewFanout(),
		cfg:    cfg,
		jitter: mathx.NewUnstable(jitterDeviation),
	}, nil
}

// Start launches the connect loop. Subsequent calls are no-ops.
func (h *Hub) Start(ctx context.Context) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil || h.closed {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	done := h.done
	threading.GoSafe(func() {
		defer close(done)
		h.run(ctx)
	})
}

// Close stops the connect loop and waits for it to exit.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.closed = true
	h.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	h.state.Store(int32(StateClosed))
}

// State reports the current connection state.
func (h *Hub) State() State {
	if h == nil {
		return StateClosed
	}
	return State(h.state.Load())
}

// Dials counts connection attempts, successful or not.
func (h *Hub) Dials() int64 {
	if h == nil {
		return 0
	}
	return h.dials.Load()
}

func (h *Hub) run(ctx context.Context) {
	backoff := h.cfg.MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		h.state.Store(int32(StateConnecting))
		h.dials.Add(1)
		conn, _, err := h.cfg.Dialer.DialContext(ctx, h.cfg.URL, h.cfg.Header)
		if err != nil {
			logx.Errorf("events: dial stream url=%s err=%v", h.cfg.URL, err)
		} else {
			backoff = h.cfg.MinBackoff
			h.state.Store(int32(StateConnected))
			logx.Infof("events: stream connected url=%s", h.cfg.URL)
			if err := h.read(ctx, conn); err != nil && ctx.Err() == nil {
				logx.Errorf("events: stream read url=%s err=%v", h.cfg.URL, err)
			}
		}
		if ctx.Err() != nil {
			return
		}

		wait := h.jitter.AroundDuration(backoff)
		backoff *= 2
		if backoff > h.cfg.MaxBackoff {
			backoff = h.cfg.MaxBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (h *Hub) read(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	if h.cfg.ReadLimit > 0 {
		conn.SetReadLimit(h.cfg.ReadLimit)
	}
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch kind {
		case websocket.TextMessage:
			h.Publish(events.Frame{Data: data})
		case websocket.BinaryMessage:
			h.Publish(events.Frame{Binary: true, Data: data})
		}
	}
}
