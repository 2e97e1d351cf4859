package grouporder

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Realtime envelope types pushed by the order service.
const (
	msgSession = "group-order.session"
	msgClosed  = "group-order.closed"
	msgError   = "error"
	// msgRefresh is sent by older servers that signal instead of pushing
	// full state; the client answers with a manual re-fetch.
	msgRefresh = "group-order.refresh"
)

type wsEnvelope struct {
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// GroupOrderWSURL builds the realtime endpoint for a session code. The code is
// the routing key and is normalized to upper case everywhere.
func GroupOrderWSURL(wsBase, code string) string {
	base := strings.TrimRight(strings.TrimSpace(wsBase), "/")
	if base == "" {
		return ""
	}
	return base + "/ws/public/group-order?code=" + url.QueryEscape(strings.ToUpper(strings.TrimSpace(code)))
}

// realtimeConn is one logical subscription to a session's push channel. It
// survives reconnects; each physical socket is tagged with a generation and
// any event arriving under a stale generation is discarded. That replaces the
// old "null the handlers before close" convention with something checkable.
type realtimeConn struct {
	url     string
	logger  *zap.Logger
	handler func(wsEnvelope)
	// onGaveUp fires when reconnection is abandoned (attempt budget spent),
	// letting the owner fall back to polling.
	onGaveUp func()

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu         sync.Mutex
	conn       *websocket.Conn
	generation int64
	attempts   int
	suppressed bool
	closed     bool
}

func newRealtimeConn(url string, baseDelay, maxDelay time.Duration, maxAttempts int, handler func(wsEnvelope), onGaveUp func(), logger *zap.Logger) *realtimeConn {
	return &realtimeConn{
		url:         url,
		logger:      logger,
		handler:     handler,
		onGaveUp:    onGaveUp,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
	}
}

// connect starts a new physical connection under a fresh generation. Any
// still-running read loop from an earlier socket becomes stale immediately.
func (r *realtimeConn) connect() {
	r.mu.Lock()
	if r.closed || r.suppressed {
		r.mu.Unlock()
		return
	}
	r.generation++
	gen := r.generation
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()

	go r.dial(gen)
}

func (r *realtimeConn) dial(gen int64) {
	conn, resp, err := websocket.DefaultDialer.Dial(r.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		r.logger.Debug("group-order ws dial failed", zap.Error(err))
		r.scheduleReconnect(gen)
		return
	}

	r.mu.Lock()
	if gen != r.generation || r.closed || r.suppressed {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.conn = conn
	r.attempts = 0
	r.mu.Unlock()

	go r.readLoop(conn, gen)
}

func (r *realtimeConn) readLoop(conn *websocket.Conn, gen int64) {
	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			r.mu.Lock()
			stale := gen != r.generation || r.closed
			r.mu.Unlock()
			if !stale {
				r.scheduleReconnect(gen)
			}
			return
		}

		r.mu.Lock()
		stale := gen != r.generation || r.closed
		r.mu.Unlock()
		if stale {
			return
		}
		r.handler(env)
	}
}

func (r *realtimeConn) scheduleReconnect(gen int64) {
	r.mu.Lock()
	if r.closed || r.suppressed || gen != r.generation {
		r.mu.Unlock()
		return
	}
	if r.attempts >= r.maxAttempts {
		r.mu.Unlock()
		r.logger.Warn("group-order ws reconnect abandoned", zap.Int("attempts", r.maxAttempts))
		if r.onGaveUp != nil {
			r.onGaveUp()
		}
		return
	}
	delay := r.baseDelay << r.attempts
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	r.attempts++
	r.mu.Unlock()

	time.AfterFunc(delay, func() {
		r.mu.Lock()
		ok := !r.closed && !r.suppressed && gen == r.generation
		r.mu.Unlock()
		if ok {
			r.connect()
		}
	})
}

// suspend tears the socket down without marking the subscription closed,
// used for idle timeout and hidden terminal. No reconnects run until resume.
func (r *realtimeConn) suspend() {
	r.mu.Lock()
	r.suppressed = true
	r.generation++
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()
}

func (r *realtimeConn) resume() {
	r.mu.Lock()
	if r.closed || !r.suppressed {
		r.mu.Unlock()
		return
	}
	r.suppressed = false
	r.attempts = 0
	r.mu.Unlock()
	r.connect()
}

func (r *realtimeConn) close() {
	r.mu.Lock()
	r.closed = true
	r.generation++
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()
}

func (r *realtimeConn) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}
