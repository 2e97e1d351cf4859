package pos

import (
	"context"
	"net/url"
	"strings"
	"time"

	"genfity-pos-terminal/internal/storage"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RunOrdersFeed subscribes to the merchant orders realtime channel and treats
// every inbound message as a refresh signal: the order list changed
// server-side, so it is a good moment to replay the offline queue. The feed
// reconnects with capped backoff until ctx is cancelled; no message content is
// interpreted.
func (t *Terminal) RunOrdersFeed(ctx context.Context, wsBase string, onSignal func()) {
	base := strings.TrimRight(strings.TrimSpace(wsBase), "/")
	if base == "" {
		return
	}

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		var token string
		if found, _ := t.store.Get(storage.AuthTokenKey(), &token); !found || token == "" {
			t.logger.Debug("orders feed idle: no token stored")
			if !sleepCtx(ctx, 15*time.Second) {
				return
			}
			continue
		}

		feedURL := base + "/ws/merchant/orders?token=" + url.QueryEscape(token)
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, feedURL, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			t.logger.Debug("orders feed dial failed", zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return
			}
			if backoff *= 2; backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second

		connCtx, cancel := context.WithCancel(ctx)
		go func() {
			<-connCtx.Done()
			_ = conn.Close()
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
			if onSignal != nil {
				onSignal()
			}
		}
		cancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
