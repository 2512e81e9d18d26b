package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	minBackoff = time.Second
	maxBackoff = time.Minute
)

// Listener keeps a websocket connection to the project's event feed open and
// hands every decoded event to a handler.
type Listener struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewListener(url, token string, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return &Listener{
		url:        url,
		header:     h,
		dialer:     websocket.DefaultDialer,
		logger:     logger.Named("push"),
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// Run connects and dispatches events until ctx is done, reconnecting with
// exponential backoff whenever the connection drops. It returns nil when ctx
// ends.
func (l *Listener) Run(ctx context.Context, handle func(Event)) error {
	wait := l.minBackoff
	for {
		connected, err := l.session(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			wait = l.minBackoff
		}
		l.logger.Warn("event feed disconnected", zap.Error(err), zap.Duration("retry_in", wait))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait *= 2
		if wait > l.maxBackoff {
			wait = l.maxBackoff
		}
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (l *Listener) session(ctx context.Context, handle func(Event)) (connected bool, err error) {
	conn, resp, err := l.dialer.DialContext(ctx, l.url, l.header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dialing event feed: %w (HTTP %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dialing event feed: %w", err)
	}
	l.logger.Info("event feed connected", zap.String("url", l.url))

	done := make(chan struct{})
	defer close(done)
	go l.keepalive(ctx, conn, done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, errors.New("server closed the connection")
			}
			return true, fmt.Errorf("reading event: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			l.logger.Warn("skipping malformed event", zap.Error(err))
			continue
		}
		if ev.Kind == "" || ev.ExchangeID == "" {
			l.logger.Debug("skipping event without kind or exchange id")
			continue
		}
		handle(ev)
	}
}

// keepalive pings the server and closes the connection when ctx ends so a
// blocked read returns.
func (l *Listener) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				l.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}
