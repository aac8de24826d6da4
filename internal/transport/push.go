package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/stagesync/internal/creds"
	"github.com/TheMichaelB/stagesync/internal/events"
)

// pushMessage is one server notification frame.
type pushMessage struct {
	Op string `json:"op"`
}

// PushListener watches the server's websocket endpoint for change
// notifications. Each notification signals that another device changed
// this user's files and a sync cycle should run.
type PushListener struct {
	url      string
	provider creds.Provider
	logger   *events.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	notifications chan struct{}
	done          chan struct{}

	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewPushListener creates a listener for pushURL. http(s) URLs are
// converted to ws(s).
func NewPushListener(pushURL string, provider creds.Provider, logger *events.Logger) *PushListener {
	if strings.HasPrefix(pushURL, "http") {
		pushURL = "ws" + pushURL[4:]
	}

	return &PushListener{
		url:           pushURL,
		provider:      provider,
		logger:        logger.WithField("component", "push_listener"),
		notifications: make(chan struct{}, 1),
		done:          make(chan struct{}),
		pingInterval:  30 * time.Second,
		pongTimeout:   10 * time.Second,
	}
}

// Notifications delivers one token per server change notification.
// Notifications arriving while one is pending are coalesced.
func (p *PushListener) Notifications() <-chan struct{} {
	return p.notifications
}

// Run connects and listens until ctx ends, reconnecting with backoff on
// connection loss.
func (p *PushListener) Run(ctx context.Context) {
	delay := time.Second
	for {
		if err := p.connect(ctx); err != nil {
			p.logger.WithError(err).Warn("Push connect failed")
		} else {
			delay = time.Second
			p.readLoop()
		}

		select {
		case <-ctx.Done():
			p.Close()
			return
		case <-p.done:
			return
		case <-time.After(delay):
			if delay < time.Minute {
				delay *= 2
			}
		}
	}
}

func (p *PushListener) connect(ctx context.Context) error {
	cr, err := p.provider.Credentials()
	if err != nil {
		return err
	}

	headers := http.Header{}
	for k, v := range cr.Params() {
		headers.Set("X-Sync-"+strings.ReplaceAll(k, "_", "-"), v)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, p.url, headers)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	p.logger.WithField("url", p.url).Info("Push listener connected")
	go p.pingLoop()
	return nil
}

func (p *PushListener) readLoop() {
	for {
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(p.pongTimeout + p.pingInterval))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(p.pongTimeout + p.pingInterval))
			return nil
		})

		var msg pushMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				p.logger.WithError(err).Warn("Push read error")
			}
			p.dropConn()
			return
		}

		if msg.Op != "sync_needed" {
			p.logger.WithField("op", msg.Op).Debug("Ignoring push message")
			continue
		}

		select {
		case p.notifications <- struct{}{}:
		default:
			// A notification is already pending.
		}
	}
}

func (p *PushListener) pingLoop() {
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			conn := p.conn
			p.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.logger.WithError(err).Debug("Push ping failed")
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *PushListener) dropConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close stops the listener.
func (p *PushListener) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)

	if p.conn != nil {
		_ = p.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
