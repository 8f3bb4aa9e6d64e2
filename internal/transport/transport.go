// Package transport owns one physical websocket connection to the platform
// gateway. It moves raw payloads in both directions and nothing else;
// decoding, room membership, and reconnect policy live above it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const handshakeTimeout = 15 * time.Second

// Options holds the parameters for one dial attempt.
type Options struct {
	BaseURL string // platform REST base URL, e.g. "https://api.tribe.example"
	Token   string // bearer session token
}

// Conn is a live connection to the gateway. Create with Dial; a Conn is
// never reused after Close, reconnecting always builds a fresh one.
type Conn struct {
	ws     *websocket.Conn
	sendCh chan []byte
	frames chan []byte
	errs   chan error
	done   chan struct{}
	stop   sync.Once
	logger *zap.Logger
}

// Dial opens a compressed websocket to the gateway's realtime endpoint,
// authenticating with the bearer token, and starts the read/write pumps.
func Dial(ctx context.Context, opts Options, logger *zap.Logger) (*Conn, error) {
	endpoint, err := realtimeURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: true,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.Token)

	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &Conn{
		ws:     ws,
		sendCh: make(chan []byte, 256),
		frames: make(chan []byte, 256),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Send queues a payload for delivery. Returns an error once the connection
// is closed.
func (c *Conn) Send(payload []byte) error {
	select {
	case c.sendCh <- payload:
		return nil
	case <-c.done:
		return errors.New("transport closed")
	}
}

// Frames returns the channel of raw inbound payloads.
func (c *Conn) Frames() <-chan []byte {
	return c.frames
}

// Errs returns the channel carrying the terminal read/write error, if any.
func (c *Conn) Errs() <-chan error {
	return c.errs
}

// Close tears the connection down. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.stop.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		select {
		case c.frames <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// fail reports the first terminal error unless Close already happened.
func (c *Conn) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.errs <- err:
	default:
	}
}

// realtimeURL derives the websocket endpoint from the REST base URL:
// http becomes ws, https becomes wss, and /realtime is appended to any
// configured path prefix.
func realtimeURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime"
	u.RawQuery = ""
	return u.String(), nil
}
