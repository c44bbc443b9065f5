// Package presencefeed reads participant counts pushed over a websocket by
// an external meeting bot or bridge.
package presencefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meetcap/meetcap/internal/logging"
)

var log = logging.L("presencefeed")

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3

	// DefaultStaleAfter is how long the last reading is still served after
	// the connection drops, covering a quick reconnect.
	DefaultStaleAfter = 10 * time.Second
)

var (
	ErrNoReading = errors.New("no participant count received yet")
	ErrStale     = errors.New("presence feed disconnected")
)

// Update is the message the feed sends whenever the count changes. A count
// stays current for as long as the connection is up, so feeds need not
// resend it.
type Update struct {
	Participants int    `json:"participants"`
	Meeting      string `json:"meeting,omitempty"`
}

type Config struct {
	URL        string
	Header     http.Header
	StaleAfter time.Duration
}

// Client keeps a websocket open to the feed, reconnecting with jittered
// backoff, and serves the latest count as a presence oracle.
type Client struct {
	cfg Config

	conn   *websocket.Conn
	connMu sync.Mutex

	mu        sync.RWMutex
	count     int
	have      bool
	connected bool
	lostAt    time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config) *Client {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Client{cfg: cfg, done: make(chan struct{})}
}

// Start launches the reconnect loop in the background.
func (c *Client) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnectLoop()
	}()
}

// Close stops the client and waits for the loop to exit.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
	})
	c.wg.Wait()
	return nil
}

// ParticipantCount returns the latest count. It fails until the first
// message arrives and once the connection has been down for longer than
// StaleAfter.
func (c *Client) ParticipantCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.have {
		return 0, ErrNoReading
	}
	if !c.connected {
		if down := time.Since(c.lostAt); down > c.cfg.StaleAfter {
			return 0, fmt.Errorf("%w: down for %s", ErrStale, down.Round(time.Second))
		}
	}
	return c.count, nil
}

func (c *Client) setConnected(up bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected && !up {
		c.lostAt = time.Now()
	}
	c.connected = up
}

func (c *Client) connect() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.cfg.URL, c.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c.connMu.Lock()
	select {
	case <-c.done:
		c.connMu.Unlock()
		conn.Close()
		return nil, errors.New("client closed")
	default:
	}
	c.conn = conn
	c.connMu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	log.Info("connected to presence feed", "url", c.cfg.URL)
	return conn, nil
}

func (c *Client) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, err := c.connect()
		if err != nil {
			log.Warn("presence feed connection failed", logging.KeyError, err)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}
			select {
			case <-c.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff

		c.setConnected(true)
		pingDone := make(chan struct{})
		go c.pingLoop(conn, pingDone)
		c.readPump(conn)
		close(pingDone)
		c.setConnected(false)

		c.connMu.Lock()
		if c.conn == conn {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("presence feed read error", logging.KeyError, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var u Update
		if err := json.Unmarshal(message, &u); err != nil {
			log.Warn("failed to parse presence update", logging.KeyError, err)
			continue
		}
		if u.Participants < 0 {
			log.Warn("ignoring negative participant count", "participants", u.Participants)
			continue
		}

		c.mu.Lock()
		c.count = u.Participants
		c.have = true
		c.mu.Unlock()
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.connMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
