package player

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/pitchtag/annotator/pkg/streaming"
)

const (
	sendChSize   = 64
	maxRedials   = 10
	redialCap    = 30 * time.Second
	writeWait    = 10 * time.Second
	ackTimeout   = 5 * time.Second
	closeTimeout = 2 * time.Second
)

var errClosed = errors.New("overlay connection closed")

// connection is a WebSocket to the overlay. A single pump goroutine owns the
// socket: it writes queued frames, watches the reader and redials on failure.
type connection struct {
	target string // URL with the secret applied

	frames chan []byte
	acks   chan string
	quit   chan struct{}
	pumped chan struct{} // closed when the pump exits

	mu       sync.Mutex
	latest   []byte // last annotations frame, replayed after a redial
	stopOnce sync.Once

	onPlayhead func(streaming.PlayheadPayload)
	log        *slog.Logger
}

func newConnection(logger *slog.Logger, onPlayhead func(streaming.PlayheadPayload)) *connection {
	return &connection{
		frames:     make(chan []byte, sendChSize),
		acks:       make(chan string, 4),
		quit:       make(chan struct{}),
		onPlayhead: onPlayhead,
		log:        logger,
	}
}

func overlayURL(raw, secret string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid overlay URL: %w", err)
	}
	if secret != "" {
		q := u.Query()
		q.Set("secret", secret)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// dial opens the first socket and starts the pump.
func (c *connection) dial(rawURL, secret string) error {
	target, err := overlayURL(rawURL, secret)
	if err != nil {
		return err
	}
	c.target = target

	sock, _, err := ws.DefaultDialer.Dial(target, nil)
	if err != nil {
		return fmt.Errorf("overlay dial failed: %w", err)
	}
	c.pumped = make(chan struct{})
	go c.pump(sock)
	return nil
}

// pump serves one socket at a time until quit is closed.
func (c *connection) pump(sock *ws.Conn) {
	defer close(c.pumped)
	for sock != nil {
		broken := make(chan error, 1)
		go c.read(sock, broken)

		err := c.serve(sock, broken)
		if errors.Is(err, errClosed) {
			_ = sock.WriteControl(ws.CloseMessage,
				ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = sock.Close()
			return
		}
		c.log.Warn("Overlay connection lost", "error", err)
		_ = sock.Close()
		sock = c.redial()
	}
}

// serve writes frames to sock until a write fails, the reader breaks or the
// connection is closed.
func (c *connection) serve(sock *ws.Conn, broken <-chan error) error {
	for {
		select {
		case <-c.quit:
			return errClosed
		case err := <-broken:
			return err
		case frame := <-c.frames:
			if err := write(sock, frame); err != nil {
				return err
			}
		}
	}
}

func write(sock *ws.Conn, frame []byte) error {
	if err := sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return sock.WriteMessage(ws.TextMessage, frame)
}

func (c *connection) read(sock *ws.Conn, broken chan<- error) {
	for {
		_, msg, err := sock.ReadMessage()
		if err != nil {
			broken <- err
			return
		}
		c.route(msg)
	}
}

// redial retries with a doubling delay and replays the latest frame so the
// overlay shows the current list again. It returns nil once it gives up or
// the connection is closed.
func (c *connection) redial() *ws.Conn {
	delay := time.Second
	for attempt := 1; attempt <= maxRedials; attempt++ {
		select {
		case <-c.quit:
			return nil
		case <-time.After(delay):
		}

		sock, _, err := ws.DefaultDialer.Dial(c.target, nil)
		if err != nil {
			c.log.Warn("Overlay redial failed", "attempt", attempt, "error", err)
			delay = min(delay*2, redialCap)
			continue
		}

		c.mu.Lock()
		frame := c.latest
		c.mu.Unlock()
		if frame != nil {
			if err := write(sock, frame); err != nil {
				c.log.Warn("Failed to replay annotations after redial", "error", err)
				_ = sock.Close()
				continue
			}
		}
		c.log.Info("Overlay reconnected", "attempt", attempt)
		return sock
	}
	c.log.Error("Giving up on overlay", "attempts", maxRedials)
	return nil
}

func (c *connection) route(msg []byte) {
	var head struct {
		Type    string          `json:"type"`
		For     string          `json:"for"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		c.log.Debug("Unreadable overlay message", "raw", string(msg))
		return
	}

	switch head.Type {
	case streaming.TypeAck:
		select {
		case c.acks <- head.For:
		default:
		}
	case streaming.TypePlayhead:
		if c.onPlayhead == nil {
			return
		}
		var p streaming.PlayheadPayload
		if err := json.Unmarshal(head.Payload, &p); err != nil {
			c.log.Debug("Bad playhead payload", "error", err)
			return
		}
		c.onPlayhead(p)
	default:
		c.log.Debug("Ignoring overlay message", "type", head.Type)
	}
}

// enqueue hands data to the pump without blocking. A full queue drops it.
func (c *connection) enqueue(data []byte) {
	select {
	case c.frames <- data:
	default:
		c.log.Warn("Overlay queue full, dropping frame")
	}
}

// sendFrame queues an annotations frame and keeps it for replay.
func (c *connection) sendFrame(data []byte) {
	c.mu.Lock()
	c.latest = data
	c.mu.Unlock()
	c.enqueue(data)
}

// sendAndWait queues data and blocks until the overlay acks ackFor.
func (c *connection) sendAndWait(data []byte, ackFor string, timeout time.Duration) error {
	c.enqueue(data)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case got := <-c.acks:
			if got == ackFor {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("timeout waiting for ack of %q", ackFor)
		case <-c.quit:
			return errClosed
		}
	}
}

// close stops the pump and waits briefly for it to send the close frame.
func (c *connection) close() error {
	c.stopOnce.Do(func() { close(c.quit) })
	if c.pumped == nil {
		return nil
	}
	select {
	case <-c.pumped:
	case <-time.After(closeTimeout):
	}
	return nil
}
