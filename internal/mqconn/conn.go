// Package mqconn provides a queue-backed websocket connection for
// streaming engine notifications to a companion service. Writes are
// buffered and flushed onto an outbound queue so callers never block on
// the socket; a single goroutine owns the websocket write side.
package mqconn

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/driverworks/devicelink/internal/log"
)

// WriteFlusher buffers writes until Flush hands the message to the
// connection's outbound queue.
type WriteFlusher interface {
	io.Writer
	Flush() error
}

// Conn is a text-message websocket connection with queued, non-blocking
// writes.
type Conn interface {
	// NewWriter returns a writer whose Flush enqueues one outbound message.
	NewWriter() WriteFlusher

	// NextReader returns the next inbound text message.
	NextReader() (io.Reader, error)

	// Close stops the writer goroutine and closes the websocket.
	Close() error
}

const defaultQueueSize = 100

// Options configure Dial.
type Options struct {
	QueueSize uint
	Header    http.Header
	Dialer    *websocket.Dialer
}

// Option sets a single dial option.
type Option func(*Options)

// WithQueueSize caps the number of queued outbound messages.
func WithQueueSize(n uint) Option {
	return func(o *Options) { o.QueueSize = n }
}

// WithHeader sets HTTP headers for the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(o *Options) { o.Header = h }
}

// WithCookieJar sets the cookie jar used during the handshake.
func WithCookieJar(jar http.CookieJar) Option {
	return func(o *Options) { o.Dialer.Jar = jar }
}

type conn struct {
	// ws write methods are only used by the queue goroutine, per the
	// gorilla/websocket concurrency rules.
	ws      *websocket.Conn
	queue   chan io.Reader
	closing chan struct{}
}

var _ Conn = (*conn)(nil)

// Dial connects to url and starts the outbound queue goroutine.
func Dial(url string, opts ...Option) (Conn, error) {
	o := &Options{
		QueueSize: defaultQueueSize,
		Dialer: &websocket.Dialer{
			Proxy: http.ProxyFromEnvironment,
		},
	}
	for _, opt := range opts {
		opt(o)
	}

	ws, _, err := o.Dialer.Dial(url, o.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := &conn{
		ws:      ws,
		queue:   make(chan io.Reader, o.QueueSize),
		closing: make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.closing:
			return
		case msg := <-c.queue:
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				log.LogDebugWithFields("mqconn", "Failed to open websocket writer", map[string]any{
					"error": err.Error(),
				})
				continue
			}
			if _, err := io.Copy(w, msg); err != nil {
				log.LogDebugWithFields("mqconn", "Failed to write queued message", map[string]any{
					"error": err.Error(),
				})
			}
			if err := w.Close(); err != nil {
				log.LogDebugWithFields("mqconn", "Failed to close websocket writer", map[string]any{
					"error": err.Error(),
				})
			}
		}
	}
}

func (c *conn) NextReader() (io.Reader, error) {
	msgType, r, err := c.ws.NextReader()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("unsupported message type: %v", msgType)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return &buf, nil
}

func (c *conn) NewWriter() WriteFlusher {
	return &queueWriter{
		queue:   c.queue,
		closing: c.closing,
		buf:     &bytes.Buffer{},
	}
}

func (c *conn) Close() error {
	close(c.closing)
	return c.ws.Close()
}

// queueWriter accumulates one message and enqueues it on Flush. Messages
// flushed while the connection is closing are discarded.
type queueWriter struct {
	queue   chan<- io.Reader
	closing <-chan struct{}
	buf     *bytes.Buffer
}

func (w *queueWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *queueWriter) Flush() error {
	select {
	case <-w.closing:
		return nil
	default:
	}
	select {
	case <-w.closing:
	case w.queue <- w.buf:
	}
	return nil
}

// NopFlusher wraps a writer whose Flush does nothing.
func NopFlusher(w io.Writer) WriteFlusher {
	return nopFlusher{w}
}

type nopFlusher struct {
	io.Writer
}

func (nopFlusher) Flush() error { return nil }
