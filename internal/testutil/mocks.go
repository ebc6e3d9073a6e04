// Package testutil provides shared mocks and deterministic fakes for
// tests.
package testutil

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/driverworks/devicelink/internal/timer"
	"github.com/driverworks/devicelink/internal/transport"
)

// MockStore is a testify mock for store.Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Get(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *MockStore) Set(ctx context.Context, key, value string) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// MockEncryptor is a testify mock for crypto.Encryptor.
type MockEncryptor struct {
	mock.Mock
}

func (m *MockEncryptor) Encrypt(plaintext string) (string, error) {
	args := m.Called(plaintext)
	return args.String(0), args.Error(1)
}

func (m *MockEncryptor) Decrypt(ciphertext string) (string, error) {
	args := m.Called(ciphertext)
	return args.String(0), args.Error(1)
}

// MockShortener is a testify mock for shortener.Shortener.
type MockShortener struct {
	mock.Mock
}

func (m *MockShortener) Shorten(ctx context.Context, longURL string) (string, error) {
	args := m.Called(ctx, longURL)
	return args.String(0), args.Error(1)
}

// RecordingSink counts metric increments for assertions.
type RecordingSink struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{counts: make(map[string]int)}
}

func (s *RecordingSink) Inc(counter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[counter]++
}

func (s *RecordingSink) Count(counter string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[counter]
}

// FakeTimer is one scheduled callback held by FakeTimerService. Tests fire
// it explicitly; a stopped timer never fires.
type FakeTimer struct {
	D         time.Duration
	Repeating bool

	fn      func()
	stopped atomic.Bool
}

func (t *FakeTimer) Stop() {
	t.stopped.Store(true)
}

func (t *FakeTimer) Stopped() bool {
	return t.stopped.Load()
}

// Fire runs the callback unless the timer was stopped. One-shot timers are
// marked stopped by firing.
func (t *FakeTimer) Fire() {
	if t.stopped.Load() {
		return
	}
	if !t.Repeating {
		t.stopped.Store(true)
	}
	t.fn()
}

// FakeTimerService records scheduled timers instead of running them, so
// tests control time deterministically.
type FakeTimerService struct {
	mu     sync.Mutex
	timers []*FakeTimer
}

var _ timer.Service = (*FakeTimerService)(nil)

func (s *FakeTimerService) AfterFunc(d time.Duration, fn func()) timer.Handle {
	return s.add(&FakeTimer{D: d, fn: fn})
}

func (s *FakeTimerService) Repeat(d time.Duration, fn func()) timer.Handle {
	return s.add(&FakeTimer{D: d, fn: fn, Repeating: true})
}

func (s *FakeTimerService) add(t *FakeTimer) *FakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers = append(s.timers, t)
	return t
}

// Timers returns every timer ever scheduled, in order.
func (s *FakeTimerService) Timers() []*FakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FakeTimer(nil), s.timers...)
}

// Pending returns timers that have not been stopped or fired.
func (s *FakeTimerService) Pending() []*FakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*FakeTimer
	for _, t := range s.timers {
		if !t.Stopped() {
			pending = append(pending, t)
		}
	}
	return pending
}

// FakeRequest is one request captured by FakeHTTPClient. Tests complete it
// explicitly; the completion callback runs on the caller's goroutine.
type FakeRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	cb   transport.Callback
	done atomic.Bool
}

// Respond completes the request with an HTTP response.
func (r *FakeRequest) Respond(status int, body string) {
	r.complete(&transport.Response{StatusCode: status, Header: http.Header{}, Body: []byte(body)}, nil)
}

// Fail completes the request with a transport-level error.
func (r *FakeRequest) Fail(err error) {
	r.complete(nil, err)
}

func (r *FakeRequest) complete(resp *transport.Response, err error) {
	if r.done.Swap(true) {
		return
	}
	r.cb(resp, err)
}

// FakeHTTPClient records requests instead of sending them.
type FakeHTTPClient struct {
	mu       sync.Mutex
	requests []*FakeRequest
}

var _ transport.AsyncClient = (*FakeHTTPClient)(nil)

func (c *FakeHTTPClient) Do(method, url string, header http.Header, body []byte, cb transport.Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, &FakeRequest{
		Method: method,
		URL:    url,
		Header: header,
		Body:   append([]byte(nil), body...),
		cb:     cb,
	})
}

// Requests returns every captured request, in dispatch order.
func (c *FakeHTTPClient) Requests() []*FakeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FakeRequest(nil), c.requests...)
}

// Last returns the most recent request, or nil when none was sent.
func (c *FakeHTTPClient) Last() *FakeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil
	}
	return c.requests[len(c.requests)-1]
}
