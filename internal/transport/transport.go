package transport

import (
	"bytes"
	"io"
	"net/http"
	"time"
)

// Response is a completed HTTP exchange. Err-free responses carry the
// status code even for 4xx/5xx; a transport failure yields a nil Response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Callback receives the outcome of an asynchronous request. Exactly one of
// resp and err is non-nil.
type Callback func(resp *Response, err error)

// AsyncClient issues HTTP requests and delivers the result through a
// completion callback instead of blocking the caller.
type AsyncClient interface {
	Do(method, url string, header http.Header, body []byte, cb Callback)
}

// HTTPClient is the net/http backed AsyncClient.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates an async client with the given per-request timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{client: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) Do(method, url string, header http.Header, body []byte, cb Callback) {
	go func() {
		var reader io.Reader
		if len(body) > 0 {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequest(method, url, reader)
		if err != nil {
			cb(nil, err)
			return
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			cb(nil, err)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			cb(nil, err)
			return
		}
		cb(&Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil)
	}()
}
