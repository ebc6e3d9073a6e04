package engine

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/driverworks/devicelink/internal/log"
	"github.com/driverworks/devicelink/internal/transport"
)

// requestKind tags an outstanding HTTP request so its completion is routed
// by type, not by handler name.
type requestKind int

const (
	kindSessionCreate requestKind = iota
	kindLinkCheck
	kindCodeExchange
	kindTokenRefresh
)

func (k requestKind) String() string {
	switch k {
	case kindSessionCreate:
		return "session_create"
	case kindLinkCheck:
		return "link_check"
	case kindCodeExchange:
		return "code_exchange"
	case kindTokenRefresh:
		return "token_refresh"
	default:
		return "unknown"
	}
}

// requestContext travels with a request from dispatch to completion.
// session identifies the originating session for linking requests;
// refreshGen identifies the refresh attempt for token refreshes.
type requestContext struct {
	kind       requestKind
	session    *authSession
	info       any
	refreshGen uint64
}

// sendRequest dispatches an HTTP request whose completion re-enters the
// engine through run. A panicking completion is contained inside run, so a
// faulty response can never wedge the engine.
func (e *Engine) sendRequest(method, url string, header http.Header, body []byte, rc requestContext) {
	log.LogDebugWithFields("engine", "Dispatching request", map[string]any{
		"kind":   rc.kind.String(),
		"method": method,
	})
	e.http.Do(method, url, header, body, func(resp *transport.Response, err error) {
		e.run(func(out *outbox) { e.routeResponse(rc, resp, err, out) })
	})
}

func (e *Engine) routeResponse(rc requestContext, resp *transport.Response, err error, out *outbox) {
	switch rc.kind {
	case kindSessionCreate:
		e.handleSessionCreate(rc, resp, err, out)
	case kindLinkCheck:
		e.handleLinkCheck(rc, resp, err, out)
	case kindCodeExchange, kindTokenRefresh:
		e.handleTokenResponse(rc, resp, err, out)
	default:
		log.LogErrorWithFields("engine", "Response for unknown request kind", map[string]any{
			"kind": int(rc.kind),
		})
	}
}

// providerError is the standard OAuth error body. Parsing is tolerant: a
// malformed body yields an empty value rather than a failure.
type providerError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	URI         string `json:"error_uri"`
}

func parseProviderError(body []byte, statusCode int) providerError {
	var pe providerError
	if len(body) > 0 {
		if err := json.Unmarshal(body, &pe); err != nil {
			log.LogDebugWithFields("engine", "Unparseable provider error body", map[string]any{
				"status": statusCode,
				"error":  err.Error(),
			})
		}
	}
	if pe.Code == "" {
		pe.Code = fmt.Sprintf("http_%d", statusCode)
	}
	return pe
}
