package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	mrand "math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/driverworks/devicelink/internal/log"
	"github.com/driverworks/devicelink/internal/metrics"
	"github.com/driverworks/devicelink/internal/transport"
)

const (
	// refreshWatchdogTimeout bounds how long the refresh busy state can be
	// held by a request whose completion never arrives.
	refreshWatchdogTimeout = 30 * time.Second

	// refreshRetryDelay is the flat delay before retrying a refresh whose
	// request failed at the transport level.
	refreshRetryDelay = 30 * time.Second

	// recoveredRefreshDelay schedules the post-recovery refresh on the next
	// tick rather than inside the constructor.
	recoveredRefreshDelay = 50 * time.Millisecond

	// Jitter bounds for scheduling the next refresh, in thousandths of the
	// token lifetime.
	jitterMinPerMille = 750
	jitterMaxPerMille = 950
)

// tokenRecord is the engine's in-memory token state. expiresInOriginal is
// non-zero only when the provider's lifetime exceeded the configured cap.
type tokenRecord struct {
	accessToken       string
	refreshToken      string
	scope             string
	expiresIn         int
	expiresInOriginal int
}

// ExchangeCode exchanges an authorization code for tokens. It is a no-op
// when code is empty or no token endpoint is configured. The outcome
// arrives as AccessTokenGranted or AccessTokenDenied.
func (e *Engine) ExchangeCode(code string, contextInfo any) {
	if code == "" {
		return
	}
	e.run(func(out *outbox) { e.exchangeCode(code, contextInfo, out) })
}

// exchangeCode sends the code-exchange request. Engine mutex must be held.
func (e *Engine) exchangeCode(code string, contextInfo any, out *outbox) {
	if e.cfg.TokenEndpoint == "" {
		log.LogWarnWithFields("engine", "Code exchange skipped, no token endpoint configured", map[string]any{
			"client_id": e.cfg.ClientID,
		})
		return
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", e.cfg.ClientID)
	if e.cfg.ClientSecret != "" {
		form.Set("client_secret", string(e.cfg.ClientSecret))
	}
	if e.redirectURI != "" {
		form.Set("redirect_uri", e.redirectURI)
	}
	if e.codeVerifier != "" {
		form.Set("code_verifier", e.codeVerifier)
	}

	e.op = opExchangingCode
	e.sendRequest(http.MethodPost, e.cfg.TokenEndpoint, e.tokenRequestHeader(), []byte(form.Encode()),
		requestContext{kind: kindCodeExchange, info: contextInfo})
}

// RefreshToken triggers an immediate token refresh. A non-empty
// newRefreshToken replaces the stored one first. ErrNoRefreshToken is
// returned when there is nothing to refresh; ErrRefreshInFlight when a
// token operation is already outstanding, in which case no second request
// is sent.
func (e *Engine) RefreshToken(contextInfo any, newRefreshToken string) error {
	var err error
	e.run(func(out *outbox) {
		err = e.refreshToken(contextInfo, newRefreshToken, out)
	})
	return err
}

// refreshToken sends the refresh request and arms the watchdog. Engine
// mutex must be held.
func (e *Engine) refreshToken(contextInfo any, newRefreshToken string, out *outbox) error {
	if newRefreshToken != "" {
		e.token.refreshToken = newRefreshToken
	}
	if e.token.refreshToken == "" {
		return ErrNoRefreshToken
	}
	if e.op != opIdle {
		e.metrics.Inc(metrics.CounterRefreshCollision)
		log.LogDebugWithFields("engine", "Refresh skipped, token operation in flight", map[string]any{
			"client_id": e.cfg.ClientID,
		})
		return ErrRefreshInFlight
	}
	if e.cfg.TokenEndpoint == "" {
		return ErrNoRefreshToken
	}

	e.op = opRefreshing
	e.refreshGen++
	gen := e.refreshGen

	e.watchdog = e.timers.AfterFunc(refreshWatchdogTimeout, func() {
		e.run(func(out *outbox) { e.onRefreshWatchdog(gen, contextInfo, out) })
	})

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", e.token.refreshToken)
	form.Set("client_id", e.cfg.ClientID)
	if e.cfg.ClientSecret != "" {
		form.Set("client_secret", string(e.cfg.ClientSecret))
	}

	log.LogDebugWithFields("engine", "Refreshing access token", map[string]any{
		"client_id": e.cfg.ClientID,
	})
	e.sendRequest(http.MethodPost, e.cfg.TokenEndpoint, e.tokenRequestHeader(), []byte(form.Encode()),
		requestContext{kind: kindTokenRefresh, info: contextInfo, refreshGen: gen})
	return nil
}

// onRefreshWatchdog recovers from a refresh whose completion never came
// back: the busy state is released and a fresh attempt starts. The
// generation check makes the abandoned attempt's late response inert.
func (e *Engine) onRefreshWatchdog(gen uint64, contextInfo any, out *outbox) {
	if e.op != opRefreshing || e.refreshGen != gen {
		return
	}
	e.op = opIdle
	e.watchdog = nil
	e.metrics.Inc(metrics.CounterWatchdogFired)
	log.LogWarnWithFields("engine", "Refresh watchdog fired, restarting refresh", map[string]any{
		"client_id": e.cfg.ClientID,
	})
	if err := e.refreshToken(contextInfo, "", out); err != nil {
		log.LogDebugWithFields("engine", "Watchdog refresh not restarted", map[string]any{
			"error": err.Error(),
		})
	}
}

// scheduleRecoveredRefresh arms the near-immediate refresh that follows
// refresh-token recovery at construction time.
func (e *Engine) scheduleRecoveredRefresh() {
	e.refreshTimer = e.timers.AfterFunc(recoveredRefreshDelay, func() {
		e.run(func(out *outbox) {
			e.refreshTimer = nil
			if err := e.refreshToken(nil, "", out); err != nil {
				log.LogDebugWithFields("engine", "Recovered refresh not started", map[string]any{
					"error": err.Error(),
				})
			}
		})
	})
}

// tokenRequestHeader builds headers for token endpoint requests. Extra
// configured headers never override ones the engine sets itself. Engine
// mutex must be held.
func (e *Engine) tokenRequestHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	if e.cfg.BasicAuthHeader {
		creds := e.cfg.ClientID + ":" + string(e.cfg.ClientSecret)
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	}
	for k, v := range e.cfg.ExtraTokenHeaders {
		if h.Get(k) == "" {
			h.Set(k, v)
		}
	}
	return h
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ExpiresIn    int    `json:"expires_in"`
}

// handleTokenResponse is the single completion path for code exchanges and
// token refreshes.
func (e *Engine) handleTokenResponse(rc requestContext, resp *transport.Response, err error, out *outbox) {
	switch rc.kind {
	case kindTokenRefresh:
		if rc.refreshGen == e.refreshGen {
			if e.watchdog != nil {
				e.watchdog.Stop()
				e.watchdog = nil
			}
			if e.op == opRefreshing {
				e.op = opIdle
			}
		} else {
			// A superseded attempt's late success still carries usable
			// tokens; its failures are dropped, as is anything arriving
			// after the token was deleted.
			if err != nil || resp.StatusCode != http.StatusOK || e.token.refreshToken == "" {
				log.LogDebugWithFields("engine", "Dropping stale refresh response", map[string]any{
					"generation": rc.refreshGen,
				})
				return
			}
		}
	case kindCodeExchange:
		if e.op != opExchangingCode {
			log.LogDebugWithFields("engine", "Dropping stale exchange response", map[string]any{})
			return
		}
		e.op = opIdle
	}

	if err != nil {
		log.LogWarnWithFields("engine", "Token request failed", map[string]any{
			"kind":  rc.kind.String(),
			"error": err.Error(),
		})
		if rc.kind == kindTokenRefresh {
			e.scheduleRefreshRetry(rc.info)
		}
		return
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		e.applyTokenGrant(rc, resp.Body, out)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		pe := parseProviderError(resp.Body, resp.StatusCode)
		log.LogWarnWithFields("engine", "Token request denied", map[string]any{
			"kind":   rc.kind.String(),
			"status": resp.StatusCode,
			"error":  pe.Code,
		})
		e.clearToken()
		if delErr := e.store.Delete(context.Background(), e.storageKey); delErr != nil {
			e.metrics.Inc(metrics.CounterStoreFailed)
			log.LogWarnWithFields("engine", "Failed to delete persisted refresh token", map[string]any{
				"error": delErr.Error(),
			})
		}
		e.publishLink(out, rc.info, "")
		e.dispatcher.emit(out, EventAccessTokenDenied, rc.info, pe.Code, pe.Description, pe.URI)

	default:
		// 5xx and other unexpected statuses are treated like transport
		// failures: a refresh retries, an exchange does not.
		log.LogWarnWithFields("engine", "Unexpected token endpoint status", map[string]any{
			"kind":   rc.kind.String(),
			"status": resp.StatusCode,
		})
		if rc.kind == kindTokenRefresh {
			e.scheduleRefreshRetry(rc.info)
		}
	}
}

// applyTokenGrant updates token state from a successful token response,
// persists the refresh token, schedules the next refresh, and notifies the
// host. Engine mutex must be held.
func (e *Engine) applyTokenGrant(rc requestContext, body []byte, out *outbox) {
	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		log.LogWarnWithFields("engine", "Unparseable token response", map[string]any{
			"kind":  rc.kind.String(),
			"error": err.Error(),
		})
		return
	}
	if parsed.AccessToken == "" {
		log.LogWarnWithFields("engine", "Token response carried no access token", map[string]any{
			"kind": rc.kind.String(),
		})
		return
	}

	e.token.accessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		e.token.refreshToken = parsed.RefreshToken
	}
	if parsed.Scope != "" {
		e.token.scope = parsed.Scope
	}

	lifetime := parsed.ExpiresIn
	if lifetime <= 0 {
		lifetime = e.token.expiresIn
	}
	if lifetime <= 0 {
		lifetime = e.cfg.DefaultTokenLifetime
	}
	if lifetime > e.cfg.MaxTokenLifetime {
		e.token.expiresInOriginal = lifetime
		lifetime = e.cfg.MaxTokenLifetime
	} else {
		e.token.expiresInOriginal = 0
	}
	e.token.expiresIn = lifetime

	e.persistRefreshToken()

	if e.token.refreshToken != "" {
		e.scheduleNextRefresh(rc.info, lifetime)
	}

	log.LogInfoWithFields("engine", "Access token granted", map[string]any{
		"client_id":  e.cfg.ClientID,
		"kind":       rc.kind.String(),
		"expires_in": lifetime,
	})
	e.publishLink(out, rc.info, "")
	e.dispatcher.emit(out, EventAccessTokenGranted, rc.info, e.token.accessToken, e.token.refreshToken)
}

// persistRefreshToken encrypts and stores the current refresh token.
// Failures are recorded but never interrupt the flow. Engine mutex must be
// held.
func (e *Engine) persistRefreshToken() {
	if e.token.refreshToken == "" {
		return
	}
	ciphertext, err := e.enc.Encrypt(e.token.refreshToken)
	if err != nil {
		e.metrics.Inc(metrics.CounterEncryptFailed)
		log.LogErrorWithFields("engine", "Failed to encrypt refresh token", map[string]any{
			"error": err.Error(),
		})
		return
	}
	if err := e.store.Set(context.Background(), e.storageKey, ciphertext); err != nil {
		e.metrics.Inc(metrics.CounterStoreFailed)
		log.LogErrorWithFields("engine", "Failed to persist refresh token", map[string]any{
			"error": err.Error(),
		})
	}
}

// scheduleNextRefresh arms the jittered refresh timer for a token with the
// given lifetime in seconds. Engine mutex must be held.
func (e *Engine) scheduleNextRefresh(contextInfo any, lifetime int) {
	e.stopScheduledRefresh()
	delay := jitteredRefreshDelay(lifetime)
	e.refreshTimer = e.timers.AfterFunc(delay, func() {
		e.run(func(out *outbox) {
			e.refreshTimer = nil
			if err := e.refreshToken(contextInfo, "", out); err != nil {
				log.LogDebugWithFields("engine", "Scheduled refresh not started", map[string]any{
					"error": err.Error(),
				})
			}
		})
	})
	log.LogDebugWithFields("engine", "Next refresh scheduled", map[string]any{
		"delay": delay.String(),
	})
}

// scheduleRefreshRetry arms the flat retry after a failed refresh attempt.
// Engine mutex must be held.
func (e *Engine) scheduleRefreshRetry(contextInfo any) {
	if e.token.refreshToken == "" {
		return
	}
	e.metrics.Inc(metrics.CounterTransportRetry)
	e.stopScheduledRefresh()
	e.refreshTimer = e.timers.AfterFunc(refreshRetryDelay, func() {
		e.run(func(out *outbox) {
			e.refreshTimer = nil
			if err := e.refreshToken(contextInfo, "", out); err != nil {
				log.LogDebugWithFields("engine", "Refresh retry not started", map[string]any{
					"error": err.Error(),
				})
			}
		})
	})
}

func (e *Engine) stopScheduledRefresh() {
	if e.refreshTimer != nil {
		e.refreshTimer.Stop()
		e.refreshTimer = nil
	}
}

// clearToken wipes in-memory token state and neutralizes any outstanding
// refresh: timers are stopped and the generation is advanced so in-flight
// responses are dropped. Engine mutex must be held.
func (e *Engine) clearToken() {
	e.token = tokenRecord{}
	e.stopScheduledRefresh()
	if e.watchdog != nil {
		e.watchdog.Stop()
		e.watchdog = nil
	}
	if e.op == opRefreshing || e.op == opExchangingCode {
		e.op = opIdle
	}
	e.refreshGen++
}

// DeleteRefreshToken removes the refresh token from memory and from the
// persistent store and cancels any scheduled refresh. It always emits
// RefreshTokenDeleted; the event argument reports whether a token existed.
func (e *Engine) DeleteRefreshToken() {
	e.run(func(out *outbox) {
		existed := e.token.refreshToken != ""
		e.clearToken()
		if err := e.store.Delete(context.Background(), e.storageKey); err != nil {
			e.metrics.Inc(metrics.CounterStoreFailed)
			log.LogWarnWithFields("engine", "Failed to delete persisted refresh token", map[string]any{
				"error": err.Error(),
			})
		}
		log.LogInfoWithFields("engine", "Refresh token deleted", map[string]any{
			"client_id": e.cfg.ClientID,
			"existed":   existed,
		})
		e.dispatcher.emit(out, EventRefreshTokenDeleted, nil, existed)
	})
}

// jitteredRefreshDelay picks the next refresh point uniformly between 75%
// and 95% of the token lifetime.
func jitteredRefreshDelay(lifetimeSeconds int) time.Duration {
	perMille := jitterMinPerMille + mrand.IntN(jitterMaxPerMille-jitterMinPerMille+1)
	return time.Duration(lifetimeSeconds) * time.Second / 1000 * time.Duration(perMille)
}

