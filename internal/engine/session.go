package engine

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/driverworks/devicelink/internal/config"
	"github.com/driverworks/devicelink/internal/crypto"
	"github.com/driverworks/devicelink/internal/log"
	"github.com/driverworks/devicelink/internal/transport"
)

// authSession is one device-linking attempt. The engine holds at most one;
// starting a new session abandons the previous one, and responses or timer
// fires belonging to an abandoned session are discarded by identity check.
type authSession struct {
	state           string
	nonce           string
	contextInfo     any
	extraLinkParams map[string]string
	redirectURI     string
	pollInFlight    bool
}

// StartSession begins a device-linking session: it registers a state token
// with the provider, builds the authorization link, and starts polling for
// the user's decision. extraLinkParams are appended to the link and win
// over same-named standard parameters. An empty redirectURI falls back to
// the configured one.
//
// The returned error covers only local failures; provider responses arrive
// through notifications.
func (e *Engine) StartSession(contextInfo any, extraLinkParams map[string]string, redirectURI string) error {
	state, err := crypto.GenerateStateToken()
	if err != nil {
		return err
	}

	e.run(func(out *outbox) {
		e.endSession()

		if redirectURI == "" {
			redirectURI = e.cfg.RedirectURI
		}
		sess := &authSession{
			state:           state,
			contextInfo:     contextInfo,
			extraLinkParams: maps.Clone(extraLinkParams),
			redirectURI:     redirectURI,
		}
		e.session = sess
		e.redirectURI = redirectURI

		form := url.Values{}
		form.Set("client_id", e.cfg.ClientID)
		form.Set("state", state)
		form.Set("duration", strconv.Itoa(int(e.cfg.SessionDuration/time.Second)))

		header := http.Header{}
		header.Set("Content-Type", "application/x-www-form-urlencoded")

		log.LogInfoWithFields("engine", "Starting link session", map[string]any{
			"client_id": e.cfg.ClientID,
		})
		e.sendRequest(http.MethodPost, e.cfg.StateEndpoint, header, []byte(form.Encode()),
			requestContext{kind: kindSessionCreate, session: sess, info: contextInfo})
	})
	return nil
}

// CancelSession abandons the live session, if any, and retracts the
// published link. No notification is delivered.
func (e *Engine) CancelSession() {
	e.run(func(out *outbox) {
		if e.session == nil {
			return
		}
		info := e.session.contextInfo
		e.endSession()
		e.publishLink(out, info, "")
	})
}

// endSession stops session timers and drops the session reference. Engine
// mutex must be held.
func (e *Engine) endSession() {
	if e.pollTimer != nil {
		e.pollTimer.Stop()
		e.pollTimer = nil
	}
	if e.timeoutTimer != nil {
		e.timeoutTimer.Stop()
		e.timeoutTimer = nil
	}
	e.session = nil
}

type sessionCreateResponse struct {
	ExpiresIn int    `json:"expiresIn"`
	Nonce     string `json:"nonce"`
}

func (e *Engine) handleSessionCreate(rc requestContext, resp *transport.Response, err error, out *outbox) {
	if e.session != rc.session {
		return
	}
	if err != nil {
		log.LogWarnWithFields("engine", "Link state creation failed", map[string]any{
			"error": err.Error(),
		})
		e.endSession()
		return
	}
	if resp.StatusCode != http.StatusOK {
		log.LogWarnWithFields("engine", "Link state creation rejected", map[string]any{
			"status": resp.StatusCode,
		})
		e.endSession()
		return
	}

	var parsed sessionCreateResponse
	if jsonErr := json.Unmarshal(resp.Body, &parsed); jsonErr != nil {
		log.LogDebugWithFields("engine", "Unparseable link state response, using defaults", map[string]any{
			"error": jsonErr.Error(),
		})
	}
	rc.session.nonce = parsed.Nonce

	lifetime := e.cfg.SessionDuration
	if parsed.ExpiresIn > 0 {
		lifetime = time.Duration(parsed.ExpiresIn) * time.Second
	}

	sess := rc.session
	e.timeoutTimer = e.timers.AfterFunc(lifetime, func() {
		e.run(func(out *outbox) { e.onSessionTimeout(sess, out) })
	})
	e.pollTimer = e.timers.Repeat(config.DefaultPollInterval, func() {
		e.run(func(out *outbox) { e.pollSession(sess) })
	})

	link, linkErr := e.buildAuthorizationLink(sess)
	if linkErr != nil {
		log.LogErrorWithFields("engine", "Failed to build authorization link", map[string]any{
			"error": linkErr.Error(),
		})
		e.endSession()
		return
	}
	e.deliverLink(sess, link, out)
}

// buildAuthorizationLink assembles the authorization URL. Extra link
// parameters are applied last so callers can override standard ones.
// Engine mutex must be held.
func (e *Engine) buildAuthorizationLink(sess *authSession) (string, error) {
	oc := oauth2.Config{
		ClientID:    e.cfg.ClientID,
		RedirectURL: sess.redirectURI,
		Scopes:      e.cfg.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: e.cfg.AuthorizationEndpoint},
	}

	var opts []oauth2.AuthCodeOption
	if e.cfg.UsePKCE {
		verifier, err := crypto.GeneratePKCEVerifier()
		if err != nil {
			return "", err
		}
		e.codeVerifier = verifier
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", crypto.PKCEChallengeS256(verifier)),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"))
	} else {
		e.codeVerifier = ""
	}
	for k, v := range sess.extraLinkParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return oc.AuthCodeURL(sess.state, opts...), nil
}

// deliverLink publishes the link, shortening it first when a shortener is
// configured. Shortening happens off the engine goroutine; the long link is
// published as a fallback if it fails. Engine mutex must be held.
func (e *Engine) deliverLink(sess *authSession, longLink string, out *outbox) {
	if e.shorten == nil {
		e.publishLink(out, sess.contextInfo, longLink)
		return
	}
	go func() {
		short, err := e.shorten.Shorten(context.Background(), longLink)
		e.run(func(out *outbox) {
			if e.session != sess {
				return
			}
			if err != nil {
				log.LogWarnWithFields("engine", "Link shortening failed, using long link", map[string]any{
					"error": err.Error(),
				})
				e.publishLink(out, sess.contextInfo, longLink)
				return
			}
			e.publishLink(out, sess.contextInfo, short)
		})
	}()
}

// pollSession issues one link-state poll. Overlapping polls are suppressed
// while a previous one is outstanding.
func (e *Engine) pollSession(sess *authSession) {
	if e.session != sess || sess.pollInFlight {
		return
	}
	sess.pollInFlight = true

	q := url.Values{}
	q.Set("state", sess.state)
	if sess.nonce != "" {
		q.Set("nonce", sess.nonce)
	}
	e.sendRequest(http.MethodGet, e.cfg.StateEndpoint+"?"+q.Encode(), nil, nil,
		requestContext{kind: kindLinkCheck, session: sess, info: sess.contextInfo})
}

type linkCheckResponse struct {
	Code  string `json:"code"`
	Nonce string `json:"nonce"`
}

func (e *Engine) handleLinkCheck(rc requestContext, resp *transport.Response, err error, out *outbox) {
	if e.session != rc.session {
		return
	}
	rc.session.pollInFlight = false

	if err != nil {
		log.LogDebugWithFields("engine", "Link poll failed, will retry", map[string]any{
			"error": err.Error(),
		})
		return
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var parsed linkCheckResponse
		if jsonErr := json.Unmarshal(resp.Body, &parsed); jsonErr != nil {
			log.LogDebugWithFields("engine", "Unparseable link poll body", map[string]any{
				"error": jsonErr.Error(),
			})
			return
		}
		if parsed.Nonce != "" {
			rc.session.nonce = parsed.Nonce
		}
		if parsed.Code == "" {
			return
		}
		log.LogInfoWithFields("engine", "Link confirmed", map[string]any{
			"client_id": e.cfg.ClientID,
		})
		e.endSession()
		e.dispatcher.emit(out, EventLinkCodeConfirmed, rc.info, parsed.Code)
		if e.cfg.TokenEndpoint != "" {
			e.exchangeCode(parsed.Code, rc.info, out)
		}

	case http.StatusNoContent:
		e.dispatcher.emit(out, EventLinkCodeWaiting, rc.info)

	case http.StatusUnauthorized:
		log.LogWarnWithFields("engine", "Link poll unauthorized", map[string]any{
			"client_id": e.cfg.ClientID,
		})
		e.endSession()
		e.publishLink(out, rc.info, "")
		e.dispatcher.emit(out, EventLinkCodeError, rc.info)

	case http.StatusForbidden:
		pe := parseProviderError(resp.Body, resp.StatusCode)
		log.LogInfoWithFields("engine", "Link denied by user", map[string]any{
			"error": pe.Code,
		})
		e.endSession()
		e.publishLink(out, rc.info, "")
		e.dispatcher.emit(out, EventLinkCodeDenied, rc.info, pe.Code, pe.Description, pe.URI)

	case http.StatusNotFound:
		log.LogInfoWithFields("engine", "Link state expired", map[string]any{
			"client_id": e.cfg.ClientID,
		})
		e.endSession()
		e.publishLink(out, rc.info, "")
		e.dispatcher.emit(out, EventLinkCodeExpired, rc.info)

	default:
		log.LogDebugWithFields("engine", "Unexpected link poll status, ignoring", map[string]any{
			"status": resp.StatusCode,
		})
	}
}

func (e *Engine) onSessionTimeout(sess *authSession, out *outbox) {
	if e.session != sess {
		return
	}
	log.LogInfoWithFields("engine", "Link session timed out", map[string]any{
		"client_id": e.cfg.ClientID,
	})
	e.endSession()
	e.publishLink(out, sess.contextInfo, "")
	e.dispatcher.emit(out, EventActivationTimeOut, sess.contextInfo)
}
