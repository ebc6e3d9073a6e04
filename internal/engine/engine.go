// Package engine implements the client side of an OAuth 2.0
// authorization-code-grant flow with device linking and autonomous
// refresh-token lifecycle management.
//
// The engine owns no event loop. Every step of the flow is driven by
// asynchronous HTTP completions and timer fires delivered by injected
// collaborators; there are no blocking waits. Callbacks for one engine
// instance are serialized, so internal state needs no locking beyond the
// engine mutex.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/driverworks/devicelink/internal/config"
	"github.com/driverworks/devicelink/internal/crypto"
	"github.com/driverworks/devicelink/internal/deviceid"
	"github.com/driverworks/devicelink/internal/log"
	"github.com/driverworks/devicelink/internal/metrics"
	"github.com/driverworks/devicelink/internal/shortener"
	"github.com/driverworks/devicelink/internal/store"
	"github.com/driverworks/devicelink/internal/timer"
	"github.com/driverworks/devicelink/internal/transport"
)

// ErrNoRefreshToken is returned by RefreshToken when no token exists.
var ErrNoRefreshToken = errors.New("no refresh token available")

// ErrRefreshInFlight is returned when a refresh request is already
// outstanding; the redundant attempt sends nothing.
var ErrRefreshInFlight = errors.New("refresh already in flight")

// opState tracks the token operation currently in flight. It is a
// deliberate replacement for inferring business state from timer handles.
type opState int

const (
	opIdle opState = iota
	opExchangingCode
	opRefreshing
)

// Deps are the external collaborators an engine is built from. HTTP,
// Timers, Store, and Device are required; Shortener and Metrics are
// optional.
type Deps struct {
	HTTP      transport.AsyncClient
	Timers    timer.Service
	Store     store.Store
	Device    deviceid.Provider
	Shortener shortener.Shortener
	Metrics   metrics.Sink
}

// Option customizes engine construction.
type Option func(*options)

type options struct {
	refreshToken string
	encryptor    crypto.Encryptor
}

// WithRefreshToken seeds the engine with an explicit refresh token,
// bypassing recovery from the persistent store.
func WithRefreshToken(token string) Option {
	return func(o *options) { o.refreshToken = token }
}

// WithEncryptor overrides the default secretbox encryptor used to protect
// the refresh token at rest.
func WithEncryptor(enc crypto.Encryptor) Option {
	return func(o *options) { o.encryptor = enc }
}

// Engine drives one OAuth client/provider pairing: at most one live
// device-linking session plus one access/refresh token pair.
type Engine struct {
	mu  sync.Mutex
	cfg config.Config

	http    transport.AsyncClient
	timers  timer.Service
	store   store.Store
	enc     crypto.Encryptor
	metrics metrics.Sink
	shorten shortener.Shortener

	deviceID   string
	storageKey string

	dispatcher  dispatcher
	linkChanged func(contextInfo any, link string)

	// Device-linking session state. session is nil when no session is live.
	session      *authSession
	pollTimer    timer.Handle
	timeoutTimer timer.Handle
	codeVerifier string
	redirectURI  string

	// Token lifecycle state.
	token        tokenRecord
	op           opState
	refreshGen   uint64
	watchdog     timer.Handle
	refreshTimer timer.Handle

	link string
}

// New builds an engine and attempts refresh-token recovery: an explicitly
// supplied token wins, otherwise the persisted encrypted value is read and
// decrypted. The returned bool reports whether a refresh-driven
// notification will follow shortly (a recovered token schedules a
// near-immediate refresh).
func New(ctx context.Context, cfg config.Config, deps Deps, opts ...Option) (*Engine, bool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid config: %w", err)
	}
	if deps.HTTP == nil || deps.Timers == nil || deps.Store == nil || deps.Device == nil {
		return nil, false, errors.New("http, timers, store, and device collaborators are required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	deviceID, err := deps.Device.DeviceID()
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve device identity: %w", err)
	}

	sink := deps.Metrics
	if sink == nil {
		sink = metrics.Noop{}
	}

	enc := o.encryptor
	if enc == nil {
		enc = crypto.NewSecretboxEncryptor(
			crypto.EncryptionKeyMaterial(deviceID, string(cfg.ClientSecret), cfg.ClientID))
	}

	e := &Engine{
		cfg:         cfg,
		http:        deps.HTTP,
		timers:      deps.Timers,
		store:       deps.Store,
		enc:         enc,
		metrics:     sink,
		shorten:     deps.Shortener,
		deviceID:    deviceID,
		storageKey:  crypto.StorageKey(deviceID, cfg.ClientID),
		redirectURI: cfg.RedirectURI,
	}
	e.dispatcher.metrics = sink

	recovered := e.recoverRefreshToken(ctx, o.refreshToken)
	if recovered {
		e.scheduleRecoveredRefresh()
	}

	log.LogInfoWithFields("engine", "Engine created", map[string]any{
		"client_id":     cfg.ClientID,
		"display_name":  cfg.DisplayName,
		"token_pending": recovered,
	})
	return e, recovered, nil
}

// recoverRefreshToken loads the refresh token at construction time.
// Storage and decryption failures are telemetry events, never fatal.
func (e *Engine) recoverRefreshToken(ctx context.Context, explicit string) bool {
	if explicit != "" {
		e.token.refreshToken = explicit
		return true
	}

	ciphertext, err := e.store.Get(ctx, e.storageKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.LogWarnWithFields("engine", "Failed to read persisted refresh token", map[string]any{
				"error": err.Error(),
			})
		}
		return false
	}

	plaintext, err := e.enc.Decrypt(ciphertext)
	if err != nil {
		e.metrics.Inc(metrics.CounterDecryptFailed)
		log.LogWarnWithFields("engine", "Failed to decrypt persisted refresh token", map[string]any{
			"error": err.Error(),
		})
		return false
	}

	e.token.refreshToken = plaintext
	return true
}

// Link returns the currently published authorization link, or "" when none
// is active.
func (e *Engine) Link() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.link
}

// TokenInfo is a snapshot of the current token record.
type TokenInfo struct {
	AccessToken       string
	RefreshToken      string
	Scope             string
	ExpiresIn         int
	ExpiresInOriginal int
}

// Token returns a snapshot of the current token record.
func (e *Engine) Token() TokenInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return TokenInfo{
		AccessToken:       e.token.accessToken,
		RefreshToken:      e.token.refreshToken,
		Scope:             e.token.scope,
		ExpiresIn:         e.token.expiresIn,
		ExpiresInOriginal: e.token.expiresInOriginal,
	}
}

// run executes fn under the engine mutex, then delivers the notifications
// fn queued. Notifications run outside the lock so handlers may call back
// into the engine.
func (e *Engine) run(fn func(out *outbox)) {
	out := &outbox{}
	func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		defer func() {
			if r := recover(); r != nil {
				log.LogErrorWithFields("engine", "Recovered panic in engine callback", map[string]any{
					"panic": fmt.Sprint(r),
				})
			}
		}()
		fn(out)
	}()
	out.flush()
}

// publishLink records a new link value and queues the link-change callback
// plus, for non-empty links, the LinkCodeReceived notification. Must be
// called with the engine mutex held.
func (e *Engine) publishLink(out *outbox, contextInfo any, link string) {
	if e.link == link {
		return
	}
	e.link = link

	if cb := e.linkChanged; cb != nil {
		out.add(func() {
			defer func() {
				if r := recover(); r != nil {
					e.metrics.Inc(metrics.CounterHandlerFault)
					log.LogErrorWithFields("engine", "Link-change callback panicked", map[string]any{
						"panic": fmt.Sprint(r),
					})
				}
			}()
			cb(contextInfo, link)
		})
	}
	if link != "" {
		e.dispatcher.emit(out, EventLinkCodeReceived, contextInfo, link)
	}
}
