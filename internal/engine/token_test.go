package engine_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driverworks/devicelink/internal/config"
	"github.com/driverworks/devicelink/internal/crypto"
	"github.com/driverworks/devicelink/internal/deviceid"
	"github.com/driverworks/devicelink/internal/engine"
	"github.com/driverworks/devicelink/internal/metrics"
	"github.com/driverworks/devicelink/internal/store"
	"github.com/driverworks/devicelink/internal/testutil"
)

const grantBody = `{"access_token":"at-1","refresh_token":"rt-new","expires_in":3600,"scope":"devices:read"}`

// refreshDelay returns the pending one-shot refresh timer, failing the
// test when there is none.
func refreshDelay(t *testing.T, h *harness) *testutil.FakeTimer {
	t.Helper()
	oneShots := h.pendingOneShots()
	require.Len(t, oneShots, 1)
	return oneShots[0]
}

func TestExchangeCodeGrantsToken(t *testing.T) {
	h := newHarness(t, engine.WithEncryptor(passthroughEncryptor{}))

	h.eng.ExchangeCode("auth-code-1", "ctx")
	req := h.http.Last()
	require.NotNil(t, req)
	assert.Equal(t, "https://auth.example.com/token", req.URL)
	assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))

	form, err := url.ParseQuery(string(req.Body))
	require.NoError(t, err)
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, testSecret, form.Get("client_secret"))

	req.Respond(200, grantBody)

	granted := h.rec.byEvent(engine.EventAccessTokenGranted)
	require.Len(t, granted, 1)
	assert.Equal(t, []any{"at-1", "rt-new"}, granted[0].args)
	assert.Equal(t, "ctx", granted[0].info)

	token := h.eng.Token()
	assert.Equal(t, "at-1", token.AccessToken)
	assert.Equal(t, "rt-new", token.RefreshToken)
	assert.Equal(t, "devices:read", token.Scope)
	assert.Equal(t, 3600, token.ExpiresIn)
	assert.Zero(t, token.ExpiresInOriginal)

	// The refresh token is persisted under the derived storage key.
	stored, err := h.store.Get(context.Background(), crypto.StorageKey(testDeviceID, testClientID))
	require.NoError(t, err)
	assert.Equal(t, "rt-new", stored)

	// The next refresh lands inside the jitter window.
	delay := refreshDelay(t, h).D
	assert.GreaterOrEqual(t, delay, 2700*time.Second)
	assert.LessOrEqual(t, delay, 3420*time.Second)
}

func TestExchangeCodeEmptyCodeIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.eng.ExchangeCode("", nil)
	assert.Nil(t, h.http.Last())
}

func TestRefreshTokenRotation(t *testing.T) {
	h := newHarness(t, engine.WithRefreshToken("rt-old"), engine.WithEncryptor(passthroughEncryptor{}))

	require.NoError(t, h.eng.RefreshToken("ctx", ""))
	req := h.http.Last()
	form, err := url.ParseQuery(string(req.Body))
	require.NoError(t, err)
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "rt-old", form.Get("refresh_token"))

	req.Respond(200, grantBody)
	assert.Equal(t, "rt-new", h.eng.Token().RefreshToken)

	stored, err := h.store.Get(context.Background(), crypto.StorageKey(testDeviceID, testClientID))
	require.NoError(t, err)
	assert.Equal(t, "rt-new", stored)
}

func TestRefreshKeepsTokenWhenResponseOmitsIt(t *testing.T) {
	h := newHarness(t, engine.WithRefreshToken("rt-old"))

	require.NoError(t, h.eng.RefreshToken(nil, ""))
	h.http.Last().Respond(200, `{"access_token":"at-2","expires_in":1800}`)

	token := h.eng.Token()
	assert.Equal(t, "at-2", token.AccessToken)
	assert.Equal(t, "rt-old", token.RefreshToken)
	assert.Equal(t, 1800, token.ExpiresIn)
}

func TestRefreshWithReplacementToken(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.RefreshToken(nil, "rt-supplied"))

	form, err := url.ParseQuery(string(h.http.Last().Body))
	require.NoError(t, err)
	assert.Equal(t, "rt-supplied", form.Get("refresh_token"))
}

func TestRefreshWithoutTokenFails(t *testing.T) {
	h := newHarness(t)
	err := h.eng.RefreshToken(nil, "")
	assert.ErrorIs(t, err, engine.ErrNoRefreshToken)
	assert.Nil(t, h.http.Last())
}

func TestRefreshCollisionSendsNothing(t *testing.T) {
	h := newHarness(t, engine.WithRefreshToken("rt-1"))

	require.NoError(t, h.eng.RefreshToken(nil, ""))
	sent := len(h.http.Requests())

	err := h.eng.RefreshToken(nil, "")
	assert.ErrorIs(t, err, engine.ErrRefreshInFlight)
	assert.Len(t, h.http.Requests(), sent)
	assert.Equal(t, 1, h.sink.Count(metrics.CounterRefreshCollision))
}

func TestRefreshTransportErrorSchedulesRetry(t *testing.T) {
	h := newHarness(t, engine.WithRefreshToken("rt-1"))

	require.NoError(t, h.eng.RefreshToken("ctx", ""))
	h.http.Last().Fail(errors.New("connection refused"))

	retry := refreshDelay(t, h)
	assert.Equal(t, 30*time.Second, retry.D)
	assert.Equal(t, 1, h.sink.Count(metrics.CounterTransportRetry))

	sent := len(h.http.Requests())
	retry.Fire()
	assert.Len(t, h.http.Requests(), sent+1)
}

func TestRefreshServerErrorSchedulesRetry(t *testing.T) {
	h := newHarness(t, engine.WithRefreshToken("rt-1"))

	require.NoError(t, h.eng.RefreshToken(nil, ""))
	h.http.Last().Respond(502, "bad gateway")

	retry := refreshDelay(t, h)
	assert.Equal(t, 30*time.Second, retry.D)
}

func TestExchangeTransportErrorDoesNotRetry(t *testing.T) {
	h := newHarness(t)

	h.eng.ExchangeCode("auth-code-1", nil)
	h.http.Last().Fail(errors.New("connection refused"))

	assert.Empty(t, h.timers.Pending())
	assert.Zero(t, h.sink.Count(metrics.CounterTransportRetry))
}

func TestRefreshWatchdogRestartsAndLateSuccessStillApplies(t *testing.T) {
	h := newHarness(t, engine.WithRefreshToken("rt-1"))

	require.NoError(t, h.eng.RefreshToken("ctx", ""))
	first := h.http.Last()

	watchdog := refreshDelay(t, h)
	assert.Equal(t, 30*time.Second, watchdog.D)
	watchdog.Fire()

	assert.Equal(t, 1, h.sink.Count(metrics.CounterWatchdogFired))
	requests := h.http.Requests()
	require.Len(t, requests, 2)

	// The abandoned attempt's late success is still applied, but it no
	// longer owns the in-flight marker.
	first.Respond(200, `{"access_token":"at-late","expires_in":3600}`)
	assert.Equal(t, "at-late", h.eng.Token().AccessToken)
	require.Len(t, h.rec.byEvent(engine.EventAccessTokenGranted), 1)

	// The restarted attempt completes normally afterwards.
	requests[1].Respond(200, grantBody)
	assert.Equal(t, "at-1", h.eng.Token().AccessToken)
	require.Len(t, h.rec.byEvent(engine.EventAccessTokenGranted), 2)
}

func TestStaleRefreshFailureIsDropped(t *testing.T) {
	h := newHarness(t, engine.WithRefreshToken("rt-1"))

	require.NoError(t, h.eng.RefreshToken(nil, ""))
	first := h.http.Last()
	refreshDelay(t, h).Fire() // watchdog

	// A late failure from the abandoned attempt neither clears tokens nor
	// schedules an extra retry.
	first.Respond(400, `{"error":"invalid_grant"}`)
	assert.Equal(t, "rt-1", h.eng.Token().RefreshToken)
	assert.Empty(t, h.rec.byEvent(engine.EventAccessTokenDenied))
}

func TestRefreshDeniedClearsTokenState(t *testing.T) {
	h := newHarness(t, engine.WithRefreshToken("rt-1"), engine.WithEncryptor(passthroughEncryptor{}))

	// Establish a persisted token first.
	require.NoError(t, h.eng.RefreshToken("ctx", ""))
	h.http.Last().Respond(200, grantBody)

	refreshDelay(t, h).Fire()
	h.http.Last().Respond(400, `{"error":"invalid_grant","error_description":"revoked"}`)

	denied := h.rec.byEvent(engine.EventAccessTokenDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, []any{"invalid_grant", "revoked", ""}, denied[0].args)

	token := h.eng.Token()
	assert.Empty(t, token.AccessToken)
	assert.Empty(t, token.RefreshToken)
	assert.Empty(t, h.timers.Pending())

	_, err := h.store.Get(context.Background(), crypto.StorageKey(testDeviceID, testClientID))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLifetimeCapAppliesToExcessiveExpiry(t *testing.T) {
	h := newHarness(t, engine.WithRefreshToken("rt-1"))

	require.NoError(t, h.eng.RefreshToken(nil, ""))
	h.http.Last().Respond(200, `{"access_token":"at-1","refresh_token":"rt-2","expires_in":200000}`)

	token := h.eng.Token()
	assert.Equal(t, config.DefaultMaxLifetimeSeconds, token.ExpiresIn)
	assert.Equal(t, 200000, token.ExpiresInOriginal)

	delay := refreshDelay(t, h).D
	assert.GreaterOrEqual(t, delay, time.Duration(0.75*float64(config.DefaultMaxLifetimeSeconds))*time.Second)
	assert.LessOrEqual(t, delay, time.Duration(0.95*float64(config.DefaultMaxLifetimeSeconds))*time.Second)
}

func TestMissingExpiryFallsBackToDefault(t *testing.T) {
	h := newHarness(t, engine.WithRefreshToken("rt-1"))

	require.NoError(t, h.eng.RefreshToken(nil, ""))
	h.http.Last().Respond(200, `{"access_token":"at-1","refresh_token":"rt-2"}`)

	assert.Equal(t, config.DefaultTokenLifetimeSeconds, h.eng.Token().ExpiresIn)
}

func TestScheduledRefreshFiresAnotherRefresh(t *testing.T) {
	h := newHarness(t, engine.WithRefreshToken("rt-1"))

	require.NoError(t, h.eng.RefreshToken(nil, ""))
	h.http.Last().Respond(200, grantBody)

	sent := len(h.http.Requests())
	refreshDelay(t, h).Fire()

	requests := h.http.Requests()
	require.Len(t, requests, sent+1)
	form, err := url.ParseQuery(string(requests[len(requests)-1].Body))
	require.NoError(t, err)
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "rt-new", form.Get("refresh_token"))
}

func TestBasicAuthAndExtraHeaders(t *testing.T) {
	cfg := testConfig()
	cfg.BasicAuthHeader = true
	cfg.ExtraTokenHeaders = map[string]string{
		"X-Device-Model": "panel-mk2",
		"Content-Type":   "text/plain",
	}

	httpc := &testutil.FakeHTTPClient{}
	eng, _, err := engine.New(t.Context(), cfg, engine.Deps{
		HTTP:   httpc,
		Timers: &testutil.FakeTimerService{},
		Store:  store.NewMemoryStore(),
		Device: deviceid.Static(testDeviceID),
	}, engine.WithRefreshToken("rt-1"))
	require.NoError(t, err)

	require.NoError(t, eng.RefreshToken(nil, ""))
	header := httpc.Last().Header

	creds := base64.StdEncoding.EncodeToString([]byte(testClientID + ":" + testSecret))
	assert.Equal(t, "Basic "+creds, header.Get("Authorization"))
	assert.Equal(t, "panel-mk2", header.Get("X-Device-Model"))
	// Engine-set headers are never overridden.
	assert.Equal(t, "application/x-www-form-urlencoded", header.Get("Content-Type"))
}

func TestMalformedGrantBodyLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, engine.WithRefreshToken("rt-1"))

	require.NoError(t, h.eng.RefreshToken(nil, ""))
	h.http.Last().Respond(200, `{"access_token":`)

	assert.Empty(t, h.eng.Token().AccessToken)
	assert.Equal(t, "rt-1", h.eng.Token().RefreshToken)
	assert.Empty(t, h.rec.byEvent(engine.EventAccessTokenGranted))
}

func TestLifetimeAtExactMaximumIsNotCapped(t *testing.T) {
	h := newHarness(t, engine.WithRefreshToken("rt-1"))

	require.NoError(t, h.eng.RefreshToken(nil, ""))
	h.http.Last().Respond(200, `{"access_token":"at-1","refresh_token":"rt-2","expires_in":86400}`)

	token := h.eng.Token()
	assert.Equal(t, config.DefaultMaxLifetimeSeconds, token.ExpiresIn)
	assert.Zero(t, token.ExpiresInOriginal)
}
