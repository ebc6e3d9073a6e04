// Package internal wires the devicelink engine to its production
// collaborators based on runtime environment settings.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driverworks/devicelink/internal/config"
	"github.com/driverworks/devicelink/internal/deviceid"
	"github.com/driverworks/devicelink/internal/engine"
	"github.com/driverworks/devicelink/internal/log"
	"github.com/driverworks/devicelink/internal/metrics"
	"github.com/driverworks/devicelink/internal/mqconn"
	"github.com/driverworks/devicelink/internal/shortener"
	"github.com/driverworks/devicelink/internal/store"
	"github.com/driverworks/devicelink/internal/timer"
	"github.com/driverworks/devicelink/internal/transport"
)

// RuntimeConfig selects backends and infrastructure endpoints. It comes
// from the environment, while the OAuth parameters come from the config
// file.
type RuntimeConfig struct {
	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`

	FirestoreProject    string `env:"FIRESTORE_PROJECT"`
	FirestoreDatabase   string `env:"FIRESTORE_DATABASE" envDefault:"(default)"`
	FirestoreCollection string `env:"FIRESTORE_COLLECTION" envDefault:"refresh_tokens"`

	DeviceIDPath string `env:"DEVICE_ID_PATH" envDefault:"/var/lib/devicelink/device-id"`

	MetricsAddr    string        `env:"METRICS_ADDR"`
	HTTPTimeout    time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	EventStreamURL string        `env:"EVENT_STREAM_URL"`
}

// App is a running devicelink instance: one engine plus the optional
// metrics endpoint and event stream.
type App struct {
	eng     *engine.Engine
	runtime RuntimeConfig

	metricsServer *http.Server
	stream        mqconn.Conn
	closers       []func() error
}

// NewApp builds the engine and its collaborators. A recovered refresh
// token starts refreshing on its own; the caller only needs to start a
// linking session when no token was recovered.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	var rt RuntimeConfig
	if err := env.Parse(&rt); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	a := &App{runtime: rt}

	backing, err := a.buildStore(ctx, rt)
	if err != nil {
		return nil, err
	}

	var sink metrics.Sink = metrics.Noop{}
	if rt.MetricsAddr != "" {
		promSink, err := metrics.NewPrometheusSink("devicelink", prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		sink = promSink
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsServer = &http.Server{Addr: rt.MetricsAddr, Handler: mux}
	}

	var shorten shortener.Shortener
	if cfg.Shortener != nil {
		shorten = shortener.New(*cfg.Shortener)
	}

	eng, tokenPending, err := engine.New(ctx, cfg, engine.Deps{
		HTTP:      transport.NewHTTPClient(rt.HTTPTimeout),
		Timers:    timer.New(),
		Store:     backing,
		Device:    deviceid.NewFileProvider(rt.DeviceIDPath),
		Shortener: shorten,
		Metrics:   sink,
	})
	if err != nil {
		return nil, err
	}
	a.eng = eng

	a.registerEventLogging()
	if rt.EventStreamURL != "" {
		if err := a.connectEventStream(rt.EventStreamURL); err != nil {
			log.LogWarnWithFields("app", "Event stream unavailable", map[string]any{
				"url":   rt.EventStreamURL,
				"error": err.Error(),
			})
		}
	}

	log.LogInfoWithFields("app", "Devicelink app ready", map[string]any{
		"store":         rt.StoreBackend,
		"token_pending": tokenPending,
	})

	// Without a recovered token the device needs to be linked.
	if !tokenPending {
		if err := eng.StartSession(nil, nil, ""); err != nil {
			return nil, fmt.Errorf("failed to start linking session: %w", err)
		}
	}
	return a, nil
}

// Engine exposes the underlying engine for hosts embedding the app.
func (a *App) Engine() *engine.Engine {
	return a.eng
}

func (a *App) buildStore(ctx context.Context, rt RuntimeConfig) (store.Store, error) {
	switch rt.StoreBackend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		if rt.RedisAddr == "" {
			return nil, errors.New("REDIS_ADDR is required for the redis store")
		}
		s, err := store.NewRedisStoreFromOptions(store.RedisOptions{
			Addr:     rt.RedisAddr,
			Password: rt.RedisPassword,
			DB:       rt.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		return s, nil
	case "firestore":
		if rt.FirestoreProject == "" {
			return nil, errors.New("FIRESTORE_PROJECT is required for the firestore store")
		}
		s, err := store.NewFirestoreStore(ctx, rt.FirestoreProject, rt.FirestoreDatabase, rt.FirestoreCollection)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", rt.StoreBackend)
	}
}

// registerEventLogging logs every engine notification. Hosts embedding the
// app can replace individual handlers afterwards.
func (a *App) registerEventLogging() {
	for _, event := range []engine.Event{
		engine.EventLinkCodeReceived,
		engine.EventLinkCodeWaiting,
		engine.EventLinkCodeConfirmed,
		engine.EventLinkCodeDenied,
		engine.EventLinkCodeExpired,
		engine.EventLinkCodeError,
		engine.EventActivationTimeOut,
		engine.EventAccessTokenGranted,
		engine.EventAccessTokenDenied,
		engine.EventRefreshTokenDeleted,
	} {
		event := event
		a.eng.On(event, func(contextInfo any, args ...any) {
			log.LogInfoWithFields("app", "Engine event", map[string]any{
				"event": string(event),
			})
			a.streamEvent(event, args)
		})
	}
	a.eng.OnLinkChanged(func(contextInfo any, link string) {
		if link == "" {
			log.Logf("Authorization link retracted")
			return
		}
		log.Logf("Authorization link: %s", link)
	})
}

func (a *App) connectEventStream(url string) error {
	conn, err := mqconn.Dial(url)
	if err != nil {
		return err
	}
	a.stream = conn
	a.closers = append(a.closers, conn.Close)
	return nil
}

type streamedEvent struct {
	Event string `json:"event"`
	Args  []any  `json:"args,omitempty"`
}

// streamEvent forwards a notification to the companion service. Token
// values are never streamed.
func (a *App) streamEvent(event engine.Event, args []any) {
	if a.stream == nil {
		return
	}
	payload := streamedEvent{Event: string(event)}
	if event != engine.EventAccessTokenGranted {
		payload.Args = args
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	w := a.stream.NewWriter()
	if _, err := w.Write(data); err != nil {
		return
	}
	_ = w.Flush()
}

// Run serves the metrics endpoint until ctx is canceled, then shuts the
// app down.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		a.Close()
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		a.Close()
		return nil
	}
}

// Close releases backends and the event stream.
func (a *App) Close() {
	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metricsServer.Shutdown(shutdownCtx)
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			log.LogWarnWithFields("app", "Close failed", map[string]any{
				"error": err.Error(),
			})
		}
	}
}
