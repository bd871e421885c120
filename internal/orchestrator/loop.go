package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eliteSchwein/hotkey-companion/internal/engine"
	"github.com/eliteSchwein/hotkey-companion/internal/moonraker"
)

const (
	// tickInterval drives the engine's busy-window expiry.
	tickInterval = 20 * time.Millisecond

	// healthPollInterval is how often server.info is polled for klippy state.
	healthPollInterval = 1500 * time.Millisecond

	// resubscribeMinInterval spaces out subscription attempts while the
	// printer is still coming up.
	resubscribeMinInterval = 1 * time.Second

	// shutdownSettle gives the serial queues time to flush the final
	// all-off paint before the links close.
	shutdownSettle = 200 * time.Millisecond

	// offColor is painted across every keypad on shutdown.
	offColor = "000000"
)

// klippyReady is the server.info klippy_state value that permits subscribing.
const klippyReady = "ready"

// PrinterClient is the Moonraker surface the loop drives, satisfied by
// moonraker.Client.
type PrinterClient interface {
	IsConnected() bool
	ServerInfo(ctx context.Context) (moonraker.ServerInfo, error)
	ObjectsList(ctx context.Context) ([]string, error)
	ObjectsSubscribe(ctx context.Context, objects map[string][]string) (map[string]map[string]any, error)
}

// Reconciler is the engine surface the loop drives.
type Reconciler interface {
	Tick(now time.Time)
	SetObjects(objects []string)
	ResetState()
	ApplyStatus(changes map[string]map[string]any, eventtime float64)
}

// Broadcaster paints whole keypads, satisfied by serial.Bus.
type Broadcaster interface {
	ColorAll(color string) error
}

// StatusPublisher mirrors klippy state externally, satisfied by
// mqtt.Publisher. Optional.
type StatusPublisher interface {
	PublishKlippyState(state string) error
}

// Logger is the minimal logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Options configures a Loop.
type Options struct {
	Client    PrinterClient
	Engine    Reconciler
	Bus       Broadcaster
	Rules     []engine.Rule
	Publisher StatusPublisher // nil disables status mirroring
	Logger    Logger          // nil disables logging
}

// Loop is the foreground control loop: it ticks the reconciliation engine,
// polls printer health, and (re)subscribes to state deltas whenever the
// printer reports ready after a connect, restart or firmware shutdown.
type Loop struct {
	client    PrinterClient
	engine    Reconciler
	bus       Broadcaster
	rules     []engine.Rule
	publisher StatusPublisher
	logger    Logger

	// subscribed flips to false whenever the printer restarts or the
	// connection drops; the loop then re-runs the subscription cycle.
	subscribed atomic.Bool

	lastKlippyState string
}

// New builds a Loop. Call HandleEvent from the client's event callback and
// Run from the main goroutine.
func New(opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Loop{
		client:    opts.Client,
		engine:    opts.Engine,
		bus:       opts.Bus,
		rules:     opts.Rules,
		publisher: opts.Publisher,
		logger:    logger,
	}
}

// HandleEvent processes a non-status notification from the printer daemon.
//
// Any klippy lifecycle signal (ready, shutdown, disconnected, state changed)
// invalidates the current subscription; the next poll cycle resubscribes
// once the printer reports ready again.
func (l *Loop) HandleEvent(method string, params json.RawMessage) {
	_ = params

	if !strings.HasPrefix(method, "notify_klippy_") {
		return
	}
	l.subscribed.Store(false)
	l.logger.Info("klippy lifecycle event", "method", method)
}

// Run drives the loop until ctx is cancelled. On exit every keypad is
// painted off before returning.
//
// Returns:
//   - error: Always nil; the loop only ends on ctx cancellation
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var lastPoll time.Time
	var lastSubscribeAttempt time.Time

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil

		case now := <-ticker.C:
			l.engine.Tick(now)

			if !l.client.IsConnected() {
				l.subscribed.Store(false)
				continue
			}

			if now.Sub(lastPoll) >= healthPollInterval {
				lastPoll = now
				l.pollHealth(ctx)
			}

			if l.lastKlippyState == klippyReady && !l.subscribed.Load() &&
				now.Sub(lastSubscribeAttempt) >= resubscribeMinInterval {
				lastSubscribeAttempt = now
				l.resubscribe(ctx)
			}
		}
	}
}

// pollHealth fetches server.info and tracks klippy state transitions.
func (l *Loop) pollHealth(ctx context.Context) {
	info, err := l.client.ServerInfo(ctx)
	if err != nil {
		l.logger.Warn("server info poll failed", "error", err)
		return
	}

	state := info.KlippyState
	if !info.KlippyConnected && state == "" {
		state = "disconnected"
	}
	if state == l.lastKlippyState {
		return
	}

	l.logger.Info("klippy state changed",
		"from", l.lastKlippyState, "to", state)
	l.lastKlippyState = state
	if state != klippyReady {
		l.subscribed.Store(false)
	}

	if l.publisher != nil {
		if err := l.publisher.PublishKlippyState(state); err != nil {
			l.logger.Warn("klippy state publish failed", "error", err)
		}
	}
}

// resubscribe runs one full subscription cycle: refresh the object catalog,
// reset mirrored state, subscribe, and apply the initial status snapshot
// the subscribe response carries.
func (l *Loop) resubscribe(ctx context.Context) {
	objects, err := l.client.ObjectsList(ctx)
	if err != nil {
		l.logger.Warn("object list fetch failed", "error", err)
		return
	}

	l.engine.SetObjects(objects)
	l.engine.ResetState()

	sub := engine.BuildSubscription(objects, l.rules)
	status, err := l.client.ObjectsSubscribe(ctx, sub)
	if err != nil {
		l.logger.Warn("subscribe failed", "error", err)
		return
	}

	if len(status) > 0 {
		l.engine.ApplyStatus(status, 0)
	}
	l.subscribed.Store(true)
	l.logger.Info("subscribed to printer objects", "objects", len(sub))
}

// shutdown returns every keypad to all-off and lets the writes flush.
func (l *Loop) shutdown() {
	if err := l.bus.ColorAll(offColor); err != nil {
		l.logger.Warn("shutdown paint failed", "error", err)
	}
	time.Sleep(shutdownSettle)
}
