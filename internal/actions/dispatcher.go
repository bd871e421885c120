package actions

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/eliteSchwein/hotkey-companion/internal/engine"
)

const (
	// queueSize bounds pending actions; presses beyond it are dropped so a
	// stalled printer connection can never back-pressure the serial loop.
	queueSize = 32

	// workerCount is how many actions may run concurrently. Two keeps a
	// long-running gcode from blocking a quick follow-up press.
	workerCount = 2

	gcodeTimeout = 30 * time.Second
	rpcTimeout   = 5 * time.Second
)

// Caller is the outbound printer interface, satisfied by moonraker.Client.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	GcodeScript(ctx context.Context, script string) error
	IsConnected() bool
}

// Logger is the minimal logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Dispatcher executes the outbound actions of pressed buttons on a small
// worker pool. Action failures are logged and swallowed here: a failed
// remote call must never influence LED state or crash the process.
//
// Thread Safety:
//   - Enqueue is safe for concurrent use; Close may be called once.
type Dispatcher struct {
	caller Caller
	logger Logger

	queue chan engine.Rule
	wg    sync.WaitGroup
	once  sync.Once
}

// New builds a Dispatcher and starts its workers.
//
// Parameters:
//   - caller: The printer client actions run against
//   - logger: Logger; nil disables logging
//
// Returns:
//   - *Dispatcher: Running dispatcher; stop it with Close
func New(caller Caller, logger Logger) *Dispatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	d := &Dispatcher{
		caller: caller,
		logger: logger,
		queue:  make(chan engine.Rule, queueSize),
	}
	for i := 0; i < workerCount; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue schedules the actions of all rules matched by one press. Rules
// without an action are skipped; a full queue drops the action with a
// warning rather than blocking the caller.
func (d *Dispatcher) Enqueue(rules []engine.Rule) {
	for _, r := range rules {
		if r.Gcode == "" && r.RPCMethod == "" {
			continue
		}
		select {
		case d.queue <- r:
		default:
			d.logger.Warn("action queue full, dropping action", "rule", r.Name)
		}
	}
}

// Close stops accepting actions and waits for in-flight ones to finish.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.queue) })
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for rule := range d.queue {
		d.execute(rule)
	}
}

// execute runs one rule's actions. When the printer connection is down the
// actions are skipped outright; queueing them for later would fire stale
// commands after reconnect.
func (d *Dispatcher) execute(rule engine.Rule) {
	if !d.caller.IsConnected() {
		d.logger.Warn("printer offline, skipping action", "rule", rule.Name)
		return
	}

	if rule.Gcode != "" {
		ctx, cancel := context.WithTimeout(context.Background(), gcodeTimeout)
		err := d.caller.GcodeScript(ctx, rule.Gcode)
		cancel()
		if err != nil {
			d.logger.Warn("gcode action failed", "rule", rule.Name, "error", err)
		} else {
			d.logger.Debug("gcode action done", "rule", rule.Name)
		}
	}

	if rule.RPCMethod != "" {
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		_, err := d.caller.Call(ctx, rule.RPCMethod, rule.RPCParams)
		cancel()
		if err != nil {
			d.logger.Warn("rpc action failed",
				"rule", rule.Name, "method", rule.RPCMethod, "error", err)
		} else {
			d.logger.Debug("rpc action done", "rule", rule.Name, "method", rule.RPCMethod)
		}
	}
}
