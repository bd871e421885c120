// Hotkey Companion - printer macro keypad daemon
//
// hotkeyd bridges one or more LED macro keypads with a Moonraker-controlled
// 3D printer: button presses fire gcode or arbitrary JSON-RPC calls, and the
// keypad LEDs mirror live printer state (homed axes, fan and heater activity,
// leveling results) with an immediate busy color on every press.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eliteSchwein/hotkey-companion/internal/actions"
	"github.com/eliteSchwein/hotkey-companion/internal/engine"
	"github.com/eliteSchwein/hotkey-companion/internal/infrastructure/config"
	"github.com/eliteSchwein/hotkey-companion/internal/infrastructure/logging"
	"github.com/eliteSchwein/hotkey-companion/internal/infrastructure/mqtt"
	"github.com/eliteSchwein/hotkey-companion/internal/moonraker"
	"github.com/eliteSchwein/hotkey-companion/internal/orchestrator"
	"github.com/eliteSchwein/hotkey-companion/internal/serial"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/hotkey.yaml"

// moonrakerConnectTimeout bounds the initial connection attempt. A printer
// that is down at startup is not fatal; the client keeps reconnecting.
const moonrakerConnectTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting hotkey companion",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	rules, err := engine.BuildRules(cfg.Buttons)
	if err != nil {
		return fmt.Errorf("building rules: %w", err)
	}
	log.Info("button rules loaded", "rules", len(rules), "mcus", len(cfg.MCUs))

	// Open the keypad serial links. A missing keypad is logged, not fatal:
	// the companion runs with whatever hardware is present.
	bus, err := serial.NewBus(serial.BusOptions{
		MCUs:    cfg.MCUs,
		Buttons: cfg.Buttons,
		Logger:  log.Component("serial"),
	})
	if err != nil {
		return fmt.Errorf("building serial bus: %w", err)
	}
	defer func() {
		log.Info("closing serial links")
		bus.Close()
	}()
	if err := bus.Connect(); err != nil {
		log.Warn("some serial links failed to open", "error", err)
	}

	// Connect to Moonraker. The supervisor reconnects forever, so a timeout
	// here only means the printer is not up yet.
	client := moonraker.NewClient(cfg.Moonraker, version, log.Component("moonraker"))
	defer func() {
		log.Info("closing moonraker connection")
		client.Close()
	}()
	if err := client.Connect(moonrakerConnectTimeout); err != nil {
		log.Warn("moonraker not reachable yet, retrying in background", "error", err)
	} else {
		log.Info("moonraker connected",
			"host", cfg.Moonraker.Host, "port", cfg.Moonraker.Port)
	}

	// Optional MQTT status mirror.
	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher, err = mqtt.Connect(cfg.MQTT, log.Component("mqtt"))
		if err != nil {
			log.Warn("mqtt broker not reachable, status mirroring disabled", "error", err)
			publisher = nil
		} else {
			defer func() {
				log.Info("disconnecting from MQTT")
				if closeErr := publisher.Close(); closeErr != nil {
					log.Error("error closing MQTT", "error", closeErr)
				}
			}()
			log.Info("MQTT connected",
				"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
				"client_id", cfg.MQTT.Broker.ClientID,
			)
		}
	} else {
		log.Info("MQTT disabled")
	}

	eng := engine.New(rules, cfg.MCUs, bus, log.Component("engine"))
	dispatcher := actions.New(client, log.Component("actions"))
	defer func() {
		log.Info("draining action queue")
		dispatcher.Close()
	}()

	loop := orchestrator.New(orchestrator.Options{
		Client:    client,
		Engine:    eng,
		Bus:       bus,
		Rules:     rules,
		Publisher: statusPublisher(publisher),
		Logger:    log.Component("orchestrator"),
	})

	// Inbound wiring: printer deltas and lifecycle events into the engine
	// and loop, key presses into the engine, action queue and status mirror.
	client.SetStatusCallback(eng.ApplyStatus)
	client.SetEventCallback(loop.HandleEvent)
	bus.SetPressCallback(func(mcu string, buttonID int, raw string) {
		log.Debug("button pressed", "mcu", mcu, "button", buttonID, "line", raw)
		matched := eng.Press(mcu, buttonID)
		dispatcher.Enqueue(matched)
		if publisher != nil {
			if pubErr := publisher.PublishPress(mcu, buttonID); pubErr != nil {
				log.Debug("press publish skipped", "error", pubErr)
			}
		}
	})

	log.Info("initialisation complete, entering control loop")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(ctx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("control loop: %w", err)
	}

	log.Info("hotkey companion stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses the first CLI argument, then the HOTKEY_CONFIG environment variable,
// otherwise the default.
func getConfigPath() string {
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		return os.Args[1]
	}
	if path := os.Getenv("HOTKEY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// statusPublisher keeps a nil *mqtt.Publisher from becoming a non-nil
// interface value inside the loop.
func statusPublisher(p *mqtt.Publisher) orchestrator.StatusPublisher {
	if p == nil {
		return nil
	}
	return p
}
