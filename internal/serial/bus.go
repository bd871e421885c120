package serial

import (
	"fmt"
	"sync"
	"time"

	"github.com/eliteSchwein/hotkey-companion/internal/infrastructure/config"
)

// defaultStartupDelay is how long after a link connects before the startup
// paint runs, giving the firmware time to finish booting.
const defaultStartupDelay = 600 * time.Millisecond

// staticPaint is one static-rule color applied during the startup paint.
type staticPaint struct {
	buttonID int
	color    string
}

// BusOptions configures a Bus.
type BusOptions struct {
	// MCUs maps mcu name to its serial endpoint and base colors.
	MCUs map[string]config.MCUConfig

	// Buttons supplies the static rules painted at startup.
	Buttons map[string]config.ButtonConfig

	// PortOpener overrides the transport; nil selects real serial ports.
	PortOpener PortOpener

	// StartupDelay overrides the boot settle delay; zero selects the default.
	StartupDelay time.Duration

	// Logger; nil disables logging.
	Logger Logger
}

// Bus aggregates the serial links of all configured mcus under one address
// space and owns the startup paint sequence.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Bus struct {
	links        map[string]*Link
	startupAll   map[string]string
	staticColors map[string][]staticPaint
	startupDelay time.Duration
	logger       Logger

	timerMu sync.Mutex
	timers  []*time.Timer
}

// NewBus builds a Bus from configuration. Links are created but not
// connected; call Connect to open them.
//
// Returns:
//   - *Bus: The assembled bus
//   - error: If a static button color fails normalisation
func NewBus(opts BusOptions) (*Bus, error) {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	delay := opts.StartupDelay
	if delay == 0 {
		delay = defaultStartupDelay
	}

	b := &Bus{
		links:        make(map[string]*Link, len(opts.MCUs)),
		startupAll:   make(map[string]string, len(opts.MCUs)),
		staticColors: make(map[string][]staticPaint),
		startupDelay: delay,
		logger:       logger,
	}

	for name, mcu := range opts.MCUs {
		b.links[name] = NewLink(LinkConfig{
			Name:   name,
			Device: mcu.Serial,
			Baud:   mcu.Baud,
		}, opts.PortOpener, logger)

		if mcu.ColorAll != "" {
			base, err := NormalizeColor(mcu.ColorAll)
			if err != nil {
				return nil, fmt.Errorf("mcu %q: %w", name, err)
			}
			b.startupAll[name] = base
		}
	}

	for name, btn := range opts.Buttons {
		if btn.LEDState != "static" || btn.Color == "" {
			continue
		}
		color, err := NormalizeColor(btn.Color)
		if err != nil {
			return nil, fmt.Errorf("button %q: %w", name, err)
		}
		b.staticColors[btn.MCU] = append(b.staticColors[btn.MCU], staticPaint{
			buttonID: btn.ButtonID,
			color:    color,
		})
	}

	return b, nil
}

// SetPressCallback sets the press callback on every link.
func (b *Bus) SetPressCallback(cb PressCallback) {
	for _, link := range b.links {
		link.SetPressCallback(cb)
	}
}

// Connect opens every link and schedules its startup paint.
//
// A link that fails to open is reported but does not prevent the others
// from connecting; the companion is expected to run with whatever hardware
// is present.
//
// Returns:
//   - error: The first open failure, nil if all links opened
func (b *Bus) Connect() error {
	var firstErr error
	for name, link := range b.links {
		if err := link.Connect(); err != nil {
			b.logger.Error("serial link connect failed", "mcu", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		b.scheduleStartupPaint(name)
	}
	return firstErr
}

// scheduleStartupPaint arms the delayed base + static-color paint for one mcu.
func (b *Bus) scheduleStartupPaint(mcu string) {
	timer := time.AfterFunc(b.startupDelay, func() {
		b.applyStartupPaint(mcu)
	})
	b.timerMu.Lock()
	b.timers = append(b.timers, timer)
	b.timerMu.Unlock()
}

// applyStartupPaint paints the base color, then each static rule color.
func (b *Bus) applyStartupPaint(mcu string) {
	link, ok := b.links[mcu]
	if !ok || !link.IsConnected() {
		return
	}

	if base, ok := b.startupAll[mcu]; ok {
		if err := link.SendColorAll(base); err != nil {
			b.logger.Warn("startup paint failed", "mcu", mcu, "error", err)
		}
	}
	for _, sc := range b.staticColors[mcu] {
		if err := link.SendColor(sc.buttonID, sc.color); err != nil {
			b.logger.Warn("startup paint failed",
				"mcu", mcu, "button", sc.buttonID, "error", err)
		}
	}

	b.logger.Debug("startup paint applied", "mcu", mcu)
}

// ColorSingle sends a single-button color command.
//
// Returns:
//   - error: ErrUnknownMCU, ErrUnknownButton, ErrInvalidColor or ErrNotConnected
func (b *Bus) ColorSingle(mcu string, buttonID int, color string) error {
	link, ok := b.links[mcu]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMCU, mcu)
	}
	return link.SendColor(buttonID, color)
}

// ColorAll broadcasts a whole-keypad color to every connected mcu.
//
// Returns:
//   - error: The first send failure, nil if all succeeded
func (b *Bus) ColorAll(color string) error {
	var firstErr error
	for _, link := range b.links {
		if !link.IsConnected() {
			continue
		}
		if err := link.SendColorAll(color); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ColorAllMCU sends a whole-keypad color to one mcu.
//
// Returns:
//   - error: ErrUnknownMCU, ErrInvalidColor or ErrNotConnected
func (b *Bus) ColorAllMCU(mcu string, color string) error {
	link, ok := b.links[mcu]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMCU, mcu)
	}
	return link.SendColorAll(color)
}

// IsConnected reports whether the named mcu's link is open.
func (b *Bus) IsConnected(mcu string) bool {
	link, ok := b.links[mcu]
	return ok && link.IsConnected()
}

// Close cancels pending startup paints and disconnects every link.
func (b *Bus) Close() {
	b.timerMu.Lock()
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	b.timerMu.Unlock()

	for _, link := range b.links {
		link.Disconnect()
	}
}
