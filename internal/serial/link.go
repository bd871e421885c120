package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PressCallback is invoked for every inbound button press event.
//
// Parameters:
//   - mcu: Name of the mcu the press arrived on
//   - buttonID: Parsed button id (0-255)
//   - raw: The raw protocol line, for logging
type PressCallback func(mcu string, buttonID int, raw string)

// Timing and sizing for the link I/O loop.
const (
	// txBurst is the maximum number of queued outbound lines flushed per
	// loop iteration, so steady transmission cannot starve reception.
	txBurst = 8

	// txQueueSize bounds the outbound queue. Color writes are fire-and-forget;
	// overflow drops the command rather than blocking the caller.
	txQueueSize = 64

	// idleSleep is the pause when the loop has nothing to do.
	idleSleep = 5 * time.Millisecond

	// errorBackoff is the pause after a transport error before retrying.
	// A single failed read or write never tears down the link.
	errorBackoff = 50 * time.Millisecond

	// rxBufferSize is the chunk size for inbound reads.
	rxBufferSize = 256
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// LinkConfig describes one serial link.
type LinkConfig struct {
	// Name is the logical mcu name used for addressing and press events.
	Name string

	// Device is the serial device path.
	Device string

	// Baud is the serial baud rate.
	Baud int
}

// Link runs the line protocol session for one keypad microcontroller.
//
// One background goroutine owns the transport: it flushes a bounded burst
// of queued outbound lines, then reads inbound bytes and splits them into
// lines. Lines matching the press-event grammar (`PRESSED <0-255>`) invoke
// the press callback; every other line is ignored so firmware log output
// stays harmless.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The press callback is invoked from the I/O goroutine and must not block.
type Link struct {
	cfg  LinkConfig
	open PortOpener

	// Connection state
	mu        sync.Mutex
	port      Port
	stop      chan struct{}
	connected bool
	wg        sync.WaitGroup

	// Outbound queue, replaced on every Connect
	txq chan []byte

	// Press handler callback
	pressCb PressCallback
	cbMu    sync.RWMutex

	logger Logger
}

// NewLink creates a Link for one mcu. The link is not connected until
// Connect is called.
//
// Parameters:
//   - cfg: Link configuration (name, device path, baud)
//   - open: Port opener; nil selects the real serial transport
//   - logger: Logger; nil disables logging
func NewLink(cfg LinkConfig, open PortOpener, logger Logger) *Link {
	if open == nil {
		open = OpenPort
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.Baud == 0 {
		cfg.Baud = 250000
	}
	return &Link{
		cfg:    cfg,
		open:   open,
		logger: logger,
	}
}

// Name returns the logical mcu name.
func (l *Link) Name() string {
	return l.cfg.Name
}

// SetPressCallback sets the callback for inbound press events.
func (l *Link) SetPressCallback(cb PressCallback) {
	l.cbMu.Lock()
	l.pressCb = cb
	l.cbMu.Unlock()
}

// IsConnected reports whether the I/O loop is running.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Connect opens the transport and starts the I/O loop.
//
// Returns:
//   - error: ErrAlreadyConnected if the link is open, or the open failure
func (l *Link) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connected {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, l.cfg.Name)
	}

	port, err := l.open(l.cfg.Device, l.cfg.Baud)
	if err != nil {
		return err
	}

	l.port = port
	l.stop = make(chan struct{})
	l.txq = make(chan []byte, txQueueSize)
	l.connected = true

	l.wg.Add(1)
	go l.ioLoop(port, l.stop, l.txq)

	l.logger.Info("serial link connected", "mcu", l.cfg.Name, "device", l.cfg.Device)
	return nil
}

// Disconnect stops the I/O loop and releases the transport.
//
// Queued-but-unsent outbound commands are discarded. Safe to call on a
// disconnected link.
func (l *Link) Disconnect() {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.connected = false
	close(l.stop)
	port := l.port
	l.port = nil
	l.mu.Unlock()

	// Closing the port unblocks any in-flight read.
	if port != nil {
		if err := port.Close(); err != nil {
			l.logger.Warn("serial port close failed", "mcu", l.cfg.Name, "error", err)
		}
	}
	l.wg.Wait()

	l.logger.Info("serial link disconnected", "mcu", l.cfg.Name)
}

// SendColor enqueues a single-button color command.
//
// Parameters:
//   - buttonID: Button address (0-255)
//   - color: Hex color, normalised before transmission
//
// Returns:
//   - error: ErrUnknownButton, ErrInvalidColor or ErrNotConnected
func (l *Link) SendColor(buttonID int, color string) error {
	if buttonID < 0 || buttonID > 255 {
		return fmt.Errorf("%w: %d", ErrUnknownButton, buttonID)
	}
	c, err := NormalizeColor(color)
	if err != nil {
		return err
	}
	return l.sendLine(fmt.Sprintf("SET_SINGLE B=%d C=%s", buttonID, c))
}

// SendColorAll enqueues a whole-keypad color command.
//
// Parameters:
//   - color: Hex color, normalised before transmission
//
// Returns:
//   - error: ErrInvalidColor or ErrNotConnected
func (l *Link) SendColorAll(color string) error {
	c, err := NormalizeColor(color)
	if err != nil {
		return err
	}
	return l.sendLine(fmt.Sprintf("SET_ALL C=%s", c))
}

// sendLine enqueues one newline-terminated protocol line, fire-and-forget.
func (l *Link) sendLine(line string) error {
	l.mu.Lock()
	connected := l.connected
	txq := l.txq
	l.mu.Unlock()

	if !connected {
		return fmt.Errorf("%w: %s", ErrNotConnected, l.cfg.Name)
	}

	data := []byte(strings.TrimSpace(line) + "\n")
	select {
	case txq <- data:
	default:
		// Queue full. Commands are best-effort; drop rather than block.
		l.logger.Warn("serial tx queue full, dropping command",
			"mcu", l.cfg.Name, "line", line)
	}
	return nil
}

// ioLoop owns the transport until stop is closed. Each iteration flushes a
// bounded burst of outbound lines and then services inbound bytes.
func (l *Link) ioLoop(port Port, stop chan struct{}, txq chan []byte) {
	defer l.wg.Done()

	buf := make([]byte, rxBufferSize)
	var rxbuf []byte

	for {
		select {
		case <-stop:
			return
		default:
		}

		l.flushOutbound(port, txq, stop)

		n, err := port.Read(buf)
		if n > 0 {
			rxbuf = append(rxbuf, buf[:n]...)
			rxbuf = l.processLines(rxbuf)
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			select {
			case <-stop:
				return
			default:
			}
			l.logger.Warn("serial read failed, retrying",
				"mcu", l.cfg.Name, "error", err)
			time.Sleep(errorBackoff)
			continue
		}

		// No inbound data; a timed-out read reports n == 0.
		time.Sleep(idleSleep)
	}
}

// flushOutbound writes up to txBurst queued lines. Write failures drop the
// line and back off briefly; the loop keeps running.
func (l *Link) flushOutbound(port Port, txq chan []byte, stop chan struct{}) {
	for i := 0; i < txBurst; i++ {
		select {
		case <-stop:
			return
		case pkt := <-txq:
			if _, err := port.Write(pkt); err != nil {
				l.logger.Warn("serial write failed, dropping line",
					"mcu", l.cfg.Name, "error", err)
				time.Sleep(errorBackoff)
				return
			}
		default:
			return
		}
	}
}

// processLines splits buffered inbound bytes into newline-terminated lines
// and dispatches press events. It returns the remaining partial line.
func (l *Link) processLines(rxbuf []byte) []byte {
	for {
		idx := bytes.IndexByte(rxbuf, '\n')
		if idx < 0 {
			return rxbuf
		}
		line := strings.TrimRight(string(rxbuf[:idx]), "\r")
		rxbuf = rxbuf[idx+1:]

		buttonID, ok := parsePressedLine(line)
		if !ok {
			// Firmware log output and anything else is ignored.
			continue
		}

		l.cbMu.RLock()
		cb := l.pressCb
		l.cbMu.RUnlock()
		if cb != nil {
			cb(l.cfg.Name, buttonID, line)
		}
	}
}

// parsePressedLine parses the press-event grammar: `PRESSED <0-255>`,
// keyword case-insensitive.
func parsePressedLine(line string) (int, bool) {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) != 2 {
		return 0, false
	}
	if !strings.EqualFold(parts[0], "PRESSED") {
		return 0, false
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil || id < 0 || id > 255 {
		return 0, false
	}
	return id, true
}
