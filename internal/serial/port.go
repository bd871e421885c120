package serial

import (
	"fmt"
	"io"
	"time"

	tarm "github.com/tarm/serial"
)

// Port is the transport a Link runs its line protocol over.
//
// Read must not block indefinitely: real ports are opened with a short read
// timeout so the I/O loop can interleave transmission and reception. A read
// that times out returns n == 0 (with or without io.EOF depending on the
// platform); the loop treats that as idle.
type Port interface {
	io.ReadWriteCloser
}

// PortOpener opens the transport for a device path. It exists so tests can
// substitute an in-memory port for real hardware.
type PortOpener func(device string, baud int) (Port, error)

// portReadTimeout bounds a single blocking read so the I/O loop stays
// responsive to queued outbound commands.
const portReadTimeout = 5 * time.Millisecond

// OpenPort opens a real serial port via tarm/serial.
//
// Parameters:
//   - device: Device path, e.g. "/dev/ttyACM0"
//   - baud: Baud rate (ignored by USB CDC firmware, still required by the OS)
//
// Returns:
//   - Port: Open serial port
//   - error: If the device cannot be opened
func OpenPort(device string, baud int) (Port, error) {
	port, err := tarm.OpenPort(&tarm.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: portReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrNotConnected, device, err)
	}
	return port, nil
}
