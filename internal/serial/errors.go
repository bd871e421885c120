package serial

import "errors"

// Domain errors for the serial keypad bus.
var (
	// ErrInvalidColor is returned when a color string is not a valid
	// 6-digit hex RRGGBB value.
	ErrInvalidColor = errors.New("serial: invalid color")

	// ErrUnknownMCU is returned when an address references an mcu that is
	// not present in configuration.
	ErrUnknownMCU = errors.New("serial: unknown mcu")

	// ErrUnknownButton is returned when a button id is outside 0-255.
	ErrUnknownButton = errors.New("serial: button id out of range")

	// ErrNotConnected is returned when an operation requires an open link
	// but the link is disconnected.
	ErrNotConnected = errors.New("serial: not connected")

	// ErrAlreadyConnected is returned when Connect is called on an open link.
	ErrAlreadyConnected = errors.New("serial: already connected")
)
