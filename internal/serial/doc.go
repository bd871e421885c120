// Package serial implements the line protocol spoken to the keypad
// microcontrollers.
//
// Each mcu is driven by a Link: one goroutine owns the serial port, flushes
// a bounded burst of queued outbound commands per iteration, then reads and
// splits inbound bytes into lines. The Bus aggregates all configured links
// under one (mcu, button) address space, fans out broadcasts and runs the
// delayed startup paint once a link comes up.
//
// # Wire protocol
//
// Outbound, newline-terminated:
//
//	SET_ALL C=RRGGBB
//	SET_SINGLE B=<0-255> C=RRGGBB
//
// Inbound:
//
//	PRESSED <0-255>
//
// Any other inbound line (firmware logging, boot chatter) is ignored, which
// keeps the protocol forward-compatible.
//
// Transport errors on a single read or write never tear the link down; the
// loop backs off briefly and retries. Commands are fire-and-forget.
package serial
