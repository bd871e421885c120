// Package mqtt publishes companion and printer status onto an MQTT broker.
//
// Publishing is optional and write-only. The companion's own availability is
// tracked on hotkey/status/companion via a retained online/offline message
// plus a Last Will for crash detection; printer (klippy) state transitions
// are retained on hotkey/status/klippy; individual button presses are
// published fire-and-forget on hotkey/event/press.
//
// A broker outage never affects LED handling: publishes fail soft and the
// paho auto-reconnect restores the mirror when the broker returns.
package mqtt
