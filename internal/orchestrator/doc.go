// Package orchestrator ties the subsystems together: it ticks the
// reconciliation engine, polls printer health over the Moonraker client,
// and re-runs the subscription cycle whenever the printer restarts.
//
// The loop holds no printer state of its own beyond the last observed
// klippy state and a subscribed flag; everything else lives in the engine.
package orchestrator
