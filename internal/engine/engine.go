package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/eliteSchwein/hotkey-companion/internal/infrastructure/config"
)

// fallbackColor is written when neither the rule nor the mcu supplies one.
const fallbackColor = "000000"

// ColorWriter is the outbound side of the engine, satisfied by serial.Bus.
type ColorWriter interface {
	ColorSingle(mcu string, buttonID int, color string) error
}

// Logger is the minimal logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// busyRecord marks one button as held in its busy color.
type busyRecord struct {
	// until is the expiry instant of the busy window.
	until time.Time

	// seq is the update-sequence counter captured at press time. A delta
	// whose sequence is not strictly greater than this is stale for the
	// button and must not repaint it.
	seq uint64
}

// Engine reconciles mirrored printer state, button presses and busy windows
// into LED color writes.
//
// It is the sole owner of the mirrored state, the busy-record table, the
// object-name resolution table and the last-sent-color table. Every mutation
// happens under one mutex, so Press, ApplyStatus, Tick and SetObjects are all
// safe to call concurrently.
type Engine struct {
	writer ColorWriter
	logger Logger
	mcus   map[string]config.MCUConfig
	rules  []Rule
	index  map[Key][]*Rule

	mu       sync.Mutex
	state    map[string]map[string]any
	objects  map[string]string // lowercase -> canonical
	busy     map[Key]busyRecord
	lastSent map[Key]string
	seq      uint64

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// New builds an Engine over an immutable rule set.
//
// Parameters:
//   - rules: The rule set from BuildRules
//   - mcus: Per-mcu base and busy colors, from configuration
//   - writer: Destination for color commands
//   - logger: Logger; nil disables logging
//
// Returns:
//   - *Engine: The engine, ready for SetObjects/ApplyStatus/Press/Tick
func New(rules []Rule, mcus map[string]config.MCUConfig, writer ColorWriter, logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Engine{
		writer:   writer,
		logger:   logger,
		mcus:     mcus,
		rules:    rules,
		index:    buildIndex(rules),
		state:    make(map[string]map[string]any),
		objects:  make(map[string]string),
		busy:     make(map[Key]busyRecord),
		lastSent: make(map[Key]string),
		now:      time.Now,
	}
}

// SetObjects replaces the object-name resolution table wholesale from the
// daemon's current object catalog. Called on every (re)subscription so stale
// names never linger across a printer restart.
func (e *Engine) SetObjects(objects []string) {
	table := make(map[string]string, len(objects))
	for _, obj := range objects {
		table[strings.ToLower(obj)] = obj
	}

	e.mu.Lock()
	e.objects = table
	e.mu.Unlock()
}

// ResetState drops all mirrored printer state. Called when the printer
// restarts so evaluations cannot run against values from the previous
// session; the initial query after resubscription repopulates it.
func (e *Engine) ResetState() {
	e.mu.Lock()
	e.state = make(map[string]map[string]any)
	e.mu.Unlock()
}

// Press handles a physical button press.
//
// The first matching rule's busy color (falling back to the mcu busy color)
// is written immediately and a busy record is created so state deltas cannot
// repaint the button until the hold expires. A button with no rule is
// repainted in the mcu base color.
//
// Returns:
//   - []Rule: All rules matching the button, for action dispatch; nil if none
func (e *Engine) Press(mcu string, buttonID int) []Rule {
	key := Key{MCU: mcu, ButtonID: buttonID}

	e.mu.Lock()
	rules := e.index[key]
	if len(rules) == 0 {
		base := e.mcuBaseColor(mcu)
		e.mu.Unlock()
		e.logger.Debug("press without rule", "mcu", mcu, "button", buttonID)
		e.writeColor(key, base)
		return nil
	}

	first := rules[0]
	color := e.busyColor(first)
	e.busy[key] = busyRecord{
		until: e.now().Add(first.Hold),
		seq:   e.seq,
	}

	matched := make([]Rule, len(rules))
	for i, r := range rules {
		matched[i] = *r
	}
	e.mu.Unlock()

	e.writeColor(key, color)
	return matched
}

// ApplyStatus merges one state delta into the mirrored state and re-evaluates
// every dynamic rule.
//
// The global update-sequence counter is incremented first and captured for
// this delta. A button is skipped when its busy window is still open, or when
// its busy record's captured sequence is >= this delta's sequence: a merge
// that logically began before the press must never overwrite the busy color,
// and ties count as stale.
func (e *Engine) ApplyStatus(changes map[string]map[string]any, eventtime float64) {
	_ = eventtime

	e.mu.Lock()
	e.seq++
	deltaSeq := e.seq

	for obj, fields := range changes {
		cur, ok := e.state[obj]
		if !ok {
			cur = make(map[string]any, len(fields))
			e.state[obj] = cur
		}
		for field, value := range fields {
			cur[field] = value
		}
	}

	writes := e.collectWrites(deltaSeq)
	e.mu.Unlock()

	e.flush(writes, deltaSeq)
}

// Tick expires busy windows. For every record whose expiry has passed, the
// record is removed and the button's color is re-derived from mirrored state,
// reverting it from busy to desired.
//
// Call it periodically (every 20-50ms) from the control loop.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	var expired []Key
	for key, rec := range e.busy {
		if !now.Before(rec.until) {
			expired = append(expired, key)
		}
	}

	writes := make(map[Key]string, len(expired))
	for _, key := range expired {
		delete(e.busy, key)
		rules := e.index[key]
		if len(rules) == 0 {
			continue
		}
		desired := e.evaluateLocked(rules[0])
		if e.lastSent[key] != desired {
			writes[key] = desired
		}
	}
	seq := e.seq
	e.mu.Unlock()

	e.flush(writes, seq)
}

// collectWrites re-evaluates every dynamic rule under the lock and returns
// the addresses whose desired color differs from the last-sent one. Busy and
// stale-guarded buttons are skipped.
func (e *Engine) collectWrites(deltaSeq uint64) map[Key]string {
	now := e.now()
	writes := make(map[Key]string)

	for key, rules := range e.index {
		first := rules[0]
		if !first.IsDynamic() {
			continue
		}
		if rec, ok := e.busy[key]; ok {
			if now.Before(rec.until) || rec.seq >= deltaSeq {
				continue
			}
		}
		desired := e.evaluateLocked(first)
		if e.lastSent[key] != desired {
			writes[key] = desired
		}
	}
	return writes
}

// flush issues the collected color writes, re-checking each key against the
// busy table at write time. A press can land between collection and here; its
// record makes the pending write stale (window open, or captured sequence >=
// the collecting pass's sequence), and a stale write must not reach the LED.
// Writes happen under the lock so a concurrent press cannot slot its busy
// paint between the re-check and the send.
func (e *Engine) flush(writes map[Key]string, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for key, color := range writes {
		if rec, ok := e.busy[key]; ok {
			if now.Before(rec.until) || rec.seq >= seq {
				continue
			}
		}
		e.writeColorLocked(key, color)
	}
}

// writeColor sends one color command and updates the last-sent table.
func (e *Engine) writeColor(key Key, color string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeColorLocked(key, color)
}

// writeColorLocked sends one color command and records the sent value so
// unchanged colors are never resent. Failed writes are logged and leave the
// table untouched so the next evaluation retries them. Caller holds e.mu.
func (e *Engine) writeColorLocked(key Key, color string) {
	if err := e.writer.ColorSingle(key.MCU, key.ButtonID, color); err != nil {
		e.logger.Warn("color write failed",
			"mcu", key.MCU, "button", key.ButtonID, "color", color, "error", err)
		delete(e.lastSent, key)
		return
	}
	e.lastSent[key] = color
}

// evaluateLocked computes the desired color of one rule from mirrored state.
// Caller holds e.mu.
func (e *Engine) evaluateLocked(r *Rule) string {
	switch r.Kind {
	case KindStatic:
		if r.Color != "" {
			return r.Color
		}
		return e.mcuBaseColor(r.MCU)

	case KindHomed:
		return e.evaluateHomedLocked(r)

	case KindFan:
		return e.thresholdColor(r, e.resolveLocked(r.Sensor, fanObjectPrefixes),
			"speed", "value", "fan_speed")

	case KindOutput:
		return e.thresholdColor(r, e.resolveLocked(r.Sensor, []string{"output_pin"}),
			"value")

	case KindHeater:
		return e.thresholdColor(r, e.resolveLocked(r.Sensor, []string{"heater_generic"}),
			"power", "target", "temperature")

	case KindZTilt:
		return e.flagColor(r, "z_tilt", "applied")

	case KindQGL:
		return e.flagColor(r, "quad_gantry_level", "applied")

	case KindBedMesh:
		return e.bedMeshColor(r)
	}

	return e.inactiveColor(r)
}

// evaluateHomedLocked derives the color of a homing-axis rule.
//
// Active once the axis (or all axes) reports homed. While not homed, a
// negative live coordinate means a homing move is in flight, shown as busy.
func (e *Engine) evaluateHomedLocked(r *Rule) string {
	toolhead := e.state["toolhead"]
	homed, _ := toolhead["homed_axes"].(string)
	homed = strings.ToLower(homed)
	position, _ := toolhead["position"].([]any)

	axes := r.Axis
	if axes == "all" {
		axes = "xyz"
	}

	allHomed := true
	moving := false
	for _, axis := range axes {
		idx := strings.IndexRune("xyz", axis)
		if strings.ContainsRune(homed, axis) {
			continue
		}
		allHomed = false
		if idx >= 0 && idx < len(position) {
			if coord, ok := toFloat(position[idx]); ok && coord < 0 {
				moving = true
			}
		}
	}

	if allHomed {
		return e.activeColor(r)
	}
	if moving {
		// With no busy color configured anywhere, a homing move shows the
		// inactive color rather than going dark.
		if r.BusyColor != "" {
			return r.BusyColor
		}
		if mcu, ok := e.mcus[r.MCU]; ok && mcu.ColorBusy != "" {
			return mcu.ColorBusy
		}
	}
	return e.inactiveColor(r)
}

// thresholdColor derives the color of a binary-threshold rule: active iff the
// first present numeric field of the resolved object is >= the threshold.
// An unresolved object or missing fields evaluate to inactive.
func (e *Engine) thresholdColor(r *Rule, object string, fields ...string) string {
	if object == "" {
		return e.inactiveColor(r)
	}
	values := e.state[object]
	for _, field := range fields {
		v, ok := values[field]
		if !ok {
			continue
		}
		if f, ok := toFloat(v); ok {
			if f >= r.Threshold {
				return e.activeColor(r)
			}
			return e.inactiveColor(r)
		}
	}
	return e.inactiveColor(r)
}

// flagColor derives the color of a boolean-flag rule from one bool field.
func (e *Engine) flagColor(r *Rule, objectName, field string) string {
	object := e.resolveLocked(objectName, nil)
	if object == "" {
		return e.inactiveColor(r)
	}
	if applied, _ := e.state[object][field].(bool); applied {
		return e.activeColor(r)
	}
	return e.inactiveColor(r)
}

// bedMeshColor is active while a non-empty mesh profile is loaded. Older
// firmware omits profile_name, so a populated probed matrix also counts.
func (e *Engine) bedMeshColor(r *Rule) string {
	object := e.resolveLocked("bed_mesh", nil)
	if object == "" {
		return e.inactiveColor(r)
	}
	if name, _ := e.state[object]["profile_name"].(string); name != "" {
		return e.activeColor(r)
	}
	if matrix, _ := e.state[object]["probed_matrix"].([]any); len(matrix) > 0 {
		return e.activeColor(r)
	}
	return e.inactiveColor(r)
}

// resolveLocked maps a human-entered sensor name to the daemon's canonical
// object name via the resolution table, trying the name as given and then
// each category prefix in order. No hit returns "", never an error.
// Caller holds e.mu.
func (e *Engine) resolveLocked(name string, prefixes []string) string {
	lower := strings.ToLower(name)
	if canonical, ok := e.objects[lower]; ok {
		return canonical
	}
	for _, prefix := range prefixes {
		if canonical, ok := e.objects[prefix+" "+lower]; ok {
			return canonical
		}
	}
	return ""
}

// activeColor picks the rule's active color, falling back to its fixed color
// and finally the mcu base color.
func (e *Engine) activeColor(r *Rule) string {
	if r.ActiveColor != "" {
		return r.ActiveColor
	}
	if r.Color != "" {
		return r.Color
	}
	return e.mcuBaseColor(r.MCU)
}

// inactiveColor picks the rule's inactive color, defaulting to off.
func (e *Engine) inactiveColor(r *Rule) string {
	if r.InactiveColor != "" {
		return r.InactiveColor
	}
	return fallbackColor
}

// busyColor picks the rule's busy color, falling back to the mcu busy color.
func (e *Engine) busyColor(r *Rule) string {
	if r.BusyColor != "" {
		return r.BusyColor
	}
	if mcu, ok := e.mcus[r.MCU]; ok && mcu.ColorBusy != "" {
		return mcu.ColorBusy
	}
	return fallbackColor
}

// mcuBaseColor returns the mcu's configured base color, defaulting to off.
func (e *Engine) mcuBaseColor(mcu string) string {
	if cfg, ok := e.mcus[mcu]; ok && cfg.ColorAll != "" {
		return cfg.ColorAll
	}
	return fallbackColor
}

// toFloat coerces the numeric representations that JSON decoding and YAML
// configuration produce into a float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
