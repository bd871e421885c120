package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/eliteSchwein/hotkey-companion/internal/infrastructure/config"
)

// colorWrite records one ColorSingle invocation.
type colorWrite struct {
	mcu      string
	buttonID int
	color    string
}

// fakeWriter collects color writes.
type fakeWriter struct {
	mu     sync.Mutex
	writes []colorWrite
}

func (f *fakeWriter) ColorSingle(mcu string, buttonID int, color string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, colorWrite{mcu, buttonID, color})
	return nil
}

func (f *fakeWriter) all() []colorWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]colorWrite(nil), f.writes...)
}

func (f *fakeWriter) last() (colorWrite, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return colorWrite{}, false
	}
	return f.writes[len(f.writes)-1], true
}

var testMCUs = map[string]config.MCUConfig{
	"A": {Serial: "/dev/a", ColorAll: "FF8800", ColorBusy: "FFE600"},
}

// fakeClock is a manually advanced clock for busy-window tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// gatedWriter blocks the first write of gateColor until release is closed,
// letting a test interleave a press while that write is in flight.
type gatedWriter struct {
	fakeWriter
	gateColor string
	entered   chan struct{}
	release   chan struct{}
	once      sync.Once
}

func (g *gatedWriter) ColorSingle(mcu string, buttonID int, color string) error {
	if color == g.gateColor {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.fakeWriter.ColorSingle(mcu, buttonID, color)
}

func newTestEngine(t *testing.T, buttons map[string]config.ButtonConfig, writer ColorWriter) (*Engine, *fakeClock) {
	t.Helper()
	rules, err := BuildRules(buttons)
	if err != nil {
		t.Fatalf("BuildRules() returned error: %v", err)
	}
	eng := New(rules, testMCUs, writer, nil)
	clock := newFakeClock()
	eng.now = clock.Now
	return eng, clock
}

func heaterButton() map[string]config.ButtonConfig {
	threshold := 0.5
	return map[string]config.ButtonConfig{
		"hotend": {
			MCU: "A", ButtonID: 3, LEDState: "heater", Heater: "extruder",
			ActiveColor: "FF0000", InactiveColor: "000011", BusyColor: "FFE600",
			Threshold: &threshold,
		},
	}
}

func TestEngine_BinaryThreshold(t *testing.T) {
	writer := &fakeWriter{}
	eng, _ := newTestEngine(t, heaterButton(), writer)
	eng.SetObjects([]string{"extruder", "toolhead", "webhooks"})

	eng.ApplyStatus(map[string]map[string]any{
		"extruder": {"target": 0.0},
	}, 0)

	last, ok := writer.last()
	if !ok {
		t.Fatal("expected a color write")
	}
	if last.color != "000011" {
		t.Errorf("target 0.0 color = %q, want inactive %q", last.color, "000011")
	}

	eng.ApplyStatus(map[string]map[string]any{
		"extruder": {"target": 210.0},
	}, 0)

	last, _ = writer.last()
	if last.color != "FF0000" {
		t.Errorf("target 210.0 color = %q, want active %q", last.color, "FF0000")
	}
	if last.mcu != "A" || last.buttonID != 3 {
		t.Errorf("write addressed (%s,%d), want (A,3)", last.mcu, last.buttonID)
	}
}

func TestEngine_WriteSuppression(t *testing.T) {
	writer := &fakeWriter{}
	eng, _ := newTestEngine(t, heaterButton(), writer)
	eng.SetObjects([]string{"extruder"})

	delta := map[string]map[string]any{"extruder": {"target": 210.0}}
	eng.ApplyStatus(delta, 0)
	eng.ApplyStatus(delta, 0)
	eng.ApplyStatus(delta, 0)

	if got := len(writer.all()); got != 1 {
		t.Errorf("identical deltas produced %d writes, want 1", got)
	}
}

func TestEngine_BusyWindow(t *testing.T) {
	writer := &fakeWriter{}
	eng, clock := newTestEngine(t, heaterButton(), writer)
	eng.SetObjects([]string{"extruder"})

	matched := eng.Press("A", 3)
	if len(matched) != 1 || matched[0].Name != "hotend" {
		t.Fatalf("Press() matched %v, want the hotend rule", matched)
	}

	last, _ := writer.last()
	if last.color != "FFE600" {
		t.Fatalf("press wrote %q, want busy color FFE600", last.color)
	}

	// Deltas inside the hold window must never repaint the button.
	before := len(writer.all())
	eng.ApplyStatus(map[string]map[string]any{"extruder": {"target": 210.0}}, 0)
	eng.ApplyStatus(map[string]map[string]any{"extruder": {"target": 0.0}}, 0)
	if got := len(writer.all()); got != before {
		t.Errorf("deltas during hold produced %d extra writes", got-before)
	}

	// A tick before expiry keeps the busy color.
	eng.Tick(clock.Advance(100 * time.Millisecond))
	last, _ = writer.last()
	if last.color != "FFE600" {
		t.Errorf("color after early tick = %q, want FFE600", last.color)
	}

	// After the hold expires, a tick reverts to the state-derived color.
	eng.Tick(clock.Advance(time.Second))
	last, _ = writer.last()
	if last.color != "000011" {
		t.Errorf("color after expiry = %q, want inactive 000011", last.color)
	}
}

func TestEngine_BusyColorFallsBackToMCU(t *testing.T) {
	writer := &fakeWriter{}
	buttons := heaterButton()
	btn := buttons["hotend"]
	btn.BusyColor = ""
	buttons["hotend"] = btn

	eng, _ := newTestEngine(t, buttons, writer)
	eng.Press("A", 3)

	last, _ := writer.last()
	if last.color != "FFE600" {
		t.Errorf("busy color = %q, want mcu default FFE600", last.color)
	}
}

func TestEngine_PressWithoutRule(t *testing.T) {
	writer := &fakeWriter{}
	eng, _ := newTestEngine(t, heaterButton(), writer)

	matched := eng.Press("A", 99)
	if matched != nil {
		t.Errorf("Press() on unmapped button matched %v, want nil", matched)
	}
	last, _ := writer.last()
	if last.color != "FF8800" {
		t.Errorf("unmapped press wrote %q, want mcu base FF8800", last.color)
	}
}

func TestEngine_StaleDeltaGuard(t *testing.T) {
	writer := &fakeWriter{}
	eng, _ := newTestEngine(t, heaterButton(), writer)
	eng.SetObjects([]string{"extruder"})

	// A busy record whose captured sequence is ahead of the incoming delta
	// marks that delta as logically pre-press: even with the time window
	// already expired it must not repaint the button.
	eng.mu.Lock()
	eng.busy[Key{MCU: "A", ButtonID: 3}] = busyRecord{
		until: eng.now().Add(-time.Second),
		seq:   5,
	}
	eng.mu.Unlock()

	eng.ApplyStatus(map[string]map[string]any{"extruder": {"target": 210.0}}, 0)
	if got := len(writer.all()); got != 0 {
		t.Errorf("stale-guarded delta produced %d writes, want 0", got)
	}

	// Once the delta sequence passes the captured one, painting resumes.
	for i := 0; i < 5; i++ {
		eng.ApplyStatus(map[string]map[string]any{"extruder": {"target": 210.0}}, 0)
	}
	last, ok := writer.last()
	if !ok || last.color != "FF0000" {
		t.Errorf("post-guard color = %v, want active FF0000", last)
	}
}

func TestEngine_PressDuringDeltaFlush(t *testing.T) {
	writer := &gatedWriter{
		gateColor: "FF0000",
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	eng, clock := newTestEngine(t, heaterButton(), writer)
	eng.SetObjects([]string{"extruder"})

	// The delta's active-color write parks on the gate mid-flush.
	applied := make(chan struct{})
	go func() {
		eng.ApplyStatus(map[string]map[string]any{
			"extruder": {"target": 210.0},
		}, 0)
		close(applied)
	}()
	<-writer.entered

	// A press lands while that write is still in flight. The press is newer
	// than the delta, so the busy color must end up on the button.
	pressed := make(chan struct{})
	go func() {
		eng.Press("A", 3)
		close(pressed)
	}()

	close(writer.release)
	<-applied
	<-pressed

	last, _ := writer.last()
	if last.color != "FFE600" {
		t.Errorf("color after interleaved press = %q, want busy FFE600", last.color)
	}

	// The delta that began before the press stays stale for the whole hold.
	eng.ApplyStatus(map[string]map[string]any{
		"extruder": {"target": 215.0},
	}, 0)
	eng.Tick(clock.Advance(100 * time.Millisecond))
	last, _ = writer.last()
	if last.color != "FFE600" {
		t.Errorf("color during hold window = %q, want busy FFE600", last.color)
	}

	// Expiry reverts to the state-derived color.
	eng.Tick(clock.Advance(time.Second))
	last, _ = writer.last()
	if last.color != "FF0000" {
		t.Errorf("color after hold expiry = %q, want active FF0000", last.color)
	}
}

func TestEngine_HomedBusyWithoutBusyColor(t *testing.T) {
	rules, err := BuildRules(map[string]config.ButtonConfig{
		"home_x": {
			MCU: "A", ButtonID: 1, LEDState: "homed", Axis: "x",
			ActiveColor: "00FF00", InactiveColor: "001100",
		},
	})
	if err != nil {
		t.Fatalf("BuildRules() returned error: %v", err)
	}

	writer := &fakeWriter{}
	mcus := map[string]config.MCUConfig{
		"A": {Serial: "/dev/a", ColorAll: "FF8800"},
	}
	eng := New(rules, mcus, writer, nil)
	eng.SetObjects([]string{"toolhead"})

	eng.ApplyStatus(map[string]map[string]any{
		"toolhead": {"homed_axes": "", "position": []any{-5.0, 0.0, 0.0, 0.0}},
	}, 0)

	last, _ := writer.last()
	if last.color != "001100" {
		t.Errorf("homing busy without busy color = %q, want inactive 001100", last.color)
	}
}

func TestEngine_HomedAxis(t *testing.T) {
	writer := &fakeWriter{}
	eng, _ := newTestEngine(t, map[string]config.ButtonConfig{
		"home_z": {
			MCU: "A", ButtonID: 1, LEDState: "homed", Axis: "z",
			ActiveColor: "00FF00", InactiveColor: "220000", BusyColor: "FFE600",
		},
	}, writer)
	eng.SetObjects([]string{"toolhead"})

	// Not homed, z coordinate negative: a homing move is in flight.
	eng.ApplyStatus(map[string]map[string]any{
		"toolhead": {"homed_axes": "xy", "position": []any{0.0, 0.0, -5.0, 0.0}},
	}, 0)
	last, _ := writer.last()
	if last.color != "FFE600" {
		t.Errorf("unhomed negative-z color = %q, want busy FFE600", last.color)
	}

	// Homed: active regardless of coordinate sign.
	eng.ApplyStatus(map[string]map[string]any{
		"toolhead": {"homed_axes": "xyz", "position": []any{0.0, 0.0, -5.0, 0.0}},
	}, 0)
	last, _ = writer.last()
	if last.color != "00FF00" {
		t.Errorf("homed color = %q, want active 00FF00", last.color)
	}

	// Not homed, coordinate non-negative: plain inactive.
	eng.ApplyStatus(map[string]map[string]any{
		"toolhead": {"homed_axes": "", "position": []any{0.0, 0.0, 10.0, 0.0}},
	}, 0)
	last, _ = writer.last()
	if last.color != "220000" {
		t.Errorf("unhomed color = %q, want inactive 220000", last.color)
	}
}

func TestEngine_FanPrefixResolution(t *testing.T) {
	writer := &fakeWriter{}
	eng, _ := newTestEngine(t, map[string]config.ButtonConfig{
		"exhaust": {
			MCU: "A", ButtonID: 2, LEDState: "fan", Fan: "Exhaust",
			ActiveColor: "0088FF", InactiveColor: "000022",
		},
	}, writer)
	eng.SetObjects([]string{"fan_generic exhaust", "toolhead"})

	eng.ApplyStatus(map[string]map[string]any{
		"fan_generic exhaust": {"speed": 0.8},
	}, 0)
	last, _ := writer.last()
	if last.color != "0088FF" {
		t.Errorf("fan running color = %q, want active 0088FF", last.color)
	}

	eng.ApplyStatus(map[string]map[string]any{
		"fan_generic exhaust": {"speed": 0.0},
	}, 0)
	last, _ = writer.last()
	if last.color != "000022" {
		t.Errorf("fan stopped color = %q, want inactive 000022", last.color)
	}
}

func TestEngine_UnresolvedSensorIsInactive(t *testing.T) {
	writer := &fakeWriter{}
	eng, clock := newTestEngine(t, map[string]config.ButtonConfig{
		"ghost": {
			MCU: "A", ButtonID: 4, LEDState: "fan", Fan: "missing",
			ActiveColor: "0088FF", InactiveColor: "000022",
		},
	}, writer)
	eng.SetObjects([]string{"toolhead"})

	// Press then expire so the revert path evaluates the unresolvable rule.
	eng.Press("A", 4)
	eng.Tick(clock.Advance(time.Second))

	last, _ := writer.last()
	if last.color != "000022" {
		t.Errorf("unresolved sensor color = %q, want inactive 000022", last.color)
	}
}

func TestEngine_BooleanFlags(t *testing.T) {
	writer := &fakeWriter{}
	eng, _ := newTestEngine(t, map[string]config.ButtonConfig{
		"qgl": {
			MCU: "A", ButtonID: 5, LEDState: "quad_gantry_level",
			ActiveColor: "00FFFF", InactiveColor: "002222",
		},
		"mesh": {
			MCU: "A", ButtonID: 6, LEDState: "bed_mesh",
			ActiveColor: "FFFFFF", InactiveColor: "111111",
		},
	}, writer)
	eng.SetObjects([]string{"quad_gantry_level", "bed_mesh"})

	eng.ApplyStatus(map[string]map[string]any{
		"quad_gantry_level": {"applied": true},
		"bed_mesh":          {"profile_name": "default"},
	}, 0)

	colors := map[int]string{}
	for _, w := range writer.all() {
		colors[w.buttonID] = w.color
	}
	if colors[5] != "00FFFF" {
		t.Errorf("qgl applied color = %q, want 00FFFF", colors[5])
	}
	if colors[6] != "FFFFFF" {
		t.Errorf("mesh loaded color = %q, want FFFFFF", colors[6])
	}

	eng.ApplyStatus(map[string]map[string]any{
		"quad_gantry_level": {"applied": false},
		"bed_mesh":          {"profile_name": ""},
	}, 0)
	colors = map[int]string{}
	for _, w := range writer.all() {
		colors[w.buttonID] = w.color
	}
	if colors[5] != "002222" {
		t.Errorf("qgl cleared color = %q, want 002222", colors[5])
	}
	if colors[6] != "111111" {
		t.Errorf("mesh cleared color = %q, want 111111", colors[6])
	}

	// Firmware that never reports profile_name still lights the rule once a
	// probed matrix shows up.
	eng.ApplyStatus(map[string]map[string]any{
		"bed_mesh": {"probed_matrix": []any{[]any{0.01, 0.02}}},
	}, 0)
	last, _ := writer.last()
	if last.buttonID != 6 || last.color != "FFFFFF" {
		t.Errorf("mesh matrix color = (%d, %q), want (6, FFFFFF)", last.buttonID, last.color)
	}
}

func TestEngine_MergeIsNonDestructive(t *testing.T) {
	writer := &fakeWriter{}
	eng, _ := newTestEngine(t, heaterButton(), writer)
	eng.SetObjects([]string{"extruder"})

	// power arrives first and drives the rule; a later delta touching only
	// temperature must not erase it.
	eng.ApplyStatus(map[string]map[string]any{"extruder": {"power": 0.9}}, 0)
	eng.ApplyStatus(map[string]map[string]any{"extruder": {"temperature": 25.0}}, 0)

	last, _ := writer.last()
	if last.color != "FF0000" {
		t.Errorf("color after partial delta = %q, want active FF0000", last.color)
	}
}

func TestEngine_ResetState(t *testing.T) {
	writer := &fakeWriter{}
	eng, _ := newTestEngine(t, heaterButton(), writer)
	eng.SetObjects([]string{"extruder"})

	// The old target must not survive the reset: a post-reset delta with
	// only power drives the rule alone.
	eng.ApplyStatus(map[string]map[string]any{"extruder": {"target": 210.0}}, 0)
	eng.ResetState()
	eng.ApplyStatus(map[string]map[string]any{"extruder": {"power": 0.0}}, 0)

	last, _ := writer.last()
	if last.color != "000011" {
		t.Errorf("color after reset = %q, want inactive 000011", last.color)
	}
}
