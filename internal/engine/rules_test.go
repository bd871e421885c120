package engine

import (
	"testing"
	"time"

	"github.com/eliteSchwein/hotkey-companion/internal/infrastructure/config"
)

func TestBuildRules_Defaults(t *testing.T) {
	rules, err := BuildRules(map[string]config.ButtonConfig{
		"hotend": {MCU: "A", ButtonID: 3, LEDState: "heater", Heater: "extruder"},
	})
	if err != nil {
		t.Fatalf("BuildRules() returned error: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("BuildRules() returned %d rules, want 1", len(rules))
	}

	r := rules[0]
	if r.Threshold != 0.5 {
		t.Errorf("default threshold = %v, want 0.5", r.Threshold)
	}
	if r.Hold != 800*time.Millisecond {
		t.Errorf("default hold = %v, want 800ms", r.Hold)
	}
	if r.Sensor != "extruder" {
		t.Errorf("sensor = %q, want extruder", r.Sensor)
	}
}

func TestBuildRules_Overrides(t *testing.T) {
	threshold := 0.1
	hold := 2.5
	rules, err := BuildRules(map[string]config.ButtonConfig{
		"fan": {
			MCU: "A", ButtonID: 2, LEDState: "fan", Fan: " exhaust ",
			Threshold: &threshold, HoldSeconds: &hold,
		},
	})
	if err != nil {
		t.Fatalf("BuildRules() returned error: %v", err)
	}

	r := rules[0]
	if r.Threshold != 0.1 {
		t.Errorf("threshold = %v, want 0.1", r.Threshold)
	}
	if r.Hold != 2500*time.Millisecond {
		t.Errorf("hold = %v, want 2.5s", r.Hold)
	}
	if r.Sensor != "exhaust" {
		t.Errorf("sensor = %q, want trimmed exhaust", r.Sensor)
	}
}

func TestBuildRules_Validation(t *testing.T) {
	tests := []struct {
		name   string
		button config.ButtonConfig
	}{
		{
			name:   "fan without name",
			button: config.ButtonConfig{MCU: "A", ButtonID: 0, LEDState: "fan"},
		},
		{
			name:   "output without name",
			button: config.ButtonConfig{MCU: "A", ButtonID: 0, LEDState: "output"},
		},
		{
			name:   "heater without name",
			button: config.ButtonConfig{MCU: "A", ButtonID: 0, LEDState: "heater"},
		},
		{
			name:   "homed with bogus axis",
			button: config.ButtonConfig{MCU: "A", ButtonID: 0, LEDState: "homed", Axis: "w"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildRules(map[string]config.ButtonConfig{"bad": tt.button})
			if err == nil {
				t.Fatal("BuildRules() expected error, got nil")
			}
		})
	}
}

func TestBuildRules_HomedAxisDefaults(t *testing.T) {
	rules, err := BuildRules(map[string]config.ButtonConfig{
		"home":     {MCU: "A", ButtonID: 0, LEDState: "homed"},
		"home_all": {MCU: "A", ButtonID: 1, LEDState: "homed", Axis: "ALL"},
	})
	if err != nil {
		t.Fatalf("BuildRules() returned error: %v", err)
	}

	// Sorted by name: home, home_all.
	if rules[0].Axis != "x" {
		t.Errorf("empty axis = %q, want default x", rules[0].Axis)
	}
	if rules[1].Axis != "all" {
		t.Errorf("axis = %q, want lowercased all", rules[1].Axis)
	}
}

func TestBuildRules_SharedIdentity(t *testing.T) {
	rules, err := BuildRules(map[string]config.ButtonConfig{
		"a_first":  {MCU: "A", ButtonID: 0, LEDState: "static", Color: "FF0000", BusyColor: "111111"},
		"b_second": {MCU: "A", ButtonID: 0, LEDState: "static", Color: "00FF00"},
	})
	if err != nil {
		t.Fatalf("BuildRules() returned error: %v", err)
	}

	idx := buildIndex(rules)
	key := Key{MCU: "A", ButtonID: 0}
	if len(idx[key]) != 2 {
		t.Fatalf("index holds %d rules for shared key, want 2", len(idx[key]))
	}
	if idx[key][0].Name != "a_first" {
		t.Errorf("first rule = %q, want a_first (registration order wins)", idx[key][0].Name)
	}
}
