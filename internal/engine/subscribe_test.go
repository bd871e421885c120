package engine

import (
	"reflect"
	"testing"

	"github.com/eliteSchwein/hotkey-companion/internal/infrastructure/config"
)

func subscribeTestRules(t *testing.T) []Rule {
	t.Helper()
	rules, err := BuildRules(map[string]config.ButtonConfig{
		"home":   {MCU: "A", ButtonID: 0, LEDState: "homed", Axis: "all"},
		"fan":    {MCU: "A", ButtonID: 1, LEDState: "fan", Fan: "exhaust"},
		"hotend": {MCU: "A", ButtonID: 2, LEDState: "heater", Heater: "extruder"},
		"light":  {MCU: "A", ButtonID: 3, LEDState: "output", Output: "caselight"},
		"mesh":   {MCU: "A", ButtonID: 4, LEDState: "bed_mesh"},
		"estop":  {MCU: "A", ButtonID: 7, LEDState: "static", Color: "FF0000"},
	})
	if err != nil {
		t.Fatalf("BuildRules() returned error: %v", err)
	}
	return rules
}

var subscribeTestCatalog = []string{
	"webhooks", "toolhead", "print_stats", "extruder", "heater_bed",
	"fan_generic exhaust", "output_pin caselight", "bed_mesh", "gcode_move",
}

func TestBuildSubscription(t *testing.T) {
	sub := BuildSubscription(subscribeTestCatalog, subscribeTestRules(t))

	expected := map[string][]string{
		"webhooks":             {"state", "state_message"},
		"toolhead":             {"position", "homed_axes"},
		"print_stats":          {"state"},
		"extruder":             {"power", "target", "temperature"},
		"fan_generic exhaust":  {"speed", "value", "fan_speed"},
		"output_pin caselight": {"value"},
		"bed_mesh":             {"profile_name", "probed_matrix"},
	}

	if len(sub) != len(expected) {
		t.Fatalf("subscription covers %d objects, want %d: %v", len(sub), len(expected), sub)
	}
	for object, fields := range expected {
		got, ok := sub[object]
		if !ok {
			t.Errorf("subscription missing object %q", object)
			continue
		}
		if !reflect.DeepEqual(got, fields) {
			t.Errorf("subscription[%q] = %v, want %v", object, got, fields)
		}
	}
}

func TestBuildSubscription_Deterministic(t *testing.T) {
	rules := subscribeTestRules(t)

	first := BuildSubscription(subscribeTestCatalog, rules)
	for i := 0; i < 10; i++ {
		again := BuildSubscription(subscribeTestCatalog, rules)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("subscription not deterministic: %v vs %v", first, again)
		}
	}
}

func TestBuildSubscription_UnresolvableSensorOmitted(t *testing.T) {
	rules, err := BuildRules(map[string]config.ButtonConfig{
		"ghost": {MCU: "A", ButtonID: 0, LEDState: "fan", Fan: "missing"},
	})
	if err != nil {
		t.Fatalf("BuildRules() returned error: %v", err)
	}

	sub := BuildSubscription([]string{"webhooks", "toolhead", "print_stats"}, rules)
	for object := range sub {
		if object != "webhooks" && object != "toolhead" && object != "print_stats" {
			t.Errorf("unexpected subscription object %q", object)
		}
	}
}

func TestBuildSubscription_CaseInsensitiveResolution(t *testing.T) {
	rules, err := BuildRules(map[string]config.ButtonConfig{
		"fan": {MCU: "A", ButtonID: 0, LEDState: "fan", Fan: "Exhaust"},
	})
	if err != nil {
		t.Fatalf("BuildRules() returned error: %v", err)
	}

	sub := BuildSubscription([]string{"fan_generic exhaust"}, rules)
	if _, ok := sub["fan_generic exhaust"]; !ok {
		t.Errorf("mixed-case sensor not resolved to catalog name: %v", sub)
	}
}

func TestBuildSubscription_InputsNotMutated(t *testing.T) {
	rules := subscribeTestRules(t)
	catalog := append([]string(nil), subscribeTestCatalog...)

	BuildSubscription(catalog, rules)

	if !reflect.DeepEqual(catalog, subscribeTestCatalog) {
		t.Error("catalog mutated by BuildSubscription")
	}
}
