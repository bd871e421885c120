package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eliteSchwein/hotkey-companion/internal/infrastructure/config"
)

// Rule kinds, matching the led_state values in configuration.
const (
	KindStatic  = "static"
	KindHomed   = "homed"
	KindFan     = "fan"
	KindOutput  = "output"
	KindHeater  = "heater"
	KindZTilt   = "z_tilt"
	KindQGL     = "quad_gantry_level"
	KindBedMesh = "bed_mesh"
)

// defaultThreshold is the activation threshold when a rule does not set one.
const defaultThreshold = 0.5

// defaultHold is the busy window after a press when a rule does not set one.
const defaultHold = 800 * time.Millisecond

// fanObjectPrefixes are the object-name candidates tried, in order, when
// resolving a fan rule's sensor name against the printer's object catalog.
// New fan categories are additive here.
var fanObjectPrefixes = []string{"fan_generic", "heater_fan", "controller_fan", "fan"}

// Rule is one immutable button rule: the LED behaviour of a button and its
// optional outbound actions. Identity is (MCU, ButtonID); several rules may
// share an identity, in which case the first registered wins for busy color
// and revert target.
type Rule struct {
	Name     string
	MCU      string
	ButtonID int

	// Kind selects the evaluation variant (Kind* constants).
	Kind string

	// Colors, canonical uppercase RRGGBB or empty for the mcu fallback.
	Color         string
	ActiveColor   string
	InactiveColor string
	BusyColor     string

	// Axis applies to homed rules: "x", "y", "z" or "all".
	Axis string

	// Sensor names the watched object for fan/output/heater rules.
	Sensor string

	// Threshold is the activation threshold for fan/output/heater rules.
	Threshold float64

	// Hold is the busy window after a press.
	Hold time.Duration

	// Outbound actions, both optional.
	Gcode     string
	RPCMethod string
	RPCParams map[string]any
}

// Key addresses one physical button.
type Key struct {
	MCU      string
	ButtonID int
}

// IsDynamic reports whether the rule depends on mirrored printer state.
func (r *Rule) IsDynamic() bool {
	return r.Kind != KindStatic
}

// BuildRules converts validated button configuration into the immutable
// rule set, sorted by name for deterministic iteration order.
//
// Returns:
//   - []Rule: The rule set
//   - error: If a rule is missing its kind-specific sensor name
func BuildRules(buttons map[string]config.ButtonConfig) ([]Rule, error) {
	names := make([]string, 0, len(buttons))
	for name := range buttons {
		names = append(names, name)
	}
	sort.Strings(names)

	rules := make([]Rule, 0, len(buttons))
	for _, name := range names {
		btn := buttons[name]

		r := Rule{
			Name:          name,
			MCU:           btn.MCU,
			ButtonID:      btn.ButtonID,
			Kind:          btn.LEDState,
			Color:         btn.Color,
			ActiveColor:   btn.ActiveColor,
			InactiveColor: btn.InactiveColor,
			BusyColor:     btn.BusyColor,
			Threshold:     defaultThreshold,
			Hold:          defaultHold,
			Gcode:         btn.Gcode,
			RPCMethod:     btn.RPCMethod,
			RPCParams:     btn.RPCParams,
		}

		if btn.Threshold != nil {
			r.Threshold = *btn.Threshold
		}
		if btn.HoldSeconds != nil && *btn.HoldSeconds > 0 {
			r.Hold = time.Duration(*btn.HoldSeconds * float64(time.Second))
		}

		switch btn.LEDState {
		case KindHomed:
			axis := strings.ToLower(strings.TrimSpace(btn.Axis))
			if axis == "" {
				axis = "x"
			}
			switch axis {
			case "x", "y", "z", "all":
			default:
				return nil, fmt.Errorf("button %q: axis must be x, y, z or all, got %q", name, btn.Axis)
			}
			r.Axis = axis
		case KindFan:
			r.Sensor = strings.TrimSpace(btn.Fan)
			if r.Sensor == "" {
				return nil, fmt.Errorf("button %q: fan rule requires a fan name", name)
			}
		case KindOutput:
			r.Sensor = strings.TrimSpace(btn.Output)
			if r.Sensor == "" {
				return nil, fmt.Errorf("button %q: output rule requires an output name", name)
			}
		case KindHeater:
			r.Sensor = strings.TrimSpace(btn.Heater)
			if r.Sensor == "" {
				return nil, fmt.Errorf("button %q: heater rule requires a heater name", name)
			}
		}

		rules = append(rules, r)
	}

	return rules, nil
}

// buildIndex groups rules by button address, preserving registration order.
func buildIndex(rules []Rule) map[Key][]*Rule {
	idx := make(map[Key][]*Rule)
	for i := range rules {
		r := &rules[i]
		key := Key{MCU: r.MCU, ButtonID: r.ButtonID}
		idx[key] = append(idx[key], r)
	}
	return idx
}
