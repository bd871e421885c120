package engine

import "strings"

// baselineSubscription is always included regardless of the rule set:
// toolhead for homing rules, webhooks and print_stats for klippy/job state.
var baselineSubscription = map[string][]string{
	"webhooks":    {"state", "state_message"},
	"toolhead":    {"position", "homed_axes"},
	"print_stats": {"state"},
}

// BuildSubscription computes the minimal object -> fields mapping to
// subscribe to, from the daemon's object catalog and the rule set.
//
// It unions each dynamic rule's required fields with a fixed baseline. A nil
// field list means "all fields" and absorbs any narrower list for the same
// object. The function is pure: same inputs always yield the same mapping,
// and neither input is mutated.
//
// Parameters:
//   - objects: The daemon's current object catalog
//   - rules: The full rule set
//
// Returns:
//   - map[string][]string: Subscription mapping, object name to fields
func BuildSubscription(objects []string, rules []Rule) map[string][]string {
	table := make(map[string]string, len(objects))
	for _, obj := range objects {
		table[strings.ToLower(obj)] = obj
	}
	resolve := func(name string, prefixes []string) string {
		lower := strings.ToLower(name)
		if canonical, ok := table[lower]; ok {
			return canonical
		}
		for _, prefix := range prefixes {
			if canonical, ok := table[prefix+" "+lower]; ok {
				return canonical
			}
		}
		return ""
	}

	sub := make(map[string][]string)
	add := func(object string, fields ...string) {
		if object == "" {
			return
		}
		if len(fields) == 0 {
			sub[object] = nil // all fields
			return
		}
		if existing, ok := sub[object]; ok && existing == nil {
			return
		}
		for _, field := range fields {
			if !containsString(sub[object], field) {
				sub[object] = append(sub[object], field)
			}
		}
	}

	for object, fields := range baselineSubscription {
		add(resolve(object, nil), fields...)
	}

	for i := range rules {
		r := &rules[i]
		switch r.Kind {
		case KindHomed:
			add(resolve("toolhead", nil), "position", "homed_axes")
		case KindFan:
			add(resolve(r.Sensor, fanObjectPrefixes), "speed", "value", "fan_speed")
		case KindOutput:
			add(resolve(r.Sensor, []string{"output_pin"}), "value")
		case KindHeater:
			add(resolve(r.Sensor, []string{"heater_generic"}), "power", "target", "temperature")
		case KindZTilt:
			add(resolve("z_tilt", nil), "applied")
		case KindQGL:
			add(resolve("quad_gantry_level", nil), "applied")
		case KindBedMesh:
			add(resolve("bed_mesh", nil), "profile_name", "probed_matrix")
		}
	}

	return sub
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
