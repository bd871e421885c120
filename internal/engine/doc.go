// Package engine reconciles printer state, button presses and busy windows
// into LED colors.
//
// A button press paints its busy color immediately and opens a busy window;
// state deltas merged from the printer re-evaluate every dynamic rule and
// repaint buttons whose desired color changed, except buttons whose busy
// window is still open or whose press logically followed the delta (the
// update-sequence guard). The periodic tick expires busy windows and reverts
// each expired button to its desired color.
//
// Rule sensor names are resolved against the printer's object catalog
// case-insensitively, trying an ordered list of category prefixes, so
// "hotend" finds "heater_fan hotend" without the user spelling out the
// category. Unresolvable names evaluate to the inactive color instead of
// failing.
package engine
