// Package policy implements the device policy gate: the admission check a
// device's connection profile and configured limits must pass before a
// session proceeds, and the event quota check applied on insert (spec.md
// §4.G). Simplex and duplex connections are accounted independently.
package policy
