// Package profile implements the minute-granularity connection bitmap used
// to rate-limit how often a device may dial in (spec.md §4.F). It has no
// network or persistence concerns of its own; callers own loading and
// storing a Profile's bytes through internal/model.
package profile
