// Package ratelimit implements fixed-window counters per (subject, action kind).
//
// Each check floors the current time to a multiple of the kind's window length
// and reads-modifies-writes the counter for that window inside a single atomic
// apply against a Store. Windows never slide: a burst of up to twice the limit
// is possible across a window boundary, which is acceptable for abuse
// prevention.
//
// Store implementations are provided for process memory, Redis (optimistic
// WATCH/MULTI transactions), and SQL databases through gorm (version column
// compare-and-swap).
package ratelimit
