// Package metrics exposes powfeed's counters in the Prometheus text format.
//
// Families are built on every scrape from the live intake pipeline, the
// relay status store and the relay connections; nothing is cached.
package metrics
