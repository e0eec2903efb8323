// Package capacity turns the usage tracker's point-in-time numbers into
// edge-triggered capacity:restored events. The monitor keeps the set of
// exhausted axes (tokens, cost, concurrency, daily budget) between samples
// and publishes only on the exhausted-to-available transition, so downstream
// resume logic is not retriggered while nothing has changed.
package capacity
