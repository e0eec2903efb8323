/*
Package events implements the in-process pub/sub broker that connects Apex's
components.

Every component that raises events publishes through a shared Broker; each
subscriber runs its own consumer goroutine draining a buffered channel. Slow
subscribers never stall a producer: when a subscriber's buffer fills, its
oldest queued event is dropped in favor of the new one.

Event type names (task:created, capacity:restored, orphan:recovered, ...) are
part of the daemon's external interface and must remain stable. Payload
structs are additive-only.
*/
package events
