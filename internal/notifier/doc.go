// Package notifier delivers chat messages asynchronously.
//
// Callers enqueue a transport.Notification and return immediately; a worker
// pool sends through a transport.Gateway under a shared rate limit. Transient
// failures are retried with jittered exponential backoff, permanent ones
// (blocked chat, rejected message) are not. Identical messages to the same
// chat inside the dedup window are dropped, optionally across restarts via
// the document store.
//
// Outcomes are published on the event bus as notifier.* events.
package notifier
