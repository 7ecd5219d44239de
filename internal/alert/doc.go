// Package alert defines alert events and their durable outbox.
//
// Alerts are delivered at least once: an event stays queued, and mirrored
// in the outbox when persistence is on, until a transport acknowledges it.
package alert
