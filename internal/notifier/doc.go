// Package notifier fans a message out to every available delivery channel.
//
// Channels are attempted in registry order. Each channel has its own rate
// limiter, sends are bounded by a timeout and retried with jittered
// exponential backoff, and a panicking channel only fails its own attempt.
//
// # History
//
// The dispatcher keeps a bounded in-memory history of recent attempts for
// the status surface.
package notifier
