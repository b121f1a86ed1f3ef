// Package timer provides keyed, cancellable timers for protocol rounds.
//
// Timers are tracked per (Kind, Address) pair. Setting a timer that already
// exists replaces it; there is no stacking. Each timer carries a generation
// number so that an expiry which raced with a cancellation or replacement
// can be recognised and discarded by the consumer.
//
// # Expiry Delivery
//
// Expiry callbacks run on the scheduler's goroutine. Consumers with a
// single-threaded dispatcher forward the Fired value onto their event
// channel and call Claim from the dispatcher before acting on it. Claim
// fails for timers that were cancelled or replaced after they fired.
//
// # Scheduling
//
// The default scheduler is backed by time.AfterFunc. Manual is a virtual
// clock scheduler for deterministic tests and simulations.
package timer
