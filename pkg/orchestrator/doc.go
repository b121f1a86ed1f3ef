// Package orchestrator drives a fleet of sensors through their lifecycle.
//
// An Orchestrator is a single actor. Run reads transport events, timer
// expiries and commands, and processes each one to completion before the
// next: the event is dispatched through the lifecycle table of pkg/fsm, and
// any follow-up events the actions queue (choice resolutions aside, which
// the engine resolves itself) are drained in FIFO order before Run looks at
// its inputs again. Registry, memberships and the engine are only touched
// from that goroutine.
//
// Two machines share one table:
//
//	global:     PoweringOn -> Idle <-> Scanning
//	            Idle <-> Measuring <-> Recording
//	            Idle <-> Syncing
//	per device: Idle -> Connecting -> Discovering -> Connected
//	            Connected -> Enabling -> Measuring -> Disabling -> Connected
//	            Connected -> Disconnecting -> Idle
//	            Connected -> Syncing -> Connected | Idle
//
// Connect, enable, disable and disconnect requests are worked through one
// device at a time. While a sync round runs, per-device events other than
// syncBegin and syncEnd are dropped and the round's transport traffic is
// handed to the syncround.Coordinator instead.
package orchestrator
