// Package dashboard serves the browser dashboard: a websocket event hub and
// a small JSON API over the orchestrator, the recordings directory and the
// history store.
//
// Messages on /ws are JSON objects in both directions:
//
//	{"event": "connectSensors", "params": {"addresses": ["D4:22:CD:00:01:02"]}}
//
// Clients send commands; the server broadcasts orchestrator notifications
// and replies to queries. A command the orchestrator rejects is answered
// with a commandError message to the sending client only.
package dashboard
