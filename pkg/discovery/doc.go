// Package discovery advertises and finds dotfleet dashboards on the local
// network with mDNS/DNS-SD.
//
// A running server registers one _dotfleet._tcp instance per host. The
// instance name defaults to "dotfleet-<hostname>". TXT records:
//
//	ver   server version
//	path  websocket path of the event hub ("/ws")
//	api   base path of the JSON API ("/api/v1")
//	id    session id of the orchestrator (optional)
package discovery
