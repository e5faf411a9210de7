// Package events implements the real-time pub/sub hub that pushes controller
// events to connected admin clients over WebSocket. The liveness monitor,
// dispatcher, and coordinator publish here; operator dashboards subscribe.
//
// Topic naming convention:
//
//	agents        — fleet-wide agent changes (liveness, authorization)
//	scans         — scan lifecycle for all scans
//	scan:<uuid>   — progress and job updates for one scan
package events

// EventType identifies the kind of controller event carried by a Message.
type EventType string

const (
	// EvtAgentLiveness is sent when an agent moves between liveness states
	// (pending → online → offline → inactive).
	EvtAgentLiveness EventType = "agent.liveness"

	// EvtAgentAuthorized is sent when an admin flips an agent's
	// authorization.
	EvtAgentAuthorized EventType = "agent.authorized"

	// EvtAgentDeregistered is sent when an admin deletes agents.
	EvtAgentDeregistered EventType = "agent.deregistered"

	// EvtScanStatus is sent when a scan transitions between states
	// (queued → running → completed | failed | canceled).
	EvtScanStatus EventType = "scan.status"

	// EvtScanProgress is sent when a scan's derived counters change.
	EvtScanProgress EventType = "scan.progress"

	// EvtJobStatus is sent on every job state change, on the scan:<uuid>
	// topic of the owning scan.
	EvtJobStatus EventType = "job.status"

	// EvtConfigVersion is sent when the global scan agent config is updated.
	EvtConfigVersion EventType = "config.version"
)

// Message is the envelope for every WebSocket frame sent to subscribers.
//
// JSON example:
//
//	{"type":"job.status","topic":"scan:018f...","payload":{"job_id":"...","status":"running"}}
type Message struct {
	// Type identifies the kind of event so the client can route it.
	Type EventType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data; the shape varies by Type.
	Payload any `json:"payload"`
}
