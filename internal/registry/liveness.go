package registry

import (
	"time"

	"github.com/fleetscan-io/fleetscan/internal/db"
)

// inactiveAfter is how long an agent may stay offline before it is demoted
// to inactive.
const inactiveAfter = 24 * time.Hour

// HeartbeatTransition returns the liveness state an agent moves to when a
// heartbeat arrives, and whether that is a change. Any heartbeat from an
// authorized agent promotes it to online; unauthorized agents stay pending
// until an admin authorizes them.
func HeartbeatTransition(current string, authorized bool) (string, bool) {
	if !authorized {
		return current, false
	}
	if current == db.LivenessOnline {
		return current, false
	}
	return db.LivenessOnline, true
}

// SweepTransition returns the state the liveness monitor should demote the
// agent to at time now, and whether a demotion is due. interval and miss are
// the agent's effective heartbeat settings.
//
//	online  → offline   when no heartbeat for interval·(1+miss)
//	offline → inactive  when offline for more than 24h
//
// pending and inactive agents are never demoted further by the sweep.
func SweepTransition(agent *db.Agent, interval time.Duration, miss int, now time.Time) (string, bool) {
	switch agent.Liveness {
	case db.LivenessOnline:
		if agent.LastHeartbeat == nil {
			return db.LivenessOffline, true
		}
		window := interval * time.Duration(1+miss)
		if now.Sub(*agent.LastHeartbeat) > window {
			return db.LivenessOffline, true
		}
	case db.LivenessOffline:
		if agent.OfflineSince != nil && now.Sub(*agent.OfflineSince) > inactiveAfter {
			return db.LivenessInactive, true
		}
	}
	return agent.Liveness, false
}
