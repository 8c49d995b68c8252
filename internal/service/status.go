package service

import (
	"time"

	"github.com/convos-project/instance-orchestrator/internal/providers/railway"
)

// Status is the canonical lifecycle state derived from raw provider signals.
type Status string

const (
	StatusSleeping Status = "sleeping"
	StatusCrashed  Status = "crashed"
	StatusDead     Status = "dead"
	StatusClaimed  Status = "claimed"
	StatusStarting Status = "starting"
	StatusIdle     Status = "idle"
)

// DefaultStuckTimeout is how long a SUCCESS-but-unhealthy (or unknown-status)
// instance may stay in starting before it is considered dead.
const DefaultStuckTimeout = 15 * time.Minute

var deadDeployStatuses = map[string]bool{
	railway.StatusFailed:  true,
	railway.StatusCrashed: true,
	railway.StatusRemoved: true,
	railway.StatusSkipped: true,
}

var startingDeployStatuses = map[string]bool{
	railway.StatusQueued:    true,
	railway.StatusWaiting:   true,
	railway.StatusBuilding:  true,
	railway.StatusDeploying: true,
}

// DeriveStatus maps a raw deploy status plus optional health and age signals
// to a lifecycle state. It is a pure total function: nil optionals never
// panic, a missing createdAt counts as unbounded age, and identical inputs
// always yield identical output.
func DeriveStatus(deployStatus *string, healthReady *bool, createdAt *time.Time, claimed bool, now time.Time, stuckTimeout time.Duration) Status {
	if stuckTimeout <= 0 {
		stuckTimeout = DefaultStuckTimeout
	}

	raw := ""
	if deployStatus != nil {
		raw = *deployStatus
	}

	// Sleeping wins over everything, including the claimed flag.
	if raw == railway.StatusSleeping {
		return StatusSleeping
	}

	if deadDeployStatuses[raw] {
		if claimed {
			return StatusCrashed
		}
		return StatusDead
	}

	if startingDeployStatuses[raw] {
		if claimed {
			return StatusClaimed
		}
		return StatusStarting
	}

	if raw == railway.StatusSuccess && healthReady != nil && *healthReady {
		if claimed {
			return StatusClaimed
		}
		return StatusIdle
	}

	// SUCCESS-but-not-ready and every unknown status fall through to the
	// age-based verdict.
	if claimed {
		return StatusClaimed
	}
	if createdAt != nil && now.Sub(*createdAt) < stuckTimeout {
		return StatusStarting
	}
	return StatusDead
}
