package controller

import (
	"fmt"

	"github.com/kubiyabot/gha-autoscaler/internal/demand"
)

// Decision is what one tick should do with the pool
type Decision struct {
	ScaleUp   int
	ScaleDown bool
	Reason    string
}

// Decide applies the scaling rule. Queued runs always ask for up to
// maxRunners runners, regardless of how many are already active; surplus
// capacity is shed on later ticks once the queue is empty and fewer runs
// are in progress than runners are active.
func Decide(d demand.Demand, active, maxRunners int) Decision {
	if toAdd := min(d.Queued, maxRunners); toAdd > 0 {
		return Decision{
			ScaleUp: toAdd,
			Reason:  fmt.Sprintf("%d queued runs, adding %d runners", d.Queued, toAdd),
		}
	}
	if d.Queued == 0 && d.InProgress < active {
		return Decision{
			ScaleDown: true,
			Reason:    fmt.Sprintf("no queued runs and %d in progress on %d active runners", d.InProgress, active),
		}
	}
	return Decision{Reason: "no change"}
}
