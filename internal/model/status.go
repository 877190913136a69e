package model

import "fmt"

const (
	StatusStarting           = "starting"
	StatusRunning            = "running"
	StatusFinalizing         = "finalizing"
	StatusCompressing        = "compressing"
	StatusCompleted          = "completed"
	StatusExited             = "exited"
	StatusError              = "error"
	StatusFinalizationFailed = "finalization_failed"
)

var allowedTransitions = map[string]map[string]bool{
	"": {
		StatusStarting: true,
	},
	StatusStarting: {
		StatusRunning: true,
		StatusExited:  true, // cancelled during preflight
		StatusError:   true,
	},
	StatusRunning: {
		StatusFinalizing: true,
		StatusExited:     true,
		StatusError:      true,
	},
	StatusFinalizing: {
		StatusCompressing:        true,
		StatusCompleted:          true,
		StatusExited:             true, // output conflict cancelled by operator
		StatusFinalizationFailed: true,
	},
	StatusCompressing: {
		StatusCompleted:          true,
		StatusFinalizationFailed: true,
	},
	StatusCompleted:          {},
	StatusExited:             {},
	StatusError:              {},
	StatusFinalizationFailed: {},
}

func IsKnownStatus(status string) bool {
	_, ok := allowedTransitions[status]
	return ok
}

func IsTerminal(status string) bool {
	next, ok := allowedTransitions[status]
	return ok && status != "" && len(next) == 0
}

func CanTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionStatus(current *string, jobID, to string) error {
	from := *current
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid job status transition: %q -> %q (job_id=%s)", from, to, jobID)
	}
	*current = to
	return nil
}
