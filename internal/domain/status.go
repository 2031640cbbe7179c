package domain

import "fmt"

var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted:           true,
		StatusCompletedWithErrors: true,
		StatusFailed:              true,
		StatusCancelled:           true,
	},
	// Terminal states only leave through an explicit retry.
	StatusCompletedWithErrors: {StatusQueued: true},
	StatusFailed:              {StatusQueued: true},
	StatusCancelled:           {StatusQueued: true},
	StatusCompleted:           {},
}

// IsKnownStatus reports whether s is part of the job state machine.
func IsKnownStatus(s JobStatus) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to JobStatus) bool {
	return allowedTransitions[from][to]
}

// TransitionTo moves the job to the given status or returns ErrInvalidTransition.
func (j *Job) TransitionTo(to JobStatus) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %q -> %q (job_id=%s)", ErrInvalidTransition, j.Status, to, j.ID)
	}
	j.Status = to
	return nil
}
