package engine

import "fmt"

// OutcomeKind tags the result variant of one session attempt.
type OutcomeKind string

// Outcome variants. Callers switch on these instead of inspecting errors.
const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeBlocked   OutcomeKind = "blocked"
	OutcomeTransient OutcomeKind = "transient"
	OutcomeFatal     OutcomeKind = "fatal"
)

// Outcome is the tagged result of a single scraper session attempt. A blocked
// or transient outcome may still carry LeadsEmitted > 0: records extracted
// before the abort are already committed.
type Outcome struct {
	Kind         OutcomeKind
	LeadsEmitted int
	PagesVisited int
	// Challenge marks a blocked outcome as a solvable challenge rather
	// than a hard ban.
	Challenge bool
	Err       error
}

// Retryable reports whether the attempt may be requeued.
func (o Outcome) Retryable() bool {
	return o.Kind == OutcomeTransient || o.Kind == OutcomeBlocked
}

// ErrorText renders the attempt error for persistence, empty on success.
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

func (o Outcome) String() string {
	return fmt.Sprintf("%s (leads=%d pages=%d)", o.Kind, o.LeadsEmitted, o.PagesVisited)
}
