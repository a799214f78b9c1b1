package domain

type OutcomeKind string

const (
	// OutcomeCompleted: the job ran and returned no error.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeFailed: the job ran and returned an error or panicked.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeVetoed: a listener cancelled the firing before it ran.
	OutcomeVetoed OutcomeKind = "vetoed"
	// OutcomeReleased: the trigger was acquired but never dispatched.
	OutcomeReleased OutcomeKind = "released"
	// OutcomeError: the job could not be run at all (unknown kind).
	OutcomeError OutcomeKind = "error"
)

// Outcome is reported exactly once per firing record via ReleaseTrigger.
type Outcome struct {
	Kind   OutcomeKind
	Detail string
}

func Completed() Outcome { return Outcome{Kind: OutcomeCompleted} }
func Vetoed() Outcome    { return Outcome{Kind: OutcomeVetoed} }
func Released() Outcome  { return Outcome{Kind: OutcomeReleased} }

func Failed(err error) Outcome {
	o := Outcome{Kind: OutcomeFailed}
	if err != nil {
		o.Detail = err.Error()
	}
	return o
}

func Errored(detail string) Outcome {
	return Outcome{Kind: OutcomeError, Detail: detail}
}

// Advances reports whether the outcome consumes the occurrence and moves the
// trigger to its next fire time.
func (o Outcome) Advances() bool {
	switch o.Kind {
	case OutcomeCompleted, OutcomeFailed, OutcomeVetoed:
		return true
	default:
		return false
	}
}
