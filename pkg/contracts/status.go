package contracts

// Status is the closed lifecycle set for a unit of work.
type Status string

const (
	StatusDraft          Status = "DRAFT"
	StatusClarifying     Status = "CLARIFYING"
	StatusConfirmPending Status = "CONFIRM_PENDING"
	StatusExecuting      Status = "EXECUTING"
	StatusDone           Status = "DONE"
	StatusRefused        Status = "REFUSED"
	StatusFailed         Status = "FAILED"
)

// Terminal reports whether s is final. Terminal states never transition
// again; the record is kept, never deleted.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusRefused, StatusFailed:
		return true
	}
	return false
}

// transitions is the explicit DAG of legal status moves. Anything absent
// here is an illegal transition and is rejected before append.
var transitions = map[Status]map[Status]struct{}{
	StatusDraft: {
		StatusClarifying: {}, StatusConfirmPending: {}, StatusExecuting: {},
		StatusRefused: {}, StatusFailed: {},
	},
	StatusClarifying: {
		StatusClarifying: {}, StatusConfirmPending: {}, StatusExecuting: {},
		StatusRefused: {}, StatusFailed: {},
	},
	StatusConfirmPending: {
		StatusExecuting: {}, StatusRefused: {}, StatusFailed: {},
	},
	StatusExecuting: {
		StatusDone: {}, StatusRefused: {}, StatusFailed: {},
	},
}

// CanTransition reports whether moving from one status to another is legal.
// Self-transitions are only legal for Clarifying (one clarify turn per
// envelope); terminal states admit nothing.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ValidStatus reports whether s belongs to the closed status set.
func ValidStatus(s Status) bool {
	switch s {
	case StatusDraft, StatusClarifying, StatusConfirmPending,
		StatusExecuting, StatusDone, StatusRefused, StatusFailed:
		return true
	}
	return false
}
