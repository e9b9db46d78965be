package domain

var transitions = map[Status][]Status{
	StatusPending:  {StatusFundable},
	StatusFundable: {StatusLocked, StatusDefaulted},
	StatusLocked:   {StatusSettled, StatusDefaulted},
}

// CanTransition reports whether the lifecycle connects from and to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates a status change and returns the new status.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, &TransitionError{From: from, To: to}
	}
	return to, nil
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusDefaulted
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFundable, StatusLocked, StatusSettled, StatusDefaulted:
		return true
	}
	return false
}
