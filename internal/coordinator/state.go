package coordinator

import "fmt"

// Phase is the externally visible coordinator state.
type Phase int

const (
	// PhaseIdle: accepting work, nothing active, no claim in flight.
	PhaseIdle Phase = iota
	// PhaseClaiming: a claim transaction is in flight.
	PhaseClaiming
	// PhaseRunning: at least one item is active.
	PhaseRunning
	// PhasePaused: not claiming and nothing active.
	PhasePaused
	// PhaseDraining: paused, waiting for active items to finish.
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseClaiming:
		return "claiming"
	case PhaseRunning:
		return "running"
	case PhasePaused:
		return "paused"
	case PhaseDraining:
		return "draining"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a point-in-time view: the phase plus the Active Set size.
type State struct {
	Phase  Phase
	Active int
}

func (s State) String() string {
	if s.Phase == PhaseRunning || s.Phase == PhaseDraining {
		return fmt.Sprintf("%s(%d)", s.Phase, s.Active)
	}
	return s.Phase.String()
}

// Accepting reports whether the coordinator is claiming new work.
func (s State) Accepting() bool { return s.Phase != PhasePaused && s.Phase != PhaseDraining }

// mode is the pause state machine. Transitions:
//
//	active   --pause, busy-->  draining
//	active   --pause, empty--> paused
//	draining --last done-->    paused
//	paused   --late claim-->   draining
//	paused|draining --resume-> active
type mode int

const (
	modeActive mode = iota
	modeDraining
	modePaused
)

// pause applies a pause request. busy is whether anything is active.
func (m mode) pause(busy bool) mode {
	switch m {
	case modeActive:
		if busy {
			return modeDraining
		}
		return modePaused
	default:
		return m
	}
}

// claimed applies a claim that committed after a pause was requested.
func (m mode) claimed() mode {
	if m == modePaused {
		return modeDraining
	}
	return m
}

// drained applies the "nothing left running" event.
func (m mode) drained() mode {
	if m == modeDraining {
		return modePaused
	}
	return m
}

func (m mode) resume() mode { return modeActive }

// phase derives the reported Phase.
func phase(m mode, claiming bool, active int) Phase {
	switch {
	case m == modePaused:
		return PhasePaused
	case m == modeDraining:
		return PhaseDraining
	case claiming:
		return PhaseClaiming
	case active > 0:
		return PhaseRunning
	default:
		return PhaseIdle
	}
}
