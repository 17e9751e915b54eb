// Package actuator models the robot arm that travels between slots.
//
// Local intent (move, stop) and remote ground truth are both expressed as
// events applied to a Position. The machine never induces Operating locally
// and never reaches Idle from intent alone, except for an emergency stop.
package actuator

import (
	"errors"
	"fmt"
	"strings"
)

// Phase is the actuator's motion state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseMoving
	PhaseOperating
)

// String returns the wire name used by the remote store.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMoving:
		return "moving"
	case PhaseOperating:
		return "operating"
	default:
		return "unknown"
	}
}

// ParsePhase maps a remote status string to a Phase.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle", "":
		return PhaseIdle, nil
	case "moving":
		return PhaseMoving, nil
	case "operating":
		return PhaseOperating, nil
	default:
		return PhaseIdle, fmt.Errorf("unknown actuator status %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Position is the actuator state shown to readers.
type Position struct {
	CurrentSlot int    `json:"current_slot"`
	Phase       Phase  `json:"phase"`
	LastAction  string `json:"last_action"`
}

var (
	ErrSameSlot     = errors.New("actuator already at target slot")
	ErrInactiveSlot = errors.New("target slot is inactive")
	ErrUnknownSlot  = errors.New("target slot does not exist")
	ErrOperating    = errors.New("actuator is operating")
)

// EventKind identifies what drives a transition.
type EventKind int

const (
	// EventMove is local intent to travel to Target.
	EventMove EventKind = iota
	// EventResolve is the timeout fallback of a move: arrival at Target.
	EventResolve
	// EventStop is an emergency stop.
	EventStop
	// EventRemote carries ground truth from the position feed.
	EventRemote
	// EventRevert restores the position captured before a failed move.
	EventRevert
)

// String returns a human-readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventMove:
		return "move"
	case EventResolve:
		return "resolve"
	case EventStop:
		return "stop"
	case EventRemote:
		return "remote"
	case EventRevert:
		return "revert"
	default:
		return "unknown"
	}
}

// Event is one input to the state machine.
type Event struct {
	Kind        EventKind
	Target      int
	Description string
	// Remote is the reported position for EventRemote and the saved
	// position for EventRevert.
	Remote Position
}

// Move builds a move event.
func Move(target int, description string) Event {
	return Event{Kind: EventMove, Target: target, Description: description}
}

// Resolve builds the arrival event applied when a move times out.
func Resolve(target int, description string) Event {
	return Event{Kind: EventResolve, Target: target, Description: description}
}

// Stop builds an emergency stop event.
func Stop() Event {
	return Event{Kind: EventStop, Description: "Emergency stop activated"}
}

// Remote builds a ground-truth event.
func Remote(p Position) Event {
	return Event{Kind: EventRemote, Remote: p}
}

// Revert builds an event restoring a saved position.
func Revert(saved Position) Event {
	return Event{Kind: EventRevert, Remote: saved}
}

// Apply returns the position after ev. An error means the event is not
// allowed from the current phase and the position is returned unchanged.
func Apply(pos Position, ev Event) (Position, error) {
	switch ev.Kind {
	case EventRemote:
		return ev.Remote, nil

	case EventMove:
		if pos.Phase == PhaseOperating {
			return pos, ErrOperating
		}
		if ev.Target == pos.CurrentSlot {
			return pos, ErrSameSlot
		}
		next := pos
		next.Phase = PhaseMoving
		if ev.Description != "" {
			next.LastAction = ev.Description
		}
		return next, nil

	case EventResolve:
		// Only a move still in flight can arrive; anything else means ground
		// truth or a stop already settled the actuator.
		if pos.Phase != PhaseMoving {
			return pos, nil
		}
		return Position{CurrentSlot: ev.Target, Phase: PhaseIdle, LastAction: ev.Description}, nil

	case EventStop:
		if pos.Phase == PhaseOperating {
			return pos, ErrOperating
		}
		return Position{CurrentSlot: pos.CurrentSlot, Phase: PhaseIdle, LastAction: ev.Description}, nil

	case EventRevert:
		if pos.Phase != PhaseMoving {
			return pos, nil
		}
		return ev.Remote, nil
	}

	return pos, fmt.Errorf("unknown actuator event %d", ev.Kind)
}
