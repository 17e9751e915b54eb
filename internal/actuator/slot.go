package actuator

import (
	"fmt"
	"time"
)

// Slot is an addressable location (a plot) the actuator can travel to.
type Slot struct {
	ID          int       `json:"id"`
	Label       string    `json:"label"`
	Active      bool      `json:"active"`
	LastVisited time.Time `json:"last_visited"`
}

// DefaultSlots returns the stock six-plot layout used until the slot feed
// delivers a configuration. Plot 5 ships disabled.
func DefaultSlots() []Slot {
	slots := make([]Slot, 0, 6)
	for id := 1; id <= 6; id++ {
		slots = append(slots, Slot{
			ID:     id,
			Label:  fmt.Sprintf("Plot %d", id),
			Active: id != 5,
		})
	}
	return slots
}

// FindSlot returns the slot with the given id.
func FindSlot(slots []Slot, id int) (Slot, bool) {
	for _, s := range slots {
		if s.ID == id {
			return s, true
		}
	}
	return Slot{}, false
}

// ActiveSlots filters slots down to those that can be a move destination.
func ActiveSlots(slots []Slot) []Slot {
	var out []Slot
	for _, s := range slots {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}

// ValidateMove checks the guards of a move to target before any write is
// attempted: the slot must exist, be active, differ from the current slot,
// and the actuator must not be operating.
func ValidateMove(pos Position, slots []Slot, target int) error {
	if pos.Phase == PhaseOperating {
		return ErrOperating
	}
	if target == pos.CurrentSlot {
		return ErrSameSlot
	}
	slot, ok := FindSlot(slots, target)
	if !ok {
		return fmt.Errorf("slot %d: %w", target, ErrUnknownSlot)
	}
	if !slot.Active {
		return fmt.Errorf("slot %d: %w", target, ErrInactiveSlot)
	}
	return nil
}
