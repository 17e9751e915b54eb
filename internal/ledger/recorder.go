package ledger

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/eventbus"
)

// Record subscribes the ledger to command lifecycle events on bus.
func (l *Ledger) Record(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeCommand, func(ev eventbus.Event) {
		entry, ok := entryFromEvent(ev)
		if !ok {
			log.Warn().Interface("data", ev.Data).Msg("Ignoring command event without id or stage")
			return
		}
		if err := l.Append(entry); err != nil {
			log.Error().Err(err).Str("command_id", entry.CommandID).Msg("Failed to record command")
		}
	})
}

func entryFromEvent(ev eventbus.Event) (Entry, bool) {
	str := func(key string) string {
		s, _ := ev.Data[key].(string)
		return s
	}

	e := Entry{
		CommandID: str("command_id"),
		Stage:     Stage(str("stage")),
		Kind:      str("kind"),
		Aspect:    ev.Aspect,
		Error:     str("error"),
	}
	if at, ok := ev.Data["at"].(time.Time); ok {
		e.Timestamp = at
	}
	return e, e.CommandID != "" && e.Stage != ""
}
