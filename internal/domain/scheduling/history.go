package scheduling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// HistoryEvent is one entry of an appointment's append-only history. The
// set of cases is closed within this package; Rescheduled is the only one.
type HistoryEvent interface {
	Action() string
	OccurredAt() time.Time
	historyEvent()
}

const ActionRescheduled = "Rescheduled"

// Rescheduled records a move of the appointment slot. From and To use
// DateTimeLayout.
type Rescheduled struct {
	Timestamp time.Time
	From      string
	To        string
}

func (Rescheduled) Action() string          { return ActionRescheduled }
func (r Rescheduled) OccurredAt() time.Time { return r.Timestamp }
func (Rescheduled) historyEvent()           {}

// historyRecord is the persisted envelope; Action is the discriminator.
type historyRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
}

func toRecord(ev HistoryEvent) (historyRecord, error) {
	switch e := ev.(type) {
	case Rescheduled:
		return historyRecord{Timestamp: e.Timestamp.UTC(), Action: ActionRescheduled, From: e.From, To: e.To}, nil
	case *Rescheduled:
		return toRecord(*e)
	default:
		return historyRecord{}, fmt.Errorf("unsupported history event %T", ev)
	}
}

// History is the ordered event log of an appointment.
type History []HistoryEvent

func (h History) MarshalJSON() ([]byte, error) {
	records := make([]historyRecord, 0, len(h))
	for _, ev := range h {
		rec, err := toRecord(ev)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return json.Marshal(records)
}

// EncodeEvents serializes events as a JSON array suitable for appending to
// the history column with the jsonb || operator.
func EncodeEvents(events ...HistoryEvent) ([]byte, error) {
	return History(events).MarshalJSON()
}

// DecodeHistory parses a persisted history value. Anything that is not a
// JSON array yields an empty history; entries with an unknown action are
// skipped. Both cases are logged and never returned as errors.
func DecodeHistory(raw []byte, logger zerolog.Logger) History {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return History{}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		logger.Warn().Err(err).Int("bytes", len(trimmed)).Msg("appointment history is not a list, treating as empty")
		return History{}
	}

	h := make(History, 0, len(items))
	for i, item := range items {
		var rec historyRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("skipping malformed history entry")
			continue
		}
		switch rec.Action {
		case ActionRescheduled:
			h = append(h, Rescheduled{Timestamp: rec.Timestamp, From: rec.From, To: rec.To})
		default:
			logger.Warn().Str("action", rec.Action).Int("index", i).Msg("skipping unknown history action")
		}
	}
	return h
}
