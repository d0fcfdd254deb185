package budget

import (
	"encoding/json"

	"github.com/rogers-f/taskengine/internal/domain"
)

func governorEvent(typ string, payload map[string]any) domain.Event {
	return domain.Event{Type: typ, PayloadJSON: mustJSON(payload)}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
