package eventbus

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Типы событий жизненного цикла сохранения
const (
	EventSaveStarted   = "SaveStarted"
	EventSaveCompleted = "SaveCompleted"
	EventSaveFailed    = "SaveFailed"
	EventSaveRecovered = "SaveRecovered"
)

// SaveEvent полезная нагрузка событий сохранения
type SaveEvent struct {
	TransactionID string        `json:"transactionId"`
	Auto          bool          `json:"auto"`
	Players       int           `json:"players"`
	Chunks        int           `json:"chunks"`
	Duration      time.Duration `json:"duration,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// NewEnvelope упаковывает полезную нагрузку в JSON-конверт с новым UUID
func NewEnvelope(source, eventType string, priority int, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации события %s: %w", eventType, err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		EventType: eventType,
		Version:   1,
		Priority:  priority,
		Payload:   data,
	}, nil
}

// DecodeSaveEvent разбирает полезную нагрузку события сохранения
func DecodeSaveEvent(ev *Envelope) (SaveEvent, error) {
	var se SaveEvent
	if err := json.Unmarshal(ev.Payload, &se); err != nil {
		return se, fmt.Errorf("ошибка разбора события %s: %w", ev.EventType, err)
	}
	return se, nil
}
