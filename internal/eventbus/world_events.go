package eventbus

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed возвращается шиной после Close.
var ErrClosed = errors.New("event bus closed")

// Source - имя сервиса в конвертах, которые публикует менеджер миров.
const Source = "worldhost"

// Типы событий жизненного цикла мира.
const (
	WorldCreated       = "world.created"
	WorldStarted       = "world.started"
	WorldStopped       = "world.stopped"
	WorldCrashed       = "world.crashed"
	WorldDeleted       = "world.deleted"
	WorldConfigUpdated = "world.config_updated"
	WorldUpdated       = "world.updated"
)

// WorldEventTypes перечисляет все типы событий мира.
var WorldEventTypes = []string{
	WorldCreated, WorldStarted, WorldStopped, WorldCrashed,
	WorldDeleted, WorldConfigUpdated, WorldUpdated,
}

// WorldEvent - полезная нагрузка событий мира (версия схемы 1).
type WorldEvent struct {
	WorldID  string `json:"world_id"`
	OwnerID  string `json:"owner_id"`
	Hostname string `json:"hostname,omitempty"`
	State    string `json:"state"`
	Port     int    `json:"port,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// priorities: падения и удаления не должны отбрасываться при backpressure.
var priorities = map[string]int{
	WorldCrashed: 9,
	WorldDeleted: 7,
	WorldStarted: 5,
	WorldStopped: 5,
}

// NewWorldEnvelope упаковывает событие мира в конверт.
func NewWorldEnvelope(eventType, runID string, ev WorldEvent) (*Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Source:        Source,
		EventType:     eventType,
		Version:       1,
		CorrelationID: runID,
		Tenant:        ev.OwnerID,
		Priority:      priorities[eventType],
		Payload:       payload,
		Metadata:      map[string]string{"world_id": ev.WorldID},
	}, nil
}

// DecodeWorldEvent разбирает полезную нагрузку конверта.
func DecodeWorldEvent(env *Envelope) (WorldEvent, error) {
	var ev WorldEvent
	err := json.Unmarshal(env.Payload, &ev)
	return ev, err
}
