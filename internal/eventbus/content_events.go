package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrClosed возвращается при публикации в закрытую шину
var ErrClosed = errors.New("event bus closed")

// Типы событий менеджера контента
const (
	ElementAdded    = "ElementAdded"
	ElementMoved    = "ElementMoved"
	ElementSaved    = "ElementSaved"
	ElementErased   = "ElementErased"
	ElementLoaded   = "ElementLoaded"
	ElementEvicted  = "ElementEvicted"
	PackageImported = "PackageImported"
	PackageErased   = "PackageErased"
)

// ContentSource источник событий менеджера контента
const ContentSource = "content"

// ContentEvent полезная нагрузка событий контента
type ContentEvent struct {
	ID       int64  `json:"id,omitempty"`
	Kind     string `json:"kind,omitempty"`
	FullName string `json:"full_name,omitempty"`
	OldName  string `json:"old_name,omitempty"`
	Package  string `json:"package,omitempty"`
	Offset   int64  `json:"offset,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Count    int    `json:"count,omitempty"`
	File     string `json:"file,omitempty"`
}

// NewContentEnvelope упаковывает событие контента в Envelope
func NewContentEnvelope(eventType string, ev ContentEvent) (*Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    ContentSource,
		EventType: eventType,
		Version:   1,
		Payload:   payload,
	}, nil
}

// DecodeContentEvent разбирает полезную нагрузку события контента
func DecodeContentEvent(ev *Envelope) (ContentEvent, error) {
	var ce ContentEvent
	if err := json.Unmarshal(ev.Payload, &ce); err != nil {
		return ce, fmt.Errorf("unmarshal %s: %w", ev.EventType, err)
	}
	return ce, nil
}
