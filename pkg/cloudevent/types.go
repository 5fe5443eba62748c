// Package cloudevent builds, signs and delivers CloudEvents 1.0 over HTTP.
package cloudevent

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid marks an event missing a required context attribute. Delivering
// it again cannot succeed.
var ErrInvalid = errors.New("invalid cloudevent")

// CloudEvent is a structured-mode envelope. Subject and Data are optional.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	ID              string         `json:"id"`
	Source          string         `json:"source"`
	Type            string         `json:"type"`
	Subject         string         `json:"subject,omitempty"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

// New stamps an event with a random id and the current UTC time.
func New(eventType, source, subject string, data map[string]any) *CloudEvent {
	ev := &CloudEvent{
		SpecVersion: "1.0",
		ID:          uuid.NewString(),
		Source:      source,
		Type:        eventType,
		Subject:     subject,
		Time:        time.Now().UTC(),
		Data:        data,
	}
	if data != nil {
		ev.DataContentType = "application/json"
	}
	return ev
}

// Validate checks the attributes every receiver relies on.
func (e *CloudEvent) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil event", ErrInvalid)
	case e.SpecVersion != "1.0":
		return fmt.Errorf("%w: specversion %q", ErrInvalid, e.SpecVersion)
	case e.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalid)
	case e.Source == "":
		return fmt.Errorf("%w: source is required", ErrInvalid)
	case e.Type == "":
		return fmt.Errorf("%w: type is required", ErrInvalid)
	}
	return nil
}
