// internal/outcome/models.go
package outcome

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Course is the slice of the course record the gateway needs: runtime
// enablement, optional provider binding and the grantable scope set.
type Course struct {
	ID             string
	Name           string
	ProviderID     string
	RuntimeEnabled bool
	Scopes         []string
}

// Provider is a third-party content source.
type Provider struct {
	ID         string
	Name       string
	Origin     string
	JWKSURL    string
	SecretHash string
}

// Attempt is a durable record of a progress or completion event. Rows are
// immutable; corrections arrive as new rows.
type Attempt struct {
	ID               string    `json:"id"`
	CourseID         string    `json:"courseId"`
	UserID           string    `json:"userId"`
	Kind             string    `json:"kind"` // "attempt.completed" | "progress"
	Score            *float64  `json:"score,omitempty"`
	MaxScore         *float64  `json:"max,omitempty"`
	Passed           *bool     `json:"passed,omitempty"`
	Pct              *float64  `json:"pct,omitempty"`
	Topic            string    `json:"topic,omitempty"`
	RuntimeAttemptID string    `json:"runtimeAttemptId,omitempty"`
	EventID          string    `json:"eventId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Event discriminators on the wire.
const (
	EventAttemptCompleted = "attempt.completed"
	EventProgress         = "progress"
)

// EventBody is the discriminated event payload. Exactly two shapes exist;
// persistence switches exhaustively on the concrete type.
type EventBody interface {
	Kind() string
	validate() error
}

type Completion struct {
	Score            float64 `json:"score"`
	Max              float64 `json:"max"`
	Passed           bool    `json:"passed"`
	RuntimeAttemptID string  `json:"runtimeAttemptId,omitempty"`
}

func (Completion) Kind() string { return EventAttemptCompleted }

func (c Completion) validate() error {
	if c.Score < 0 {
		return fmt.Errorf("score must be >= 0")
	}
	if c.Max <= 0 {
		return fmt.Errorf("max must be > 0")
	}
	if c.Score > c.Max {
		return fmt.Errorf("score must not exceed max")
	}
	return nil
}

type Progress struct {
	Pct   float64 `json:"pct"`
	Topic string  `json:"topic,omitempty"`
}

func (Progress) Kind() string { return EventProgress }

func (p Progress) validate() error {
	if p.Pct < 0 || p.Pct > 100 {
		return fmt.Errorf("pct must be within [0,100]")
	}
	return nil
}

// Envelope is a schema-validated outcome submission.
type Envelope struct {
	CourseID string
	UserID   string
	EventID  string
	Event    EventBody
}

// ValidationError reports a malformed envelope. It maps to BadRequest and
// stops the pipeline before any side effect.
type ValidationError struct{ msg string }

func (e *ValidationError) Error() string { return e.msg }

func badEnvelope(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

type rawEnvelope struct {
	CourseID string          `json:"courseId"`
	UserID   string          `json:"userId"`
	EventID  string          `json:"eventId,omitempty"`
	Event    json.RawMessage `json:"event"`
}

type rawEventHeader struct {
	Type string `json:"type"`
}

// ParseEnvelope decodes and validates an outcome submission. All failures
// are *ValidationError.
func ParseEnvelope(r io.Reader) (*Envelope, error) {
	var raw rawEnvelope
	dec := json.NewDecoder(io.LimitReader(r, 1<<20))
	if err := dec.Decode(&raw); err != nil {
		return nil, badEnvelope("malformed JSON body")
	}
	if strings.TrimSpace(raw.CourseID) == "" {
		return nil, badEnvelope("courseId is required")
	}
	if strings.TrimSpace(raw.UserID) == "" {
		return nil, badEnvelope("userId is required")
	}
	if len(raw.Event) == 0 {
		return nil, badEnvelope("event is required")
	}

	var hdr rawEventHeader
	if err := json.Unmarshal(raw.Event, &hdr); err != nil {
		return nil, badEnvelope("malformed event")
	}

	var body EventBody
	switch hdr.Type {
	case EventAttemptCompleted:
		var c Completion
		if err := json.Unmarshal(raw.Event, &c); err != nil {
			return nil, badEnvelope("malformed %s event", EventAttemptCompleted)
		}
		body = c
	case EventProgress:
		var p Progress
		if err := json.Unmarshal(raw.Event, &p); err != nil {
			return nil, badEnvelope("malformed %s event", EventProgress)
		}
		body = p
	case "":
		return nil, badEnvelope("event.type is required")
	default:
		return nil, badEnvelope("unknown event type %q", hdr.Type)
	}
	if err := body.validate(); err != nil {
		return nil, badEnvelope("invalid %s event: %v", hdr.Type, err)
	}

	return &Envelope{
		CourseID: raw.CourseID,
		UserID:   raw.UserID,
		EventID:  strings.TrimSpace(raw.EventID),
		Event:    body,
	}, nil
}
