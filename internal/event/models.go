package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/funnel/internal/canon"
)

// Event names produced and consumed by funnel.
const (
	WorkflowStart          = "workflow.start"
	ServiceStarted         = "service.started"
	MessagePreparedClient  = "message.prepared_for_client"
	MessagePreparedManager = "message.prepared_for_staff"
	Info                   = "info"
	SystemError            = "system.error"
)

// Record change suffixes, appended to the entity kind: records.inserted.
const (
	SuffixInserted = "inserted"
	SuffixUpdated  = "updated"
	SuffixDeleted  = "deleted"
)

// ErrUnknownModel means no payload model is registered for an event name.
var ErrUnknownModel = errors.New("event: unknown payload model")

// Payload is implemented by every payload model in the decoder table.
type Payload interface {
	payload()
}

// RecordChange is published by the CDC driver for {kind}.inserted,
// {kind}.updated and {kind}.deleted.
type RecordChange struct {
	ID   ID              `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
	Old  json.RawMessage `json:"old,omitempty"`
	Diff []canon.Change  `json:"diff,omitempty"`
}

// WorkflowStartRequest asks the engine to open the first stage of a funnel.
type WorkflowStartRequest struct {
	Funnel  string          `json:"funnel"`
	IdentID ID              `json:"ident_id"`
	JS      json.RawMessage `json:"js,omitempty"`
}

// ServiceStartedNotice announces a runner cycle start.
type ServiceStartedNotice struct {
	ServiceName string `json:"service_name"`
}

// ID is an identifier that arrives as a JSON string or number.
type ID string

// UnmarshalJSON accepts "42" and 42 alike.
func (id *ID) UnmarshalJSON(data []byte) error {
	v := scalarString(data)
	if v == "" && string(data) != `""` && string(data) != "null" {
		return fmt.Errorf("id must be a string or number, got %s", data)
	}
	*id = ID(v)
	return nil
}

// ClientMessage is a rendered message ready for delivery to a client.
type ClientMessage struct {
	ClientID       ID     `json:"client_id"`
	Text           string `json:"text"`
	Sender         string `json:"sender,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Redelivery     bool   `json:"redelivery,omitempty"`
}

// InfoMessage is a notice for managers or staff.
type InfoMessage struct {
	ChatID         ID     `json:"chat_id,omitempty"`
	Text           string `json:"text"`
	Sender         string `json:"sender,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Redelivery     bool   `json:"redelivery,omitempty"`
}

// ErrorMessage reports a failure to operators.
type ErrorMessage struct {
	Text string `json:"text"`
}

func (RecordChange) payload()         {}
func (WorkflowStartRequest) payload() {}
func (ServiceStartedNotice) payload() {}
func (ClientMessage) payload()        {}
func (InfoMessage) payload()          {}
func (ErrorMessage) payload()         {}

type decoder func(json.RawMessage) (Payload, error)

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// decoders is keyed by normalized event name.
var decoders = map[string]decoder{
	NormalizeName(WorkflowStart):          decodeAs[WorkflowStartRequest],
	NormalizeName(ServiceStarted):         decodeAs[ServiceStartedNotice],
	NormalizeName(MessagePreparedClient):  decodeAs[ClientMessage],
	NormalizeName(MessagePreparedManager): decodeAs[InfoMessage],
	NormalizeName(Info):                   decodeAs[InfoMessage],
	NormalizeName(SystemError):            decodeAs[ErrorMessage],
}

// recordSuffixes decode any {kind}.{suffix} event as a RecordChange.
var recordSuffixes = []string{"_" + SuffixInserted, "_" + SuffixUpdated, "_" + SuffixDeleted}

func lookupDecoder(name string) (decoder, bool) {
	if d, ok := decoders[name]; ok {
		return d, true
	}
	for _, suffix := range recordSuffixes {
		if strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
			return decodeAs[RecordChange], true
		}
	}
	return nil, false
}

// HasModel reports whether a payload model exists for the event name.
func HasModel(name string) bool {
	_, ok := lookupDecoder(NormalizeName(name))
	return ok
}

// Decode returns the typed payload of env.
// Unknown names wrap ErrUnknownModel.
func Decode(env Envelope) (Payload, error) {
	name := env.Name()
	d, ok := lookupDecoder(name)
	if !ok {
		return nil, fmt.Errorf("decode %s: %w", env.Event, ErrUnknownModel)
	}
	raw := env.Payload
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	p, err := d(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return p, nil
}

// RecordEventName builds the CDC event name for an entity kind.
func RecordEventName(kind, suffix string) string {
	return kind + "." + suffix
}
