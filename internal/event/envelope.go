package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/funnel/internal/canon"
)

// DefaultRouteKey is the bus key used when a payload names no recipient.
const DefaultRouteKey = "na"

// Reserved envelope fields. They may not appear in a payload.
var reservedFields = map[string]bool{
	"event":       true,
	"uuid":        true,
	"chain_uuid":  true,
	"parent_uuid": true,
	"source":      true,
	"desc":        true,
	"version":     true,
}

// Envelope is one event on the bus.
type Envelope struct {
	Event      string
	UUID       string
	ChainUUID  string
	ParentUUID string
	Source     string
	Desc       string
	Version    string

	// Payload is a JSON object holding every non-reserved field.
	Payload json.RawMessage
}

// IDFunc generates envelope identifiers.
type IDFunc func() string

// NewID returns a time-ordered UUIDv7 string.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// New builds an envelope for name around payload.
// The payload must marshal to a JSON object without reserved fields.
// The envelope starts its own chain; see Child for follow-up events.
func New(name string, payload any, newID IDFunc) (Envelope, error) {
	if newID == nil {
		newID = NewID
	}
	body, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("new envelope %s: %w", name, err)
	}
	id := newID()
	return Envelope{
		Event:     name,
		UUID:      id,
		ChainUUID: id,
		Payload:   body,
	}, nil
}

// Child builds an envelope produced while handling parent.
// It joins the parent's chain and records the parent's uuid.
func Child(parent Envelope, name string, payload any, newID IDFunc) (Envelope, error) {
	env, err := New(name, payload, newID)
	if err != nil {
		return Envelope{}, err
	}
	env.ParentUUID = parent.UUID
	if parent.ChainUUID != "" {
		env.ChainUUID = parent.ChainUUID
	} else if parent.UUID != "" {
		env.ChainUUID = parent.UUID
	}
	return env, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	fields, err := payloadFields(raw)
	if err != nil {
		return nil, err
	}
	for k := range fields {
		if reservedFields[k] {
			return nil, fmt.Errorf("payload field %q is reserved", k)
		}
	}
	return canon.Marshal(json.RawMessage(raw))
}

func payloadFields(raw json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return fields, nil
}

// Name returns the normalized event name used for routing.
func (e Envelope) Name() string {
	return NormalizeName(e.Event)
}

// Field returns the raw value of a payload field.
func (e Envelope) Field(name string) (json.RawMessage, bool) {
	fields, err := payloadFields(e.Payload)
	if err != nil {
		return nil, false
	}
	v, ok := fields[name]
	return v, ok
}

// RouteKey derives the bus key from the payload: client_id, then chat_id,
// else DefaultRouteKey. Keys pin all events of one recipient to a partition.
func (e Envelope) RouteKey() string {
	for _, field := range []string{"client_id", "chat_id"} {
		raw, ok := e.Field(field)
		if !ok {
			continue
		}
		if key := scalarString(raw); key != "" {
			return key
		}
	}
	return DefaultRouteKey
}

func scalarString(raw json.RawMessage) string {
	doc, err := canon.Decode(raw)
	if err != nil {
		return ""
	}
	switch v := doc.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte(`{}`), v)
	}
	return json.Unmarshal(e.Payload, v)
}

// MarshalJSON renders the flat wire form in canonical JSON.
func (e Envelope) MarshalJSON() ([]byte, error) {
	obj := map[string]any{}
	if len(e.Payload) > 0 {
		doc, err := canon.Decode(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope %s: %w", e.Event, err)
		}
		fields, ok := doc.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("marshal envelope %s: payload must be a JSON object", e.Event)
		}
		obj = fields
	}
	obj["event"] = e.Event
	obj["uuid"] = e.UUID
	obj["chain_uuid"] = e.ChainUUID
	optional := map[string]string{
		"parent_uuid": e.ParentUUID,
		"source":      e.Source,
		"desc":        e.Desc,
		"version":     e.Version,
	}
	for k, v := range optional {
		if v != "" {
			obj[k] = v
		} else {
			delete(obj, k)
		}
	}
	return canon.Marshal(obj)
}

// UnmarshalJSON parses the flat wire form. A missing chain_uuid defaults to
// the envelope's own uuid.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	fields, err := payloadFields(data)
	if err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	var out Envelope
	targets := map[string]*string{
		"event":       &out.Event,
		"uuid":        &out.UUID,
		"chain_uuid":  &out.ChainUUID,
		"parent_uuid": &out.ParentUUID,
		"source":      &out.Source,
		"desc":        &out.Desc,
		"version":     &out.Version,
	}
	for k, dst := range targets {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		delete(fields, k)
		if string(bytes.TrimSpace(raw)) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("unmarshal envelope: field %s: %w", k, err)
		}
	}
	if out.Event == "" {
		return fmt.Errorf("unmarshal envelope: missing event name")
	}
	if out.ChainUUID == "" {
		out.ChainUUID = out.UUID
	}

	payload := make(map[string]any, len(fields))
	for k, raw := range fields {
		v, err := canon.Decode(raw)
		if err != nil {
			return fmt.Errorf("unmarshal envelope: field %s: %w", k, err)
		}
		payload[k] = v
	}
	body, err := canon.Marshal(payload)
	if err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	out.Payload = body

	*e = out
	return nil
}
