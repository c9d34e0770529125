// Package messaging renders stage messages from templates and hands them to
// a Sender for delivery.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/funnel/internal/event"
)

// RecipientKind says who a message is for.
type RecipientKind string

const (
	ToClient RecipientKind = "client"
	ToStaff  RecipientKind = "staff"
)

// Recipient addresses a message. ID is the client id for ToClient and an
// optional chat id for ToStaff.
type Recipient struct {
	Kind RecipientKind
	ID   string
}

// Client addresses a client.
func Client(id string) Recipient {
	return Recipient{Kind: ToClient, ID: id}
}

// Staff addresses the managers' channel.
func Staff() Recipient {
	return Recipient{Kind: ToStaff}
}

func (r Recipient) String() string {
	if r.ID == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ":" + r.ID
}

// Message is one rendered text plus delivery metadata. IdempotencyKey is
// stable across redeliveries of the same stage work; Redelivery is set when
// the stage had been attempted before.
type Message struct {
	Text           string
	IdempotencyKey string
	Redelivery     bool
}

// Sender delivers a message to a recipient.
type Sender interface {
	Send(ctx context.Context, to Recipient, msg Message) error
}

// ErrNoRecipient means a client message had no client id.
var ErrNoRecipient = errors.New("messaging: client recipient without id")

// EnvelopePublisher puts an envelope on the bus.
type EnvelopePublisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// BusSender delivers by publishing message.prepared_for_client for clients
// and info for staff. The delivery services consuming those events own the
// actual channel and de-duplicate on the idempotency key.
type BusSender struct {
	pub   EnvelopePublisher
	name  string
	newID event.IDFunc
}

// NewBusSender creates a BusSender. name is recorded as the message sender.
func NewBusSender(pub EnvelopePublisher, name string, newID event.IDFunc) *BusSender {
	if newID == nil {
		newID = event.NewID
	}
	return &BusSender{pub: pub, name: name, newID: newID}
}

// Send implements Sender.
func (s *BusSender) Send(ctx context.Context, to Recipient, msg Message) error {
	var (
		env event.Envelope
		err error
	)
	switch to.Kind {
	case ToClient:
		if to.ID == "" {
			return ErrNoRecipient
		}
		env, err = event.New(event.MessagePreparedClient, event.ClientMessage{
			ClientID:       event.ID(to.ID),
			Text:           msg.Text,
			Sender:         s.name,
			IdempotencyKey: msg.IdempotencyKey,
			Redelivery:     msg.Redelivery,
		}, s.newID)
	case ToStaff:
		env, err = event.New(event.Info, event.InfoMessage{
			ChatID:         event.ID(to.ID),
			Text:           msg.Text,
			Sender:         s.name,
			IdempotencyKey: msg.IdempotencyKey,
			Redelivery:     msg.Redelivery,
		}, s.newID)
	default:
		return fmt.Errorf("send: unknown recipient kind %q", to.Kind)
	}
	if err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	env.Source = s.name
	if err := s.pub.Publish(ctx, env); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}
