package wanthave

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType discriminates channel payloads.
type EnvelopeType string

const (
	EnvelopeMessage EnvelopeType = "message"
	EnvelopeOffer   EnvelopeType = "offer"
)

// Envelope is an outbound channel payload.
type Envelope struct {
	Type     EnvelopeType `json:"type"`
	Message  string       `json:"message,omitempty"`
	SenderID int64        `json:"sender_id,omitempty"`
	Offer    *Offer       `json:"offer,omitempty"`
}

// Inbound is a decoded channel payload. Exactly one of Message and Offer is set,
// matching Type.
type Inbound struct {
	Type    EnvelopeType
	Message *Message
	Offer   *Offer
}

// wireEnvelope uses pointers so that missing fields can be told apart from
// zero values.
type wireEnvelope struct {
	Type      *string         `json:"type"`
	Message   *string         `json:"message"`
	SenderID  *int64          `json:"sender_id"`
	ID        int64           `json:"id"`
	Timestamp string          `json:"timestamp"`
	Offer     json.RawMessage `json:"offer"`
}

// EncodeMessage wraps a chat line for the channel.
func EncodeMessage(content string, senderID int64) Envelope {
	return Envelope{Type: EnvelopeMessage, Message: content, SenderID: senderID}
}

// EncodeOffer wraps a server-confirmed offer for broadcast to the counterparty.
func EncodeOffer(offer Offer) Envelope {
	o := offer
	return Envelope{Type: EnvelopeOffer, Offer: &o}
}

// DecodeEnvelope turns one channel frame into a domain event. Messages carry no
// conversation id on the wire; they are stamped with conversationID, the
// conversation the channel is bound to. Offers are taken as sent, except that a
// missing conversation is filled in the same way.
//
// Errors wrap ErrUnknownEnvelope or ErrMalformedEnvelope.
func DecodeEnvelope(data []byte, conversationID int64) (Inbound, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	typ := EnvelopeMessage
	if w.Type != nil && *w.Type != "" {
		typ = EnvelopeType(*w.Type)
	}

	switch typ {
	case EnvelopeMessage:
		if w.Message == nil || w.SenderID == nil {
			return Inbound{}, fmt.Errorf("%w: message requires message and sender_id", ErrMalformedEnvelope)
		}
		msg := &Message{
			ID:             w.ID,
			ConversationID: conversationID,
			SenderID:       *w.SenderID,
			Content:        *w.Message,
			Status:         MessageConfirmed,
		}
		if w.Timestamp != "" {
			ts, err := parseTimestamp(w.Timestamp)
			if err != nil {
				return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
			}
			msg.Timestamp = ts
		}
		return Inbound{Type: EnvelopeMessage, Message: msg}, nil

	case EnvelopeOffer:
		if len(w.Offer) == 0 || string(w.Offer) == "null" {
			return Inbound{}, fmt.Errorf("%w: offer envelope without offer", ErrMalformedEnvelope)
		}
		var offer Offer
		if err := json.Unmarshal(w.Offer, &offer); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if offer.ID == 0 {
			return Inbound{}, fmt.Errorf("%w: offer requires id", ErrMalformedEnvelope)
		}
		if !offer.Status.Valid() {
			return Inbound{}, fmt.Errorf("%w: unknown offer status %q", ErrMalformedEnvelope, offer.Status)
		}
		if offer.ConversationID == 0 {
			offer.ConversationID = conversationID
		}
		return Inbound{Type: EnvelopeOffer, Offer: &offer}, nil

	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownEnvelope, typ)
	}
}
