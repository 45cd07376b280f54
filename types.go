package wanthave

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Users & Listings
// ============================================================================

// User is the identity summary the backend embeds in conversations and messages.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Listing is the product a conversation may be scoped to.
type Listing struct {
	ID       int64           `json:"id"`
	Title    string          `json:"title"`
	Price    decimal.Decimal `json:"price"`
	SellerID int64           `json:"seller_id,omitempty"`
}

// ============================================================================
// Conversations & Messages
// ============================================================================

// Conversation is a two-party chat thread, optionally scoped to one listing.
type Conversation struct {
	ID           int64     `json:"id"`
	Participants []User    `json:"participants"`
	Listing      *Listing  `json:"product,omitempty"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	// Unread is local state: set when a message for this conversation arrives
	// while another one is selected, cleared on selection.
	Unread bool `json:"-"`
}

// Counterparty returns the participant that is not self.
func (c *Conversation) Counterparty(self int64) (User, bool) {
	for _, p := range c.Participants {
		if p.ID != self {
			return p, true
		}
	}
	return User{}, false
}

// HasParticipant reports whether id is one of the two participants.
func (c *Conversation) HasParticipant(id int64) bool {
	for _, p := range c.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

// MessageStatus tracks optimistic sends.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageConfirmed MessageStatus = "confirmed"
)

// Message is one chat line. ID is zero until the server has confirmed it.
type Message struct {
	ID             int64         `json:"id,omitempty"`
	ClientID       string        `json:"client_id,omitempty"`
	ConversationID int64         `json:"conversation"`
	SenderID       int64         `json:"sender_id"`
	Content        string        `json:"content"`
	Timestamp      time.Time     `json:"timestamp"`
	Status         MessageStatus `json:"status,omitempty"`
}

// UnmarshalJSON accepts the REST shape, where sender is a nested user object,
// as well as a flat sender_id.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID             int64           `json:"id"`
		ClientID       string          `json:"client_id"`
		ConversationID int64           `json:"conversation"`
		Sender         json.RawMessage `json:"sender"`
		SenderID       int64           `json:"sender_id"`
		Content        string          `json:"content"`
		Timestamp      string          `json:"timestamp"`
		Status         MessageStatus   `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.ID = raw.ID
	m.ClientID = raw.ClientID
	m.ConversationID = raw.ConversationID
	m.Content = raw.Content
	m.SenderID = raw.SenderID
	m.Status = raw.Status
	if m.Status == "" {
		m.Status = MessageConfirmed
	}

	if len(raw.Sender) > 0 && string(raw.Sender) != "null" {
		var u User
		if err := json.Unmarshal(raw.Sender, &u); err == nil {
			m.SenderID = u.ID
		} else if err := json.Unmarshal(raw.Sender, &m.SenderID); err != nil {
			return fmt.Errorf("message sender: %w", err)
		}
	}

	if raw.Timestamp != "" {
		ts, err := parseTimestamp(raw.Timestamp)
		if err != nil {
			return err
		}
		m.Timestamp = ts
	}
	return nil
}

// ============================================================================
// Offers
// ============================================================================

// OfferStatus is a state of the negotiation state machine.
type OfferStatus string

const (
	OfferPending   OfferStatus = "PENDING"
	OfferAccepted  OfferStatus = "ACCEPTED"
	OfferDeclined  OfferStatus = "DECLINED"
	OfferCancelled OfferStatus = "CANCELLED"
	OfferPaid      OfferStatus = "PAID"
)

// Offer is a structured price proposal attached to a conversation.
type Offer struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation"`
	ListingID      int64           `json:"product"`
	BuyerID        int64           `json:"buyer"`
	SellerID       int64           `json:"seller"`
	Amount         decimal.Decimal `json:"amount"`
	Status         OfferStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	RespondedAt    *time.Time      `json:"responded_at,omitempty"`
}

// ============================================================================
// Payment & Notifications
// ============================================================================

// ReturnURLs are the pages the payment provider sends the buyer back to.
type ReturnURLs struct {
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// CheckoutSession is the payment collaborator's answer to a session request.
type CheckoutSession struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	OrderID   int64  `json:"order_id,omitempty"`
}

// UnreadSummary is the out-of-band unread count.
type UnreadSummary struct {
	Count int `json:"unread_count"`
}

// ============================================================================
// Helpers
// ============================================================================

// Channel timestamps are Python str(datetime) ("2024-05-01 10:00:00.123456+00:00"),
// REST timestamps are ISO 8601.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
