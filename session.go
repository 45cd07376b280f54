package wanthave

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ConversationSource is the REST side of the conversation list and history.
// *ConversationsClient implements it.
type ConversationSource interface {
	List(ctx context.Context) ([]Conversation, error)
	Start(ctx context.Context, counterpartyID, listingID int64) (*Conversation, error)
	Remove(ctx context.Context, conversationID int64) error
	Messages(ctx context.Context, conversationID int64) ([]Message, error)
	MarkRead(ctx context.Context, conversationID int64) error
}

// Intent asks the session to preselect a conversation when the view is
// entered, either directly by id or by counterparty and optional listing.
type Intent struct {
	ConversationID int64
	CounterpartyID int64
	ListingID      int64
}

func (i Intent) empty() bool { return i.ConversationID == 0 && i.CounterpartyID == 0 }

// SessionOptions configures a Session.
type SessionOptions struct {
	// UserID is the current user. When zero it is read from the client token.
	UserID int64
	// Origin the channel address is derived from. Defaults to the client base URL.
	Origin string
	// PollSchedule is a cron expression or descriptor for the unread poller.
	PollSchedule string
	// Redirector receives checkout URLs from PayOffer.
	Redirector Redirector

	OnMessage      func(Message)
	OnOffer        func(Offer)
	OnUnread       func(int)
	OnChannelState func(state ChannelState, generation uint64)
}

func (o *SessionOptions) defaults(c *Client) {
	if o.Origin == "" {
		o.Origin = c.BaseURL()
	}
	if o.PollSchedule == "" {
		o.PollSchedule = DefaultPollSchedule
	}
}

// Session ties the conversation store, the negotiation engine, the live
// channel and the unread poller to one authenticated user. Everything it owns
// is torn down together on Leave or Logout.
type Session struct {
	conversations ConversationSource
	store         *ConversationStore
	negotiator    *Negotiator
	transport     *Transport
	poller        *UnreadPoller
	opts          SessionOptions
	token         string
	log           zerolog.Logger

	mu            sync.Mutex
	userID        int64
	authenticated bool
}

// NewSession builds a session on top of client. opts may be nil.
func NewSession(client *Client, opts *SessionOptions) (*Session, error) {
	var o SessionOptions
	if opts != nil {
		o = *opts
	}
	o.defaults(client)

	schedule, err := ParsePollSchedule(o.PollSchedule)
	if err != nil {
		return nil, err
	}

	logger := client.Logger()
	s := &Session{
		conversations: client.Conversations,
		store:         NewConversationStore(logger),
		opts:          o,
		token:         client.Token(),
		log:           logger.With().Str("component", "session").Logger(),
		userID:        o.UserID,
	}
	s.transport = NewTransport(TransportConfig{
		Origin: o.Origin,
		Token:  client.Token(),
		Logger: logger,
	})
	s.negotiator = NewNegotiator(NegotiatorConfig{
		Offers:     client.Offers,
		Payments:   client.Payments,
		Channel:    s.transport,
		Redirector: o.Redirector,
		Logger:     logger,
		OnChange:   o.OnOffer,
	})
	s.poller = NewUnreadPoller(client.Conversations, schedule, o.OnUnread, logger)

	s.transport.OnDelivery(s.handleDelivery)
	if o.OnChannelState != nil {
		s.transport.OnStateChange(o.OnChannelState)
	}
	return s, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Login resolves the current user and starts the unread poller. The poller
// runs until Logout; cancelling ctx does not stop it.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	if s.authenticated {
		s.mu.Unlock()
		return nil
	}
	if s.userID == 0 {
		id, err := IdentityFromToken(s.token)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("resolve current user: %w", err)
		}
		s.userID = id
	}
	s.authenticated = true
	userID := s.userID
	s.mu.Unlock()

	s.poller.Start(context.WithoutCancel(ctx))
	s.log.Info().Int64("user_id", userID).Msg("session started")
	return nil
}

// Logout leaves the active conversation, stops the poller and clears all
// session state. A later Login starts fresh.
func (s *Session) Logout() {
	s.Leave()
	s.poller.Stop()
	s.store.Reset()

	s.mu.Lock()
	s.authenticated = false
	if s.opts.UserID == 0 {
		s.userID = 0
	}
	s.mu.Unlock()
	s.log.Info().Msg("session ended")
}

// Enter loads the conversation list for a new view entry and applies intent,
// which may be nil. The intent is honoured at most once per Enter.
func (s *Session) Enter(ctx context.Context, intent *Intent) error {
	if !s.isAuthenticated() {
		return ErrNotAuthenticated
	}
	s.store.ResetIntent()
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	if intent == nil {
		return nil
	}
	_, err := s.Navigate(ctx, *intent)
	return err
}

// Navigate applies a navigation intent unless one was already applied since
// the last Enter. Reports whether the intent was applied.
func (s *Session) Navigate(ctx context.Context, intent Intent) (bool, error) {
	if intent.empty() {
		return false, nil
	}
	if !s.store.ConsumeIntent() {
		s.log.Debug().Interface("intent", intent).Msg("intent already consumed for this view")
		return false, nil
	}

	id := intent.ConversationID
	if id == 0 {
		conv, err := s.conversations.Start(ctx, intent.CounterpartyID, intent.ListingID)
		if err != nil {
			return false, fmt.Errorf("failed to start conversation: %w", err)
		}
		s.store.Upsert(*conv)
		id = conv.ID
	}
	return true, s.Select(ctx, id)
}

// Refresh reloads the conversation list.
func (s *Session) Refresh(ctx context.Context) error {
	convs, err := s.conversations.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}
	s.store.SetConversations(convs)
	return nil
}

// Select makes a conversation active: the channel is moved to it, its history
// and offers are backfilled and it is marked read. A channel that fails to open
// leaves the backfilled view usable; the channel error is returned after the
// backfill. When a later Select takes over while this one is waiting on the
// backend, it stops without touching the view and returns ErrSuperseded.
func (s *Session) Select(ctx context.Context, conversationID int64) error {
	if !s.isAuthenticated() {
		return ErrNotAuthenticated
	}
	s.store.Select(conversationID)
	s.negotiator.Reset()

	_, connErr := s.transport.Connect(ctx, conversationID)
	if errors.Is(connErr, ErrSuperseded) {
		return connErr
	}
	if !s.stillSelected(conversationID) {
		return ErrSuperseded
	}

	history, err := s.conversations.Messages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if !s.stillSelected(conversationID) {
		return ErrSuperseded
	}
	s.store.ApplyHistory(conversationID, history)

	if _, err := s.negotiator.Load(ctx, conversationID); err != nil {
		return err
	}
	if !s.stillSelected(conversationID) {
		s.negotiator.Forget(conversationID)
		return ErrSuperseded
	}

	if err := s.conversations.MarkRead(ctx, conversationID); err != nil {
		s.log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("mark read failed")
	}
	return connErr
}

// Leave closes the channel and forgets the active conversation and its offers.
func (s *Session) Leave() {
	s.transport.Disconnect()
	s.store.Deselect()
	s.negotiator.Reset()
}

// RemoveConversation deletes a conversation on the server and drops it locally.
func (s *Session) RemoveConversation(ctx context.Context, conversationID int64) error {
	if err := s.conversations.Remove(ctx, conversationID); err != nil {
		s.log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("remove conversation failed")
		return fmt.Errorf("failed to remove conversation: %w", err)
	}
	if s.store.Remove(conversationID) {
		s.transport.Disconnect()
		s.negotiator.Reset()
	}
	return nil
}

// ============================================================================
// Actions
// ============================================================================

// SendMessage appends a pending entry to the active view and sends it over the
// channel. The server echo confirms the entry. If the channel is not open the
// entry stays pending and ErrNotConnected is returned.
func (s *Session) SendMessage(ctx context.Context, text string) (Message, error) {
	convID := s.store.Selected()
	if convID == 0 {
		return Message{}, ErrNoConversation
	}
	userID := s.UserID()

	msg, err := s.store.AppendPending(convID, userID, text)
	if err != nil {
		return Message{}, err
	}
	if s.opts.OnMessage != nil {
		s.opts.OnMessage(msg)
	}
	if err := s.transport.Send(ctx, convID, EncodeMessage(text, userID)); err != nil {
		return msg, err
	}
	return msg, nil
}

// CreateOffer places an offer on the active conversation's listing.
func (s *Session) CreateOffer(ctx context.Context, amount decimal.Decimal) (*Offer, error) {
	conv, err := s.selectedConversation()
	if err != nil {
		return nil, err
	}
	return s.negotiator.CreateOffer(ctx, conv, s.UserID(), amount)
}

// AcceptOffer accepts a pending offer as the seller.
func (s *Session) AcceptOffer(ctx context.Context, offerID int64) (*Offer, error) {
	return s.negotiator.Respond(ctx, offerID, s.UserID(), true)
}

// DeclineOffer declines a pending offer as the seller.
func (s *Session) DeclineOffer(ctx context.Context, offerID int64) (*Offer, error) {
	return s.negotiator.Respond(ctx, offerID, s.UserID(), false)
}

// CancelOffer withdraws an offer as the buyer.
func (s *Session) CancelOffer(ctx context.Context, offerID int64) (*Offer, error) {
	return s.negotiator.Cancel(ctx, offerID, s.UserID())
}

// PayOffer starts checkout for an accepted offer.
func (s *Session) PayOffer(ctx context.Context, offerID int64, urls ReturnURLs) (*CheckoutSession, error) {
	return s.negotiator.Pay(ctx, offerID, s.UserID(), urls)
}

// PaymentConfirmations returns a receiver for signed payment callbacks that
// merges paid offers into this session.
func (s *Session) PaymentConfirmations(secret string) (*PaymentConfirmations, error) {
	return NewPaymentConfirmations(secret, func(o Offer) {
		s.negotiator.Apply(o)
	})
}

// ============================================================================
// Views
// ============================================================================

// UserID returns the current user id.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Conversations returns the conversation list.
func (s *Session) Conversations() []Conversation { return s.store.Conversations() }

// Selected returns the active conversation id, or zero.
func (s *Session) Selected() int64 { return s.store.Selected() }

// Messages returns the active conversation's visible messages.
func (s *Session) Messages() []Message { return s.store.Messages() }

// Offers returns the active conversation's offers, newest first.
func (s *Session) Offers() []Offer { return s.negotiator.Offers(s.store.Selected()) }

// UnreadCount returns the last count fetched by the poller.
func (s *Session) UnreadCount() int { return s.poller.Unread() }

// ChannelState returns the live channel's state.
func (s *Session) ChannelState() ChannelState { return s.transport.State() }

// ============================================================================
// Internal
// ============================================================================

func (s *Session) handleDelivery(d Delivery) {
	switch d.Type {
	case EnvelopeMessage:
		if s.store.ApplyMessage(*d.Message, s.UserID()) && s.opts.OnMessage != nil {
			s.opts.OnMessage(*d.Message)
		}
	case EnvelopeOffer:
		if d.Offer.ConversationID != d.ConversationID {
			s.log.Warn().
				Int64("offer_id", d.Offer.ID).
				Int64("offer_conversation", d.Offer.ConversationID).
				Int64("channel_conversation", d.ConversationID).
				Msg("dropping offer for another conversation")
			return
		}
		s.negotiator.Apply(*d.Offer)
	}
}

func (s *Session) selectedConversation() (Conversation, error) {
	id := s.store.Selected()
	if id == 0 {
		return Conversation{}, ErrNoConversation
	}
	conv, ok := s.store.Conversation(id)
	if !ok {
		return Conversation{}, ErrNoConversation
	}
	return conv, nil
}

func (s *Session) stillSelected(conversationID int64) bool {
	if s.store.Selected() == conversationID {
		return true
	}
	s.log.Debug().Int64("conversation_id", conversationID).Msg("selection superseded")
	return false
}

func (s *Session) isAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}
