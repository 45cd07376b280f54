package wanthave

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ============================================================================
// State machine
// ============================================================================

var offerTransitions = map[OfferStatus][]OfferStatus{
	OfferPending:  {OfferAccepted, OfferDeclined, OfferCancelled},
	OfferAccepted: {OfferPaid, OfferCancelled},
}

// CanTransition reports whether the offer state machine allows from -> to.
func CanTransition(from, to OfferStatus) bool {
	for _, s := range offerTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the statuses the backend issues.
func (s OfferStatus) Valid() bool {
	switch s {
	case OfferPending, OfferAccepted, OfferDeclined, OfferCancelled, OfferPaid:
		return true
	}
	return false
}

// IsTerminal reports whether s is DECLINED, CANCELLED or PAID.
func (s OfferStatus) IsTerminal() bool {
	return s == OfferDeclined || s == OfferCancelled || s == OfferPaid
}

// IsOpen reports whether an offer in status s blocks the buyer from making
// another one on the same conversation.
func (s OfferStatus) IsOpen() bool {
	return s == OfferPending || s == OfferAccepted
}

// MergeOffer applies one server-reported offer to a list: the entry with the
// same id is replaced in place, otherwise the offer is prepended. Applying the
// same offer twice yields the same list.
//
// There is no ordering on the wire, so the last update applied wins, with one
// exception: once an id holds a terminal status, a non-terminal update for it
// is ignored. A later terminal update still replaces it. An offer whose status
// is not a known one is ignored entirely.
//
// The input list is never modified.
func MergeOffer(list []Offer, incoming Offer) []Offer {
	out := make([]Offer, 0, len(list)+1)
	if !incoming.Status.Valid() {
		return append(out, list...)
	}
	for i, o := range list {
		if o.ID != incoming.ID {
			continue
		}
		out = append(out, list...)
		if o.Status.IsTerminal() && !incoming.Status.IsTerminal() {
			return out
		}
		out[i] = incoming
		return out
	}
	out = append(out, incoming)
	return append(out, list...)
}

// ============================================================================
// Collaborators
// ============================================================================

// OfferService persists offer mutations. *OffersClient implements it.
type OfferService interface {
	List(ctx context.Context, conversationID int64) ([]Offer, error)
	Create(ctx context.Context, conversationID int64, amount decimal.Decimal) (*Offer, error)
	Respond(ctx context.Context, offerID int64, accept bool) (*Offer, error)
	Cancel(ctx context.Context, offerID int64) (*Offer, error)
}

// PaymentService creates checkout sessions. *PaymentsClient implements it.
type PaymentService interface {
	CreateSession(ctx context.Context, offerID int64, urls ReturnURLs) (*CheckoutSession, error)
}

// Broadcaster pushes an envelope to the counterparty. *Transport implements it.
type Broadcaster interface {
	Send(ctx context.Context, conversationID int64, env Envelope) error
}

// Redirector hands the buyer over to the payment provider.
type Redirector interface {
	Redirect(ctx context.Context, url string) error
}

// RedirectFunc adapts a function to Redirector.
type RedirectFunc func(ctx context.Context, url string) error

func (f RedirectFunc) Redirect(ctx context.Context, url string) error { return f(ctx, url) }

// ============================================================================
// Negotiator
// ============================================================================

// NegotiatorConfig wires a Negotiator to its collaborators.
type NegotiatorConfig struct {
	Offers     OfferService
	Payments   PaymentService
	Channel    Broadcaster
	Redirector Redirector
	Logger     zerolog.Logger

	// OnChange is called after every merge with the offer as stored.
	OnChange func(Offer)
}

// Negotiator owns the offer list of each loaded conversation. It never derives
// a status on its own: every stored offer is what the server returned, or what
// the counterparty broadcast after the server returned it.
type Negotiator struct {
	offers     OfferService
	payments   PaymentService
	channel    Broadcaster
	redirector Redirector
	onChange   func(Offer)
	log        zerolog.Logger

	mu    sync.Mutex
	books map[int64][]Offer
}

// NewNegotiator creates an engine with no loaded conversations.
func NewNegotiator(cfg NegotiatorConfig) *Negotiator {
	return &Negotiator{
		offers:     cfg.Offers,
		payments:   cfg.Payments,
		channel:    cfg.Channel,
		redirector: cfg.Redirector,
		onChange:   cfg.OnChange,
		log:        cfg.Logger.With().Str("component", "offers").Logger(),
		books:      make(map[int64][]Offer),
	}
}

// Load backfills the offer list of a conversation. Offers applied locally
// before the snapshot returned are merged over it.
func (n *Negotiator) Load(ctx context.Context, conversationID int64) ([]Offer, error) {
	snapshot, err := n.offers.List(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load offers: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	merged := append([]Offer(nil), snapshot...)
	local := n.books[conversationID]
	for i := len(local) - 1; i >= 0; i-- {
		merged = MergeOffer(merged, local[i])
	}
	n.books[conversationID] = merged
	return append([]Offer(nil), merged...), nil
}

// Offers returns a copy of a conversation's offer list, newest first.
func (n *Negotiator) Offers(conversationID int64) []Offer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Offer(nil), n.books[conversationID]...)
}

// Offer looks up an offer by id across loaded conversations.
func (n *Negotiator) Offer(offerID int64) (Offer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.findLocked(offerID)
}

// Apply merges an offer reported by the server or the counterparty and returns
// the offer as stored, which differs from the input when it was ignored. An
// offer with an unknown status is never stored; the zero Offer is returned when
// nothing is stored under its id.
func (n *Negotiator) Apply(offer Offer) Offer {
	if !offer.Status.Valid() {
		n.log.Warn().
			Int64("offer_id", offer.ID).
			Str("status", string(offer.Status)).
			Msg("ignoring offer with unknown status")
		n.mu.Lock()
		stored, _ := n.findLocked(offer.ID)
		n.mu.Unlock()
		return stored
	}

	n.mu.Lock()
	list := MergeOffer(n.books[offer.ConversationID], offer)
	n.books[offer.ConversationID] = list
	stored := offer
	for _, o := range list {
		if o.ID == offer.ID {
			stored = o
			break
		}
	}
	n.mu.Unlock()

	if stored.Status != offer.Status {
		n.log.Debug().
			Int64("offer_id", offer.ID).
			Str("stored", string(stored.Status)).
			Str("incoming", string(offer.Status)).
			Msg("ignoring non-terminal update for terminal offer")
	}
	if n.onChange != nil {
		n.onChange(stored)
	}
	return stored
}

// Forget drops the offer list of one conversation.
func (n *Negotiator) Forget(conversationID int64) {
	n.mu.Lock()
	delete(n.books, conversationID)
	n.mu.Unlock()
}

// Reset forgets every loaded conversation.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	n.books = make(map[int64][]Offer)
	n.mu.Unlock()
}

// CreateOffer places an offer as buyerID on the conversation's listing. The
// local list is checked for an open offer by the same buyer first; the server
// enforces the same rule.
func (n *Negotiator) CreateOffer(ctx context.Context, conv Conversation, buyerID int64, amount decimal.Decimal) (*Offer, error) {
	if conv.Listing == nil {
		return nil, ErrNoListing
	}
	if conv.Listing.SellerID != 0 && conv.Listing.SellerID == buyerID {
		return nil, ErrNotBuyer
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	n.mu.Lock()
	for _, o := range n.books[conv.ID] {
		if o.BuyerID == buyerID && o.Status.IsOpen() {
			n.mu.Unlock()
			return nil, fmt.Errorf("%w: offer %d is %s", ErrOfferExists, o.ID, o.Status)
		}
	}
	n.mu.Unlock()

	created, err := n.offers.Create(ctx, conv.ID, amount)
	if err != nil {
		n.log.Warn().Err(err).Int64("conversation_id", conv.ID).Msg("create offer failed")
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if created.ConversationID == 0 {
		created.ConversationID = conv.ID
	}
	stored := n.Apply(*created)
	n.broadcast(ctx, stored)
	return &stored, nil
}

// Respond accepts or declines a pending offer as its seller.
func (n *Negotiator) Respond(ctx context.Context, offerID, sellerID int64, accept bool) (*Offer, error) {
	target := OfferDeclined
	if accept {
		target = OfferAccepted
	}
	offer, err := n.guard(offerID, target)
	if err != nil {
		return nil, err
	}
	if offer.SellerID != sellerID {
		return nil, ErrNotSeller
	}

	updated, err := n.offers.Respond(ctx, offerID, accept)
	if err != nil {
		n.log.Warn().Err(err).Int64("offer_id", offerID).Bool("accept", accept).Msg("respond to offer failed")
		return nil, fmt.Errorf("failed to respond to offer: %w", err)
	}
	return n.commit(ctx, offer, *updated), nil
}

// Cancel withdraws a pending or accepted offer as its buyer.
func (n *Negotiator) Cancel(ctx context.Context, offerID, buyerID int64) (*Offer, error) {
	offer, err := n.guard(offerID, OfferCancelled)
	if err != nil {
		return nil, err
	}
	if offer.BuyerID != buyerID {
		return nil, ErrNotBuyer
	}

	updated, err := n.offers.Cancel(ctx, offerID)
	if err != nil {
		n.log.Warn().Err(err).Int64("offer_id", offerID).Msg("cancel offer failed")
		return nil, fmt.Errorf("failed to cancel offer: %w", err)
	}
	return n.commit(ctx, offer, *updated), nil
}

// Pay requests a checkout session for an accepted offer and redirects the buyer
// to it. The offer status is left alone: PAID only arrives with the payment
// provider's confirmation.
func (n *Negotiator) Pay(ctx context.Context, offerID, buyerID int64, urls ReturnURLs) (*CheckoutSession, error) {
	offer, err := n.guard(offerID, OfferPaid)
	if err != nil {
		return nil, err
	}
	if offer.BuyerID != buyerID {
		return nil, ErrNotBuyer
	}

	sess, err := n.payments.CreateSession(ctx, offerID, urls)
	if err != nil {
		n.log.Warn().Err(err).Int64("offer_id", offerID).Msg("create payment session failed")
		return nil, fmt.Errorf("failed to start payment: %w", err)
	}
	if n.redirector != nil {
		if err := n.redirector.Redirect(ctx, sess.URL); err != nil {
			return sess, fmt.Errorf("failed to redirect to payment: %w", err)
		}
	}
	return sess, nil
}

// guard returns the stored offer when the state machine allows moving it to
// target.
func (n *Negotiator) guard(offerID int64, target OfferStatus) (Offer, error) {
	n.mu.Lock()
	offer, ok := n.findLocked(offerID)
	n.mu.Unlock()
	if !ok {
		return Offer{}, fmt.Errorf("%w: %d", ErrOfferNotFound, offerID)
	}
	if !CanTransition(offer.Status, target) {
		return Offer{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, offer.Status, target)
	}
	return offer, nil
}

func (n *Negotiator) commit(ctx context.Context, prior, updated Offer) *Offer {
	if updated.ConversationID == 0 {
		updated.ConversationID = prior.ConversationID
	}
	stored := n.Apply(updated)
	n.broadcast(ctx, stored)
	return &stored
}

// broadcast is best effort: the REST call already persisted the change.
func (n *Negotiator) broadcast(ctx context.Context, offer Offer) {
	if n.channel == nil {
		return
	}
	if err := n.channel.Send(ctx, offer.ConversationID, EncodeOffer(offer)); err != nil {
		n.log.Debug().Err(err).Int64("offer_id", offer.ID).Msg("offer broadcast not delivered")
	}
}

func (n *Negotiator) findLocked(offerID int64) (Offer, bool) {
	for _, list := range n.books {
		for _, o := range list {
			if o.ID == offerID {
				return o, true
			}
		}
	}
	return Offer{}, false
}
