// Package wanthave is the Go client core for the wantHave marketplace's
// conversation and offer-negotiation layer.
//
// It covers the REST collaborators (conversations, history, offers, payment,
// unread summary), the per-conversation live channel, and a Session that merges
// both into one consistent view.
//
// Example:
//
//	client := wanthave.NewClient(wanthave.WithBaseURL("https://wanthave.example"), wanthave.WithToken(token))
//
//	convs, _ := client.Conversations.List(ctx)
//	offers, _ := client.Offers.List(ctx, convs[0].ID)
//
//	session, _ := wanthave.NewSession(client, nil)
//	session.Login(ctx)
//	session.Enter(ctx, &wanthave.Intent{ConversationID: 42})
package wanthave

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second

	chatAPI = "/api/chat"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the marketplace backend. The sub-clients are safe for
// concurrent use once the client is constructed.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
	rc         *resty.Client

	Conversations *ConversationsClient
	Offers        *OffersClient
	Payments      *PaymentsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new marketplace client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient != nil {
		c.rc = resty.NewWithClient(c.httpClient)
	} else {
		c.rc = resty.New()
	}
	c.rc.SetBaseURL(c.baseURL).
		SetTimeout(c.timeout).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{c.logger.With().Str("component", "rest").Logger()})
	if c.token != "" {
		c.rc.SetAuthToken(c.token)
	}

	c.Conversations = &ConversationsClient{client: c}
	c.Offers = &OffersClient{client: c}
	c.Payments = &PaymentsClient{client: c}
	return c
}

// SetToken sets or replaces the bearer token used for REST and channel requests.
func (c *Client) SetToken(token string) {
	c.token = token
	c.rc.SetAuthToken(token)
}

// Token returns the bearer token currently in use.
func (c *Client) Token() string { return c.token }

// BaseURL returns the backend origin the client was configured with.
func (c *Client) BaseURL() string { return c.baseURL }

// Logger returns the client's logger.
func (c *Client) Logger() zerolog.Logger { return c.logger }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string, result any) error {
	req := c.rc.R().
		SetContext(ctx).
		SetError(&apiErrorBody{})
	if body != nil {
		req.SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if result != nil {
		req.SetResult(result).ForceContentType("application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		body, _ := resp.Error().(*apiErrorBody)
		return newAPIError(resp.StatusCode(), body, resp.Body())
	}
	return nil
}

func idPath(parts ...any) string {
	var b strings.Builder
	b.WriteString(chatAPI)
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(fmt.Sprint(p))
	}
	b.WriteByte('/')
	return b.String()
}

// restyLogger routes resty's internal warnings into zerolog.
type restyLogger struct{ log zerolog.Logger }

func (l restyLogger) Errorf(format string, v ...any) { l.log.Error().Msgf(format, v...) }
func (l restyLogger) Warnf(format string, v ...any)  { l.log.Warn().Msgf(format, v...) }
func (l restyLogger) Debugf(format string, v ...any) { l.log.Debug().Msgf(format, v...) }

// ============================================================================
// Sub-Clients
// ============================================================================

// ConversationsClient covers conversation lifecycle, history backfill and the
// unread summary.
type ConversationsClient struct{ client *Client }

// List returns every conversation of the current user, most recent activity first.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := cv.client.do(ctx, http.MethodGet, idPath("conversations"), nil, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// Start returns the conversation with counterpartyID, scoped to listingID when
// non-zero, creating it if none exists yet.
func (cv *ConversationsClient) Start(ctx context.Context, counterpartyID, listingID int64) (*Conversation, error) {
	payload := map[string]any{"user_id": counterpartyID}
	if listingID != 0 {
		payload["product_id"] = listingID
	}
	var conv Conversation
	if err := cv.client.do(ctx, http.MethodPost, idPath("conversations"), payload, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Remove deletes a conversation on the server.
func (cv *ConversationsClient) Remove(ctx context.Context, conversationID int64) error {
	return cv.client.do(ctx, http.MethodDelete, idPath("conversations", conversationID), nil, nil, nil)
}

// Messages returns the message history of a conversation, oldest first.
func (cv *ConversationsClient) Messages(ctx context.Context, conversationID int64) ([]Message, error) {
	var msgs []Message
	if err := cv.client.do(ctx, http.MethodGet, idPath("conversations", conversationID, "messages"), nil, nil, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ConversationID == 0 {
			msgs[i].ConversationID = conversationID
		}
	}
	return msgs, nil
}

// MarkRead marks the counterparty's messages in a conversation as read.
func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID int64) error {
	return cv.client.do(ctx, http.MethodPost, idPath("conversations", conversationID, "mark_read"), nil, nil, nil)
}

// UnreadCount returns the number of unread messages across all conversations.
func (cv *ConversationsClient) UnreadCount(ctx context.Context) (*UnreadSummary, error) {
	var sum UnreadSummary
	if err := cv.client.do(ctx, http.MethodGet, idPath("conversations", "unread_count"), nil, nil, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// OffersClient persists offers. Every mutation returns the canonical offer.
type OffersClient struct{ client *Client }

// List returns the offers of a conversation visible to the current user, newest first.
func (o *OffersClient) List(ctx context.Context, conversationID int64) ([]Offer, error) {
	var offers []Offer
	query := map[string]string{"conversation_id": strconv.FormatInt(conversationID, 10)}
	if err := o.client.do(ctx, http.MethodGet, idPath("offers", "by_conversation"), nil, query, &offers); err != nil {
		return nil, err
	}
	return offers, nil
}

// Create places a new offer as the buyer of a conversation's listing.
func (o *OffersClient) Create(ctx context.Context, conversationID int64, amount decimal.Decimal) (*Offer, error) {
	payload := map[string]any{
		"conversation_id": conversationID,
		"amount":          amount.StringFixed(2),
	}
	var offer Offer
	if err := o.client.do(ctx, http.MethodPost, idPath("offers"), payload, nil, &offer); err != nil {
		return nil, err
	}
	return &offer, nil
}

// Respond accepts or declines a pending offer as the seller.
func (o *OffersClient) Respond(ctx context.Context, offerID int64, accept bool) (*Offer, error) {
	status := OfferDeclined
	if accept {
		status = OfferAccepted
	}
	return o.setStatus(ctx, offerID, status)
}

// Cancel withdraws an offer as the buyer.
func (o *OffersClient) Cancel(ctx context.Context, offerID int64) (*Offer, error) {
	return o.setStatus(ctx, offerID, OfferCancelled)
}

func (o *OffersClient) setStatus(ctx context.Context, offerID int64, status OfferStatus) (*Offer, error) {
	var offer Offer
	payload := map[string]string{"status": string(status)}
	if err := o.client.do(ctx, http.MethodPatch, idPath("offers", offerID), payload, nil, &offer); err != nil {
		return nil, err
	}
	return &offer, nil
}

// PaymentsClient requests checkout sessions for accepted offers.
type PaymentsClient struct{ client *Client }

// CreateSession asks the payment collaborator for a checkout URL scoped to offerID.
func (p *PaymentsClient) CreateSession(ctx context.Context, offerID int64, urls ReturnURLs) (*CheckoutSession, error) {
	var sess CheckoutSession
	if err := p.client.do(ctx, http.MethodPost, idPath("offers", offerID, "payment"), urls, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}
