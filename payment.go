package wanthave

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Payment Confirmation Types
// ============================================================================

// SignatureHeader carries the HMAC-SHA256 signature of a payment confirmation.
const SignatureHeader = "X-Wanthave-Signature"

// EventOfferPaid is the only confirmation event the receiver accepts.
const EventOfferPaid = "offer.paid"

// PaymentConfirmation is the payment collaborator's callback once checkout
// completed.
type PaymentConfirmation struct {
	Event   string `json:"event"`
	OrderID int64  `json:"order_id,omitempty"`
	Offer   Offer  `json:"offer"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyPaymentSignature verifies a payment confirmation signature using
// HMAC-SHA256. The "sha256=" prefix is optional. Uses constant-time comparison.
func VerifyPaymentSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParsePaymentConfirmation parses a raw callback body. Only offer.paid events
// for a PAID offer are accepted.
func ParsePaymentConfirmation(body string) (*PaymentConfirmation, error) {
	var c PaymentConfirmation
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("invalid JSON in payment confirmation: %w", err)
	}
	if c.Event != EventOfferPaid {
		return nil, fmt.Errorf("unknown payment event: %q", c.Event)
	}
	if c.Offer.ID == 0 || c.Offer.ConversationID == 0 {
		return nil, fmt.Errorf("missing offer id or conversation in payment confirmation")
	}
	if c.Offer.Status != OfferPaid {
		return nil, fmt.Errorf("payment confirmation carries offer status %s", c.Offer.Status)
	}
	return &c, nil
}

// ============================================================================
// PaymentConfirmations
// ============================================================================

// PaymentConfirmations receives signed payment callbacks and hands the paid
// offer to onPaid. It is the only path by which an offer becomes PAID locally.
type PaymentConfirmations struct {
	secret string
	onPaid func(Offer)
}

// NewPaymentConfirmations creates a receiver.
func NewPaymentConfirmations(secret string, onPaid func(Offer)) (*PaymentConfirmations, error) {
	if secret == "" {
		return nil, fmt.Errorf("payment confirmation secret is required")
	}
	if onPaid == nil {
		return nil, fmt.Errorf("payment confirmation handler is required")
	}
	return &PaymentConfirmations{secret: secret, onPaid: onPaid}, nil
}

// Handle verifies, parses and dispatches one callback. Returns the status code
// and response body for the caller to write.
func (p *PaymentConfirmations) Handle(body, signature string) (int, any) {
	if !VerifyPaymentSignature(body, signature, p.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	c, err := ParsePaymentConfirmation(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	p.onPaid(c.Offer)
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes confirmation requests.
//
// Example:
//
//	pc, _ := session.PaymentConfirmations("secret")
//	http.Handle("/payments/confirm", pc.HTTPHandler())
func (p *PaymentConfirmations) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		status, data := p.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, status, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
