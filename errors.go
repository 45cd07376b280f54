package wanthave

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotConnected is returned by Transport.Send when the channel is not open
	// or is bound to a different conversation.
	ErrNotConnected = errors.New("wanthave: channel not open")
	// ErrSuperseded is returned by Transport.Connect when a newer Connect or a
	// Disconnect replaced the attempt while it was dialing.
	ErrSuperseded = errors.New("wanthave: channel attempt superseded")

	ErrUnknownEnvelope   = errors.New("wanthave: unknown envelope type")
	ErrMalformedEnvelope = errors.New("wanthave: malformed envelope")

	ErrNotBuyer          = errors.New("wanthave: only the buyer can do this")
	ErrNotSeller         = errors.New("wanthave: only the seller can do this")
	ErrOfferExists       = errors.New("wanthave: an open offer already exists for this conversation")
	ErrInvalidTransition = errors.New("wanthave: offer status does not allow this action")
	ErrOfferNotFound     = errors.New("wanthave: offer not found")
	ErrInvalidAmount     = errors.New("wanthave: offer amount must be positive")
	ErrNoListing         = errors.New("wanthave: conversation has no listing to make an offer on")

	ErrNoConversation   = errors.New("wanthave: no conversation selected")
	ErrNotAuthenticated = errors.New("wanthave: session is not authenticated")
	ErrInvalidSignature = errors.New("wanthave: invalid signature")
)

// APIError is a non-2xx response from the marketplace backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// apiErrorBody matches the two error shapes the backend emits:
// {"error": "..."} from custom actions and {"detail": "..."} from the framework.
type apiErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

func newAPIError(status int, body *apiErrorBody, raw []byte) *APIError {
	e := &APIError{Status: status}
	if body != nil {
		e.Code = body.Code
		e.Message = body.Error
		if e.Message == "" {
			e.Message = body.Detail
		}
	}
	if e.Message == "" && len(raw) > 0 && len(raw) < 512 {
		e.Message = strings.TrimSpace(string(raw))
	}
	return e
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
