package wanthave

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-payment-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestConfirmation() map[string]any {
	return map[string]any{
		"event":    "offer.paid",
		"order_id": 900,
		"offer": map[string]any{
			"id":           1,
			"conversation": 42,
			"product":      7,
			"buyer":        10,
			"seller":       20,
			"amount":       "50.00",
			"status":       "PAID",
			"created_at":   "2026-01-01T00:00:00Z",
		},
	}
}

func makeTestConfirmationString() string {
	b, _ := json.Marshal(makeTestConfirmation())
	return string(b)
}

// ============================================================================
// VerifyPaymentSignature
// ============================================================================

func TestVerifyPaymentSignature(t *testing.T) {
	body := makeTestConfirmationString()

	t.Run("valid signature", func(t *testing.T) {
		if !VerifyPaymentSignature(body, makeTestSignature(body, testSecret), testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		if !VerifyPaymentSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		if VerifyPaymentSignature(body, "sha256="+strings.Repeat("0", 64), testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if VerifyPaymentSignature(body, makeTestSignature(body, "wrong-secret"), testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		if VerifyPaymentSignature(body+"tampered", makeTestSignature(body, testSecret), testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyPaymentSignature("", "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifyPaymentSignature("body", "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifyPaymentSignature("body", "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
		if VerifyPaymentSignature("body", "sha256=", testSecret) {
			t.Fatal("expected false for sha256= prefix only")
		}
	})
}

// ============================================================================
// ParsePaymentConfirmation
// ============================================================================

func TestParsePaymentConfirmation(t *testing.T) {
	t.Run("valid confirmation", func(t *testing.T) {
		c, err := ParsePaymentConfirmation(makeTestConfirmationString())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.Offer.ID != 1 || c.Offer.ConversationID != 42 {
			t.Fatalf("unexpected offer: %+v", c.Offer)
		}
		if c.Offer.Status != OfferPaid {
			t.Fatalf("expected PAID, got %s", c.Offer.Status)
		}
		if c.Offer.Amount.StringFixed(2) != "50.00" {
			t.Fatalf("unexpected amount %s", c.Offer.Amount)
		}
		if c.OrderID != 900 {
			t.Fatalf("expected order 900, got %d", c.OrderID)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParsePaymentConfirmation("not json"); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		data := makeTestConfirmation()
		data["event"] = "offer.refunded"
		b, _ := json.Marshal(data)
		_, err := ParsePaymentConfirmation(string(b))
		if err == nil || !strings.Contains(err.Error(), "unknown payment event") {
			t.Fatalf("expected unknown event error, got: %v", err)
		}
	})

	t.Run("offer not paid", func(t *testing.T) {
		data := makeTestConfirmation()
		data["offer"].(map[string]any)["status"] = "ACCEPTED"
		b, _ := json.Marshal(data)
		if _, err := ParsePaymentConfirmation(string(b)); err == nil {
			t.Fatal("expected error for non-PAID offer")
		}
	})

	t.Run("missing offer id", func(t *testing.T) {
		data := makeTestConfirmation()
		delete(data["offer"].(map[string]any), "id")
		b, _ := json.Marshal(data)
		if _, err := ParsePaymentConfirmation(string(b)); err == nil {
			t.Fatal("expected error for missing offer id")
		}
	})
}

// ============================================================================
// PaymentConfirmations
// ============================================================================

func TestNewPaymentConfirmations(t *testing.T) {
	if _, err := NewPaymentConfirmations("", func(Offer) {}); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewPaymentConfirmations(testSecret, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
	if pc, err := NewPaymentConfirmations(testSecret, func(Offer) {}); err != nil || pc == nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPaymentConfirmationsHandle(t *testing.T) {
	t.Run("invalid signature", func(t *testing.T) {
		called := false
		pc, _ := NewPaymentConfirmations(testSecret, func(Offer) { called = true })
		status, data := pc.Handle(makeTestConfirmationString(), "sha256=bad")
		if status != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", status)
		}
		if data.(map[string]string)["error"] != "Invalid signature" {
			t.Fatalf("unexpected body: %v", data)
		}
		if called {
			t.Fatal("handler must not run for a bad signature")
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		pc, _ := NewPaymentConfirmations(testSecret, func(Offer) {})
		body := `{"event": "offer.paid"}`
		status, _ := pc.Handle(body, makeTestSignature(body, testSecret))
		if status != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("success", func(t *testing.T) {
		var received Offer
		pc, _ := NewPaymentConfirmations(testSecret, func(o Offer) { received = o })
		body := makeTestConfirmationString()
		status, data := pc.Handle(body, makeTestSignature(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		if !data.(map[string]bool)["ok"] {
			t.Fatal("expected ok:true")
		}
		if received.ID != 1 || received.Status != OfferPaid {
			t.Fatalf("unexpected offer passed to handler: %+v", received)
		}
	})
}

func TestPaymentConfirmationsHTTPHandler(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		pc, _ := NewPaymentConfirmations(testSecret, func(Offer) {})
		w := httptest.NewRecorder()
		pc.HTTPHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/payments/confirm", nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		pc, _ := NewPaymentConfirmations(testSecret, func(Offer) {})
		req := httptest.NewRequest(http.MethodPost, "/payments/confirm", strings.NewReader(makeTestConfirmationString()))
		req.Header.Set(SignatureHeader, "sha256=bad")
		w := httptest.NewRecorder()
		pc.HTTPHandler().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("valid returns 200", func(t *testing.T) {
		var received Offer
		pc, _ := NewPaymentConfirmations(testSecret, func(o Offer) { received = o })
		body := makeTestConfirmationString()
		req := httptest.NewRequest(http.MethodPost, "/payments/confirm", strings.NewReader(body))
		req.Header.Set(SignatureHeader, makeTestSignature(body, testSecret))
		w := httptest.NewRecorder()
		pc.HTTPHandler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("unexpected content type %q", ct)
		}

		var result map[string]any
		json.NewDecoder(w.Body).Decode(&result)
		if result["ok"] != true {
			t.Fatal("expected ok:true")
		}
		if received.ID != 1 {
			t.Fatalf("expected offer 1, got %d", received.ID)
		}
	})
}
