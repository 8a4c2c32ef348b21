package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lipalink/lipalink/internal/config"
	"github.com/lipalink/lipalink/internal/logging"
)

const testSecretKey = "sk_test_secret"

// fakeGateway mimics the Paystack API surface the server talks to.
func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ref, ok := strings.CutPrefix(r.URL.Path, "/transaction/verify/"); ok {
			fmt.Fprintf(w, `{"status":true,"message":"ok","data":{"reference":"%s","status":"success","amount":150000,"currency":"KES"}}`, ref)
			return
		}
		switch r.URL.Path {
		case "/transaction/initialize":
			var req struct {
				Reference string `json:"reference"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			fmt.Fprintf(w, `{"status":true,"message":"ok","data":{"authorization_url":"https://pay.test/%s","access_code":"ac_test","reference":"%s"}}`,
				req.Reference, req.Reference)
		case "/refund":
			fmt.Fprint(w, `{"status":true,"message":"ok","data":{"status":"pending","id":42}}`)
		case "/transfer":
			fmt.Fprint(w, `{"status":true,"message":"ok","data":{"transfer_code":"TRF_test","status":"pending"}}`)
		case "/transferrecipient":
			fmt.Fprint(w, `{"status":true,"message":"ok","data":{"recipient_code":"RCP_test"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"status":false,"message":"unknown path"}`)
		}
	}))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	gw := fakeGateway(t)
	t.Cleanup(gw.Close)

	cfg := &config.Config{
		Port:                "0",
		Env:                 "test",
		LogLevel:            "error",
		LogFormat:           "text",
		PaystackSecretKey:   testSecretKey,
		PaystackBaseURL:     gw.URL,
		GatewayTimeout:      2 * time.Second,
		Currency:            "KES",
		AutoReleaseAfter:    24 * time.Hour,
		SweepInterval:       time.Minute,
		PayoutMaxRetries:    3,
		PayoutRetryInterval: 5 * time.Minute,
		ReconcileInterval:   15 * time.Minute,
	}

	srv, err := New(cfg, WithLogger(logging.New("error", "text")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if srv.rateLimiter != nil {
			srv.rateLimiter.Stop()
		}
	})
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.([]byte); ok {
			buf.Write(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func signBody(body []byte) string {
	mac := hmac.New(sha512.New, []byte(testSecretKey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", w.Code)
	}
	if got := decode(t, w)["status"]; got != "healthy" {
		t.Errorf("status = %v, want healthy", got)
	}

	w = doJSON(t, srv, http.MethodGet, "/health/live", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("liveness status = %d, want 200", w.Code)
	}

	// Readiness flips only once Run has started.
	w = doJSON(t, srv, http.MethodGet, "/health/ready", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readiness before Run = %d, want 503", w.Code)
	}
}

func TestCheckoutToBalanceFlow(t *testing.T) {
	srv := newTestServer(t)

	// Seller publishes a link.
	w := doJSON(t, srv, http.MethodPost, "/v1/links", map[string]any{
		"sellerId": "sel_1",
		"title":    "Ankara dress",
		"amount":   "1500.00",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create link status = %d: %s", w.Code, w.Body.String())
	}
	linkID := decode(t, w)["link"].(map[string]any)["id"].(string)

	// Buyer checks out.
	w = doJSON(t, srv, http.MethodPost, "/v1/links/"+linkID+"/checkout", map[string]any{
		"email": "buyer@example.com",
		"phone": "+254700000001",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("checkout status = %d: %s", w.Code, w.Body.String())
	}
	checkout := decode(t, w)["checkout"].(map[string]any)
	reference := checkout["reference"].(string)
	if reference == "" {
		t.Fatal("checkout returned empty reference")
	}
	if checkout["authorizationUrl"].(string) == "" {
		t.Fatal("checkout returned empty authorization URL")
	}

	// Nothing is held until the gateway confirms the charge.
	w = doJSON(t, srv, http.MethodGet, "/v1/sellers/sel_1/balance", nil, nil)
	balance := decode(t, w)["balance"].(map[string]any)
	if got := balance["pendingEscrow"].(float64); got != 0 {
		t.Fatalf("pendingEscrow before webhook = %v, want 0", got)
	}

	// Gateway delivers the signed charge.success event.
	event := []byte(fmt.Sprintf(`{"event":"charge.success","data":{"reference":"%s","status":"success"}}`, reference))
	w = doJSON(t, srv, http.MethodPost, "/v1/webhooks/paystack", event, map[string]string{
		"x-paystack-signature": signBody(event),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("webhook status = %d: %s", w.Code, w.Body.String())
	}

	// Funds are now held in escrow and the link shows paid.
	w = doJSON(t, srv, http.MethodGet, "/v1/sellers/sel_1/balance", nil, nil)
	balance = decode(t, w)["balance"].(map[string]any)
	if got := balance["pendingEscrow"].(float64); got != 150000 {
		t.Fatalf("pendingEscrow after webhook = %v, want 150000", got)
	}

	w = doJSON(t, srv, http.MethodGet, "/v1/links/"+linkID, nil, nil)
	if got := decode(t, w)["link"].(map[string]any)["status"]; got != "paid" {
		t.Errorf("link status = %v, want paid", got)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t)

	event := []byte(`{"event":"charge.success","data":{"reference":"chg_x"}}`)
	w := doJSON(t, srv, http.MethodPost, "/v1/webhooks/paystack", event, map[string]string{
		"x-paystack-signature": "deadbeef",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestWebhookSubscriptionValidatesURL(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/sellers/sel_1/webhooks", map[string]any{
		"url": "http://169.254.169.254/latest/meta-data",
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestInfoEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := decode(t, w)["currency"]; got != "KES" {
		t.Errorf("currency = %v, want KES", got)
	}
}
