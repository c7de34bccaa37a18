package scb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"promptpay/internal/config"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*httptest.Server, *int, *int) {
	t.Helper()
	tokenCalls, qrCalls := 0, 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		assert.Equal(t, "app-key", r.Header.Get("resourceOwnerId"))
		assert.NotEmpty(t, r.Header.Get("requestUId"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "app-secret", body["applicationSecret"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]any{"code": 1000, "description": "Success"},
			"data":   map[string]any{"accessToken": "tok-1", "expiresIn": 1800},
		})
	})
	mux.HandleFunc("/v1/payment/qrcode/create", func(w http.ResponseWriter, r *http.Request) {
		qrCalls++
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "PP", body["qrType"])
		assert.Equal(t, "BILLERID", body["ppType"])
		assert.Equal(t, "010555500001", body["ppId"])
		assert.Equal(t, "450.00", body["amount"])
		assert.Equal(t, "PRETIXDEMOCON", body["ref1"])
		assert.Equal(t, "ABC123P1", body["ref2"])
		assert.Equal(t, "SCB1", body["ref3"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]any{"code": 1000, "description": "Success"},
			"data":   map[string]any{"qrImage": "R0lGODdh"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenCalls, &qrCalls
}

func testClient(srv *httptest.Server) *Client {
	return New(config.SCBCfg{
		APIURL:            srv.URL,
		ApplicationKey:    "app-key",
		ApplicationSecret: "app-secret",
		BillerID:          "010555500001",
	})
}

func TestCreateQRReusesCachedToken(t *testing.T) {
	srv, tokenCalls, qrCalls := newTestAPI(t)
	c := testClient(srv)

	for i := 0; i < 3; i++ {
		img, err := c.CreateQR(context.Background(), decimal.NewFromInt(450), "PRETIXDEMOCON", "ABC123P1", "SCB1")
		require.NoError(t, err)
		assert.Equal(t, "R0lGODdh", img)
	}
	assert.Equal(t, 1, *tokenCalls, "token must be fetched once and cached")
	assert.Equal(t, 3, *qrCalls)
}

func TestTokenRefreshedAfterExpiry(t *testing.T) {
	srv, tokenCalls, _ := newTestAPI(t)
	c := testClient(srv)

	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.CreateQR(context.Background(), decimal.NewFromInt(450), "PRETIXDEMOCON", "ABC123P1", "SCB1")
	require.NoError(t, err)
	require.Equal(t, 1, *tokenCalls)

	// Within the validity window the cached token is reused.
	now = now.Add(10 * time.Minute)
	_, err = c.CreateQR(context.Background(), decimal.NewFromInt(450), "PRETIXDEMOCON", "ABC123P1", "SCB1")
	require.NoError(t, err)
	assert.Equal(t, 1, *tokenCalls)

	// Past expiry (1800s minus slack) the read triggers a refresh.
	now = now.Add(25 * time.Minute)
	_, err = c.CreateQR(context.Background(), decimal.NewFromInt(450), "PRETIXDEMOCON", "ABC123P1", "SCB1")
	require.NoError(t, err)
	assert.Equal(t, 2, *tokenCalls)
}

func TestCreateQRAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	c := testClient(srv)

	_, err := c.CreateQR(context.Background(), decimal.NewFromInt(450), "PRETIXDEMOCON", "ABC123P1", "SCB1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scb auth failed")
}
