// Package scb is a minimal client for the SCB partner API: OAuth token fetch
// with an expiry-checked cache, and PromptPay QR creation.
package scb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"promptpay/internal/config"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// tokenSlack refreshes tokens this long before their actual expiry so an
// in-flight request never rides a token that dies mid-call.
const tokenSlack = 30 * time.Second

type Client struct {
	cfg  config.SCBCfg
	http *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
	now      func() time.Time // test hook
}

func New(cfg config.SCBCfg) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 15 * time.Second},
		now:  time.Now,
	}
}

type apiStatus struct {
	Code        json.Number `json:"code"`
	Description string      `json:"description"`
}

// accessToken returns the cached token, fetching a fresh one when the cache is
// empty or past its expiry. Expiry is checked on read; there is no background
// refresh state.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"applicationKey":    c.cfg.ApplicationKey,
		"applicationSecret": c.cfg.ApplicationSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"/v1/oauth/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.setHeaders(req)

	res, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("scb auth failed: %s; body=%s", res.Status, string(b))
	}

	var out struct {
		Status apiStatus `json:"status"`
		Data   struct {
			AccessToken string `json:"accessToken"`
			ExpiresIn   int64  `json:"expiresIn"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Data.AccessToken == "" {
		return "", fmt.Errorf("scb auth failed: %s", out.Status.Description)
	}

	c.token = out.Data.AccessToken
	c.tokenExp = c.now().Add(time.Duration(out.Data.ExpiresIn)*time.Second - tokenSlack)
	return c.token, nil
}

// CreateQR requests a PromptPay Bill Payment QR for the given amount and
// merchant references, returning the base64-encoded QR image (a GIF).
func (c *Client) CreateQR(ctx context.Context, amount decimal.Decimal, ref1, ref2, ref3 string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	body, _ := json.Marshal(map[string]string{
		"qrType": "PP",
		"ppType": "BILLERID",
		"ppId":   c.cfg.BillerID,
		"amount": amount.StringFixed(2),
		"ref1":   ref1,
		"ref2":   ref2,
		"ref3":   ref3,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"/v1/payment/qrcode/create", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.setHeaders(req)
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("scb qr create failed: %s; body=%s", res.Status, string(b))
	}

	var out struct {
		Status apiStatus `json:"status"`
		Data   struct {
			QRImage string `json:"qrImage"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Data.QRImage == "" {
		return "", fmt.Errorf("scb qr create failed: %s", out.Status.Description)
	}
	return out.Data.QRImage, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("resourceOwnerId", c.cfg.ApplicationKey)
	req.Header.Set("requestUId", uuid.NewString())
	req.Header.Set("accept-language", "EN")
}
