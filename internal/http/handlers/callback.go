package handlers

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"promptpay/internal/codec"
	"promptpay/internal/config"
	"promptpay/internal/reconcile"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Exact JSON shape of the SCB bill payment callback. amount is documented as
// a decimal string but the sandbox serializes bare numbers, so json.Number
// covers both.
type scbCallback struct {
	TransactionID          string      `json:"transactionId"`
	BillPaymentRef1        string      `json:"billPaymentRef1"`
	BillPaymentRef2        string      `json:"billPaymentRef2"`
	BillPaymentRef3        string      `json:"billPaymentRef3"`
	Amount                 json.Number `json:"amount"`
	TransactionDateAndTime string      `json:"transactionDateandTime"`
}

// resCode is a string, not a number: SCB's protocol, not ours.
type scbAck struct {
	ResCode       string `json:"resCode"`
	ResDesc       string `json:"resDesc"`
	TransactionID string `json:"transactionId"`
}

// Callback is the bank-facing webhook. The path secret is a capability token;
// a wrong secret and a wrong URL are indistinguishable (both 404), and a
// disabled provider hides the same way.
func Callback(cfg config.Cfg, engine *reconcile.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Merchant.Enabled || !secretMatches(chi.URLParam(r, "secret"), cfg.Merchant.CallbackSecret) {
			http.NotFound(w, r)
			return
		}

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}
		var cb scbCallback
		if err := json.Unmarshal(raw, &cb); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(cb.TransactionID) == "" ||
			cb.BillPaymentRef1 == "" || cb.BillPaymentRef2 == "" ||
			cb.Amount == "" || cb.TransactionDateAndTime == "" {
			http.Error(w, "missing required fields", http.StatusBadRequest)
			return
		}

		amount, err := decimal.NewFromString(cb.Amount.String())
		if err != nil {
			http.Error(w, "invalid amount", http.StatusBadRequest)
			return
		}
		orderCode, localID, err := codec.DecodeRef2(cb.BillPaymentRef2)
		if err != nil {
			http.Error(w, "invalid ref2", http.StatusBadRequest)
			return
		}

		ack, err := engine.Process(r.Context(), reconcile.Notification{
			TransactionID:   strings.TrimSpace(cb.TransactionID),
			Ref1:            cb.BillPaymentRef1,
			OrderCode:       orderCode,
			PaymentLocalID:  localID,
			Amount:          amount,
			TransactionDate: cb.TransactionDateAndTime,
			Raw:             raw,
		})
		switch {
		case err == nil:
		case errors.Is(err, reconcile.ErrInFlight),
			errors.Is(err, reconcile.ErrNoMatch),
			errors.Is(err, reconcile.ErrMerchantMismatch),
			errors.Is(err, reconcile.ErrUnknownOrder):
			http.Error(w, "transaction rejected", http.StatusBadRequest)
			return
		default:
			// Storage failures and bind-retry exhaustion: let the bank's own
			// retry policy take over.
			log.Error().Err(err).Str("transaction_id", cb.TransactionID).Msg("callback processing failed")
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(scbAck{
			ResCode:       "00",
			ResDesc:       "success",
			TransactionID: ack.TransactionID,
		})
	}
}

func secretMatches(got, want string) bool {
	g := sha256.Sum256([]byte(got))
	e := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(g[:], e[:]) == 1
}
