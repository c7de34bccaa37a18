package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"promptpay/internal/codec"
	"promptpay/internal/config"
	"promptpay/internal/order"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// QRCreator is the slice of the SCB client the QR view needs.
type QRCreator interface {
	CreateQR(ctx context.Context, amount decimal.Decimal, ref1, ref2, ref3 string) (string, error)
}

type stateResponse struct {
	State      order.PaymentState `json:"state"`
	RedirectTo *string            `json:"redirectTo"`
}

type qrResponse struct {
	State      order.PaymentState `json:"state"`
	QRDataURL  string             `json:"qrDataUrl,omitempty"`
	RedirectTo *string            `json:"redirectTo,omitempty"`
}

// PaymentState is the polling endpoint behind the QR page: the client asks
// until the payment confirms, then follows redirectTo.
func PaymentState(cfg config.Cfg, orders order.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, p, ok := resolvePayment(w, r, orders)
		if !ok {
			return
		}
		writeJSON(w, stateResponse{State: p.State, RedirectTo: redirectHint(cfg, o, p)})
	}
}

// ShowQR returns the payment's QR as a GIF data URL, creating it through the
// SCB API on first access and persisting it in the payment info blob. A
// confirmed payment gets a redirect hint instead; a payment whose QR cannot
// be produced is failed and sent back to the order page.
func ShowQR(cfg config.Cfg, orders order.Service, qr QRCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, p, ok := resolvePayment(w, r, orders)
		if !ok {
			return
		}
		if p.State == order.PaymentConfirmed {
			writeJSON(w, qrResponse{State: p.State, RedirectTo: redirectHint(cfg, o, p)})
			return
		}

		img := qrImageFromInfo(p.Info)
		if img == "" {
			var err error
			img, err = qr.CreateQR(r.Context(),
				p.Amount,
				codec.EncodeRef1(cfg.Merchant.Ref1Prefix, cfg.Merchant.EventSlug),
				codec.EncodeRef2(o.Code, p.LocalID),
				cfg.Merchant.Ref3Prefix,
			)
			if err != nil {
				log.Error().Err(err).Str("order", o.Code).Int64("payment", p.LocalID).Msg("qr creation failed")
				_ = orders.FailPayment(r.Context(), p.ID)
				u := orderURL(cfg, o)
				writeJSON(w, qrResponse{State: order.PaymentFailed, RedirectTo: &u})
				return
			}
			info, _ := json.Marshal(map[string]string{"qr_image": img})
			if err := orders.SetPaymentInfo(r.Context(), p.ID, info); err != nil {
				http.Error(w, "db error", http.StatusInternalServerError)
				return
			}
		}

		// SCB QR images are GIF files.
		writeJSON(w, qrResponse{State: p.State, QRDataURL: "data:image/gif;base64," + img})
	}
}

// resolvePayment authorizes the request against the order's capability secret
// and loads the payment. Every rejection is a uniform 404; storage failures
// stay 5xx.
func resolvePayment(w http.ResponseWriter, r *http.Request, orders order.Service) (order.Order, order.Payment, bool) {
	o, err := orders.FindOrder(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		if !errors.Is(err, order.ErrNotFound) {
			http.Error(w, "db error", http.StatusInternalServerError)
			return order.Order{}, order.Payment{}, false
		}
		http.NotFound(w, r)
		return order.Order{}, order.Payment{}, false
	}
	if !secretMatches(chi.URLParam(r, "secret"), o.Secret) {
		http.NotFound(w, r)
		return order.Order{}, order.Payment{}, false
	}
	localID, err := strconv.ParseInt(chi.URLParam(r, "payment"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return order.Order{}, order.Payment{}, false
	}
	p, err := orders.FindPayment(r.Context(), o.ID, localID)
	if err != nil {
		if !errors.Is(err, order.ErrNotFound) {
			http.Error(w, "db error", http.StatusInternalServerError)
			return order.Order{}, order.Payment{}, false
		}
		http.NotFound(w, r)
		return order.Order{}, order.Payment{}, false
	}
	if p.Provider != order.Provider {
		http.NotFound(w, r)
		return order.Order{}, order.Payment{}, false
	}
	return o, p, true
}

// redirectHint computes the client navigation target for a confirmed payment:
// the order fully paid means "paid", a confirmed partial payment means
// "thanks", anything else means keep polling.
func redirectHint(cfg config.Cfg, o order.Order, p order.Payment) *string {
	if p.State != order.PaymentConfirmed {
		return nil
	}
	u := orderURL(cfg, o)
	if o.Status == order.StatusPaid {
		u += "?paid=yes"
	} else {
		u += "?thanks=yes"
	}
	return &u
}

func orderURL(cfg config.Cfg, o order.Order) string {
	return fmt.Sprintf("%s/%s/order/%s/%s/", cfg.App.BaseURL, cfg.Merchant.EventSlug, o.Code, o.Secret)
}

func qrImageFromInfo(info json.RawMessage) string {
	if len(info) == 0 {
		return ""
	}
	var m struct {
		QRImage string `json:"qr_image"`
	}
	if err := json.Unmarshal(info, &m); err != nil {
		return ""
	}
	return m.QRImage
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
