package httpx

import (
	"encoding/json"
	"net/http"

	"promptpay/internal/config"
	"promptpay/internal/http/handlers"
	middlewarex "promptpay/internal/http/middleware"
	"promptpay/internal/order"
	"promptpay/internal/reconcile"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

// RouterDependencies holds everything the HTTP surface needs.
type RouterDependencies struct {
	Config config.Cfg
	Engine *reconcile.Engine
	Orders order.Service
	QR     handlers.QRCreator
	Redis  *redis.Client // nil disables rate limiting
}

func NewRouter(deps RouterDependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Route("/promptpay", func(r chi.Router) {
		r.Use(middlewarex.RateLimit(deps.Redis, deps.Config.Sec.RateLimitPerMin))

		// Bank-facing webhook, routed by ref3 prefix on SCB's side.
		r.Post("/callback/{secret}", handlers.Callback(deps.Config, deps.Engine))

		// Customer-facing views, capability-keyed by the order secret.
		r.Route("/order/{code}/{secret}/pay/{payment}", func(r chi.Router) {
			r.Get("/state", handlers.PaymentState(deps.Config, deps.Orders))
			r.Get("/qr", handlers.ShowQR(deps.Config, deps.Orders, deps.QR))
		})
	})

	return r
}
