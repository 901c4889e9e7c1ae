package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the DMTP admin API.
//
// Route layout:
//
//	GET  /healthz                                                    – liveness probe (no authentication required)
//	GET  /api/v1/accounts/{accountID}                                – fetch an account
//	PUT  /api/v1/accounts/{accountID}                                – create or replace an account
//	GET  /api/v1/devices/{accountID}/{deviceID}                      – fetch a device and its policy limits
//	PUT  /api/v1/devices/{accountID}/{deviceID}                      – create or update a device
//	GET  /api/v1/devices/{accountID}/{deviceID}/templates/{customType} – fetch a negotiated template
//	PUT  /api/v1/devices/{accountID}/{deviceID}/templates/{customType} – register or replace a template
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes.  Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/accounts/{accountID}", srv.handleGetAccount)
		r.Put("/accounts/{accountID}", srv.handlePutAccount)

		r.Get("/devices/{accountID}/{deviceID}", srv.handleGetDevice)
		r.Put("/devices/{accountID}/{deviceID}", srv.handlePutDevice)

		r.Get("/devices/{accountID}/{deviceID}/templates/{customType}", srv.handleGetTemplate)
		r.Put("/devices/{accountID}/{deviceID}/templates/{customType}", srv.handlePutTemplate)
	})

	return r
}
