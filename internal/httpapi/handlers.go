package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"ptw.org/internal/audit"
	"ptw.org/internal/auth"
	"ptw.org/internal/obs"
	"ptw.org/internal/permit"
)

const serviceName = "ptw-api"

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks whether the backing store answers.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	auth    *auth.Service
	permits *permit.Service
	audit   *audit.Recorder
	ready   ReadyProbe
	version string
	log     zerolog.Logger

	corsOrigins  []string
	maxBodyBytes int64
	rateBurst    int
	ratePerSec   float64
	trustProxy   bool
	limiter      *clientLimiter
}

// Option configures the API.
type Option func(*API)

// WithReadyProbe sets the readiness check behind /readyz.
func WithReadyProbe(rp ReadyProbe) Option { return func(a *API) { a.ready = rp } }

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option { return func(a *API) { a.version = v } }

// WithLogger sets the request and error logger.
func WithLogger(l zerolog.Logger) Option { return func(a *API) { a.log = l } }

// WithAudit records login attempts.
func WithAudit(r *audit.Recorder) Option { return func(a *API) { a.audit = r } }

// WithCORSOrigins sets the allowed browser origins.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithMaxBodyBytes limits request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithLoginRateLimit sets the per-client token bucket for the public
// credential endpoints.
func WithLoginRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

// WithTrustedProxy makes the login rate limit key on X-Forwarded-For. Only
// enable it when a proxy in front of the service sets that header.
func WithTrustedProxy(trust bool) Option { return func(a *API) { a.trustProxy = trust } }

func New(authSvc *auth.Service, permits *permit.Service, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		auth:         authSvc,
		permits:      permits,
		version:      "dev",
		log:          zerolog.Nop(),
		maxBodyBytes: 1 << 20,
		rateBurst:    5,
		ratePerSec:   1,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.limiter = newClientLimiter(a.ratePerSec, a.rateBurst, a.trustProxy)

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("POST /login", a.limiter.Wrap(http.HandlerFunc(a.handleLogin)))
	a.mux.Handle("POST /change-temporary-password", a.limiter.Wrap(http.HandlerFunc(a.handleChangeTemporaryPassword)))
	a.mux.HandleFunc("POST /change-password", a.handleChangePassword)

	a.mux.HandleFunc("POST /permisos", a.handleCreatePermit)
	a.mux.HandleFunc("PUT /permisos", a.handleEditPermit)
	a.mux.HandleFunc("GET /permisos", a.handleListPermits)
	a.mux.HandleFunc("GET /permisos/{id}", a.handleGetPermit)
	a.mux.HandleFunc("POST /aprobar-permiso", a.handleApprovePermit)
	a.mux.HandleFunc("POST /cerrar-permiso", a.handleSubmitClosure)
	a.mux.HandleFunc("POST /aprobar-cierre-permiso", a.handleClosureDecision)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return a
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = Logging(h, a.log)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		a.log.Warn().Err(err).Msg("readiness check failed")
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
