// Package httpapi serves the operator API of the collector.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"incasso.org/internal/auth"
	"incasso.org/internal/batch"
	"incasso.org/internal/coverage"
	"incasso.org/internal/domain"
	"incasso.org/internal/engine"
	"incasso.org/internal/events"
	"incasso.org/internal/obs"
	"incasso.org/internal/schedule"
)

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks readiness, e.g. a database ping.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Collector is the engine surface the API reads from.
type Collector interface {
	Preview(ctx context.Context, req batch.Request) (engine.PreviewResult, error)
	Batch(ctx context.Context, id string) (domain.Batch, error)
	Coverage(ctx context.Context, asOf time.Time) ([]coverage.Result, error)
}

// Trigger plans and fires manual runs.
type Trigger interface {
	Plan(asOf time.Time) (batch.Request, bool, error)
	Fire(ctx context.Context, asOf time.Time) (schedule.Outcome, error)
}

// Revoker revokes mandates.
type Revoker interface {
	Revoke(ctx context.Context, id string) (domain.Mandate, error)
}

// Subscriber streams batch outcomes.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan events.BatchEvent
}

// Services are the collaborators behind the API routes.
type Services struct {
	Collector Collector
	Trigger   Trigger
	Mandates  Revoker
	Events    Subscriber
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	svc        Services
	tokens     *auth.Tokens
	today      func() time.Time
	rateBurst  int
	ratePerSec float64
}

// Option configures API.
type Option func(*API)

// WithTokens requires operator bearer tokens on non-public routes.
func WithTokens(t *auth.Tokens) Option {
	return func(a *API) { a.tokens = t }
}

// WithRateLimit overrides the per-IP token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec, a.rateBurst = perSecond, burst
		}
	}
}

// WithToday sets the clock used when a request omits as_of.
func WithToday(today func() time.Time) Option {
	return func(a *API) {
		if today != nil {
			a.today = today
		}
	}
}

func New(rp ReadyProbe, version string, svc Services, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		today:      func() time.Time { return domain.Civil(time.Now().UTC()) },
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())
	a.mux.Handle("GET /v1/info", a.guard(a.Info, auth.RoleViewer, auth.RoleOperator))

	a.mux.Handle("GET /v1/preview", a.guard(a.Preview, auth.RoleViewer, auth.RoleOperator))
	a.mux.Handle("GET /v1/coverage", a.guard(a.Coverage, auth.RoleViewer, auth.RoleOperator))
	a.mux.Handle("GET /v1/batches/{id}", a.guard(a.GetBatch, auth.RoleViewer, auth.RoleOperator))
	a.mux.Handle("GET /v1/events", a.guard(a.Events, auth.RoleViewer, auth.RoleOperator))
	a.mux.Handle("POST /v1/runs", a.guard(a.CreateRun, auth.RoleOperator))
	a.mux.Handle("POST /v1/mandates/{id}/revoke", a.guard(a.RevokeMandate, auth.RoleOperator))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "incasso-collector",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "incasso-collector",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"today":   a.today().Format(time.DateOnly),
		"version": a.version,
	})
}

func (a *API) Preview(w http.ResponseWriter, r *http.Request) {
	asOf, err := a.asOf(r.URL.Query().Get("as_of"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req, ok, err := a.svc.Trigger.Plan(asOf)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusUnprocessableEntity, asOf.Format(time.DateOnly)+" is "+schedule.ReasonOffDay)
		return
	}
	res, err := a.svc.Collector.Preview(r.Context(), req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) Coverage(w http.ResponseWriter, r *http.Request) {
	asOf, err := a.asOf(r.URL.Query().Get("as_of"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	results, err := a.svc.Collector.Coverage(r.Context(), asOf)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	gaps := 0
	for _, res := range results {
		if res.Gap() {
			gaps++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"as_of":     asOf.Format(time.DateOnly),
		"gaps":      gaps,
		"schedules": results,
	})
}

func (a *API) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := a.svc.Collector.Batch(r.Context(), r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch":  b,
		"totals": b.Totals(),
	})
}

type runRequest struct {
	AsOf string `json:"as_of"`
}

func (a *API) CreateRun(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	asOf, err := a.asOf(body.AsOf)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.svc.Trigger.Fire(r.Context(), asOf)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	code := http.StatusOK
	if out.Fired {
		code = http.StatusCreated
	}
	writeJSON(w, code, out)
}

func (a *API) RevokeMandate(w http.ResponseWriter, r *http.Request) {
	m, err := a.svc.Mandates.Revoke(r.Context(), r.PathValue("id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- helpers ---

func (a *API) asOf(raw string) (time.Time, error) {
	if raw == "" {
		return a.today(), nil
	}
	d, err := domain.ParseDate(raw)
	if err != nil {
		return time.Time{}, errors.New("as_of must be YYYY-MM-DD")
	}
	return d, nil
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConfiguration):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDuplicateBatch),
		errors.Is(err, domain.ErrMandateNotActive):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		obs.Logger().ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
