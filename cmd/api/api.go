package main

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/web3cdk/ca-casher/chain"
	"github.com/web3cdk/ca-casher/metrics"
	"github.com/web3cdk/ca-casher/readthrough"
	"github.com/web3cdk/ca-casher/utils"
	"golang.org/x/time/rate"
)

const (
	serviceName     = "ca-casher-api"
	timestampFormat = "2006-01-02T15:04:05.000Z07:00"
)

// ReadService serves contract reads.
type ReadService interface {
	Handle(ctx context.Context, req readthrough.Request) (*readthrough.Result, error)
	Ping(ctx context.Context) error
}

type API struct {
	service ReadService
	metrics *metrics.Metrics
	router  *mux.Router
	limiter *rate.Limiter
	origins []string
	now     func() time.Time
}

type apiOptions struct {
	Origins   []string
	RateLimit float64
	RateBurst int
	Metrics   *metrics.Metrics
}

func newAPI(service ReadService, opts apiOptions) *API {
	a := &API{
		service: service,
		metrics: opts.Metrics,
		router:  mux.NewRouter(),
		origins: opts.Origins,
		now:     time.Now,
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	a.registerRoutes()
	return a
}

func (a *API) registerRoutes() {
	a.router.NotFoundHandler = http.HandlerFunc(a.handleNotFound)
	a.router.MethodNotAllowedHandler = http.HandlerFunc(a.handleMethodNotAllowed)

	// Health check
	a.router.HandleFunc("/", a.handleRoot).Methods("GET")
	a.router.HandleFunc("/health", a.handleHealth).Methods("GET")
	a.router.HandleFunc("/ready", a.handleReady).Methods("GET")

	a.router.Handle("/metrics", a.metrics.Handler()).Methods("GET")

	// Contract reads
	contract := a.router.PathPrefix("/contract").Subrouter()
	contract.Use(a.rateLimitMiddleware)
	contract.HandleFunc("/{address}/{function}", a.handleContract).Methods("GET", "POST")
}

// Handler returns the router wrapped in CORS handling. CORS sits outside the
// router so preflight requests are answered for every path.
func (a *API) Handler() http.Handler {
	return a.corsMiddleware(a.router)
}

func (a *API) originAllowed(origin string) bool {
	return slices.Contains(a.origins, "*") || (origin != "" && slices.Contains(a.origins, origin))
}

func (a *API) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if a.originAllowed(origin) {
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		w.Header().Add("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter != nil && !a.limiter.Allow() {
			utils.Warnf("API", "rate limited %s", utils.Fields("path", r.URL.Path, "remote", r.RemoteAddr))
			a.writeError(w, http.StatusTooManyRequests, "Too many requests", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		utils.Errorf("API", "failed to encode response: %v", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Internal server error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (a *API) writeError(w http.ResponseWriter, status int, msg, detail string) {
	a.writeJSON(w, status, errorBody{Error: msg, Message: detail})
}

// writeServiceError maps read errors to responses. Server-side failures only
// expose a short message, never backend detail.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, readthrough.ErrInvalidAddress):
		a.writeError(w, http.StatusBadRequest, "Invalid contract address", "")
	case errors.Is(err, readthrough.ErrNotWhitelisted):
		a.writeError(w, http.StatusBadRequest, "Contract not whitelisted", "")
	case errors.Is(err, readthrough.ErrUnsupportedFunction):
		a.writeError(w, http.StatusBadRequest, "Unsupported function", "")
	case errors.Is(err, readthrough.ErrMissingParameters):
		a.writeError(w, http.StatusBadRequest, "Missing required parameters", err.Error())
	case errors.Is(err, chain.ErrInvalidArgument):
		a.writeError(w, http.StatusBadRequest, "Invalid parameter", err.Error())
	case errors.Is(err, readthrough.ErrStoreWrite):
		a.writeError(w, http.StatusInternalServerError, "Failed to fetch data", readthrough.ErrStoreWrite.Error())
	case errors.Is(err, chain.ErrCallFailed):
		a.writeError(w, http.StatusInternalServerError, "Failed to fetch data", chain.ErrCallFailed.Error())
	default:
		a.writeError(w, http.StatusInternalServerError, "Failed to fetch data", "internal error")
	}
}

// GET|POST /contract/{address}/{function}
func (a *API) handleContract(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := a.service.Handle(r.Context(), readthrough.Request{
		Contract: vars["address"],
		Function: vars["function"],
		Query:    r.URL.Query(),
		Refresh:  r.Method == http.MethodPost,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *API) timestamp() string {
	return a.now().UTC().Format(timestampFormat)
}

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": a.timestamp(),
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": a.timestamp(),
	})
}

// handleReady reports whether the cache store is reachable.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Ping(r.Context()); err != nil {
		utils.Errorf("API", "store ping failed: %v", err)
		a.writeError(w, http.StatusServiceUnavailable, "Store unavailable", "")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": a.timestamp(),
	})
}

func (a *API) handleNotFound(w http.ResponseWriter, r *http.Request) {
	a.writeError(w, http.StatusNotFound, "Not found", "Path "+r.URL.Path+" not found")
}

func (a *API) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	a.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
}
