package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"offsync.org/internal/events"
	"offsync.org/internal/obs"
	"offsync.org/internal/policy"
	"offsync.org/internal/queue"
)

// ReadyProbe — проверка готовности хранилища (например, ping БД).
type ReadyProbe interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a function to ReadyProbe.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error { return f(ctx) }

type QueueInspector interface {
	List() []queue.Request
	MaxRetries() int
}

type Trigger interface {
	Trigger(ctx context.Context) (queue.Result, error)
}

type Syncer interface {
	SyncDomain(ctx context.Context, domain string, opts policy.Options) (policy.Report, error)
	ResolveProfile(domain string) *policy.Profile
	Profiles() []policy.Profile
}

type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

type Connectivity interface {
	Online() bool
	Set(online bool)
}

// Deps are the services exposed by the ops API. Nil members disable their
// routes with 503.
type Deps struct {
	Ready        ReadyProbe
	Queue        QueueInspector
	Background   Trigger
	Policy       Syncer
	Cache        Sweeper
	Connectivity Connectivity
	Bus          *events.Bus
}

// API — локальный HTTP слой демона.
type API struct {
	mux        *http.ServeMux
	deps       Deps
	version    string
	rateBurst  int
	ratePerSec int
}

func New(deps Deps, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		deps:       deps,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// sync layer
	a.mux.HandleFunc("/v1/queue", a.handleQueue)
	a.mux.HandleFunc("/v1/queue/drain", a.handleDrain)
	a.mux.HandleFunc("/v1/sync/", a.handleSync)
	a.mux.HandleFunc("/v1/profiles", a.handleProfiles)
	a.mux.HandleFunc("/v1/profiles/", a.handleProfile)
	a.mux.HandleFunc("/v1/cache/sweep", a.handleSweep)
	a.mux.HandleFunc("/v1/connectivity", a.handleConnectivity)
	a.mux.HandleFunc("/v1/events", a.Stream)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	return a
}

// SetRateLimit overrides the per-IP limit applied by Handler.
func (a *API) SetRateLimit(burst, perSecond int) {
	if burst > 0 && perSecond > 0 {
		a.rateBurst, a.ratePerSec = burst, perSecond
	}
}

// Handler возвращает http.Handler со всеми middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "offsync",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		if err := a.deps.Ready.Check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    "offsync",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.deps.Connectivity != nil {
		info["online"] = a.deps.Connectivity.Online()
	}
	writeJSON(w, http.StatusOK, info)
}

type queueItem struct {
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Domain     string    `json:"domain,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Retries    int       `json:"retries"`
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.deps.Queue == nil {
		writeError(w, r, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	pending := a.deps.Queue.List()
	items := make([]queueItem, 0, len(pending))
	for _, req := range pending {
		items = append(items, queueItem{
			ID:         req.ID,
			Method:     req.Method,
			URL:        req.URL,
			Domain:     req.Domain,
			EnqueuedAt: req.EnqueuedAt,
			Retries:    req.Retries,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":     len(items),
		"max_retries": a.deps.Queue.MaxRetries(),
		"items":       items,
	})
}

func (a *API) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.deps.Background == nil {
		writeError(w, r, http.StatusServiceUnavailable, "background sync unavailable")
		return
	}
	res, err := a.deps.Background.Trigger(r.Context())
	if err != nil {
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	domain := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sync/"), "/")
	if domain == "" || strings.Contains(domain, "/") {
		writeError(w, r, http.StatusBadRequest, "domain is required")
		return
	}
	if a.deps.Policy == nil {
		writeError(w, r, http.StatusServiceUnavailable, "policy engine unavailable")
		return
	}
	force, err := parseBool(r.URL.Query().Get("force"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "force must be a boolean")
		return
	}
	rep, err := a.deps.Policy.SyncDomain(r.Context(), domain, policy.Options{Force: force})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"report":     rep,
			"error":      err.Error(),
			"request_id": RequestIDFromContext(r.Context()),
		})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.deps.Policy == nil {
		writeError(w, r, http.StatusServiceUnavailable, "policy engine unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": a.deps.Policy.Profiles()})
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.deps.Policy == nil {
		writeError(w, r, http.StatusServiceUnavailable, "policy engine unavailable")
		return
	}
	domain := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/profiles/"), "/")
	if domain == "" {
		writeError(w, r, http.StatusBadRequest, "domain is required")
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Policy.ResolveProfile(domain))
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.deps.Cache == nil {
		writeError(w, r, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	removed, err := a.deps.Cache.SweepExpired(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (a *API) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if a.deps.Connectivity == nil {
		writeError(w, r, http.StatusServiceUnavailable, "connectivity unavailable")
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var body struct {
			Online *bool `json:"online"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if body.Online == nil {
			writeError(w, r, http.StatusBadRequest, "online is required")
			return
		}
		a.deps.Connectivity.Set(*body.Online)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": a.deps.Connectivity.Online()})
}

// --- helpers ---

func parseBool(raw string) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
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

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
