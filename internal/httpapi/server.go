// Package httpapi is the thin REST transport over the engine's Go APIs.
// Framing concerns (routing, auth, websocket upgrade) live here; every
// handler is a direct adapter to a pkg/* method and carries no business
// logic of its own.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
	"github.com/cloudveil/compliance-engine/internal/logging"
	"github.com/cloudveil/compliance-engine/pkg/delivery"
	"github.com/cloudveil/compliance-engine/pkg/documentstore"
	"github.com/cloudveil/compliance-engine/pkg/domain"
	"github.com/cloudveil/compliance-engine/pkg/eventbatch"
	"github.com/cloudveil/compliance-engine/pkg/job"
	"github.com/cloudveil/compliance-engine/pkg/license"
	"github.com/cloudveil/compliance-engine/pkg/reportpipeline"
	"github.com/cloudveil/compliance-engine/pkg/ruleset"
)

const (
	customersCollection = "customers"
	tenantsCollection   = "tenants"
)

// Deps bundles every component the REST surface adapts to. Every route
// is mounted regardless of which fields are set; tests may wire a subset
// as long as they only call routes whose dependencies are present.
type Deps struct {
	DS        *documentstore.Store
	Jobs      *job.Manager
	Rulesets  *ruleset.Controller
	License   *license.Controller
	Batcher   *eventbatch.Batcher
	Reports   *reportpipeline.Pipeline
	Delivery  *delivery.Dispatcher
	Log       *logging.Logger
}

// Server is the go-chi router plus its dependencies.
type Server struct {
	deps   Deps
	router *chi.Mux
}

// NewServer builds the router and mounts every route.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, router: chi.NewRouter()}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(rateLimit(rate.Limit(200), 400))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/health/ready", s.handleReady)
	s.router.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		Respond(w, http.StatusOK, map[string]string{"status": "live"})
	})
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/customers", func(r chi.Router) {
		r.Post("/", s.createCustomer)
		r.Get("/{name}", s.getCustomer)
	})

	s.router.Route("/tenants", func(r chi.Router) {
		r.Post("/", s.createTenant)
		r.Get("/{customer}/{name}", s.getTenant)
	})

	s.router.Route("/rule-sources/{id}/sync", func(r chi.Router) {
		r.Post("/", s.syncRuleSource)
	})
	s.router.Route("/rulesets", func(r chi.Router) {
		r.Post("/assemble", s.assembleRuleset)
		r.Post("/release", s.releaseRuleset)
	})

	s.router.Post("/licenses/activate", s.activateLicense)

	s.router.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.submitJob)
		r.Get("/", s.queryJobs)
		r.Get("/{id}", s.getJob)
		r.Post("/{id}/terminate", s.terminateJob)
		r.Get("/{id}/stream", s.streamJob)
	})

	s.router.Post("/events", s.ingestEvent)
	s.router.Post("/events/drain", s.drainEvents)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness from a ping of the document store (2s
// timeout), failing closed if it is unreachable. No other backing store
// is probed.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.DS == nil {
		Respond(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.DS.DB().PingContext(ctx); err != nil {
		RespondError(w, internalerrors.Unavailable("document store unreachable"))
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createCustomerRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Tier        string `json:"tier"`
}

func (s *Server) createCustomer(w http.ResponseWriter, r *http.Request) {
	var req createCustomerRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	if req.Name == "" {
		RespondError(w, internalerrors.Validation("name is required"))
		return
	}
	c := domain.Customer{Name: req.Name, DisplayName: req.DisplayName, Tier: req.Tier, Active: true, CreatedAt: time.Now()}
	if err := documentstore.Put(r.Context(), s.deps.DS, customersCollection, c.Name, "", c); err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusCreated, c)
}

func (s *Server) getCustomer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, _, err := documentstore.Get[domain.Customer](r.Context(), s.deps.DS, customersCollection, name)
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, c)
}

type createTenantRequest struct {
	Name            string       `json:"name"`
	Customer        string       `json:"customer"`
	Cloud           domain.Cloud `json:"cloud"`
	CloudIdentifier string       `json:"cloud_identifier"`
	ActiveRegions   []string     `json:"active_regions"`
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	if req.Name == "" || req.Customer == "" {
		RespondError(w, internalerrors.Validation("name and customer are required"))
		return
	}
	t := domain.Tenant{
		Name: req.Name, Customer: req.Customer, Cloud: req.Cloud,
		CloudIdentifier: req.CloudIdentifier, ActiveRegions: req.ActiveRegions,
		CreatedAt: time.Now(),
	}
	if err := documentstore.Put(r.Context(), s.deps.DS, tenantsCollection, t.Key(), t.Customer, t); err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusCreated, t)
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "customer") + "/" + chi.URLParam(r, "name")
	t, _, err := documentstore.Get[domain.Tenant](r.Context(), s.deps.DS, tenantsCollection, key)
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, t)
}

func (s *Server) syncRuleSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Customer string `json:"customer"`
		Content  string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	src := domain.RuleSource{ID: id, Customer: req.Customer}
	result, err := s.deps.Rulesets.Sync(r.Context(), src, []byte(req.Content))
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, result)
}

type assembleRequest struct {
	Customer string        `json:"customer"`
	Name     string        `json:"name"`
	Cloud    domain.Cloud  `json:"cloud"`
	Sources  []domain.RuleSource `json:"sources"`
	Version  int           `json:"version"`
}

func (s *Server) assembleRuleset(w http.ResponseWriter, r *http.Request) {
	var req assembleRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	rs, err := s.deps.Rulesets.Assemble(r.Context(), req.Customer, req.Name, req.Cloud, req.Sources, req.Version)
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusCreated, rs)
}

func (s *Server) releaseRuleset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		domain.Ruleset
		Overwrite bool `json:"overwrite"`
	}
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	if err := s.deps.Rulesets.Release(r.Context(), req.Ruleset, req.Overwrite); err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, req.Ruleset)
}

func (s *Server) activateLicense(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Customer string `json:"customer"`
		Tenant   string `json:"tenant"`
	}
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	act, err := s.deps.License.Activate(r.Context(), req.Customer, req.Tenant)
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, act)
}

type submitJobRequest struct {
	Customer    string          `json:"customer"`
	Tenant      string          `json:"tenant"`
	RulesetName string          `json:"ruleset_name"`
	Trigger     domain.JobTrigger `json:"trigger"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	if req.Trigger == "" {
		req.Trigger = domain.TriggerManual
	}
	j, err := s.deps.Jobs.Submit(r.Context(), req.Customer, req.Tenant, req.RulesetName, req.Trigger)
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusAccepted, j)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, j)
}

func (s *Server) queryJobs(w http.ResponseWriter, r *http.Request) {
	customer := r.URL.Query().Get("customer")
	cursor := r.URL.Query().Get("cursor")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page, err := s.deps.Jobs.Query(r.Context(), customer, cursor, limit)
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, page)
}

func (s *Server) terminateJob(w http.ResponseWriter, r *http.Request) {
	customer := r.URL.Query().Get("customer")
	j, err := s.deps.Jobs.Terminate(r.Context(), chi.URLParam(r, "id"), customer)
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, j)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamJob pushes the job's status on every change, polling the
// document store since job transitions aren't currently published to
// an in-process bus. Closes once the job reaches a terminal status.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastStatus domain.JobStatus
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			j, err := s.deps.Jobs.Get(r.Context(), id)
			if err != nil {
				_ = conn.WriteJSON(errorBody{Error: "error", Message: err.Error()})
				return
			}
			if j.Status == lastStatus {
				continue
			}
			lastStatus = j.Status
			if err := conn.WriteJSON(j); err != nil {
				return
			}
			if j.Status.Terminal() {
				return
			}
		}
	}
}

func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.Event
	if err := decodeJSON(r, &ev); err != nil {
		RespondError(w, err)
		return
	}
	if err := s.deps.Batcher.Ingest(r.Context(), ev); err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) drainEvents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Customer string `json:"customer"`
		Tenant   string `json:"tenant"`
	}
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	result, err := s.deps.Batcher.Drain(r.Context(), req.Customer, req.Tenant)
	if err != nil {
		RespondError(w, err)
		return
	}
	Respond(w, http.StatusOK, result)
}
