// Package server implements a small JSON API over the interactive context.
// Every handler runs its store work on the foreground context, the same goroutine that owns interactive changes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"golang.org/x/crypto/bcrypt"

	"github.com/umputun/dualstack/app/backend"
	"github.com/umputun/dualstack/app/store"
)

// AuthUser is the basic auth user name
const AuthUser = "dualstack"

// Foreground runs functions on the foreground context and waits for them, loop.Queue implements it
type Foreground interface {
	Call(ctx context.Context, fn func()) error
}

// Coordinator is the subset of store.Coordinator used by the server
type Coordinator interface {
	Interactive() *store.Interactive
	Save() error
	Health() store.Health
	SchemaID() string
	StorePath() string
}

// Config defines server parameters
type Config struct {
	Store        Coordinator
	Foreground   Foreground
	Version      string
	PasswordHash string  // bcrypt hash for basic auth of write requests, no auth if empty
	WriteLimit   float64 // write requests per second per client, 10 by default
}

// Server is the http server
type Server struct {
	Config
}

// StatusResponse is the JSON response for /api/v1/status
type StatusResponse struct {
	Schema    string       `json:"schema"`
	StorePath string       `json:"store_path"`
	Pending   bool         `json:"pending"`
	Healthy   bool         `json:"healthy"`
	Health    store.Health `json:"health"`
	Timestamp time.Time    `json:"timestamp"`
}

// ListResponse is the JSON response for entity listing
type ListResponse struct {
	Entity  string           `json:"entity"`
	Objects []backend.Object `json:"objects"`
}

// New makes a server
func New(cfg Config) *Server {
	if cfg.WriteLimit <= 0 {
		cfg.WriteLimit = 10
	}
	return &Server{Config: cfg}
}

// Run starts the web server and blocks until ctx is done
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("dualstack", "umputun", s.Version),
		rest.Ping,
		rest.SizeLimit(64*1024),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	writeLimiter := tollbooth.NewLimiter(s.WriteLimit, nil)
	writeLimiter.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /status", s.handleStatus)
		api.HandleFunc("GET /entities/{entity}", s.handleList)
		api.With(tollbooth.HTTPMiddleware(writeLimiter), s.authMiddleware).HandleFunc("POST /entities/{entity}", s.handleInsert)
	})
	return router
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var pending bool
	if err := s.Foreground.Call(r.Context(), func() { pending = s.Store.Interactive().HasChanges() }); err != nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "foreground is not available")
		return
	}
	health := s.Store.Health()
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Schema:    s.Store.SchemaID(),
		StorePath: s.Store.StorePath(),
		Pending:   pending,
		Healthy:   health.Healthy(),
		Health:    health,
		Timestamp: time.Now(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	req := backend.FetchRequest{Entity: r.PathValue("entity"), SortBy: r.URL.Query().Get("sort")}
	if v := r.URL.Query().Get("desc"); v != "" {
		desc, err := strconv.ParseBool(v)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "invalid desc value")
			return
		}
		req.Descending = desc
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit value")
			return
		}
		req.Limit = limit
	}

	var objs []backend.Object
	var fetchErr error
	err := s.Foreground.Call(r.Context(), func() {
		objs, fetchErr = s.Store.Interactive().Fetch(r.Context(), req)
	})
	if err != nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "foreground is not available")
		return
	}
	switch {
	case errors.Is(fetchErr, backend.ErrUnknownEntity):
		s.writeJSONError(w, http.StatusNotFound, "entity not found")
		return
	case errors.Is(fetchErr, backend.ErrUnknownAttribute):
		s.writeJSONError(w, http.StatusBadRequest, "unknown sort attribute")
		return
	case fetchErr != nil:
		log.Printf("[ERROR] failed to fetch %s: %v", req.Entity, fetchErr)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to fetch objects")
		return
	}
	s.writeJSON(w, http.StatusOK, ListResponse{Entity: req.Entity, Objects: objs})
}

// handleInsert adds an object and saves it. Invalid objects are rolled back and not kept as pending.
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")
	values := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	var id string
	var saveErr error
	err := s.Foreground.Call(r.Context(), func() {
		ic := s.Store.Interactive()
		id = ic.Insert(entity, values)
		if saveErr = s.Store.Save(); saveErr != nil && errors.Is(saveErr, store.ErrInteractiveCommit) {
			ic.Rollback()
		}
	})
	if err != nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "foreground is not available")
		return
	}
	switch {
	case errors.Is(saveErr, store.ErrInteractiveCommit):
		s.writeJSONError(w, http.StatusBadRequest, saveErr.Error())
		return
	case errors.Is(saveErr, store.ErrClosed):
		s.writeJSONError(w, http.StatusServiceUnavailable, "store is closed")
		return
	case saveErr != nil:
		log.Printf("[ERROR] failed to save %s: %v", entity, saveErr)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to save")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// authMiddleware checks basic auth against the bcrypt hash, passes everything if no hash set
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.PasswordHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if ok && username == AuthUser {
			if err := bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="dualstack"`)
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
