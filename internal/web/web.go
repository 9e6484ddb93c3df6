package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"conseries/internal/config"
	"conseries/internal/ics"
	"conseries/internal/importer"
	appLog "conseries/internal/log"
	"conseries/internal/model"
	"conseries/internal/reconcile"
	"conseries/internal/store"
)

// SeriesStore is the read side of the series store.
type SeriesStore interface {
	Load(ctx context.Context, seriesID string) (*model.Series, error)
	List(ctx context.Context) ([]string, error)
}

// Importer runs imports on demand.
type Importer interface {
	Run(ctx context.Context, names ...string) ([]reconcile.Result, error)
	SourceNames() []string
}

// Server provides the HTTP API over the series store.
type Server struct {
	cfg      *config.Config
	store    SeriesStore
	importer Importer
	mux      *http.ServeMux

	// In-memory cache for /api/series responses; listing loads every
	// document.
	listMu    sync.RWMutex
	listCache *listCache
}

type listCache struct {
	resp      []seriesSummary
	updatedAt time.Time
}

type seriesSummary struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	URL      string       `json:"url,omitempty"`
	Editions int          `json:"editions"`
	Latest   *editionInfo `json:"latest,omitempty"`
}

type editionInfo struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	StartDate model.Date `json:"startDate"`
	EndDate   model.Date `json:"endDate"`
	Sources   []string   `json:"sources,omitempty"`
}

type importResponse struct {
	Results []reconcile.Result `json:"results"`
	Error   string             `json:"error,omitempty"`
}

const listCacheTTL = 30 * time.Second

// NewServer constructs a new Server. imp may be nil, which disables
// /api/import.
func NewServer(cfg *config.Config, st SeriesStore, imp Importer) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		importer: imp,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="conseries", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/series", s.handleList)
	s.mux.HandleFunc("GET /api/series/{id}", s.handleSeries)
	s.mux.HandleFunc("GET /api/series/{id}/calendar.ics", s.handleCalendar)
	s.mux.HandleFunc("GET /api/sources", s.handleSources)
	s.mux.HandleFunc("POST /api/import", s.handleImport)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// GET /api/series lists published series with their most recent edition.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()

	s.listMu.RLock()
	lc := s.listCache
	s.listMu.RUnlock()
	if lc != nil && now.Sub(lc.updatedAt) < listCacheTTL {
		writeJSON(w, http.StatusOK, lc.resp)
		return
	}

	ids, err := s.store.List(ctx)
	if err != nil {
		appLog.Error("api series: list failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list series")
		return
	}

	resp := make([]seriesSummary, 0, len(ids))
	for _, id := range ids {
		series, err := s.store.Load(ctx, id)
		if err != nil {
			appLog.Error("api series: load failed; omitted from list", err, "series", id)
			continue
		}
		sum := seriesSummary{ID: id, Name: series.Name, URL: series.URL, Editions: len(series.Events)}
		if len(series.Events) > 0 {
			ev := series.Events[0]
			sum.Latest = &editionInfo{
				ID: ev.ID, Name: ev.Name,
				StartDate: ev.StartDate, EndDate: ev.EndDate,
				Sources: ev.Sources,
			}
		}
		resp = append(resp, sum)
	}

	s.listMu.Lock()
	s.listCache = &listCache{resp: resp, updatedAt: time.Now()}
	s.listMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// GET /api/series/{id} returns the stored document as written on disk.
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	series, ok := s.loadSeries(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := model.EncodeSeries(&buf, series); err != nil {
		appLog.Error("api series: encode failed", err, "series", r.PathValue("id"))
		writeError(w, http.StatusInternalServerError, "failed to encode series")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// GET /api/series/{id}/calendar.ics exports every edition as an all-day
// calendar entry.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	series, ok := s.loadSeries(w, r)
	if !ok {
		return
	}
	body := ics.Export(r.PathValue("id"), series, time.Now().UTC())
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) loadSeries(w http.ResponseWriter, r *http.Request) (*model.Series, bool) {
	id := r.PathValue("id")
	series, err := s.store.Load(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "series not found")
		return nil, false
	case err != nil:
		appLog.Error("api series: load failed", err, "series", id)
		writeError(w, http.StatusInternalServerError, "failed to load series")
		return nil, false
	}
	return series, true
}

// GET /api/sources lists the configured sources by name.
func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	if s.importer == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, s.importer.SourceNames())
}

// POST /api/import?source=concat:eurofurence&source=...
//   - source: restrict the run to these sources (default: all)
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if s.importer == nil {
		writeError(w, http.StatusNotFound, "import disabled")
		return
	}

	names := make([]string, 0)
	for _, n := range r.URL.Query()["source"] {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	appLog.Info("api import request", "sources", strings.Join(names, ","))

	results, err := s.importer.Run(r.Context(), names...)

	s.listMu.Lock()
	s.listCache = nil
	s.listMu.Unlock()

	resp := importResponse{Results: results}
	if resp.Results == nil {
		resp.Results = []reconcile.Result{}
	}
	if err != nil {
		resp.Error = err.Error()
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, importer.ErrUnknownSource):
			status = http.StatusBadRequest
		case errors.Is(err, reconcile.ErrFetch):
			status = http.StatusBadGateway
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
