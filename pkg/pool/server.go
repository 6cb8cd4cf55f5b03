// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pool

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/pkg/embedclient"
)

var (
	embedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpm_pool_embed_requests_total",
		Help: "Total POST /embed requests by model and outcome.",
	}, []string{"model", "outcome"})
	embedCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpm_pool_embed_cache_total",
		Help: "Embedding cache hits/misses by model.",
	}, []string{"model", "result"})
	embedDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "cpm_pool_embed_duration_seconds",
		Help: "POST /embed latency by model.",
	}, []string{"model"})
)

// Server is the embedding pool's HTTP surface (spec.md §4.12), built on
// chi the way the rest of this module's domain layer leans on the pack's
// third-party stack rather than bare net/http routing.
type Server struct {
	manager *Manager
	logger  *slog.Logger
	router  chi.Router
}

// NewServer wires every route onto a fresh chi.Router.
func NewServer(manager *Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{manager: manager, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Post("/reload", s.handleReload)
	r.Post("/embed", s.handleEmbed)
	r.Post("/models/register", s.handleRegister)
	r.Post("/models/enable", s.handleEnable)
	r.Post("/models/alias", s.handleAlias)
	r.Delete("/models/{name}", s.handleRemove)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.manager.Status()})
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.manager.Reload(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type embedRequestBody struct {
	Model   string              `json:"model"`
	Texts   []string            `json:"texts"`
	Options embedclient.Options `json:"options"`
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var body embedRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, cpmerrors.NewInputError("Invalid request body", err.Error(), "Send valid JSON matching {model, texts, options}", err))
		return
	}
	if body.Model == "" || len(body.Texts) == 0 {
		writeError(w, cpmerrors.NewInputError("Invalid request", "model and texts are required", "", nil))
		return
	}

	start := time.Now()
	result, err := s.manager.Embed(body.Model, body.Texts, body.Options)
	embedDuration.WithLabelValues(body.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		outcome := "error"
		ue := cpmerrors.AsUserError(err)
		embedRequests.WithLabelValues(body.Model, outcome).Inc()
		writeErrorWithStatus(w, ue, statusForKind(ue.Kind))
		return
	}
	embedRequests.WithLabelValues(body.Model, "ok").Inc()
	embedCacheHits.WithLabelValues(result.Model, "hit").Add(float64(result.CacheHits))
	embedCacheHits.WithLabelValues(result.Model, "miss").Add(float64(result.CacheMiss))

	writeJSON(w, http.StatusOK, map[string]any{
		"model":   result.Model,
		"dim":     result.Dim,
		"vectors": result.Vectors,
		"meta": map[string]any{
			"replica_id": result.ReplicaID,
			"cache":      map[string]int{"hits": result.CacheHits, "misses": result.CacheMiss},
		},
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var spec ModelSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, cpmerrors.NewInputError("Invalid request body", err.Error(), "", err))
		return
	}
	if err := s.manager.RegisterModel(spec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, cpmerrors.NewInputError("Invalid request body", err.Error(), "", err))
		return
	}
	if err := s.manager.SetEnabled(body.Name, body.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAlias(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string `json:"name"`
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, cpmerrors.NewInputError("Invalid request body", err.Error(), "", err))
		return
	}
	if err := s.manager.SetAlias(body.Name, body.Alias); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.manager.RemoveModel(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a generic error to its UserError and HTTP status.
func writeError(w http.ResponseWriter, err error) {
	ue := cpmerrors.AsUserError(err)
	writeErrorWithStatus(w, ue, statusForKind(ue.Kind))
}

func writeErrorWithStatus(w http.ResponseWriter, ue *cpmerrors.UserError, status int) {
	writeJSON(w, status, map[string]any{"ok": false, "error": ue.Title, "detail": ue.Detail, "hint": ue.Suggestion})
}

// statusForKind maps error kinds to spec.md §4.12's "400 for bad input, 404
// for unknown model, 500 for runtime errors" rule.
func statusForKind(kind cpmerrors.Kind) int {
	switch kind {
	case cpmerrors.KindInput:
		return http.StatusBadRequest
	case cpmerrors.KindResolution:
		return http.StatusNotFound
	case cpmerrors.KindCollision:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
