package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/orian/protoboard/logging"
	"github.com/orian/protoboard/models"
)

// Server handles HTTP requests and coordinates between storage and the
// activity sink.
type Server struct {
	storage        models.Storage
	activity       ActivitySink
	auth           *Authenticator
	limits         models.Limits
	log            *logging.Logger
	requestTimeout time.Duration
}

func NewServer(storage models.Storage, activity ActivitySink, auth *Authenticator, limits models.Limits, log *logging.Logger) *Server {
	if activity == nil {
		activity = nopActivity{}
	}
	return &Server{
		storage:  storage,
		activity: activity,
		auth:     auth,
		limits:   limits,
		log:      log.With("component", "http"),
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.log))
	r.Use(middleware.Recoverer)
	if s.requestTimeout > 0 {
		r.Use(middleware.Timeout(s.requestTimeout))
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth.RequireAuth)

		r.Get("/prototypes", s.handleListPrototypes)
		r.Post("/prototypes", s.handleCreatePrototype)

		r.Route("/prototypes/{slug}", func(r chi.Router) {
			r.Get("/", s.handleGetPrototype)
			r.Put("/", s.handleUpdatePrototype)
			r.Delete("/", s.handleDeletePrototype)

			// Version history
			r.Get("/versions", s.handleListVersions)
			r.Get("/versions/{number}", s.handleGetVersion)
			r.Patch("/versions/{number}", s.handleLabelVersion)
			r.Post("/versions/{number}/restore", s.handleRestoreVersion)

			// Branches
			r.Get("/branches", s.handleListBranches)
			r.Post("/branches", s.handleCreateBranch)
			r.Post("/branches/switch-main", s.handleSwitchToMain)
			r.Post("/branches/{branchSlug}/switch", s.handleSwitchBranch)
			r.Delete("/branches/{branchSlug}", s.handleDeleteBranch)
		})
	})

	return r
}

// authorize loads the prototype named in the URL and checks the caller's
// access to it. Existence is checked first, so unknown slugs are 404 for
// everyone.
func (s *Server) authorize(r *http.Request, access models.Access) (*models.Prototype, error) {
	slug := chi.URLParam(r, "slug")
	p, err := s.storage.GetPrototype(r.Context(), slug)
	if err != nil {
		return nil, err
	}
	if !principalFrom(r.Context()).Can(p, access) {
		return nil, fmt.Errorf("prototype %q: %w", slug, models.ErrForbidden)
	}
	return p, nil
}

func (s *Server) record(ctx context.Context, typ, slug string, version int64, detail string) {
	actor := ""
	if p := principalFrom(ctx); p != nil {
		actor = p.UserID
	}
	s.activity.Record(ctx, ActivityEvent{
		Type:      typ,
		Slug:      slug,
		Actor:     actor,
		Version:   version,
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

// commitFailed records lost races before writing the error.
func (s *Server) commitFailed(w http.ResponseWriter, r *http.Request, op string, err error) {
	if ce, ok := models.AsConflict(err); ok {
		s.record(r.Context(), ActivityUpdateConflict, chi.URLParam(r, "slug"), ce.ServerVersion, op+": "+ce.Reason)
	}
	s.fail(w, r, err)
}

func setETag(w http.ResponseWriter, p *models.Prototype) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(p.Version, 10)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := map[string]interface{}{
		"timestamp": time.Now().Unix(),
		"store":     "ok",
		"activity":  "ok",
	}
	status := http.StatusOK
	if err := s.storage.Ping(ctx); err != nil {
		response["store"] = err.Error()
		status = http.StatusServiceUnavailable
		s.log.Warn("store ping failed", "error", err)
	}
	// A failing activity sink degrades reporting, not service.
	if err := s.activity.Ping(ctx); err != nil {
		response["activity"] = err.Error()
		s.log.Warn("activity sink ping failed", "error", err)
	}
	writeJSON(w, status, response)
}

func (s *Server) handleListPrototypes(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	teams := principal.TeamIDs()
	if teamID := r.URL.Query().Get("teamId"); teamID != "" {
		if _, member := principal.Teams[teamID]; !member {
			s.fail(w, r, fmt.Errorf("team %q: %w", teamID, models.ErrForbidden))
			return
		}
		teams = []string{teamID}
	}

	prototypes, err := s.storage.ListPrototypes(r.Context(), principal.UserID, teams)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if teamID := r.URL.Query().Get("teamId"); teamID != "" {
		filtered := prototypes[:0]
		for _, p := range prototypes {
			if p.TeamID == teamID {
				filtered = append(filtered, p)
			}
		}
		prototypes = filtered
	}
	writeJSON(w, http.StatusOK, prototypes)
}

func (s *Server) handleCreatePrototype(w http.ResponseWriter, r *http.Request) {
	var req models.NewPrototype
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.limits.ValidateNewPrototype(&req); err != nil {
		s.fail(w, r, err)
		return
	}
	principal := principalFrom(r.Context())
	if req.TeamID != "" && !principal.Teams[req.TeamID].AtLeast(models.RoleEditor) {
		s.fail(w, r, fmt.Errorf("team %q: %w", req.TeamID, models.ErrForbidden))
		return
	}
	req.CreatedBy = principal.UserID

	p, err := s.storage.CreatePrototype(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r.Context(), ActivityPrototypeCreated, p.Slug, p.Version, p.Name)
	setETag(w, p)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPrototype(w http.ResponseWriter, r *http.Request) {
	p, err := s.authorize(r, models.AccessRead)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	setETag(w, p)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePrototype(w http.ResponseWriter, r *http.Request) {
	before, err := s.authorize(r, models.AccessWrite)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var upd models.PrototypeUpdate
	if err := decodeJSON(r, &upd); err != nil {
		s.fail(w, r, err)
		return
	}
	expected, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	upd.ExpectedVersion = expected
	if err := s.limits.ValidateUpdate(&upd); err != nil {
		s.fail(w, r, err)
		return
	}
	upd.Actor = principalFrom(r.Context()).UserID

	p, err := s.storage.UpdatePrototype(r.Context(), before.Slug, upd)
	if err != nil {
		s.commitFailed(w, r, "update", err)
		return
	}
	if p.Version != before.Version || upd.Name != nil || upd.Description != nil {
		s.record(r.Context(), ActivityPrototypeUpdated, p.Slug, p.Version, "")
	}
	setETag(w, p)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePrototype(w http.ResponseWriter, r *http.Request) {
	p, err := s.authorize(r, models.AccessDelete)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.storage.DeletePrototype(r.Context(), p.Slug); err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r.Context(), ActivityPrototypeDeleted, p.Slug, p.Version, p.Name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.VersionFilter{Branch: q.Get("branch")}
	var err error
	if filter.Page, err = queryInt(q.Get("page"), "page"); err != nil {
		s.fail(w, r, err)
		return
	}
	if filter.Limit, err = queryInt(q.Get("limit"), "limit"); err != nil {
		s.fail(w, r, err)
		return
	}

	p, err := s.authorize(r, models.AccessRead)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.storage.ListVersions(r.Context(), p.Slug, filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	number, err := versionNumber(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.authorize(r, models.AccessRead)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.storage.GetVersion(r.Context(), p.Slug, number)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleLabelVersion(w http.ResponseWriter, r *http.Request) {
	number, err := versionNumber(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Label string `json:"label"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.authorize(r, models.AccessWrite)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.storage.LabelVersion(r.Context(), p.Slug, number, req.Label)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	number, err := versionNumber(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	expected, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.authorize(r, models.AccessWrite)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	restored, err := s.storage.RestoreVersion(r.Context(), p.Slug, number, principalFrom(r.Context()).UserID, expected)
	if err != nil {
		s.commitFailed(w, r, "restore", err)
		return
	}
	s.record(r.Context(), ActivityVersionRestored, restored.Slug, restored.Version, strconv.FormatInt(number, 10))
	setETag(w, restored)
	writeJSON(w, http.StatusOK, restored)
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	p, err := s.authorize(r, models.AccessRead)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	branches, err := s.storage.ListBranches(r.Context(), p.Slug)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req models.NewBranch
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.limits.ValidateNewBranch(&req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.authorize(r, models.AccessWrite)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req.CreatedBy = principalFrom(r.Context()).UserID

	b, err := s.storage.CreateBranch(r.Context(), p.Slug, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r.Context(), ActivityBranchCreated, p.Slug, p.Version, b.Slug)
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleSwitchBranch(w http.ResponseWriter, r *http.Request) {
	s.switchBranch(w, r, chi.URLParam(r, "branchSlug"))
}

func (s *Server) handleSwitchToMain(w http.ResponseWriter, r *http.Request) {
	s.switchBranch(w, r, models.ReservedBranchSlug)
}

func (s *Server) switchBranch(w http.ResponseWriter, r *http.Request, branchSlug string) {
	expected, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.authorize(r, models.AccessWrite)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	actor := principalFrom(r.Context()).UserID
	var switched *models.Prototype
	if branchSlug == models.ReservedBranchSlug {
		switched, err = s.storage.SwitchToMain(r.Context(), p.Slug, actor, expected)
	} else {
		switched, err = s.storage.SwitchBranch(r.Context(), p.Slug, branchSlug, actor, expected)
	}
	if err != nil {
		s.commitFailed(w, r, "switch", err)
		return
	}
	s.record(r.Context(), ActivityBranchSwitched, switched.Slug, switched.Version, branchSlug)
	setETag(w, switched)
	writeJSON(w, http.StatusOK, switched)
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	p, err := s.authorize(r, models.AccessWrite)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	branchSlug := chi.URLParam(r, "branchSlug")
	if err := s.storage.DeleteBranch(r.Context(), p.Slug, branchSlug); err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r.Context(), ActivityBranchDeleted, p.Slug, p.Version, branchSlug)
	w.WriteHeader(http.StatusNoContent)
}

// maxBodyBytes bounds request bodies; content limits are enforced after
// decoding.
const maxBodyBytes = 32 << 20

// decodeJSON decodes the request body keeping numbers as json.Number so
// documents round-trip without float conversion.
func decodeJSON(r *http.Request, v any) error {
	return decodeLimited(r, v, maxBodyBytes)
}

func decodeLimited(r *http.Request, v any, limit int64) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return models.Invalid("body", "read failed: %v", err)
	}
	if int64(len(raw)) > limit {
		return models.Invalid("body", "payload exceeds %d bytes", limit)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return models.Invalid("body", "malformed JSON: %v", err)
	}
	return nil
}

// parseIfMatch accepts 3, "3" and W/"3". An absent header or * means no
// precondition.
func parseIfMatch(h string) (*int64, error) {
	h = strings.TrimSpace(h)
	if h == "" || h == "*" {
		return nil, nil
	}
	h = strings.TrimPrefix(h, "W/")
	h = strings.Trim(h, `"`)
	v, err := strconv.ParseInt(h, 10, 64)
	if err != nil || v < 1 {
		return nil, models.Invalid("If-Match", "must be a positive version number")
	}
	return &v, nil
}

func versionNumber(r *http.Request) (int64, error) {
	n, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil || n < 1 {
		return 0, models.Invalid("number", "must be a positive integer")
	}
	return n, nil
}

func queryInt(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, models.Invalid(field, "must be a non-negative integer")
	}
	return n, nil
}
