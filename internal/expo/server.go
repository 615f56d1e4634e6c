// Package expo is the curator service's HTTP surface: CRUD over
// collections and refresh schedules, manual refresh and scan triggers,
// and the schema documents the UI builds its forms from.
package expo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"galerie/internal/collection"
	"galerie/internal/config"
	"galerie/internal/fielderr"
	"galerie/internal/logging"
	"galerie/internal/photodb"
	"galerie/internal/refresh"
)

// Server routes curator requests to the collection and refresh managers.
type Server struct {
	cfg         config.Expo
	collections *collection.Manager
	schedules   *refresh.Manager
	logger      *slog.Logger
	handler     http.Handler
}

// NewServer wires the curator handlers around the two managers.
func NewServer(cfg config.Expo, collections *collection.Manager, schedules *refresh.Manager,
	logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		collections: collections,
		schedules:   schedules,
		logger:      logging.Default(logger).With("component", "expo"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /collections", s.handleCollectionsGet)
	mux.HandleFunc("PUT /collections", s.handleCollectionsPut)
	mux.HandleFunc("PATCH /collections", s.handleCollectionsPatch)
	mux.HandleFunc("DELETE /collections", s.handleCollectionsDelete)
	mux.HandleFunc("GET /schedules", s.handleSchedulesGet)
	mux.HandleFunc("PUT /schedules", s.handleSchedulesPut)
	mux.HandleFunc("PATCH /schedules", s.handleSchedulesPatch)
	mux.HandleFunc("DELETE /schedules", s.handleSchedulesDelete)
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	mux.HandleFunc("POST /scan", s.handleScan)
	mux.HandleFunc("GET /schema/collection.json", s.handleCollectionSchema)
	mux.HandleFunc("GET /schema/{class}/settings.json", s.handleSettingsSchema)
	mux.HandleFunc("GET /schema/schedule.json", s.handleScheduleSchema)
	mux.HandleFunc("GET /default/collection.json", s.handleCollectionDefault)
	mux.HandleFunc("GET /default/schedule.json", s.handleScheduleDefault)
	if cfg.StaticPath != "" {
		mux.Handle("GET /static/", http.StripPrefix("/static/",
			http.FileServer(http.Dir(cfg.StaticPath))))
	}
	s.handler = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StaticPath != "" {
		index := filepath.Join(s.cfg.StaticPath, "index.html")
		if _, err := os.Stat(index); err == nil {
			http.ServeFile(w, r, index)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": "expo"})
}

// --- collections ---

type collectionPayload struct {
	Identifier  string         `json:"identifier"`
	DisplayName string         `json:"display_name"`
	Schedule    string         `json:"schedule"`
	Enabled     bool           `json:"enabled"`
	ClassName   string         `json:"class_name"`
	Settings    map[string]any `json:"settings"`
}

type collectionPatchPayload struct {
	Identifier  *string        `json:"identifier"`
	DisplayName *string        `json:"display_name"`
	Schedule    *string        `json:"schedule"`
	Enabled     *bool          `json:"enabled"`
	Settings    map[string]any `json:"settings"`
}

func collectionDict(c *collection.Collection) map[string]any {
	return map[string]any{
		"identifier":   c.Identifier,
		"display_name": c.DisplayName,
		"schedule":     c.Schedule,
		"enabled":      c.Enabled,
		"class_name":   c.ClassName,
		"settings":     c.ClientSettings(),
	}
}

func (s *Server) handleCollectionsGet(w http.ResponseWriter, r *http.Request) {
	if identifier := r.URL.Query().Get("identifier"); identifier != "" {
		c, ok := s.collections.Get(identifier)
		if !ok {
			s.writeError(w, fmt.Errorf("%w: collection %s", photodb.ErrNotFound, identifier))
			return
		}
		writeJSON(w, http.StatusOK, collectionDict(c))
		return
	}

	list := s.collections.List()
	out := make([]map[string]any, 0, len(list))
	for _, c := range list {
		out = append(out, collectionDict(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCollectionsPut(w http.ResponseWriter, r *http.Request) {
	var p collectionPayload
	if !s.decodeBody(w, r, &p) {
		return
	}
	c, err := s.collections.Add(collection.Params{
		Identifier:  p.Identifier,
		DisplayName: p.DisplayName,
		Schedule:    p.Schedule,
		Enabled:     p.Enabled,
		ClassName:   p.ClassName,
		Settings:    p.Settings,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("collection created", "identifier", c.Identifier, "class", c.ClassName)
	writeJSON(w, http.StatusOK, collectionDict(c))
}

func (s *Server) handleCollectionsPatch(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	var p collectionPatchPayload
	if !s.decodeBody(w, r, &p) {
		return
	}
	c, err := s.collections.Modify(identifier, collection.Patch{
		Identifier:  p.Identifier,
		DisplayName: p.DisplayName,
		Schedule:    p.Schedule,
		Enabled:     p.Enabled,
		Settings:    p.Settings,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collectionDict(c))
}

func (s *Server) handleCollectionsDelete(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if err := s.collections.Remove(identifier); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("collection removed", "identifier", identifier)
	w.WriteHeader(http.StatusNoContent)
}

// --- schedules ---

type schedulePayload struct {
	Identifier     string         `json:"identifier"`
	DisplayName    string         `json:"display_name"`
	Hostname       string         `json:"hostname"`
	Schedule       string         `json:"schedule"`
	Enabled        bool           `json:"enabled"`
	Filter         string         `json:"filter"`
	Order          string         `json:"order"`
	AfficheOptions map[string]any `json:"affiche_options"`
	PostCommandID  string         `json:"post_command_id"`
}

type schedulePatchPayload struct {
	Identifier     *string        `json:"identifier"`
	DisplayName    *string        `json:"display_name"`
	Hostname       *string        `json:"hostname"`
	Schedule       *string        `json:"schedule"`
	Enabled        *bool          `json:"enabled"`
	Filter         *string        `json:"filter"`
	Order          *string        `json:"order"`
	AfficheOptions map[string]any `json:"affiche_options"`
	PostCommandID  *string        `json:"post_command_id"`
}

func jobDict(j *refresh.Job) map[string]any {
	return map[string]any{
		"identifier":      j.Identifier,
		"display_name":    j.DisplayName,
		"hostname":        j.Hostname,
		"schedule":        j.Schedule,
		"enabled":         j.Enabled,
		"filter":          j.Filter,
		"order":           string(j.Order),
		"affiche_options": j.AfficheOptions,
		"post_command_id": j.PostCommandID,
	}
}

// handleSchedulesGet lists jobs, optionally narrowed to one identifier
// or to one display agent. The hostname match accepts both the stored
// hostname and its external form, so a panel asking "who targets me?"
// finds jobs pointed at the curator's loopback too.
func (s *Server) handleSchedulesGet(w http.ResponseWriter, r *http.Request) {
	if identifier := r.URL.Query().Get("identifier"); identifier != "" {
		j, ok := s.schedules.Get(identifier)
		if !ok {
			s.writeError(w, fmt.Errorf("%w: refresh job %s", photodb.ErrNotFound, identifier))
			return
		}
		writeJSON(w, http.StatusOK, jobDict(j))
		return
	}

	hostname := r.URL.Query().Get("hostname")
	list := s.schedules.List()
	out := make([]map[string]any, 0, len(list))
	for _, j := range list {
		if hostname != "" && j.Hostname != hostname &&
			refresh.ExternalHostname(j.Hostname) != hostname {
			continue
		}
		out = append(out, jobDict(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSchedulesPut(w http.ResponseWriter, r *http.Request) {
	var p schedulePayload
	if !s.decodeBody(w, r, &p) {
		return
	}
	j, err := s.schedules.Add(refresh.Params{
		Identifier:     p.Identifier,
		DisplayName:    p.DisplayName,
		Hostname:       p.Hostname,
		Schedule:       p.Schedule,
		Enabled:        p.Enabled,
		Filter:         p.Filter,
		Order:          p.Order,
		AfficheOptions: p.AfficheOptions,
		PostCommandID:  p.PostCommandID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("refresh job created", "identifier", j.Identifier, "hostname", j.Hostname)
	writeJSON(w, http.StatusOK, jobDict(j))
}

func (s *Server) handleSchedulesPatch(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	var p schedulePatchPayload
	if !s.decodeBody(w, r, &p) {
		return
	}
	j, err := s.schedules.Modify(identifier, refresh.Patch{
		Identifier:     p.Identifier,
		DisplayName:    p.DisplayName,
		Hostname:       p.Hostname,
		Schedule:       p.Schedule,
		Enabled:        p.Enabled,
		Filter:         p.Filter,
		Order:          p.Order,
		AfficheOptions: p.AfficheOptions,
		PostCommandID:  p.PostCommandID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobDict(j))
}

func (s *Server) handleSchedulesDelete(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if err := s.schedules.Remove(identifier); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("refresh job removed", "identifier", identifier)
	w.WriteHeader(http.StatusNoContent)
}

// --- manual triggers ---

type triggerPayload struct {
	Identifier string  `json:"identifier"`
	Delay      float64 `json:"delay"`
}

func (p triggerPayload) delay() time.Duration {
	return time.Duration(max(0, p.Delay) * float64(time.Second))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var p triggerPayload
	if !s.decodeBody(w, r, &p) {
		return
	}
	if err := s.schedules.ManualRefresh(p.Identifier, p.delay()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var p triggerPayload
	if !s.decodeBody(w, r, &p) {
		return
	}
	if err := s.collections.ManualUpdate(p.Identifier, p.delay()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- schema and default documents ---

func (s *Server) handleCollectionSchema(w http.ResponseWriter, r *http.Request) {
	classNames := make([]any, 0)
	for _, name := range collection.ClassNames() {
		classNames = append(classNames, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"identifier":   map[string]any{"type": "string", "title": "Identifier"},
			"display_name": map[string]any{"type": "string", "title": "Display name"},
			"schedule":     map[string]any{"type": "string", "title": "Schedule"},
			"enabled":      map[string]any{"type": "boolean", "title": "Enabled"},
			"class_name":   map[string]any{"type": "string", "title": "Class", "enum": classNames},
			"settings":     map[string]any{"type": "object", "title": "Settings"},
		},
		"required":             []any{"identifier", "class_name"},
		"additionalProperties": false,
	})
}

func (s *Server) handleSettingsSchema(w http.ResponseWriter, r *http.Request) {
	class := r.PathValue("class")
	factory, ok := collection.Lookup(class)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: class %s", photodb.ErrNotFound, class))
		return
	}
	writeJSON(w, http.StatusOK, factory.SettingsSchema())
}

func (s *Server) handleScheduleSchema(w http.ResponseWriter, r *http.Request) {
	postCommandIDs := make([]any, 0, len(s.cfg.PostCommands))
	for id := range s.cfg.PostCommands {
		postCommandIDs = append(postCommandIDs, id)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"identifier":   map[string]any{"type": "string", "title": "Identifier"},
			"display_name": map[string]any{"type": "string", "title": "Display name"},
			"hostname":     map[string]any{"type": "string", "title": "Hostname"},
			"schedule":     map[string]any{"type": "string", "title": "Schedule"},
			"enabled":      map[string]any{"type": "boolean", "title": "Enabled"},
			"filter":       map[string]any{"type": "string", "title": "Filter"},
			"order": map[string]any{
				"type":  "string",
				"title": "Order",
				"enum": []any{
					"SHUFFLE", "CHRONOLOGICAL_ASCENDING", "CHRONOLOGICAL_DESCENDING",
				},
			},
			"affiche_options": map[string]any{"type": "object", "title": "Display options"},
			"post_command_id": map[string]any{
				"type":  "string",
				"title": "Post command",
				"enum":  postCommandIDs,
			},
		},
		"required":             []any{"identifier", "hostname"},
		"additionalProperties": false,
	})
}

func (s *Server) handleCollectionDefault(w http.ResponseWriter, r *http.Request) {
	defaults := map[string]any{
		"identifier":   "",
		"display_name": "",
		"schedule":     "0 3 * * *",
		"enabled":      true,
		"class_name":   "",
		"settings":     map[string]any{},
	}
	// Per-class settings defaults, keyed so the UI can swap them in when
	// the class selection changes.
	settingsByClass := map[string]any{}
	for _, name := range collection.ClassNames() {
		if factory, ok := collection.Lookup(name); ok {
			settingsByClass[name] = factory.SettingsDefault()
		}
	}
	defaults["settings_by_class"] = settingsByClass
	writeJSON(w, http.StatusOK, defaults)
}

func (s *Server) handleScheduleDefault(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"identifier":      "",
		"display_name":    "",
		"hostname":        "",
		"schedule":        "*/30 * * * *",
		"enabled":         true,
		"filter":          "true",
		"order":           "SHUFFLE",
		"affiche_options": map[string]any{},
		"post_command_id": "",
	})
}

// --- plumbing ---

// decodeBody decodes a JSON request body, rejecting unknown fields the
// way the entity validation rejects unknown settings.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP codes: field maps and
// duplicate identifiers are client errors, unknown entities are 404,
// anything else is a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var errs fielderr.Errors
	switch {
	case errors.As(err, &errs):
		writeJSON(w, http.StatusBadRequest, errs)
	case errors.Is(err, photodb.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, photodb.ErrDuplicateIdentifier),
		errors.Is(err, photodb.ErrInvalidIdentifier),
		errors.Is(err, collection.ErrUnknownClass):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}
