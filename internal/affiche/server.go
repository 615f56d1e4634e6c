package affiche

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"galerie/internal/config"
	"galerie/internal/fielderr"
	"galerie/internal/logging"
)

const streamKeepAlive = 2 * time.Minute

// Form fields on POST / that are not display-writer options.
var reservedFields = map[string]bool{"file": true, "url": true, "info": true}

// Server is the display agent's HTTP surface.
type Server struct {
	cfg     config.Affiche
	engine  *Engine
	store   *Store
	client  *http.Client
	logger  *slog.Logger
	handler http.Handler
}

// NewServer wires the agent handlers around the engine and upload store.
func NewServer(cfg config.Affiche, engine *Engine, store *Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		store:  store,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logging.Default(logger).With("component", "affiche"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /{$}", s.handleUpload)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /status/stream", s.handleStatusStream)
	mux.HandleFunc("GET /preview/{name}", s.handlePreview)
	mux.HandleFunc("GET /display_writer_options_schema.json", s.handleOptionsSchema)
	mux.HandleFunc("GET /display_writer_options_defaults.json", s.handleOptionsDefaults)
	mux.HandleFunc("GET /map_tiles.json", s.handleMapTiles)
	mux.HandleFunc("GET /expo", s.handleExpoProxy)
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
	writeJSON(w, http.StatusOK, map[string]any{"service": "affiche"})
}

// handleUpload accepts an image and starts a display job. Both the
// accepted and the busy case redirect back to the UI; a busy engine
// leaves the client polling /status.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	imagePath, err := s.store.SaveRequest(r)
	if errors.Is(err, errNoImage) {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	if err != nil {
		s.logger.Error("store upload", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	options, info, err := s.parseJobFields(r)
	if err != nil {
		os.Remove(imagePath)
		writeFieldErrors(w, err)
		return
	}

	if err := s.engine.Submit(imagePath, options, info); err != nil {
		os.Remove(imagePath)
		if !errors.Is(err, ErrBusy) {
			s.logger.Error("submit display job", "error", err)
		}
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// parseJobFields coerces the option form fields against the declared
// schema and decodes the optional info JSON.
func (s *Server) parseJobFields(r *http.Request) (options, info map[string]any, err error) {
	form := map[string]string{}
	for key, values := range r.Form {
		if reservedFields[key] || len(values) == 0 {
			continue
		}
		form[key] = values[0]
	}
	if r.MultipartForm != nil {
		for key, values := range r.MultipartForm.Value {
			if reservedFields[key] || len(values) == 0 {
				continue
			}
			form[key] = values[0]
		}
	}

	options, err = CoerceOptions(s.cfg.DisplayWriterOptions, form)
	if err != nil {
		return nil, nil, err
	}

	info = map[string]any{}
	if raw := r.FormValue("info"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			errs := fielderr.Errors{}
			errs.Add("info", "not valid JSON")
			return nil, nil, errs
		}
	}
	return options, info, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// handleStatusStream emits the snapshot as server-sent events: one event
// immediately, then one per state change, re-sending the current state
// every two minutes as a keep-alive. Client disconnect ends the stream.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	snap, seen := s.engine.State()
	for {
		payload, err := json.Marshal(snap)
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()

		snap, seen = s.engine.Wait(r.Context(), streamKeepAlive, seen)
		if r.Context().Err() != nil {
			return
		}
	}
}

// handlePreview serves the current preview image. A stale name or a
// vanished file answers 204 so the UI clears the image.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	path := s.engine.PreviewPath(r.PathValue("name"))
	if path == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	io.Copy(w, f)
}

// handleOptionsSchema serves the operator-provided schema file when one
// is configured, otherwise a schema generated from the declarations.
func (s *Server) handleOptionsSchema(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DisplayWriterOptionsSchemaPath != "" {
		data, err := os.ReadFile(s.cfg.DisplayWriterOptionsSchemaPath)
		if err != nil {
			s.logger.Error("read options schema", "error", err)
			writeJSON(w, http.StatusInternalServerError,
				map[string]any{"error": "options schema unavailable"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
		return
	}
	writeJSON(w, http.StatusOK, OptionsSchema(s.cfg.DisplayWriterOptions))
}

func (s *Server) handleOptionsDefaults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, OptionDefaults(s.cfg.DisplayWriterOptions))
}

// handleMapTiles hands the UI its map-tile configuration, used to plot
// photo capture locations.
func (s *Server) handleMapTiles(w http.ResponseWriter, r *http.Request) {
	tiles := s.cfg.MapTiles
	if tiles == nil {
		tiles = map[string]any{}
	}
	writeJSON(w, http.StatusOK, tiles)
}

// handleExpoProxy asks the curator which schedules target this panel, so
// the UI can show them without talking to the curator directly.
func (s *Server) handleExpoProxy(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ExpoAddress == "" {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]any{"error": "no curator configured"})
		return
	}

	target := url.URL{
		Scheme:   "http",
		Host:     s.cfg.ExpoAddress,
		Path:     "/schedules",
		RawQuery: url.Values{"hostname": {r.Host}}.Encode(),
	}
	resp, err := s.client.Get(target.String())
	if err != nil {
		s.logger.Warn("curator lookup failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]any{"error": "curator unreachable"})
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeFieldErrors renders a validation failure as a field-to-messages
// map, or a plain error object when no field map is available.
func writeFieldErrors(w http.ResponseWriter, err error) {
	var errs fielderr.Errors
	if errors.As(err, &errs) {
		writeJSON(w, http.StatusBadRequest, errs)
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
}
