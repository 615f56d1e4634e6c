package expo

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"galerie/internal/collection"
	"galerie/internal/config"
	"galerie/internal/logging"
	"galerie/internal/photodb"
	"galerie/internal/refresh"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := photodb.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := photodb.Setup(db); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultExpo()
	cfg.PostCommands = map[string][]string{"mail": {"sendphoto", "%HOSTNAME%"}}

	collections := collection.NewManager(db, t.TempDir(), logging.Discard())
	t.Cleanup(collections.StopAll)

	scheduler, err := refresh.NewScheduler(logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	scheduler.Start()
	t.Cleanup(func() { scheduler.Stop() })

	dispatcher := refresh.NewDispatcher(cfg.PostCommands, logging.Discard())
	schedules := refresh.NewManager(db, collections, dispatcher, scheduler,
		cfg.PostCommands, logging.Discard())
	t.Cleanup(schedules.StopAll)

	return NewServer(cfg, collections, schedules, logging.Discard())
}

func doJSON(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	return w
}

func decodeDict(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var dict map[string]any
	if err := json.NewDecoder(w.Body).Decode(&dict); err != nil {
		t.Fatal(err)
	}
	return dict
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var list []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	return list
}

func TestCollectionsCRUD(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPut, "/collections",
		`{"identifier": "attic", "class_name": "Dummy"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", w.Code, w.Body)
	}
	created := decodeDict(t, w)
	if created["display_name"] != "attic" {
		t.Errorf("display_name = %v, want defaulted to identifier", created["display_name"])
	}

	// Round trip.
	w = doJSON(t, srv, http.MethodGet, "/collections?identifier=attic", "")
	if got := decodeDict(t, w); got["identifier"] != "attic" || got["class_name"] != "Dummy" {
		t.Errorf("fetched = %v", got)
	}

	// Duplicate identifier is a client error.
	w = doJSON(t, srv, http.MethodPut, "/collections",
		`{"identifier": "attic", "class_name": "Dummy"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("duplicate status = %d, want 400", w.Code)
	}

	// Empty PATCH is a no-op.
	w = doJSON(t, srv, http.MethodPatch, "/collections?identifier=attic", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("empty patch status = %d: %s", w.Code, w.Body)
	}
	if got := decodeDict(t, w); got["display_name"] != "attic" {
		t.Errorf("patched = %v", got)
	}

	// Rename to an unused identifier.
	w = doJSON(t, srv, http.MethodPatch, "/collections?identifier=attic",
		`{"identifier": "cellar", "display_name": "The Cellar"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("rename status = %d: %s", w.Code, w.Body)
	}
	w = doJSON(t, srv, http.MethodGet, "/collections?identifier=attic", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("old identifier status = %d, want 404", w.Code)
	}
	w = doJSON(t, srv, http.MethodGet, "/collections?identifier=cellar", "")
	if got := decodeDict(t, w); got["display_name"] != "The Cellar" {
		t.Errorf("renamed = %v", got)
	}

	w = doJSON(t, srv, http.MethodDelete, "/collections?identifier=cellar", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
	w = doJSON(t, srv, http.MethodGet, "/collections", "")
	if list := decodeList(t, w); len(list) != 0 {
		t.Errorf("list after delete = %v", list)
	}
}

func TestCollectionsValidationErrors(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPut, "/collections",
		`{"identifier": "bad name!", "class_name": "Dummy", "schedule": "often"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var fields map[string][]string
	if err := json.NewDecoder(w.Body).Decode(&fields); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"identifier", "schedule"} {
		if len(fields[field]) == 0 {
			t.Errorf("no message for field %q: %v", field, fields)
		}
	}
}

func TestSchedulesCRUDAndHostnameFilter(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPut, "/schedules",
		`{"identifier": "den", "hostname": "localhost:21109", "filter": "favorite", "order": "SHUFFLE"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", w.Code, w.Body)
	}
	w = doJSON(t, srv, http.MethodPut, "/schedules",
		`{"identifier": "hall", "hostname": "panel.example.net:21109"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", w.Code, w.Body)
	}

	w = doJSON(t, srv, http.MethodGet, "/schedules", "")
	if list := decodeList(t, w); len(list) != 2 {
		t.Fatalf("list = %v", list)
	}

	// Exact hostname match.
	w = doJSON(t, srv, http.MethodGet, "/schedules?hostname=panel.example.net:21109", "")
	list := decodeList(t, w)
	if len(list) != 1 || list[0]["identifier"] != "hall" {
		t.Errorf("hostname filter = %v", list)
	}

	// A loopback target also matches its external form, which is how a
	// panel finds jobs configured against the curator's own machine.
	external := refresh.ExternalHostname("localhost:21109")
	w = doJSON(t, srv, http.MethodGet, "/schedules?hostname="+external, "")
	list = decodeList(t, w)
	if len(list) != 1 || list[0]["identifier"] != "den" {
		t.Errorf("external hostname filter = %v (queried %q)", list, external)
	}

	// PATCH persists a filter change.
	w = doJSON(t, srv, http.MethodPatch, "/schedules?identifier=den",
		`{"filter": "landscape and favorite"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", w.Code, w.Body)
	}
	if got := decodeDict(t, w); got["filter"] != "landscape and favorite" {
		t.Errorf("patched = %v", got)
	}

	// Bad filter text is a field error.
	w = doJSON(t, srv, http.MethodPatch, "/schedules?identifier=den",
		`{"filter": "favorite and and"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad filter status = %d, want 400", w.Code)
	}

	w = doJSON(t, srv, http.MethodDelete, "/schedules?identifier=den", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
	w = doJSON(t, srv, http.MethodGet, "/schedules?identifier=den", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("deleted job status = %d, want 404", w.Code)
	}
}

func TestManualTriggers(t *testing.T) {
	srv := newTestServer(t)

	doJSON(t, srv, http.MethodPut, "/collections",
		`{"identifier": "attic", "class_name": "Dummy", "enabled": true}`)
	doJSON(t, srv, http.MethodPut, "/schedules",
		`{"identifier": "den", "hostname": "localhost:21109", "enabled": false}`)

	w := doJSON(t, srv, http.MethodPost, "/scan", `{"identifier": "attic", "delay": 60}`)
	if w.Code != http.StatusNoContent {
		t.Errorf("scan status = %d: %s", w.Code, w.Body)
	}
	w = doJSON(t, srv, http.MethodPost, "/scan", `{"identifier": "nowhere"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown scan status = %d, want 404", w.Code)
	}

	// Disabled jobs reject manual refresh like unknown ones.
	w = doJSON(t, srv, http.MethodPost, "/refresh", `{"identifier": "den"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("disabled refresh status = %d, want 404", w.Code)
	}

	doJSON(t, srv, http.MethodPatch, "/schedules?identifier=den", `{"enabled": true}`)
	w = doJSON(t, srv, http.MethodPost, "/refresh", `{"identifier": "den", "delay": 3600}`)
	if w.Code != http.StatusNoContent {
		t.Errorf("refresh status = %d: %s", w.Code, w.Body)
	}

	// Negative delays clamp to zero rather than erroring.
	w = doJSON(t, srv, http.MethodPost, "/refresh", `{"identifier": "den", "delay": -5}`)
	if w.Code != http.StatusNoContent {
		t.Errorf("negative delay status = %d: %s", w.Code, w.Body)
	}
}

func TestSchemaEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/schema/collection.json", "")
	schema := decodeDict(t, w)
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("collection schema = %v", schema)
	}
	class, _ := props["class_name"].(map[string]any)
	enum, _ := class["enum"].([]any)
	found := false
	for _, name := range enum {
		if name == "FileSystem" {
			found = true
		}
	}
	if !found {
		t.Errorf("class enum = %v", enum)
	}

	w = doJSON(t, srv, http.MethodGet, "/schema/FileSystem/settings.json", "")
	settings := decodeDict(t, w)
	if settings["type"] != "object" {
		t.Errorf("FileSystem settings schema = %v", settings)
	}
	w = doJSON(t, srv, http.MethodGet, "/schema/Teleporter/settings.json", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown class schema status = %d, want 404", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/schema/schedule.json", "")
	schema = decodeDict(t, w)
	props, _ = schema["properties"].(map[string]any)
	postCmd, _ := props["post_command_id"].(map[string]any)
	enum, _ = postCmd["enum"].([]any)
	if len(enum) != 1 || enum[0] != "mail" {
		t.Errorf("post command enum = %v", enum)
	}

	w = doJSON(t, srv, http.MethodGet, "/default/schedule.json", "")
	defaults := decodeDict(t, w)
	if defaults["order"] != "SHUFFLE" || defaults["filter"] != "true" {
		t.Errorf("schedule defaults = %v", defaults)
	}

	w = doJSON(t, srv, http.MethodGet, "/default/collection.json", "")
	defaults = decodeDict(t, w)
	byClass, _ := defaults["settings_by_class"].(map[string]any)
	if _, ok := byClass["FileSystem"]; !ok {
		t.Errorf("collection defaults = %v", defaults)
	}
}
