package refresh

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"galerie/internal/collection"
	"galerie/internal/logging"
)

func testPhoto(rawURL string) *collection.Photo {
	return &collection.Photo{
		ID:  1,
		URL: rawURL,
		Info: map[string]any{
			"file_name": "beach.png",
			"collection": map[string]any{
				"identifier": "wall", "display_name": "Wall",
			},
		},
	}
}

// A local agent gets a URL reference even for file photos; a remote
// agent gets the bytes.
func TestDeliveryKind(t *testing.T) {
	d := NewDispatcher(map[string][]string{"mail": {"sendphoto"}}, logging.Discard())

	tests := []struct {
		name     string
		hostname string
		photoURL string
		command  string
		want     deliveryKind
	}{
		{"local file", "localhost:80", "file:///p/a.png", "", deliverURLEncoded},
		{"loopback ip file", "127.0.0.1:8080", "file:///p/a.png", "", deliverURLEncoded},
		{"remote file", "192.0.2.10:80", "file:///p/a.png", "", deliverMultipart},
		{"remote http url", "192.0.2.10:80", "http://elsewhere/a.png", "", deliverURLEncoded},
		{"post command wins", "192.0.2.10:80", "file:///p/a.png", "mail", deliverCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{Hostname: tt.hostname, PostCommandID: tt.command}
			if got := d.delivery(job, tt.photoURL); got != tt.want {
				t.Errorf("delivery = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDispatchURLEncoded(t *testing.T) {
	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		gotForm = r.PostForm
	}))
	defer server.Close()

	d := NewDispatcher(nil, logging.Discard())
	job := &Job{
		Identifier:     "frame",
		Hostname:       strings.TrimPrefix(server.URL, "http://"),
		AfficheOptions: map[string]any{"quantizer": "dither", "contrast": float64(2)},
	}

	if err := d.Dispatch(job, testPhoto("file:///photos/beach.png")); err != nil {
		t.Fatal(err)
	}

	if got := gotForm.Get("url"); got != "file:///photos/beach.png" {
		t.Errorf("url field = %q", got)
	}
	if got := gotForm.Get("quantizer"); got != "dither" {
		t.Errorf("quantizer field = %q", got)
	}
	if got := gotForm.Get("contrast"); got != "2" {
		t.Errorf("contrast field = %q", got)
	}

	var info map[string]any
	if err := json.Unmarshal([]byte(gotForm.Get("info")), &info); err != nil {
		t.Fatalf("info field is not JSON: %v", err)
	}
	if info["file_name"] != "beach.png" {
		t.Errorf("info = %v", info)
	}
}

func TestPostMultipart(t *testing.T) {
	photoPath := filepath.Join(t.TempDir(), "beach.png")
	if err := os.WriteFile(photoPath, []byte("image bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	var gotFile []byte
	var gotName, gotInfo string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Error(err)
			return
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			t.Error(err)
			return
		}
		defer f.Close()
		gotFile, _ = io.ReadAll(f)
		gotName = header.Filename
		gotInfo = r.FormValue("info")
	}))
	defer server.Close()

	d := NewDispatcher(nil, logging.Discard())
	job := &Job{Identifier: "frame", Hostname: "peer.example:80"}
	photo := testPhoto((&url.URL{Scheme: "file", Path: photoPath}).String())
	infoJSON, _ := json.Marshal(photo.Info)

	if err := d.postMultipart(server.URL+"/", job, photo, infoJSON); err != nil {
		t.Fatal(err)
	}

	if string(gotFile) != "image bytes" {
		t.Errorf("file field = %q", gotFile)
	}
	if gotName != "beach.png" {
		t.Errorf("file name = %q", gotName)
	}
	if gotInfo == "" {
		t.Error("info field missing")
	}
}

func TestRunPostCommand(t *testing.T) {
	var gotArgv []string
	d := NewDispatcher(map[string][]string{
		"mail": {"sendphoto", "--to", "%HOSTNAME%"},
	}, logging.Discard())
	d.runCommand = func(argv []string) error {
		gotArgv = argv
		return nil
	}

	job := &Job{
		Identifier:     "frame",
		Hostname:       "frame.example:80",
		PostCommandID:  "mail",
		AfficheOptions: map[string]any{"quantizer": "dither"},
	}
	if err := d.Dispatch(job, testPhoto("file:///photos/beach.png")); err != nil {
		t.Fatal(err)
	}

	if len(gotArgv) != 8 {
		t.Fatalf("argv = %v", gotArgv)
	}
	if gotArgv[2] != "frame.example:80" {
		t.Errorf("hostname substitution = %q", gotArgv[2])
	}
	if gotArgv[3] != "/photos/beach.png" {
		t.Errorf("photo path = %q", gotArgv[3])
	}
	if gotArgv[4] != "--options" || gotArgv[6] != "--info" {
		t.Errorf("argv = %v", gotArgv)
	}
}

// Post commands act on local files only.
func TestRunPostCommandRejectsRemote(t *testing.T) {
	d := NewDispatcher(map[string][]string{"mail": {"sendphoto"}}, logging.Discard())
	d.runCommand = func([]string) error {
		t.Fatal("command ran for a remote photo")
		return nil
	}

	job := &Job{Identifier: "frame", Hostname: "frame.example:80", PostCommandID: "mail"}
	err := d.Dispatch(job, testPhoto("http://elsewhere/a.png"))
	if err == nil || !strings.Contains(err.Error(), "local photo") {
		t.Errorf("error = %v, want remote rejection", err)
	}
}

func TestExternalHostname(t *testing.T) {
	got := ExternalHostname("localhost:8080")
	if !strings.HasSuffix(got, ":8080") {
		t.Errorf("ExternalHostname(localhost:8080) = %q, want the port preserved", got)
	}

	if got := ExternalHostname("192.0.2.10:80"); got != "192.0.2.10:80" {
		t.Errorf("ExternalHostname(non-local) = %q, want unchanged", got)
	}
}
