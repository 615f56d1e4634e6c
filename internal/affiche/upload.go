package affiche

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	uploadDirName  = "upload"
	previewDirName = "preview"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store keeps uploaded images in a scratch directory until the engine
// consumes them. Every stored file carries a fresh job tag in its name
// so concurrent submissions never collide.
type Store struct {
	uploadDir  string
	previewDir string
	client     *http.Client
}

// NewStore prepares the upload and preview directories under tempPath,
// wiping leftovers from an earlier run.
func NewStore(tempPath string) (*Store, error) {
	s := &Store{
		uploadDir:  filepath.Join(tempPath, uploadDirName),
		previewDir: filepath.Join(tempPath, previewDirName),
		client:     &http.Client{Timeout: 5 * time.Minute},
	}
	for _, dir := range []string{s.uploadDir, s.previewDir} {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("clear %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

// PreviewDir is where the engine writes preview files.
func (s *Store) PreviewDir() string {
	return s.previewDir
}

// newJobID returns a 120-bit random tag.
func newJobID() string {
	var buf [15]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf[:])
}

// SaveMultipart stores an uploaded form file.
func (s *Store) SaveMultipart(file multipart.File, header *multipart.FileHeader) (string, error) {
	defer file.Close()
	return s.save(file, header.Filename)
}

// SaveURL fetches url and stores the body. file:// URLs are copied from
// the local filesystem since the HTTP client cannot fetch them.
func (s *Store) SaveURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", u.Path, err)
		}
		defer f.Close()
		return s.save(f, path.Base(u.Path))
	case "http", "https":
		resp, err := s.client.Get(rawURL)
		if err != nil {
			return "", fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
		}
		name := dispositionFilename(resp.Header.Get("Content-Disposition"))
		if name == "" {
			name = path.Base(u.Path)
		}
		return s.save(resp.Body, name)
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

// save writes the image under a tagged name: <stem>_<jobID><ext>.
func (s *Store) save(r io.Reader, originalName string) (string, error) {
	stem, ext := splitName(originalName)
	target := filepath.Join(s.uploadDir, stem+"_"+newJobID()+ext)

	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(target)
		return "", fmt.Errorf("store upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("store upload: %w", err)
	}
	return target, nil
}

func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// splitName sanitizes the client-supplied name into a stem and
// extension, falling back to "image" for unusable names.
func splitName(name string) (stem, ext string) {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	ext = path.Ext(name)
	stem = strings.TrimSuffix(name, ext)
	stem = unsafeNameChars.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "._")
	if stem == "" {
		stem = "image"
	}
	ext = unsafeNameChars.ReplaceAllString(ext, "")
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return stem, ext
}

var errNoImage = errors.New("request carries neither a file nor a url")

// SaveRequest extracts the image from an upload request, from the
// multipart "file" field or the "url" form value.
func (s *Store) SaveRequest(r *http.Request) (string, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err == nil {
			return s.SaveMultipart(file, header)
		}
		if !errors.Is(err, http.ErrMissingFile) {
			return "", fmt.Errorf("read form file: %w", err)
		}
	}
	if rawURL := r.FormValue("url"); rawURL != "" {
		return s.SaveURL(rawURL)
	}
	return "", errNoImage
}
