package collection

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"galerie/internal/fielderr"
	"galerie/internal/photodb"
)

const (
	// azpListBatch is the page size for source listings; azpListMax is a
	// hard cap so a misbehaving source cannot make a scan run forever.
	azpListBatch = 10000
	azpListMax   = 10_000_000

	// azpTempTTL is how long downloaded photos stay cached before the
	// next resolution cleans them up.
	azpTempTTL = time.Hour
)

// azpNode is one photo node as listed by the cloud drive.
type azpNode struct {
	ID           string
	Name         string
	Width        int
	Height       int
	ModifiedDate time.Time
	ContentDate  *time.Time
}

// azpClient is the cloud drive surface the strategy needs. The real
// client talks to the drive REST API; tests substitute a fake.
type azpClient interface {
	ListPhotos(offset, limit int) ([]azpNode, error)
	Download(nodeID, targetPath string) error
}

// azpStrategy mirrors a cloud photo drive into the catalog. Listings are
// paged; photos are downloaded on demand into a temp cache when one is
// selected for display.
type azpStrategy struct {
	collectionID int64
	identifier   string
	userAgent    string
	cookies      map[string]string
	tempDir      string
	client       azpClient
	logger       *slog.Logger
}

func azpFactory() Factory {
	return Factory{
		Name:            "AmazonPhotos",
		SettingsSchema:  azpSettingsSchema,
		SettingsDefault: azpSettingsDefault,
		New:             newAZPStrategy,
	}
}

func azpSettingsSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cookies": map[string]any{
				"type":        "object",
				"title":       "Session cookies",
				"writeOnly":   true,
				"description": "Browser session cookies for the drive account",
			},
			"user_agent": map[string]any{"type": "string", "title": "User agent"},
		},
		"required":             []any{"cookies"},
		"additionalProperties": false,
	}
}

func azpSettingsDefault() map[string]any {
	return map[string]any{"cookies": map[string]any{}, "user_agent": ""}
}

func newAZPStrategy(cfg StrategyConfig) (Strategy, error) {
	errs := fielderr.Errors{}

	cookies := map[string]string{}
	if raw, ok := cfg.Settings["cookies"]; !ok {
		errs.Add("cookies", "required")
	} else if m, isMap := raw.(map[string]any); !isMap {
		errs.Add("cookies", "must be an object of cookie values")
	} else {
		for name, value := range m {
			s, isString := value.(string)
			if !isString {
				errs.Add("cookies", "cookie %q must be a string", name)
				continue
			}
			cookies[name] = s
		}
	}

	userAgent := ""
	if raw, ok := cfg.Settings["user_agent"]; ok {
		s, isString := raw.(string)
		if !isString {
			errs.Add("user_agent", "must be a string")
		}
		userAgent = s
	}

	for key := range cfg.Settings {
		if key != "cookies" && key != "user_agent" {
			errs.Add(key, "unknown setting")
		}
	}
	if err := errs.OrNil(); err != nil {
		return nil, err
	}

	return &azpStrategy{
		collectionID: cfg.ID,
		identifier:   cfg.Identifier,
		userAgent:    userAgent,
		cookies:      cookies,
		tempDir:      cfg.TempDir,
		client:       newAmazonClient(userAgent, cookies, cfg.Logger),
		logger:       cfg.Logger,
	}, nil
}

var maskedValue = regexp.MustCompile(`^\*+$`)

// MaskSettings hides cookie values from clients.
func (s *azpStrategy) MaskSettings() map[string]any {
	masked := map[string]any{}
	for name := range s.cookies {
		masked[name] = "********"
	}
	return map[string]any{"cookies": masked, "user_agent": s.userAgent}
}

// RestoreSettings fills still-masked cookie values in a patch from the
// stored secrets, so clients can change other settings without
// re-entering credentials.
func (s *azpStrategy) RestoreSettings(patch map[string]any) map[string]any {
	restored := map[string]any{}
	for k, v := range patch {
		restored[k] = v
	}
	raw, ok := restored["cookies"].(map[string]any)
	if !ok {
		return restored
	}
	cookies := map[string]any{}
	for name, value := range raw {
		if str, isString := value.(string); isString && maskedValue.MatchString(str) {
			if stored, known := s.cookies[name]; known {
				cookies[name] = stored
				continue
			}
		}
		cookies[name] = value
	}
	restored["cookies"] = cookies
	return restored
}

func (s *azpStrategy) setup(db *sql.DB) error {
	_, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS azp_collections_data(
			photo_id INTEGER PRIMARY KEY REFERENCES photos(id) ON DELETE CASCADE,
			collection_id INTEGER NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
			node_id TEXT NOT NULL,
			name TEXT NOT NULL,
			modified_date TEXT,
			scan_token TEXT,
			UNIQUE(collection_id, node_id))`)
	if err != nil {
		return fmt.Errorf("create azp_collections_data: %w", err)
	}
	return nil
}

func (s *azpStrategy) Update(db *sql.DB, cancelled func() bool) error {
	if err := s.setup(db); err != nil {
		return err
	}

	token := fmt.Sprintf("%016x", rand.Uint64())
	var added, updated int
	stopped := false

listing:
	for offset := 0; offset < azpListMax; offset += azpListBatch {
		if cancelled() {
			stopped = true
			break
		}

		nodes, err := s.client.ListPhotos(offset, azpListBatch)
		if err != nil {
			return fmt.Errorf("list photos: %w", err)
		}

		for _, node := range nodes {
			if cancelled() {
				stopped = true
				break listing
			}
			outcome, err := s.scanNode(db, node, token)
			if err != nil {
				return err
			}
			switch outcome {
			case fileAdded:
				added++
			case fileUpdated:
				updated++
			}
		}

		if len(nodes) < azpListBatch {
			break
		}
	}
	if stopped {
		return nil
	}

	res, err := db.Exec(
		`DELETE FROM photos WHERE id IN (
			SELECT photo_id FROM azp_collections_data
			WHERE collection_id = ? AND (scan_token IS NULL OR scan_token <> ?))`,
		s.collectionID, token)
	if err != nil {
		return fmt.Errorf("sweep %s: %w", s.identifier, err)
	}
	removed, _ := res.RowsAffected()

	s.logger.Info("drive scan", "component", "collection",
		"identifier", s.identifier, "added", added, "updated", updated, "removed", removed)
	return nil
}

func (s *azpStrategy) scanNode(db *sql.DB, node azpNode, token string) (scanOutcome, error) {
	var photoID int64
	var prevModified sql.NullString
	err := db.QueryRow(
		`SELECT photo_id, modified_date FROM azp_collections_data WHERE collection_id = ? AND node_id = ?`,
		s.collectionID, node.ID,
	).Scan(&photoID, &prevModified)

	switch {
	case err == nil:
		if prevModified.Valid {
			if prev, perr := photodb.ParseTime(prevModified.String); perr == nil && !node.ModifiedDate.After(prev) {
				_, uerr := db.Exec(
					`UPDATE azp_collections_data SET scan_token = ? WHERE photo_id = ?`, token, photoID)
				return fileUnchanged, uerr
			}
		}

		tx, err := db.Begin()
		if err != nil {
			return fileUnchanged, err
		}
		defer tx.Rollback()

		_, err = tx.Exec(
			`UPDATE photos SET format = ?, width = ?, height = ?, capture_date = ? WHERE id = ?`,
			nodeFormat(node.Name), node.Width, node.Height, photodb.NullTime(node.ContentDate), photoID)
		if err != nil {
			return fileUnchanged, fmt.Errorf("update node %s: %w", node.ID, err)
		}
		_, err = tx.Exec(
			`UPDATE azp_collections_data SET name = ?, modified_date = ?, scan_token = ? WHERE photo_id = ?`,
			node.Name, photodb.FormatTime(node.ModifiedDate), token, photoID)
		if err != nil {
			return fileUnchanged, fmt.Errorf("update node %s: %w", node.ID, err)
		}
		return fileUpdated, tx.Commit()

	case errors.Is(err, sql.ErrNoRows):
		tx, err := db.Begin()
		if err != nil {
			return fileUnchanged, err
		}
		defer tx.Rollback()

		err = tx.QueryRow(
			`INSERT INTO photos(collection_id, format, width, height, capture_date)
			 VALUES(?, ?, ?, ?, ?) RETURNING id`,
			s.collectionID, nodeFormat(node.Name), node.Width, node.Height, photodb.NullTime(node.ContentDate),
		).Scan(&photoID)
		if err != nil {
			return fileUnchanged, fmt.Errorf("insert node %s: %w", node.ID, err)
		}
		_, err = tx.Exec(
			`INSERT INTO azp_collections_data(photo_id, collection_id, node_id, name, modified_date, scan_token)
			 VALUES(?, ?, ?, ?, ?, ?)`,
			photoID, s.collectionID, node.ID, node.Name, photodb.FormatTime(node.ModifiedDate), token)
		if err != nil {
			return fileUnchanged, fmt.Errorf("insert node %s: %w", node.ID, err)
		}
		return fileAdded, tx.Commit()

	default:
		return fileUnchanged, fmt.Errorf("lookup node %s: %w", node.ID, err)
	}
}

// nodeFormat derives the image format from the node name's extension.
func nodeFormat(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if ext == "jpg" {
		ext = "jpeg"
	}
	return ext
}

func (s *azpStrategy) PhotoURL(db *sql.DB, photoID int64) (string, error) {
	var nodeID, name string
	err := db.QueryRow(
		`SELECT node_id, name FROM azp_collections_data WHERE photo_id = ?`, photoID,
	).Scan(&nodeID, &name)
	if err != nil {
		return "", fmt.Errorf("photo %d node: %w", photoID, err)
	}

	target := filepath.Join(s.tempDir, nodeID+"_"+sanitizeFileName(name))
	s.cleanupTemp(target)

	if _, err := os.Stat(target); err != nil {
		if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
			return "", fmt.Errorf("create temp dir: %w", err)
		}
		if err := s.client.Download(nodeID, target); err != nil {
			return "", fmt.Errorf("download node %s: %w", nodeID, err)
		}
	}

	u := url.URL{Scheme: "file", Path: filepath.ToSlash(target)}
	return u.String(), nil
}

func (s *azpStrategy) PhotoInfo(db *sql.DB, photoID int64) (map[string]any, error) {
	var nodeID, name string
	err := db.QueryRow(
		`SELECT node_id, name FROM azp_collections_data WHERE photo_id = ?`, photoID,
	).Scan(&nodeID, &name)
	if err != nil {
		return nil, fmt.Errorf("photo %d node: %w", photoID, err)
	}
	return map[string]any{"file_name": name, "node_id": nodeID}, nil
}

// cleanupTemp drops cached downloads older than the TTL, sparing the
// file about to be served.
func (s *azpStrategy) cleanupTemp(spare string) {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-azpTempTTL)
	for _, entry := range entries {
		full := filepath.Join(s.tempDir, entry.Name())
		if full == spare || entry.IsDir() {
			continue
		}
		if fi, err := entry.Info(); err == nil && fi.ModTime().Before(cutoff) {
			if err := os.Remove(full); err != nil {
				s.logger.Debug("temp cleanup", "component", "collection",
					"identifier", s.identifier, "path", full, "error", err)
			}
		}
	}
}

var unsafeFileName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeFileName reduces an arbitrary node name to something safe to
// use on the local filesystem.
func sanitizeFileName(name string) string {
	name = unsafeFileName.ReplaceAllString(path.Base(name), "_")
	if name == "" || name == "." || name == ".." {
		name = "photo"
	}
	return name
}
