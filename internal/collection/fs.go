package collection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"galerie/internal/fielderr"
	"galerie/internal/imageprobe"
	"galerie/internal/photodb"
)

// fsStrategy scans a directory tree on the local filesystem. Each scan
// stamps the rows it touched with a fresh random token and sweeps the
// rows still carrying an older one, so files deleted from disk disappear
// from the catalog without diffing.
type fsStrategy struct {
	collectionID int64
	identifier   string
	rootPath     string
	watch        bool
	prober       imageprobe.Prober
	logger       *slog.Logger
}

func fsFactory() Factory {
	return Factory{
		Name:            "FileSystem",
		SettingsSchema:  fsSettingsSchema,
		SettingsDefault: fsSettingsDefault,
		New:             newFSStrategy,
	}
}

func fsSettingsSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"root_path": map[string]any{"type": "string", "title": "Root path"},
			"watch":     map[string]any{"type": "boolean", "title": "Watch for changes"},
		},
		"required":             []any{"root_path"},
		"additionalProperties": false,
	}
}

func fsSettingsDefault() map[string]any {
	return map[string]any{"root_path": "~/Pictures", "watch": false}
}

func newFSStrategy(cfg StrategyConfig) (Strategy, error) {
	errs := fielderr.Errors{}

	rootPath, _ := cfg.Settings["root_path"].(string)
	if raw, ok := cfg.Settings["root_path"]; !ok {
		errs.Add("root_path", "required")
	} else if _, isString := raw.(string); !isString || rootPath == "" {
		errs.Add("root_path", "must be a non-empty string")
	}

	watch := false
	if raw, ok := cfg.Settings["watch"]; ok {
		b, isBool := raw.(bool)
		if !isBool {
			errs.Add("watch", "must be a boolean")
		}
		watch = b
	}

	for key := range cfg.Settings {
		if key != "root_path" && key != "watch" {
			errs.Add(key, "unknown setting")
		}
	}
	if err := errs.OrNil(); err != nil {
		return nil, err
	}

	resolved, err := resolveUserPath(rootPath)
	if err != nil {
		errs.Add("root_path", "%v", err)
		return nil, errs
	}

	return &fsStrategy{
		collectionID: cfg.ID,
		identifier:   cfg.Identifier,
		rootPath:     resolved,
		watch:        watch,
		prober:       imageprobe.Default{},
		logger:       cfg.Logger,
	}, nil
}

// resolveUserPath expands a leading ~ and makes the path absolute.
// Symlinks are resolved when possible; a path that does not exist yet is
// kept as-is so the collection can be configured ahead of the data.
func resolveUserPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", p, err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", p, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}

func (s *fsStrategy) setup(db *sql.DB) error {
	_, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS fs_collections_data(
			photo_id INTEGER PRIMARY KEY REFERENCES photos(id) ON DELETE CASCADE,
			collection_id INTEGER NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
			path TEXT NOT NULL,
			modified_date TEXT,
			scan_token TEXT,
			UNIQUE(collection_id, path))`)
	if err != nil {
		return fmt.Errorf("create fs_collections_data: %w", err)
	}
	return nil
}

func (s *fsStrategy) Update(db *sql.DB, cancelled func() bool) error {
	if err := s.setup(db); err != nil {
		return err
	}

	token := fmt.Sprintf("%016x", rand.Uint64())
	var added, updated int
	stopped := false

	walkErr := filepath.WalkDir(s.rootPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == s.rootPath {
				return err
			}
			s.logger.Debug("unreadable entry", "component", "collection",
				"identifier", s.identifier, "path", p, "error", err)
			return nil
		}
		if cancelled() {
			stopped = true
			return fs.SkipAll
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.rootPath, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		// Stat, not the dir entry: symlinked files count by their target.
		fi, err := os.Stat(p)
		if err != nil || fi.IsDir() {
			return nil
		}
		mtime := fi.ModTime().UTC()

		outcome, err := s.scanFile(db, p, rel, mtime, token)
		if err != nil {
			return err
		}
		switch outcome {
		case fileAdded:
			added++
		case fileUpdated:
			updated++
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("walk %s: %w", s.rootPath, walkErr)
	}
	if stopped {
		// Partial scan: the sweep would remove everything not yet
		// visited, so it only runs after a complete pass.
		return nil
	}

	res, err := db.Exec(
		`DELETE FROM photos WHERE id IN (
			SELECT photo_id FROM fs_collections_data
			WHERE collection_id = ? AND (scan_token IS NULL OR scan_token <> ?))`,
		s.collectionID, token)
	if err != nil {
		return fmt.Errorf("sweep %s: %w", s.identifier, err)
	}
	removed, _ := res.RowsAffected()

	s.logger.Info("filesystem scan", "component", "collection",
		"identifier", s.identifier, "added", added, "updated", updated, "removed", removed)
	return nil
}

type scanOutcome int

const (
	fileUnchanged scanOutcome = iota
	fileAdded
	fileUpdated
)

// scanFile reconciles one file: unchanged files just get the fresh scan
// token, new and modified files are probed and written. A file that does
// not probe as an image is left untokened, so the sweep collects it.
func (s *fsStrategy) scanFile(db *sql.DB, fullPath, rel string, mtime time.Time, token string) (scanOutcome, error) {
	var photoID int64
	var prevModified sql.NullString
	err := db.QueryRow(
		`SELECT photo_id, modified_date FROM fs_collections_data WHERE collection_id = ? AND path = ?`,
		s.collectionID, rel,
	).Scan(&photoID, &prevModified)

	switch {
	case err == nil:
		if prevModified.Valid {
			if prev, perr := photodb.ParseTime(prevModified.String); perr == nil && !mtime.After(prev) {
				_, uerr := db.Exec(
					`UPDATE fs_collections_data SET scan_token = ? WHERE photo_id = ?`, token, photoID)
				return fileUnchanged, uerr
			}
		}

		info, perr := s.prober.Probe(fullPath)
		if perr != nil {
			s.logger.Debug("skipping file", "component", "collection",
				"identifier", s.identifier, "path", rel, "error", perr)
			return fileUnchanged, nil
		}
		return fileUpdated, s.updatePhoto(db, photoID, rel, info, mtime, token)

	case errors.Is(err, sql.ErrNoRows):
		info, perr := s.prober.Probe(fullPath)
		if perr != nil {
			if !errors.Is(perr, imageprobe.ErrNotImage) {
				s.logger.Debug("skipping file", "component", "collection",
					"identifier", s.identifier, "path", rel, "error", perr)
			}
			return fileUnchanged, nil
		}
		return fileAdded, s.insertPhoto(db, rel, info, mtime, token)

	default:
		return fileUnchanged, fmt.Errorf("lookup %s: %w", rel, err)
	}
}

func (s *fsStrategy) insertPhoto(db *sql.DB, rel string, info *imageprobe.Info, mtime time.Time, token string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var photoID int64
	err = tx.QueryRow(
		`INSERT INTO photos(collection_id, format, width, height, capture_date)
		 VALUES(?, ?, ?, ?, ?) RETURNING id`,
		s.collectionID, info.Format, info.Width, info.Height, photodb.NullTime(info.CaptureDate),
	).Scan(&photoID)
	if err != nil {
		return fmt.Errorf("insert photo %s: %w", rel, err)
	}
	_, err = tx.Exec(
		`INSERT INTO fs_collections_data(photo_id, collection_id, path, modified_date, scan_token)
		 VALUES(?, ?, ?, ?, ?)`,
		photoID, s.collectionID, rel, photodb.FormatTime(mtime), token)
	if err != nil {
		return fmt.Errorf("insert photo %s: %w", rel, err)
	}
	return tx.Commit()
}

func (s *fsStrategy) updatePhoto(db *sql.DB, photoID int64, rel string, info *imageprobe.Info, mtime time.Time, token string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`UPDATE photos SET format = ?, width = ?, height = ?, capture_date = ? WHERE id = ?`,
		info.Format, info.Width, info.Height, photodb.NullTime(info.CaptureDate), photoID)
	if err != nil {
		return fmt.Errorf("update photo %s: %w", rel, err)
	}
	_, err = tx.Exec(
		`UPDATE fs_collections_data SET modified_date = ?, scan_token = ? WHERE photo_id = ?`,
		photodb.FormatTime(mtime), token, photoID)
	if err != nil {
		return fmt.Errorf("update photo %s: %w", rel, err)
	}
	return tx.Commit()
}

func (s *fsStrategy) PhotoURL(db *sql.DB, photoID int64) (string, error) {
	var rel string
	err := db.QueryRow(`SELECT path FROM fs_collections_data WHERE photo_id = ?`, photoID).Scan(&rel)
	if err != nil {
		return "", fmt.Errorf("photo %d path: %w", photoID, err)
	}
	full := filepath.Join(s.rootPath, filepath.FromSlash(rel))
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(full)}
	return u.String(), nil
}

func (s *fsStrategy) PhotoInfo(db *sql.DB, photoID int64) (map[string]any, error) {
	var rel string
	err := db.QueryRow(`SELECT path FROM fs_collections_data WHERE photo_id = ?`, photoID).Scan(&rel)
	if err != nil {
		return nil, fmt.Errorf("photo %d path: %w", photoID, err)
	}
	return map[string]any{
		"path":      rel,
		"file_name": path.Base(rel),
	}, nil
}

// Watch mirrors filesystem events into scan requests. New directories
// are added to the watch as they appear; the worker debounces the
// resulting notifications.
func (s *fsStrategy) Watch(ctx context.Context, changed func()) error {
	if !s.watch {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", s.rootPath, err)
	}
	defer watcher.Close()

	addTree := func(root string) {
		_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if werr := watcher.Add(p); werr != nil {
					s.logger.Debug("cannot watch directory", "component", "collection",
						"identifier", s.identifier, "path", p, "error", werr)
				}
			}
			return nil
		})
	}
	addTree(s.rootPath)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					addTree(event.Name)
				}
			}
			if event.Op.Has(fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename) {
				changed()
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watch error", "component", "collection",
				"identifier", s.identifier, "error", werr)
		}
	}
}
