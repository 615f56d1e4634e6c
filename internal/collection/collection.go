package collection

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"galerie/internal/fielderr"
	"galerie/internal/filterlang"
	"galerie/internal/photodb"
)

// ErrUnknownClass is returned when a collection names a class that is not
// in the registry.
var ErrUnknownClass = errors.New("unknown collection class")

// Collection is one configured photo collection. The strategy is nil for
// dormant collections, ones whose stored definition could not be
// reconstructed; they stay visible but never scan or serve photos.
type Collection struct {
	id          int64
	Identifier  string
	DisplayName string
	Schedule    string
	Enabled     bool
	ClassName   string
	Settings    map[string]any

	strategy Strategy
	worker   *worker
}

// ID returns the catalog row id.
func (c *Collection) ID() int64 {
	return c.id
}

// ClientSettings renders the settings for clients, masking secrets when
// the strategy holds any.
func (c *Collection) ClientSettings() map[string]any {
	if s, ok := c.strategy.(SecretSettings); ok {
		return s.MaskSettings()
	}
	return c.Settings
}

// Params describes a collection to create.
type Params struct {
	Identifier  string
	DisplayName string
	Schedule    string
	Enabled     bool
	ClassName   string
	Settings    map[string]any
}

// Patch carries the modifiable fields; nil means keep the stored value.
// The class is fixed for the lifetime of a collection; renaming is
// allowed when the new identifier is unused.
type Patch struct {
	Identifier  *string
	DisplayName *string
	Schedule    *string
	Enabled     *bool
	Settings    map[string]any
}

// Manager owns the collection entities and their workers.
type Manager struct {
	db      *sql.DB
	tempDir string
	logger  *slog.Logger

	mu    sync.Mutex
	items map[string]*Collection
}

// NewManager creates a manager over an open catalog. tempDir is handed to
// strategies that download photos before serving them.
func NewManager(db *sql.DB, tempDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:      db,
		tempDir: tempDir,
		logger:  logger,
		items:   map[string]*Collection{},
	}
}

// LoadAll reads every stored collection and starts workers for the
// enabled ones. A row that cannot be reconstructed (unknown class, broken
// settings) is kept as a dormant entity so it still shows up in listings.
func (m *Manager) LoadAll() error {
	rows, err := m.db.Query(
		`SELECT id, identifier, display_name, schedule, enabled, class_name, settings_json
		 FROM collections ORDER BY id`)
	if err != nil {
		return fmt.Errorf("load collections: %w", err)
	}
	defer rows.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	for rows.Next() {
		var (
			id           int64
			identifier   string
			displayName  string
			schedule     string
			enabled      bool
			className    string
			settingsJSON sql.NullString
		)
		if err := rows.Scan(&id, &identifier, &displayName, &schedule, &enabled, &className, &settingsJSON); err != nil {
			return fmt.Errorf("load collections: %w", err)
		}

		settings := map[string]any{}
		if settingsJSON.Valid && settingsJSON.String != "" {
			if err := json.Unmarshal([]byte(settingsJSON.String), &settings); err != nil {
				m.logger.Error("broken collection settings", "component", "collection",
					"identifier", identifier, "error", err)
			}
		}

		c, err := m.build(id, Params{
			Identifier:  identifier,
			DisplayName: displayName,
			Schedule:    schedule,
			Enabled:     enabled,
			ClassName:   className,
			Settings:    settings,
		})
		if err != nil {
			m.logger.Error("collection stays dormant", "component", "collection",
				"identifier", identifier, "class", className, "error", err)
			c = &Collection{
				id:          id,
				Identifier:  identifier,
				DisplayName: displayName,
				Schedule:    schedule,
				Enabled:     enabled,
				ClassName:   className,
				Settings:    settings,
			}
		}
		m.items[identifier] = c
		m.start(c)
	}
	return rows.Err()
}

// build validates the parameters and constructs an entity with its
// strategy. id 0 means not yet persisted.
func (m *Manager) build(id int64, p Params) (*Collection, error) {
	errs := fielderr.Errors{}

	if !photodb.ValidateIdentifier(p.Identifier) {
		errs.Add("identifier", "not a valid identifier")
	}
	if p.Schedule != "" {
		if _, err := cron.ParseStandard(p.Schedule); err != nil {
			errs.Add("schedule", "not a valid cron expression: %v", err)
		}
	}

	factory, ok := Lookup(p.ClassName)
	if !ok {
		errs.Add("class_name", "unknown class %q", p.ClassName)
		return nil, errs
	}
	if !errs.Empty() {
		return nil, errs
	}

	if p.DisplayName == "" {
		p.DisplayName = p.Identifier
	}
	if p.Settings == nil {
		p.Settings = map[string]any{}
	}

	strategy, err := factory.New(StrategyConfig{
		ID:         id,
		Identifier: p.Identifier,
		Settings:   p.Settings,
		TempDir:    m.tempDir,
		Logger:     m.logger,
	})
	if err != nil {
		return nil, err
	}

	return &Collection{
		id:          id,
		Identifier:  p.Identifier,
		DisplayName: p.DisplayName,
		Schedule:    p.Schedule,
		Enabled:     p.Enabled,
		ClassName:   p.ClassName,
		Settings:    p.Settings,
		strategy:    strategy,
	}, nil
}

// List returns the entities sorted by creation order.
func (m *Manager) List() []*Collection {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Collection, 0, len(m.items))
	for _, c := range m.items {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Get returns the entity for an identifier.
func (m *Manager) Get(identifier string) (*Collection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[identifier]
	return c, ok
}

// Add validates, persists, and starts a new collection.
func (m *Manager) Add(p Params) (*Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[p.Identifier]; exists {
		return nil, fmt.Errorf("%w: %s", photodb.ErrDuplicateIdentifier, p.Identifier)
	}

	c, err := m.build(0, p)
	if err != nil {
		return nil, err
	}
	if err := m.persist(c); err != nil {
		return nil, err
	}
	// Rebuild so the strategy carries the assigned row id. A failure here
	// must not leave an orphan row behind.
	id := c.id
	if c, err = m.build(id, p); err != nil {
		if _, delErr := m.db.Exec(`DELETE FROM collections WHERE id = ?`, id); delErr != nil {
			m.logger.Error("undo collection insert", "component", "collection",
				"identifier", p.Identifier, "error", delErr)
		}
		return nil, err
	}
	m.items[c.Identifier] = c
	m.start(c)
	return c, nil
}

// Modify stops the collection's worker, rebuilds the entity with the
// patched fields, persists it under the same id, and restarts it when
// enabled. Masked secret values in the settings patch keep the stored
// secrets.
func (m *Manager) Modify(identifier string, patch Patch) (*Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.items[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", photodb.ErrNotFound, identifier)
	}

	p := Params{
		Identifier:  old.Identifier,
		DisplayName: old.DisplayName,
		Schedule:    old.Schedule,
		Enabled:     old.Enabled,
		ClassName:   old.ClassName,
		Settings:    old.Settings,
	}
	if patch.Identifier != nil && *patch.Identifier != old.Identifier {
		if _, taken := m.items[*patch.Identifier]; taken {
			return nil, fmt.Errorf("%w: %s", photodb.ErrDuplicateIdentifier, *patch.Identifier)
		}
		p.Identifier = *patch.Identifier
	}
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if patch.Schedule != nil {
		p.Schedule = *patch.Schedule
	}
	if patch.Enabled != nil {
		p.Enabled = *patch.Enabled
	}
	if patch.Settings != nil {
		settings := patch.Settings
		if s, secret := old.strategy.(SecretSettings); secret {
			settings = s.RestoreSettings(settings)
		}
		p.Settings = settings
	}

	c, err := m.build(old.id, p)
	if err != nil {
		return nil, err
	}

	m.stop(old)
	if err := m.persist(c); err != nil {
		m.start(old)
		return nil, err
	}
	delete(m.items, identifier)
	m.items[c.Identifier] = c
	m.start(c)
	return c, nil
}

// Remove stops and deletes a collection. Its photos and strategy rows go
// with it via the schema's cascades.
func (m *Manager) Remove(identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.items[identifier]
	if !ok {
		return fmt.Errorf("%w: collection %s", photodb.ErrNotFound, identifier)
	}
	m.stop(c)

	if _, err := m.db.Exec(`DELETE FROM collections WHERE id = ?`, c.id); err != nil {
		return fmt.Errorf("delete collection %s: %w", identifier, err)
	}
	delete(m.items, identifier)
	return nil
}

// ManualUpdate schedules a scan of one collection after delay. Dormant
// and disabled collections ignore the request.
func (m *Manager) ManualUpdate(identifier string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.items[identifier]
	if !ok {
		return fmt.Errorf("%w: collection %s", photodb.ErrNotFound, identifier)
	}
	if c.worker != nil {
		c.worker.requestUpdate(delay)
	}
	return nil
}

// StopAll stops every worker and waits for their scans to wind down.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.items {
		m.stop(c)
	}
}

func (m *Manager) start(c *Collection) {
	if !c.Enabled || c.strategy == nil || c.worker != nil {
		return
	}
	c.worker = startWorker(workerConfig{
		db:         m.db,
		identifier: c.Identifier,
		schedule:   c.Schedule,
		strategy:   c.strategy,
		logger:     m.logger,
	})
}

func (m *Manager) stop(c *Collection) {
	if c.worker != nil {
		c.worker.stop()
		c.worker = nil
	}
}

func (m *Manager) persist(c *Collection) error {
	settingsJSON, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	var rowID any
	if c.id != 0 {
		rowID = c.id
	}
	err = m.db.QueryRow(
		`INSERT INTO collections(id, identifier, display_name, schedule, enabled, class_name, settings_json)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			identifier = excluded.identifier,
			display_name = excluded.display_name,
			schedule = excluded.schedule,
			enabled = excluded.enabled,
			settings_json = excluded.settings_json
		 RETURNING id`,
		rowID, c.Identifier, c.DisplayName, c.Schedule, c.Enabled, c.ClassName, string(settingsJSON),
	).Scan(&c.id)
	if err != nil {
		return fmt.Errorf("persist collection %s: %w", c.Identifier, err)
	}
	return nil
}

// Photo is a selected photo resolved for display.
type Photo struct {
	ID           int64
	CollectionID int64
	URL          string
	Info         map[string]any
}

// NextPhoto picks the next photo for the filter and order, stamps its
// display, and resolves it through the owning collection's strategy.
// A nil photo with a nil error means nothing matched, or the strategy
// had nothing to serve.
func (m *Manager) NextPhoto(filter filterlang.Expr, order filterlang.Order) (*Photo, error) {
	pick, err := selectNext(m.db, filter, order, time.Now())
	if err != nil {
		return nil, err
	}
	if pick == nil {
		return nil, nil
	}

	m.mu.Lock()
	var owner *Collection
	for _, c := range m.items {
		if c.id == pick.CollectionID {
			owner = c
			break
		}
	}
	m.mu.Unlock()

	if owner == nil || owner.strategy == nil {
		return nil, fmt.Errorf("photo %d belongs to a dormant collection", pick.PhotoID)
	}

	url, err := owner.strategy.PhotoURL(m.db, pick.PhotoID)
	if err != nil {
		return nil, fmt.Errorf("resolve photo %d: %w", pick.PhotoID, err)
	}
	if url == "" {
		return nil, nil
	}

	info := map[string]any{
		"collection": map[string]any{
			"identifier":   owner.Identifier,
			"display_name": owner.DisplayName,
		},
	}
	m.photoDetails(pick.PhotoID, info)
	extra, err := owner.strategy.PhotoInfo(m.db, pick.PhotoID)
	if err != nil {
		m.logger.Warn("photo info unavailable", "component", "collection",
			"identifier", owner.Identifier, "photo", pick.PhotoID, "error", err)
	}
	for k, v := range extra {
		info[k] = v
	}

	return &Photo{
		ID:           pick.PhotoID,
		CollectionID: pick.CollectionID,
		URL:          url,
		Info:         info,
	}, nil
}

func (m *Manager) photoDetails(photoID int64, info map[string]any) {
	var (
		format        sql.NullString
		width, height sql.NullInt64
		favorite      sql.NullBool
		captureDate   sql.NullString
	)
	err := m.db.QueryRow(
		`SELECT format, width, height, favorite, capture_date FROM photos WHERE id = ?`, photoID,
	).Scan(&format, &width, &height, &favorite, &captureDate)
	if err != nil {
		m.logger.Warn("photo details unavailable", "component", "collection",
			"photo", photoID, "error", err)
		return
	}

	if format.Valid {
		info["format"] = format.String
	}
	if width.Valid && height.Valid {
		info["width"] = width.Int64
		info["height"] = height.Int64
	}
	if favorite.Valid {
		info["favorite"] = favorite.Bool
	}
	if captureDate.Valid {
		info["capture_date"] = captureDate.String
	}
}
