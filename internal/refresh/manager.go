package refresh

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"galerie/internal/collection"
	"galerie/internal/fielderr"
	"galerie/internal/filterlang"
	"galerie/internal/photodb"
)

// Job is one refresh job: a schedule that picks the next photo matching
// its filter and delivers it to one display agent.
type Job struct {
	id             int64
	Identifier     string
	DisplayName    string
	Hostname       string
	Schedule       string
	Enabled        bool
	Filter         string
	Order          filterlang.Order
	AfficheOptions map[string]any
	PostCommandID  string

	filterExpr   filterlang.Expr
	cronSchedule cron.Schedule // nil when the job only fires manually
}

// ID returns the catalog row id.
func (j *Job) ID() int64 {
	return j.id
}

// PhotoSource picks the next photo for a filter and order.
type PhotoSource interface {
	NextPhoto(filter filterlang.Expr, order filterlang.Order) (*collection.Photo, error)
}

// Params describes a refresh job to create.
type Params struct {
	Identifier     string
	DisplayName    string
	Hostname       string
	Schedule       string
	Enabled        bool
	Filter         string
	Order          string
	AfficheOptions map[string]any
	PostCommandID  string
}

// Patch carries the modifiable fields; nil means keep the stored value.
// Renaming is allowed when the new identifier is unused.
type Patch struct {
	Identifier     *string
	DisplayName    *string
	Hostname       *string
	Schedule       *string
	Enabled        *bool
	Filter         *string
	Order          *string
	AfficheOptions map[string]any
	PostCommandID  *string
}

// Manager owns the refresh jobs, their persistence, and their armed
// fires.
type Manager struct {
	db           *sql.DB
	photos       PhotoSource
	dispatcher   *Dispatcher
	scheduler    *Scheduler
	postCommands map[string][]string
	logger       *slog.Logger

	mu    sync.Mutex
	items map[string]*Job
}

func NewManager(db *sql.DB, photos PhotoSource, dispatcher *Dispatcher, scheduler *Scheduler,
	postCommands map[string][]string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:           db,
		photos:       photos,
		dispatcher:   dispatcher,
		scheduler:    scheduler,
		postCommands: postCommands,
		logger:       logger,
		items:        map[string]*Job{},
	}
}

// LoadAll reads every stored job and arms the enabled ones.
func (m *Manager) LoadAll() error {
	rows, err := m.db.Query(
		`SELECT id, identifier, display_name, hostname, schedule, enabled, filter,
			"order", affiche_options_json, post_command_id
		 FROM refresh_jobs ORDER BY id`)
	if err != nil {
		return fmt.Errorf("load refresh jobs: %w", err)
	}
	defer rows.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	for rows.Next() {
		var (
			id            int64
			p             Params
			optionsJSON   string
			postCommandID sql.NullString
		)
		err := rows.Scan(&id, &p.Identifier, &p.DisplayName, &p.Hostname, &p.Schedule,
			&p.Enabled, &p.Filter, &p.Order, &optionsJSON, &postCommandID)
		if err != nil {
			return fmt.Errorf("load refresh jobs: %w", err)
		}
		p.PostCommandID = postCommandID.String
		if optionsJSON != "" {
			if err := json.Unmarshal([]byte(optionsJSON), &p.AfficheOptions); err != nil {
				m.logger.Error("broken job options", "component", "refresh",
					"job", p.Identifier, "error", err)
			}
		}

		j, err := m.build(id, p)
		if err != nil {
			m.logger.Error("refresh job stays dormant", "component", "refresh",
				"job", p.Identifier, "error", err)
			continue
		}
		m.items[j.Identifier] = j
		m.arm(j)
	}
	return rows.Err()
}

func (m *Manager) build(id int64, p Params) (*Job, error) {
	errs := fielderr.Errors{}

	if !photodb.ValidateIdentifier(p.Identifier) {
		errs.Add("identifier", "not a valid identifier")
	}
	if p.Hostname == "" {
		errs.Add("hostname", "required")
	}

	var cronSchedule cron.Schedule
	if p.Schedule != "" {
		sched, err := cron.ParseStandard(p.Schedule)
		if err != nil {
			errs.Add("schedule", "not a valid cron expression: %v", err)
		}
		cronSchedule = sched
	}

	if p.Filter == "" {
		p.Filter = "true"
	}
	filterExpr, err := filterlang.Parse(p.Filter)
	if err != nil {
		errs.Add("filter", "%v", err)
	}

	order, err := filterlang.ParseOrder(p.Order)
	if err != nil {
		errs.Add("order", "%v", err)
	}

	if p.PostCommandID != "" {
		if _, ok := m.postCommands[p.PostCommandID]; !ok {
			errs.Add("post_command_id", "unknown post command %q", p.PostCommandID)
		}
	}
	if err := errs.OrNil(); err != nil {
		return nil, err
	}

	if p.DisplayName == "" {
		p.DisplayName = p.Identifier
	}
	if p.AfficheOptions == nil {
		p.AfficheOptions = map[string]any{}
	}

	return &Job{
		id:             id,
		Identifier:     p.Identifier,
		DisplayName:    p.DisplayName,
		Hostname:       p.Hostname,
		Schedule:       p.Schedule,
		Enabled:        p.Enabled,
		Filter:         p.Filter,
		Order:          order,
		AfficheOptions: p.AfficheOptions,
		PostCommandID:  p.PostCommandID,
		filterExpr:     filterExpr,
		cronSchedule:   cronSchedule,
	}, nil
}

// List returns the jobs sorted by creation order.
func (m *Manager) List() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Job, 0, len(m.items))
	for _, j := range m.items {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].id < out[k].id })
	return out
}

// Get returns the job for an identifier.
func (m *Manager) Get(identifier string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.items[identifier]
	return j, ok
}

// Add validates, persists, and arms a new job.
func (m *Manager) Add(p Params) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[p.Identifier]; exists {
		return nil, fmt.Errorf("%w: %s", photodb.ErrDuplicateIdentifier, p.Identifier)
	}

	j, err := m.build(0, p)
	if err != nil {
		return nil, err
	}
	if err := m.persist(j); err != nil {
		return nil, err
	}
	m.items[j.Identifier] = j
	m.arm(j)
	return j, nil
}

// Modify rebuilds a job with the patched fields and re-arms it.
func (m *Manager) Modify(identifier string, patch Patch) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.items[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: refresh job %s", photodb.ErrNotFound, identifier)
	}

	p := Params{
		Identifier:     old.Identifier,
		DisplayName:    old.DisplayName,
		Hostname:       old.Hostname,
		Schedule:       old.Schedule,
		Enabled:        old.Enabled,
		Filter:         old.Filter,
		Order:          string(old.Order),
		AfficheOptions: old.AfficheOptions,
		PostCommandID:  old.PostCommandID,
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
	if patch.Hostname != nil {
		p.Hostname = *patch.Hostname
	}
	if patch.Schedule != nil {
		p.Schedule = *patch.Schedule
	}
	if patch.Enabled != nil {
		p.Enabled = *patch.Enabled
	}
	if patch.Filter != nil {
		p.Filter = *patch.Filter
	}
	if patch.Order != nil {
		p.Order = *patch.Order
	}
	if patch.AfficheOptions != nil {
		p.AfficheOptions = patch.AfficheOptions
	}
	if patch.PostCommandID != nil {
		p.PostCommandID = *patch.PostCommandID
	}

	j, err := m.build(old.id, p)
	if err != nil {
		return nil, err
	}
	if err := m.persist(j); err != nil {
		return nil, err
	}

	m.scheduler.Disarm(identifier)
	delete(m.items, identifier)
	m.items[j.Identifier] = j
	m.arm(j)
	return j, nil
}

// Remove disarms and deletes a job.
func (m *Manager) Remove(identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.items[identifier]
	if !ok {
		return fmt.Errorf("%w: refresh job %s", photodb.ErrNotFound, identifier)
	}
	m.scheduler.Disarm(identifier)

	if _, err := m.db.Exec(`DELETE FROM refresh_jobs WHERE id = ?`, j.id); err != nil {
		return fmt.Errorf("delete refresh job %s: %w", identifier, err)
	}
	delete(m.items, identifier)
	return nil
}

// ManualRefresh arms a one-shot fire at now + delay, replacing whatever
// was armed. Disabled and unknown jobs are rejected alike, the caller
// renders both as not found.
func (m *Manager) ManualRefresh(identifier string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.items[identifier]
	if !ok || !j.Enabled {
		return fmt.Errorf("%w: refresh job %s", photodb.ErrNotFound, identifier)
	}
	return m.scheduler.ArmAt(identifier, time.Now().Add(delay), func() { m.fire(identifier) })
}

// NextRun reports when the job fires next, if armed.
func (m *Manager) NextRun(identifier string) (time.Time, bool) {
	return m.scheduler.NextRun(identifier)
}

// StopAll disarms every job.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for identifier := range m.items {
		m.scheduler.Disarm(identifier)
	}
}

// arm schedules the next cron fire. Callers hold m.mu.
func (m *Manager) arm(j *Job) {
	if !j.Enabled || j.cronSchedule == nil {
		return
	}
	identifier := j.Identifier
	next := j.cronSchedule.Next(time.Now())
	if err := m.scheduler.ArmAt(identifier, next, func() { m.fire(identifier) }); err != nil {
		m.logger.Error("arm refresh job", "component", "refresh", "job", identifier, "error", err)
	}
}

// fire selects the next photo and dispatches it, then re-arms the cron
// fire. Dispatch failures are logged and swallowed; the schedule keeps
// going.
func (m *Manager) fire(identifier string) {
	defer m.rearm(identifier)

	m.mu.Lock()
	j := m.items[identifier]
	m.mu.Unlock()
	if j == nil || !j.Enabled {
		return
	}

	photo, err := m.photos.NextPhoto(j.filterExpr, j.Order)
	if err != nil {
		m.logger.Error("photo selection failed", "component", "refresh",
			"job", identifier, "error", err)
		return
	}
	if photo == nil {
		m.logger.Info("no photo available", "component", "refresh", "job", identifier)
		return
	}

	if err := m.dispatcher.Dispatch(j, photo); err != nil {
		m.logger.Error("dispatch failed", "component", "refresh",
			"job", identifier, "hostname", j.Hostname, "error", err)
		return
	}
	m.logger.Info("photo dispatched", "component", "refresh",
		"job", identifier, "hostname", j.Hostname, "photo", photo.ID)
}

func (m *Manager) rearm(identifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.items[identifier]; ok {
		m.arm(j)
	}
}

func (m *Manager) persist(j *Job) error {
	optionsJSON, err := json.Marshal(j.AfficheOptions)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}

	var rowID any
	if j.id != 0 {
		rowID = j.id
	}
	var postCommandID any
	if j.PostCommandID != "" {
		postCommandID = j.PostCommandID
	}
	err = m.db.QueryRow(
		`INSERT INTO refresh_jobs(id, identifier, display_name, hostname, schedule, enabled,
			filter, "order", affiche_options_json, post_command_id)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			identifier = excluded.identifier,
			display_name = excluded.display_name,
			hostname = excluded.hostname,
			schedule = excluded.schedule,
			enabled = excluded.enabled,
			filter = excluded.filter,
			"order" = excluded."order",
			affiche_options_json = excluded.affiche_options_json,
			post_command_id = excluded.post_command_id
		 RETURNING id`,
		rowID, j.Identifier, j.DisplayName, j.Hostname, j.Schedule, j.Enabled,
		j.Filter, string(j.Order), string(optionsJSON), postCommandID,
	).Scan(&j.id)
	if err != nil {
		return fmt.Errorf("persist refresh job %s: %w", j.Identifier, err)
	}
	return nil
}
