// Package collection manages photo collections: the registry of scan
// strategies, the collection entities persisted in the catalog, the
// background workers that keep each enabled collection synchronized with
// its source, and the cycle-balanced photo selector.
package collection

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
)

// Strategy synchronizes one collection with its source and resolves
// selected photos to something a display can fetch.
type Strategy interface {
	// Update performs one full scan, reconciling the catalog with the
	// source. cancelled is polled between items; once it reports true the
	// scan must wind down without corrupting the catalog. Partial progress
	// is acceptable, the next scan completes the reconciliation.
	Update(db *sql.DB, cancelled func() bool) error

	// PhotoURL resolves a catalog photo to a fetchable URL. An empty URL
	// with a nil error means the strategy has nothing to show.
	PhotoURL(db *sql.DB, photoID int64) (string, error)

	// PhotoInfo returns strategy-specific metadata for the photo, merged
	// into the info document sent alongside a displayed image.
	PhotoInfo(db *sql.DB, photoID int64) (map[string]any, error)
}

// Watcher is implemented by strategies that can observe their source for
// changes. The worker runs Watch for as long as the collection is enabled
// and schedules a near-term scan whenever changed is called.
type Watcher interface {
	Watch(ctx context.Context, changed func()) error
}

// SecretSettings is implemented by strategies whose settings contain
// credentials. Masked renderings go out to clients; patches coming back
// with still-masked values keep the stored secrets.
type SecretSettings interface {
	MaskSettings() map[string]any
	RestoreSettings(patch map[string]any) map[string]any
}

// StrategyConfig is what a factory gets to build a strategy instance.
type StrategyConfig struct {
	ID         int64
	Identifier string
	Settings   map[string]any
	TempDir    string
	Logger     *slog.Logger
}

// Factory describes one registered collection class.
type Factory struct {
	Name            string
	SettingsSchema  func() map[string]any
	SettingsDefault func() map[string]any
	New             func(cfg StrategyConfig) (Strategy, error)
}

var factories = map[string]Factory{}

// Register adds a factory to the registry. Duplicate names are a
// programming error.
func Register(f Factory) {
	if _, dup := factories[f.Name]; dup {
		panic("collection: duplicate class " + f.Name)
	}
	factories[f.Name] = f
}

// Lookup returns the factory for a class name.
func Lookup(name string) (Factory, bool) {
	f, ok := factories[name]
	return f, ok
}

// ClassNames lists the registered class names, sorted.
func ClassNames() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(fsFactory())
	Register(azpFactory())
	Register(dummyFactory())
}
