package collection

import (
	"database/sql"

	"galerie/internal/fielderr"
)

// dummyStrategy is an empty collection for wiring and testing setups:
// it scans nothing and never serves a photo.
type dummyStrategy struct{}

func dummyFactory() Factory {
	return Factory{
		Name: "Dummy",
		SettingsSchema: func() map[string]any {
			return map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			}
		},
		SettingsDefault: func() map[string]any { return map[string]any{} },
		New: func(cfg StrategyConfig) (Strategy, error) {
			errs := fielderr.Errors{}
			for key := range cfg.Settings {
				errs.Add(key, "unknown setting")
			}
			if err := errs.OrNil(); err != nil {
				return nil, err
			}
			return dummyStrategy{}, nil
		},
	}
}

func (dummyStrategy) Update(*sql.DB, func() bool) error {
	return nil
}

func (dummyStrategy) PhotoURL(*sql.DB, int64) (string, error) {
	return "", nil
}

func (dummyStrategy) PhotoInfo(*sql.DB, int64) (map[string]any, error) {
	return nil, nil
}
