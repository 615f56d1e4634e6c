// Package config loads the layered JSON configuration for both
// services: baked-in defaults overlaid with an operator config.json.
// The config file path can be forced through EXPO_CONFIG_PATH and
// AFFICHE_CONFIG_PATH.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// OptionDecl declares one display-writer option: its type, default, and
// how the UI should present it. Option values arriving as form fields
// are coerced against these declarations.
type OptionDecl struct {
	Type        string `json:"type"`
	Default     any    `json:"default"`
	Enum        []any  `json:"enum,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	DisplayName string `json:"display_name"`
}

// Expo is the curator service configuration.
type Expo struct {
	ListenAddress string              `json:"LISTEN_ADDRESS"`
	DBPath        string              `json:"DB_PATH"`
	PostCommands  map[string][]string `json:"POST_COMMANDS"`
	StaticPath    string              `json:"STATIC_PATH"`
}

// Affiche is the display agent configuration. An empty ExpoAddress
// disables the curator proxy lookup.
type Affiche struct {
	ListenAddress                  string                `json:"LISTEN_ADDRESS"`
	TempPath                       string                `json:"TEMP_PATH"`
	DisplayWriterCommand           []string              `json:"DISPLAY_WRITER_COMMAND"`
	DisplayWriterOptionsSchemaPath string                `json:"DISPLAY_WRITER_OPTIONS_SCHEMA_PATH"`
	DisplayWriterOptions           map[string]OptionDecl `json:"DISPLAY_WRITER_OPTIONS"`
	ExpoAddress                    string                `json:"EXPO_ADDRESS"`
	MapTiles                       map[string]any        `json:"MAP_TILES"`
	StaticPath                     string                `json:"STATIC_PATH"`
}

// DefaultExpo returns the baked-in curator defaults.
func DefaultExpo() Expo {
	return Expo{
		ListenAddress: ":21110",
		DBPath:        "data/photos.db",
		PostCommands:  map[string][]string{},
	}
}

// DefaultAffiche returns the baked-in agent defaults.
func DefaultAffiche() Affiche {
	return Affiche{
		ListenAddress:        ":21109",
		TempPath:             "temp",
		DisplayWriterCommand: []string{"encre-convert"},
		DisplayWriterOptions: map[string]OptionDecl{},
	}
}

// LoadExpo loads the curator configuration. The config file is resolved
// from the explicit path argument, then EXPO_CONFIG_PATH, then
// config.json in the working directory; only the last is optional.
func LoadExpo(path string) (Expo, error) {
	cfg := DefaultExpo()
	resolved, optional := resolvePath(path, "EXPO_CONFIG_PATH")
	if err := overlay(resolved, optional, &cfg); err != nil {
		return Expo{}, err
	}
	return cfg, nil
}

// LoadAffiche loads the agent configuration, resolving the file like
// LoadExpo but via AFFICHE_CONFIG_PATH.
func LoadAffiche(path string) (Affiche, error) {
	cfg := DefaultAffiche()
	resolved, optional := resolvePath(path, "AFFICHE_CONFIG_PATH")
	if err := overlay(resolved, optional, &cfg); err != nil {
		return Affiche{}, err
	}
	return cfg, nil
}

func resolvePath(explicit, envVar string) (path string, optional bool) {
	if explicit != "" {
		return explicit, false
	}
	if fromEnv := os.Getenv(envVar); fromEnv != "" {
		return fromEnv, false
	}
	return "config.json", true
}

// overlay decodes the file over the defaults already present in cfg, so
// absent keys keep their default values. Unknown keys are rejected
// rather than ignored, so a typo'd key name fails loudly at startup.
func overlay(path string, optional bool, cfg any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && optional {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
