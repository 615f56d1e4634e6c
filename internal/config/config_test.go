package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadExpoDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadExpo("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "data/photos.db" || cfg.ListenAddress != ":21110" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadExpoOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"DB_PATH": "/var/lib/galerie/photos.db", "POST_COMMANDS": {"mail": ["sendphoto", "%HOSTNAME%"]}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadExpo(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/var/lib/galerie/photos.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	// Untouched keys keep their defaults.
	if cfg.ListenAddress != ":21110" {
		t.Errorf("ListenAddress = %q", cfg.ListenAddress)
	}
	if argv := cfg.PostCommands["mail"]; len(argv) != 2 || argv[0] != "sendphoto" {
		t.Errorf("PostCommands = %v", cfg.PostCommands)
	}
}

func TestLoadAfficheEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	content := `{
		"TEMP_PATH": "/tmp/affiche",
		"DISPLAY_WRITER_COMMAND": ["python3", "write_to_display.py"],
		"DISPLAY_WRITER_OPTIONS": {
			"quantizer": {"type": "string", "default": "dither", "display_name": "Quantizer"}
		},
		"EXPO_ADDRESS": "curator.local:21110"
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AFFICHE_CONFIG_PATH", path)

	cfg, err := LoadAffiche("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TempPath != "/tmp/affiche" || cfg.ExpoAddress != "curator.local:21110" {
		t.Errorf("cfg = %+v", cfg)
	}
	decl, ok := cfg.DisplayWriterOptions["quantizer"]
	if !ok || decl.Default != "dither" || decl.DisplayName != "Quantizer" {
		t.Errorf("quantizer decl = %+v", decl)
	}
}

func TestLoadExpoRejectsUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"DB_PATH": "/var/lib/galerie/photos.db", "POST_COMMANDZ": {}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadExpo(path); err == nil {
		t.Error("misspelled key was silently ignored")
	}
}

func TestLoadAfficheRejectsUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	content := `{"TEMP_PATH": "/tmp/affiche", "DISPLAY_WRITER_COMAND": ["encre-convert"]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadAffiche(path); err == nil {
		t.Error("misspelled key was silently ignored")
	}
}

func TestLoadExpoExplicitPathMissing(t *testing.T) {
	if _, err := LoadExpo(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("missing explicit config did not error")
	}
}
