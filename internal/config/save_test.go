package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveCreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Config file was not created: %v", err)
	}

	var loaded map[string]any
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}
	loop, ok := loaded["loop"].(map[string]any)
	if !ok {
		t.Fatalf("loop section missing: %v", loaded)
	}
	if loop["agent_timeout"] != "30m0s" {
		t.Errorf("durations should be written as strings, got %v", loop["agent_timeout"])
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			cfg := DefaultConfig()
			cfg.Providers["goose"] = ProviderConfig{Command: "goose", Type: "goose", Args: []string{"--verbose"}}
			cfg.Agents[RoleImplementer] = AgentConfig{Provider: "goose", Model: "qwen", ModelProvider: "ollama"}
			cfg.Loop.VerifyCommand = "make check"
			cfg.Loop.Concurrency = 3
			cfg.Loop.VerifyTimeout = Duration(45 * time.Second)
			cfg.Spec.AdditionalSpecs = []string{"docs/api.md", "docs/style.md"}
			cfg.TaskStore.Store = StoreFile

			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			loaded, err := Load(path, "")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if args := loaded.Providers["goose"].Args; len(args) != 1 || args[0] != "--verbose" {
				t.Errorf("goose provider args mismatch: got %v", args)
			}
			if a := loaded.Agents[RoleImplementer]; a.Model != "qwen" || a.ModelProvider != "ollama" {
				t.Errorf("implementer mismatch: %+v", a)
			}
			if loaded.Loop.VerifyCommand != "make check" || loaded.Loop.Concurrency != 3 {
				t.Errorf("loop mismatch: %+v", loaded.Loop)
			}
			if time.Duration(loaded.Loop.VerifyTimeout) != 45*time.Second {
				t.Errorf("verify_timeout = %s", loaded.Loop.VerifyTimeout)
			}
			if len(loaded.Spec.AdditionalSpecs) != 2 || loaded.Spec.AdditionalSpecs[1] != "docs/style.md" {
				t.Errorf("spec files mismatch: %v", loaded.Spec.AdditionalSpecs)
			}
			if loaded.TaskStore.Store != StoreFile {
				t.Errorf("store = %q", loaded.TaskStore.Store)
			}
		})
	}
}

func TestSaveYAMLIsReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading saved config: %v", err)
	}
	for _, want := range []string{"max_tune_attempts: 3", "agent_timeout: 30m0s", "store: cli"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("saved YAML missing %q:\n%s", want, data)
		}
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.TaskStore.Command = "first-value"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	cfg.TaskStore.Command = "second-value"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.TaskStore.Command != "second-value" {
		t.Errorf("Expected 'second-value', got '%s'", loaded.TaskStore.Command)
	}
}
