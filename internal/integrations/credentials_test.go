package integrations

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCredsFile(t *testing.T, dir, apiKey string) string {
	t.Helper()
	path := filepath.Join(dir, "credentials.yaml")
	content := "record_store:\n  base_url: https://store.example.com\n  api_key: " + apiKey + "\n" +
		"spreadsheet:\n  base_url: https://sheets.example.com\n  api_key: sheet-key\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write credentials file: %v", err)
	}
	return path
}

func TestNewCredentialsManagerLoadsFile(t *testing.T) {
	dir := t.TempDir()
	path := writeCredsFile(t, dir, "key-1")

	m, err := NewCredentialsManager(path, false)
	if err != nil {
		t.Fatalf("NewCredentialsManager: %v", err)
	}
	defer m.Close()

	creds := m.Get()
	if creds.RecordStore.APIKey != "key-1" {
		t.Errorf("APIKey = %q, want key-1", creds.RecordStore.APIKey)
	}
	if creds.Spreadsheet.BaseURL != "https://sheets.example.com" {
		t.Errorf("Spreadsheet.BaseURL = %q", creds.Spreadsheet.BaseURL)
	}
}

func TestNewCredentialsManagerWithoutPathIsEmpty(t *testing.T) {
	m, err := NewCredentialsManager("", false)
	if err != nil {
		t.Fatalf("NewCredentialsManager: %v", err)
	}
	defer m.Close()

	creds := m.Get()
	if creds.RecordStore.APIKey != "" {
		t.Errorf("expected empty credentials, got APIKey %q", creds.RecordStore.APIKey)
	}
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeCredsFile(t, dir, "key-1")

	m, err := NewCredentialsManager(path, false)
	if err != nil {
		t.Fatalf("NewCredentialsManager: %v", err)
	}
	defer m.Close()

	writeCredsFile(t, dir, "key-2")

	if err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := m.Get().RecordStore.APIKey; got != "key-2" {
		t.Errorf("APIKey after reload = %q, want key-2", got)
	}
	if m.Stats().ReloadCount != 2 {
		t.Errorf("ReloadCount = %d, want 2", m.Stats().ReloadCount)
	}
}

func TestHotReloadWatchesFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeCredsFile(t, dir, "key-1")

	m, err := NewCredentialsManager(path, true)
	if err != nil {
		t.Fatalf("NewCredentialsManager: %v", err)
	}
	defer m.Close()

	writeCredsFile(t, dir, "key-2")

	deadline := time.Now().Add(2 * time.Second)
	for m.Get().RecordStore.APIKey != "key-2" && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	if got := m.Get().RecordStore.APIKey; got != "key-2" {
		t.Errorf("APIKey after hot-reload = %q, want key-2", got)
	}
}

func TestNewCredentialsManagerErrorsOnMissingFile(t *testing.T) {
	_, err := NewCredentialsManager("/nonexistent/path/credentials.yaml", false)
	if err == nil {
		t.Error("expected error for missing credentials file")
	}
}
