package integrations

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Credentials holds the external-service credentials an integration
// dispatcher pipeline needs to reach a record store or spreadsheet
// endpoint. Loaded from YAML and hot-reloadable without a process restart,
// so an operator can rotate a leaked key without redeploying.
type Credentials struct {
	RecordStore RecordStoreCredentials `yaml:"record_store"`
	Spreadsheet SpreadsheetCredentials `yaml:"spreadsheet"`
}

// RecordStoreCredentials authenticates the external record-store adapter.
type RecordStoreCredentials struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// SpreadsheetCredentials authenticates the external spreadsheet adapter.
type SpreadsheetCredentials struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// CredentialReloadStats describes the most recent hot-reload attempt.
type CredentialReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// CredentialsManager hot-reloads Credentials from an external YAML file.
// Reads are lock-free via atomic.Value; only reload operations take the
// mutex.
type CredentialsManager struct {
	current atomic.Value // *Credentials

	path    string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	stats  CredentialReloadStats
	closed bool
}

// NewCredentialsManager loads Credentials from path. If hotReload is true
// the file is watched and reloaded on write/create events, debounced to
// coalesce rapid successive writes from an editor.
func NewCredentialsManager(path string, hotReload bool) (*CredentialsManager, error) {
	m := &CredentialsManager{path: path, stopCh: make(chan struct{})}
	m.current.Store(&Credentials{})

	if path == "" {
		return m, nil
	}

	if err := m.loadLocked(); err != nil {
		return nil, fmt.Errorf("failed to load credentials file: %w", err)
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to start credentials file watcher, hot-reload disabled")
		}
	}

	return m, nil
}

// Get returns the current Credentials. Lock-free, safe for concurrent use.
func (m *CredentialsManager) Get() *Credentials {
	return m.current.Load().(*Credentials)
}

// Reload re-reads the credentials file immediately.
func (m *CredentialsManager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

// Stats returns the most recent reload outcome.
func (m *CredentialsManager) Stats() CredentialReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close stops the file watcher. Safe to call multiple times.
func (m *CredentialsManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *CredentialsManager) loadLocked() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		m.stats.LastErrorStr = err.Error()
		return err
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		m.stats.LastErrorStr = err.Error()
		return fmt.Errorf("invalid credentials YAML: %w", err)
	}

	m.current.Store(&creds)
	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastErrorStr = ""

	log.Info().Int64("reload_count", m.stats.ReloadCount).Msg("integration credentials reloaded")
	return nil
}

func (m *CredentialsManager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()
	return nil
}

func (m *CredentialsManager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer
	var debouncing bool

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debouncing {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(debounceDelay)
			} else {
				debouncing = true
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					m.mu.Lock()
					err := m.loadLocked()
					m.mu.Unlock()
					if err != nil {
						log.Warn().Err(err).Str("path", m.path).Msg("credentials hot-reload failed, keeping previous credentials")
					}
					debouncing = false
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("credentials file watcher error")

		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
