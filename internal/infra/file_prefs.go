package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

const prefsFileName = "prefs.json"

// FilePrefs implements domain.PrefStore as a flat JSON object shared with the
// host app. String values are stored as JSON strings; anything else the host
// writes is returned as its raw JSON text.
type FilePrefs struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex // serializes writers within this process
}

// NewFilePrefs creates a preference store at <dataDir>/prefs.json.
func NewFilePrefs(dataDir string, logger *zap.Logger) *FilePrefs {
	return NewFilePrefsWithPath(filepath.Join(dataDir, prefsFileName), logger)
}

// NewFilePrefsWithPath creates a preference store at a specific path.
func NewFilePrefsWithPath(path string, logger *zap.Logger) *FilePrefs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FilePrefs{
		path:   path,
		logger: logger.With(zap.String("component", "file_prefs")),
	}
}

// Path returns the backing file path.
func (p *FilePrefs) Path() string {
	return p.path
}

// Get returns the value stored under key.
func (p *FilePrefs) Get(key string) (string, bool, error) {
	values, err := p.read()
	if err != nil {
		return "", false, err
	}
	raw, ok := values[key]
	if !ok {
		return "", false, nil
	}
	return rawString(raw), true, nil
}

// Set stores value under key, keeping every other key as written.
func (p *FilePrefs) Set(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Lock file guards against the host app and the CLI writing concurrently
	unlock, err := p.lock()
	if err != nil {
		return err
	}
	defer unlock()

	values, err := p.read()
	if err != nil {
		return err
	}
	if values == nil {
		values = make(map[string]json.RawMessage)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	values[key] = encoded
	return p.atomicWrite(values)
}

// All returns every key with its value.
func (p *FilePrefs) All() (map[string]string, error) {
	values, err := p.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(values))
	for k, raw := range values {
		out[k] = rawString(raw)
	}
	return out, nil
}

// Subscribe emits the keys whose values changed, by watching the directory
// of the backing file. The channel is closed when ctx is done.
func (p *FilePrefs) Subscribe(ctx context.Context) (<-chan string, error) {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create prefs directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	last, err := p.read()
	if err != nil {
		p.logger.Warn("unreadable prefs file, treating as empty", zap.Error(err))
		last = nil
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(p.path) {
					continue
				}
				current, err := p.read()
				if err != nil {
					// Partial write by a foreign writer; wait for the next event
					p.logger.Debug("prefs file not readable yet", zap.Error(err))
					continue
				}
				for _, key := range changedKeys(last, current) {
					select {
					case out <- key:
					case <-ctx.Done():
						return
					}
				}
				last = current

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("prefs watcher error", zap.Error(err))
			}
		}
	}()
	return out, nil
}

func (p *FilePrefs) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var values map[string]json.RawMessage
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", p.path, err, domain.ErrConfigParse)
	}
	return values, nil
}

func (p *FilePrefs) lock() (func(), error) {
	lockFile, err := os.OpenFile(p.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		lockFile.Close()
	}, nil
}

// atomicWrite writes values to file atomically (write + rename).
func (p *FilePrefs) atomicWrite(values map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return err
	}

	// Temp file is unique per process so the CLI and daemon never collide
	tmpPath := fmt.Sprintf("%s.%d.tmp", p.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// rawString unwraps JSON strings and passes other JSON through as text.
func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func sameJSON(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func changedKeys(before, after map[string]json.RawMessage) []string {
	var keys []string
	for k, v := range after {
		if old, ok := before[k]; !ok || !sameJSON(old, v) {
			keys = append(keys, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Ensure FilePrefs implements domain.PrefStore.
var _ domain.PrefStore = (*FilePrefs)(nil)
