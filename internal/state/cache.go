package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/user/nextmeeting/internal/types"
)

// Cache persists the last known events so a restarted daemon can answer
// before its first sync.
type Cache struct {
	path string
}

type cacheFile struct {
	SavedAt time.Time               `json:"saved_at"`
	Events  []types.NormalizedEvent `json:"events"`
}

func NewCache(path string) *Cache {
	return &Cache{path: path}
}

func (c *Cache) Path() string {
	return c.path
}

// Load returns the cached events. A missing file is not an error.
func (c *Cache) Load() ([]types.NormalizedEvent, time.Time, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("read cache file: %w", err)
	}
	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, time.Time{}, fmt.Errorf("unmarshal cache: %w", err)
	}
	return f.Events, f.SavedAt, nil
}

// Save writes events using an atomic temp file + rename.
func (c *Cache) Save(events []types.NormalizedEvent, savedAt time.Time) error {
	data, err := json.Marshal(cacheFile{SavedAt: savedAt.UTC(), Events: events})
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp cache file: %w", err)
	}
	return nil
}
