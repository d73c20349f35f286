package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/noahxzhu/webpush-notify/internal/model"
)

const schemaVersion = 1

type fileSchema struct {
	Version       int                 `json:"version"`
	Subscriptions []model.Destination `json:"subscriptions"`
}

// Store keeps the registry in a single JSON file.
type Store struct {
	mu       sync.Mutex
	filePath string
}

func NewStore(filePath string) *Store {
	return &Store{filePath: filePath}
}

func (s *Store) Load(ctx context.Context) ([]model.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []model.Destination{}, nil
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(data) == 0 {
		return []model.Destination{}, nil
	}

	var schema fileSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		// Attempt migration from the bare-array subscriptions.json format
		var old []model.Destination
		if err2 := json.Unmarshal(data, &old); err2 == nil {
			return old, nil
		}
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	if schema.Subscriptions == nil {
		schema.Subscriptions = []model.Destination{}
	}
	return schema.Subscriptions, nil
}

func (s *Store) Save(ctx context.Context, dests []model.Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dests == nil {
		dests = []model.Destination{}
	}
	data, err := json.MarshalIndent(fileSchema{Version: schemaVersion, Subscriptions: dests}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	// Write to a temp file and rename so a crash never leaves half a file.
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}
