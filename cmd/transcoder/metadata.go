package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// metadataStore keeps one JSON file per job so queued work survives a
// restart. A lock file stops two processes sharing an output root.
type metadataStore struct {
	root string
	lock *flock.Flock
}

func newMetadataStore(root string) (*metadataStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(root, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock metadata directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("metadata directory %s is in use by another transcoder", root)
	}
	return &metadataStore{root: root, lock: lock}, nil
}

func (m *metadataStore) Close() error {
	return m.lock.Unlock()
}

func (m *metadataStore) Load() (map[string]*job, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	jobs := make(map[string]*job)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.root, entry.Name()))
		if err != nil {
			return nil, err
		}
		var j job
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Name(), err)
		}
		if j.ID == "" {
			continue
		}
		jobs[j.ID] = &j
	}
	return jobs, nil
}

func (m *metadataStore) SaveJob(j *job) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.root, j.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (m *metadataStore) Delete(id string) error {
	err := os.Remove(filepath.Join(m.root, id+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
