// Package workflow ingests YAML workflow documents into models.WorkflowSpec
// values. Ingestion is deliberately thin: the engine's Store and Step/Loop
// Engines never see YAML, only the validated WorkflowSpec this package
// produces (spec.md §1, ingestion out of scope for the engine core).
package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/setfarm/engine/internal/models"
	"github.com/setfarm/engine/pkg/memory"
)

const cacheScope = "workflow_spec"

// Loader parses workflow YAML files into WorkflowSpec values, caching the
// parsed result by content hash so re-loading an unchanged file through the
// same Loader skips YAML decode and validation.
type Loader struct {
	cache memory.Store
}

// NewLoader returns a Loader backed by a bounded per-path LRU cache.
func NewLoader() *Loader {
	return &Loader{cache: memory.NewLRU(8)}
}

// LoadFile reads and parses the workflow YAML document at path.
func (l *Loader) LoadFile(path string) (*models.WorkflowSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file %s: %w", path, err)
	}
	return l.Load(path, raw)
}

// Load parses raw YAML bytes into a validated WorkflowSpec. scopeID
// identifies the source (typically the file path) for cache bookkeeping;
// the cache key is the content hash, so unchanged bytes under the same
// scopeID hit the cache. The cache is in memory only and does not survive a
// process restart.
func (l *Loader) Load(scopeID string, raw []byte) (*models.WorkflowSpec, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])

	if entry, ok := l.cache.Get(cacheScope, scopeID, key); ok {
		var spec models.WorkflowSpec
		if err := json.Unmarshal([]byte(entry.Value), &spec); err == nil {
			return &spec, nil
		}
		// Cache entry is corrupt or stale in shape; fall through and reparse.
	}

	var spec models.WorkflowSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, &models.SpecErrorKind{Reason: fmt.Sprintf("invalid workflow yaml: %v", err)}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	cached, err := json.Marshal(&spec)
	if err == nil {
		_ = l.cache.Set(cacheScope, scopeID, key, string(cached))
	}
	return &spec, nil
}
