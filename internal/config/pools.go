package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/nuetzliches/claimq/internal/storage"
)

// PoolsFile is the on-disk shape of the pool registry seed:
//
//	{"pools": [{"name": "p1", "uri": "sqlite:///var/lib/claimq/p1.db", "weight": 100}]}
type PoolsFile struct {
	Pools []PoolEntry `json:"pools"`
}

type PoolEntry struct {
	Name    string         `json:"name"`
	URI     string         `json:"uri"`
	Weight  int            `json:"weight"`
	Options map[string]any `json:"options,omitempty"`
}

// ReadPoolsFile loads and validates a pools file. Pools are returned sorted
// by name.
func ReadPoolsFile(path string) ([]storage.Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pools, err := ParsePools(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pools, nil
}

// ParsePools decodes a pools file. URIs may carry {$ENV} and {file.path}
// placeholders.
func ParsePools(data []byte) ([]storage.Pool, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var file PoolsFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse pools: %w", err)
	}

	var errs []error
	seen := make(map[string]struct{}, len(file.Pools))
	out := make([]storage.Pool, 0, len(file.Pools))
	for i, p := range file.Pools {
		name := strings.TrimSpace(p.Name)
		uri, err := expandPlaceholders(strings.TrimSpace(p.URI))
		if err != nil {
			errs = append(errs, fmt.Errorf("pool %q: uri: %w", name, err))
			continue
		}
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("pools[%d]: name is required", i))
			continue
		case storage.Scheme(uri) == "":
			errs = append(errs, fmt.Errorf("pool %q: uri %q has no scheme", name, uri))
			continue
		case p.Weight < 0:
			errs = append(errs, fmt.Errorf("pool %q: weight must not be negative", name))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("pool %q: defined twice", name))
			continue
		}
		seen[name] = struct{}{}
		out = append(out, storage.Pool{Name: name, URI: uri, Weight: p.Weight, Options: p.Options})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
