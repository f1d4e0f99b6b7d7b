package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadGlobal reads and strictly decodes the global configuration file.
func LoadGlobal(path string) (*GlobalConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ValidationError{Source: path, Err: err}
	}
	var cfg GlobalConfig
	if err := decodeStrict(b, &cfg); err != nil {
		return nil, &ValidationError{Source: path, Err: err}
	}
	return &cfg, nil
}

// LoadSyncs reads every YAML descriptor under dir, sorted by filename.
//
// Any invalid file fails the whole load: a reload must never leave the
// supervisor with a partially-registered descriptor set.
func LoadSyncs(dir string) ([]SyncConfig, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yml" || ext == ".yaml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	seen := map[string]string{}
	out := make([]SyncConfig, 0, len(files))
	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, &ValidationError{Source: path, Err: err}
		}
		var sc SyncConfig
		if err := decodeStrict(b, &sc); err != nil {
			return nil, &ValidationError{Source: path, Err: err}
		}
		if err := sc.Validate(); err != nil {
			return nil, &ValidationError{Source: path, Err: err}
		}
		if prev, dup := seen[sc.ID]; dup {
			return nil, &ValidationError{
				Source: path,
				Err:    fmt.Errorf("duplicate sync id %q (already defined in %s)", sc.ID, prev),
			}
		}
		seen[sc.ID] = path
		out = append(out, sc)
	}
	return out, nil
}

// decodeStrict coerces YAML to JSON and decodes with unknown fields rejected,
// so typos in descriptors surface at load time instead of being ignored.
func decodeStrict(data []byte, v any) error {
	jb, err := coerceToJSONBytes(data)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	// reject trailing tokens (e.g. concatenated documents)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("trailing data after config document")
		}
		return err
	}
	return nil
}
