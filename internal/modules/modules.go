// Package modules holds the builtin sync kinds.
package modules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"spotifreak/internal/content"
	"spotifreak/internal/registry"
	"spotifreak/internal/selection"
)

// Deps is everything the builtin kinds need from the host.
type Deps struct {
	Service   content.Service
	Scrobbler content.Scrobbler
	// BaseDir anchors relative asset paths in presentation options.
	BaseDir string
	// Selector is shared so folder listings are cached across tasks.
	Selector *selection.Engine
}

// Builtins returns the closed kind set. The supervisor registers these once
// at startup.
func Builtins(deps Deps) []registry.Kind {
	if deps.Selector == nil {
		deps.Selector = selection.New()
	}
	return []registry.Kind{
		cacheKind(deps),
		mirrorKind(deps),
		presentationKind(deps),
		topTracksKind(deps),
		retentionKind(deps),
	}
}

// decodeOptions strictly decodes a kind's options. The schema has already
// checked the shape; this catches anything the schema is too loose for.
func decodeOptions(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	return nil
}
