// Package classify decides whether a component update needs a new version.
package classify

import (
	"reflect"

	"slidesync/internal/document/model"
)

type Kind string

const (
	// LayoutOnly changes move or resize a component and skip versioning.
	LayoutOnly Kind = "layout-only"
	// Substantive changes always get a new version stamp.
	Substantive Kind = "substantive"
)

// LayoutKeys are the only property keys a drag or resize may touch without a
// version bump. Adding a key here exempts it from version history.
var LayoutKeys = map[string]struct{}{
	"position": {},
	"size":     {},
	"rotation": {},
}

func IsLayoutKey(key string) bool {
	_, ok := LayoutKeys[key]
	return ok
}

// Classify compares prev with the patch it is about to receive. Only keys
// whose value actually changes count; any change outside LayoutKeys, or to a
// top-level field, is Substantive.
func Classify(prev *model.Component, update model.ComponentUpdate) Kind {
	if prev == nil {
		return Substantive
	}
	if update.Type != nil && *update.Type != prev.Type {
		return Substantive
	}
	if update.Locked != nil && *update.Locked != prev.Locked {
		return Substantive
	}
	if update.Visible != nil && *update.Visible != prev.Visible {
		return Substantive
	}
	if len(ChangedKeys(prev.Style, update.Style)) > 0 {
		return Substantive
	}
	for _, key := range ChangedKeys(prev.Props, update.Props) {
		if !IsLayoutKey(key) {
			return Substantive
		}
	}
	return LayoutOnly
}

// ChangedKeys returns the patch keys whose value differs from prev. A nil
// patch value is a delete and counts only when the key exists.
func ChangedKeys(prev, patch model.Props) []string {
	var keys []string
	for k, v := range patch {
		old, exists := prev[k]
		if v == nil {
			if exists {
				keys = append(keys, k)
			}
			continue
		}
		if !exists || !equalValue(old, v) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Merge folds several classifications; one Substantive wins.
func Merge(kinds ...Kind) Kind {
	for _, k := range kinds {
		if k == Substantive {
			return Substantive
		}
	}
	return LayoutOnly
}

func equalValue(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// normalize folds numeric and map types so JSON-decoded values compare equal
// to literals built in Go.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case model.Props:
		return normalize(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalize(t[i])
		}
		return out
	default:
		return v
	}
}
