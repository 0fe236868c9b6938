package feature

import (
	"fmt"
	"time"
)

// Document field keys. These are shared with the cache and the remote
// collection, so renaming one is a data migration.
const (
	FieldID           = "id"
	FieldName         = "name"
	FieldDescription  = "description"
	FieldCreatedBy    = "createdBy"
	FieldCreatedAt    = "createdAt"
	FieldUpdatedAt    = "updatedAt"
	FieldVersion      = "version"
	FieldLastModified = "lastModified"
)

// TimeLayout is the wire format for timestamps in field maps.
const TimeLayout = time.RFC3339Nano

// ToFields projects the feature into a flat field map.
func (f Feature) ToFields() map[string]any {
	return map[string]any{
		FieldID:          f.ID,
		FieldName:        f.Name,
		FieldDescription: f.Description,
		FieldCreatedBy:   f.CreatedBy,
		FieldCreatedAt:   FormatTime(f.CreatedAt),
		FieldUpdatedAt:   FormatTime(f.UpdatedAt),
	}
}

// FromFields rebuilds a feature from a field map. Unknown keys (version,
// lastModified and anything a newer writer added) are ignored.
func FromFields(m map[string]any) (Feature, error) {
	var f Feature
	var err error

	if f.ID, err = stringField(m, FieldID, true); err != nil {
		return Feature{}, err
	}
	if f.Name, err = stringField(m, FieldName, true); err != nil {
		return Feature{}, err
	}
	if f.Description, err = stringField(m, FieldDescription, false); err != nil {
		return Feature{}, err
	}
	if f.CreatedBy, err = stringField(m, FieldCreatedBy, true); err != nil {
		return Feature{}, err
	}
	if f.CreatedAt, err = TimeField(m, FieldCreatedAt); err != nil {
		return Feature{}, err
	}
	if f.UpdatedAt, err = TimeField(m, FieldUpdatedAt); err != nil {
		return Feature{}, err
	}
	return f, nil
}

// TimeField parses the timestamp stored under key. A missing key yields
// the zero time.
func TimeField(m map[string]any, key string) (time.Time, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return time.Time{}, nil
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		parsed, err := ParseTime(t)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %s: %w", key, err)
		}
		return parsed, nil
	case time.Time:
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("field %s: unexpected type %T", key, v)
	}
}

func stringField(m map[string]any, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("field %s is required", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s: expected string, got %T", key, v)
	}
	return s, nil
}

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
