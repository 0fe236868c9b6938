// Package feature defines the feature entity record synchronized by featsync.
package feature

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// EntityType names the entity in the pending operation queue and the
	// local cache.
	EntityType = "feature"
	// Collection is the remote document collection features are stored in.
	Collection = "features"
)

// Name length bounds.
const (
	MinNameLength        = 3
	MaxNameLength        = 100
	MaxDescriptionLength = 1000
)

// Validation errors. Wrap with failure.Invalid at layer boundaries.
var (
	ErrNameEmpty           = errors.New("name cannot be empty")
	ErrNameTooShort        = fmt.Errorf("name must be at least %d characters", MinNameLength)
	ErrNameTooLong         = fmt.Errorf("name must be at most %d characters", MaxNameLength)
	ErrDescriptionTooLong  = fmt.Errorf("description must be at most %d characters", MaxDescriptionLength)
	ErrMissingID           = errors.New("id is required")
	ErrMissingOwner        = errors.New("createdBy is required")
	ErrMissingTimestamps   = errors.New("createdAt and updatedAt are required")
	ErrUpdatedBeforeCreate = errors.New("updatedAt precedes createdAt")
)

// Feature is the entity record. ID, CreatedBy and CreatedAt never change
// after New; UpdatedAt never moves backwards.
type Feature struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Changes lists the mutable fields for WithChanges. Nil leaves a field as is.
type Changes struct {
	Name        *string
	Description *string
}

// New creates a feature owned by createdBy with a fresh id.
func New(name, description, createdBy string) (Feature, error) {
	now := time.Now().UTC()
	f := Feature{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := f.Validate(); err != nil {
		return Feature{}, err
	}
	return f, nil
}

// WithChanges returns a copy with the given changes applied and UpdatedAt
// advanced to now, or left alone if now is earlier than the stored value.
func (f Feature) WithChanges(ch Changes, now time.Time) (Feature, error) {
	next := f
	if ch.Name != nil {
		next.Name = strings.TrimSpace(*ch.Name)
	}
	if ch.Description != nil {
		next.Description = strings.TrimSpace(*ch.Description)
	}
	now = now.UTC()
	if now.After(next.UpdatedAt) {
		next.UpdatedAt = now
	}
	if err := next.Validate(); err != nil {
		return Feature{}, err
	}
	return next, nil
}

// IsOwnedBy reports whether userID created the feature.
func (f Feature) IsOwnedBy(userID string) bool {
	return f.CreatedBy == userID
}

// Validate checks field values.
func (f Feature) Validate() error {
	if f.ID == "" {
		return ErrMissingID
	}
	if err := ValidateName(f.Name); err != nil {
		return err
	}
	if err := ValidateDescription(f.Description); err != nil {
		return err
	}
	if f.CreatedBy == "" {
		return ErrMissingOwner
	}
	if f.CreatedAt.IsZero() || f.UpdatedAt.IsZero() {
		return ErrMissingTimestamps
	}
	if f.UpdatedAt.Before(f.CreatedAt) {
		return ErrUpdatedBeforeCreate
	}
	return nil
}

// ValidateName enforces the name bounds, counted in characters.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	switch {
	case n == 0:
		return ErrNameEmpty
	case n < MinNameLength:
		return ErrNameTooShort
	case n > MaxNameLength:
		return ErrNameTooLong
	}
	return nil
}

func ValidateDescription(desc string) error {
	if utf8.RuneCountInString(desc) > MaxDescriptionLength {
		return ErrDescriptionTooLong
	}
	return nil
}
