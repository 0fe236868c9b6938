// Package usecase exposes the feature operations callers are allowed to
// perform. It validates parameters and enforces ownership before handing
// the work to the repository.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/trackflow/featsync/internal/failure"
	"github.com/trackflow/featsync/internal/feature"
	"github.com/trackflow/featsync/internal/repository"
)

// Repository is the data access the use cases need.
type Repository interface {
	GetByID(ctx context.Context, id string) (feature.Feature, error)
	WatchByUser(ctx context.Context, userID string) <-chan repository.Update
	Create(ctx context.Context, f feature.Feature) (feature.Feature, error)
	Update(ctx context.Context, f feature.Feature) (feature.Feature, error)
	Delete(ctx context.Context, id string) error
}

var errMissingUser = errors.New("user id is required")

// CreateParams creates a feature owned by UserID.
type CreateParams struct {
	Name        string
	Description string
	UserID      string
}

// UpdateParams changes a feature. Nil fields are left as they are.
type UpdateParams struct {
	ID          string
	UserID      string
	Name        *string
	Description *string
}

// DeleteParams deletes a feature.
type DeleteParams struct {
	ID     string
	UserID string
}

// Features runs the feature use cases.
type Features struct {
	repo Repository
	now  func() time.Time
}

// New creates the use cases over repo.
func New(repo Repository) *Features {
	if repo == nil {
		panic("usecase: nil repository")
	}
	return &Features{repo: repo, now: time.Now}
}

// GetFeatureByID returns one feature.
func (u *Features) GetFeatureByID(ctx context.Context, id string) (feature.Feature, error) {
	if strings.TrimSpace(id) == "" {
		return feature.Feature{}, failure.Invalid("get feature", feature.ErrMissingID)
	}
	return u.repo.GetByID(ctx, id)
}

// WatchFeaturesByUser streams the features userID owns.
func (u *Features) WatchFeaturesByUser(ctx context.Context, userID string) (<-chan repository.Update, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, failure.Invalid("watch features", errMissingUser)
	}
	return u.repo.WatchByUser(ctx, userID), nil
}

// CreateFeature creates a feature owned by the caller.
func (u *Features) CreateFeature(ctx context.Context, p CreateParams) (feature.Feature, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return feature.Feature{}, failure.Invalid("create feature", errMissingUser)
	}
	f, err := feature.New(p.Name, p.Description, p.UserID)
	if err != nil {
		return feature.Feature{}, failure.Invalid("create feature", err)
	}
	return u.repo.Create(ctx, f)
}

// UpdateFeature applies changes to a feature the caller owns.
func (u *Features) UpdateFeature(ctx context.Context, p UpdateParams) (feature.Feature, error) {
	current, err := u.owned(ctx, "update feature", p.ID, p.UserID)
	if err != nil {
		return feature.Feature{}, err
	}
	next, err := current.WithChanges(feature.Changes{Name: p.Name, Description: p.Description}, u.now())
	if err != nil {
		return feature.Feature{}, failure.Invalid("update feature", err)
	}
	return u.repo.Update(ctx, next)
}

// DeleteFeature deletes a feature the caller owns.
func (u *Features) DeleteFeature(ctx context.Context, p DeleteParams) error {
	if _, err := u.owned(ctx, "delete feature", p.ID, p.UserID); err != nil {
		return err
	}
	return u.repo.Delete(ctx, p.ID)
}

func (u *Features) owned(ctx context.Context, op, id, userID string) (feature.Feature, error) {
	if strings.TrimSpace(id) == "" {
		return feature.Feature{}, failure.Invalid(op, feature.ErrMissingID)
	}
	if strings.TrimSpace(userID) == "" {
		return feature.Feature{}, failure.Invalid(op, errMissingUser)
	}
	f, err := u.repo.GetByID(ctx, id)
	if err != nil {
		return feature.Feature{}, err
	}
	if !f.IsOwnedBy(userID) {
		return feature.Feature{}, failure.Permission(op, fmt.Errorf("feature %s is not owned by %s", id, userID))
	}
	return f, nil
}
