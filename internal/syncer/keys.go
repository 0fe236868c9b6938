package syncer

import (
	"fmt"
	"strings"

	"github.com/trackflow/featsync/internal/queue"
)

// Keys builds and parses the sync keys for one entity type.
//
//	feature_<id>        refresh one entity from the remote store
//	features_<userId>   refresh one owner's entities
//	features_create     drain the pending queue (same for update, delete)
//	features_drain      drain the pending queue (periodic)
//
// A user id equal to create, update, delete or drain is read as a drain
// key.
type Keys struct {
	Singular string
	Plural   string
}

// KeysFor returns the keys for entityType, pluralized with a trailing s.
func KeysFor(entityType string) Keys {
	return Keys{Singular: entityType, Plural: entityType + "s"}
}

// Entity returns the refresh key for one entity.
func (k Keys) Entity(id string) string {
	return k.Singular + "_" + id
}

// Owner returns the refresh key for an owner's entities.
func (k Keys) Owner(userID string) string {
	return k.Plural + "_" + userID
}

// Write returns the drain key triggered by a local mutation of kind.
func (k Keys) Write(kind queue.Kind) string {
	return k.Plural + "_" + string(kind)
}

// Drain returns the periodic drain key.
func (k Keys) Drain() string {
	return k.Plural + "_drain"
}

// TargetKind is what a key asks the syncer to do.
type TargetKind int

const (
	TargetDrain TargetKind = iota
	TargetEntity
	TargetOwner
)

func (t TargetKind) String() string {
	switch t {
	case TargetDrain:
		return "drain"
	case TargetEntity:
		return "entity"
	case TargetOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// Target is a parsed key.
type Target struct {
	Kind TargetKind
	// Arg is the entity id or user id; empty for drains.
	Arg string
}

// Parse maps key back to its target.
func (k Keys) Parse(key string) (Target, error) {
	if rest, ok := strings.CutPrefix(key, k.Plural+"_"); ok {
		switch rest {
		case "":
			return Target{}, fmt.Errorf("sync key %q has no owner", key)
		case string(queue.KindCreate), string(queue.KindUpdate), string(queue.KindDelete), "drain":
			return Target{Kind: TargetDrain}, nil
		}
		return Target{Kind: TargetOwner, Arg: rest}, nil
	}
	if rest, ok := strings.CutPrefix(key, k.Singular+"_"); ok && rest != "" {
		return Target{Kind: TargetEntity, Arg: rest}, nil
	}
	return Target{}, fmt.Errorf("unrecognized sync key %q", key)
}
