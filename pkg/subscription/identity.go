package subscription

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Resolution is the outcome of mapping a billing subscriber id to a local user.
type Resolution struct {
	UserID string

	// Optimistic is true when no record matched and the subscriber id itself was
	// taken as the user id because it is UUID-shaped. The store's foreign key
	// check confirms it on write.
	Optimistic bool

	// Existing is the most recent record that matched, if any.
	Existing *Record
}

// Resolver maps billing subscriber ids to local user ids.
type Resolver struct {
	store  Store
	logger Logger
}

// NewResolver creates a Resolver backed by store.
func NewResolver(store Store, logger Logger) *Resolver {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve finds the local user for subscriberID. aliases are further platform ids
// for the same purchaser (original id, alias list) and are searched as well.
// Returns ErrIdentityUnresolved when nothing matched and no candidate is UUID-shaped.
func (r *Resolver) Resolve(ctx context.Context, subscriberID string, aliases ...string) (*Resolution, error) {
	candidates := candidateIDs(subscriberID, aliases)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: empty subscriber id", ErrIdentityUnresolved)
	}

	records, err := r.store.FindBySubscriber(ctx, candidates...)
	if err != nil {
		return nil, fmt.Errorf("failed to look up subscriber: %w", err)
	}
	for _, rec := range records {
		if rec.UserID != "" {
			return &Resolution{UserID: rec.UserID, Existing: rec}, nil
		}
	}

	for _, id := range candidates {
		if IsUserIDShaped(id) {
			r.logger.Debug("subscriber resolved optimistically",
				Field{Key: "subscriber_id", Value: subscriberID},
				Field{Key: "user_id", Value: id},
			)
			return &Resolution{UserID: id, Optimistic: true}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrIdentityUnresolved, subscriberID)
}

// IsUserIDShaped reports whether id looks like a local user id (a UUID).
func IsUserIDShaped(id string) bool {
	id = strings.TrimSpace(id)
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func candidateIDs(primary string, aliases []string) []string {
	seen := make(map[string]bool, len(aliases)+1)
	out := make([]string, 0, len(aliases)+1)
	for _, id := range append([]string{primary}, aliases...) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
