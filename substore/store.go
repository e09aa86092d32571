// Package substore persists subscriptions in a dedicated KV namespace so
// non-ephemeral subscriptions survive restarts and are re-wired on start.
package substore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/natsclient"
	"github.com/sodazone/xcmon/types"
)

// Subscription ids become KV keys, so they carry the KV key charset.
var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_=-]*$`)

// ValidateID checks that a subscription id is usable as a KV key.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return errors.WrapInvalid(
			fmt.Errorf("subscription id %q contains invalid characters", id),
			"substore", "ValidateID", "validate id")
	}
	return nil
}

// Store provides persistence for subscriptions over a KV namespace.
type Store struct {
	kv natsclient.KV
}

// NewStore creates a subscription store.
func NewStore(kv natsclient.KV) *Store {
	return &Store{kv: kv}
}

// Create persists a new subscription; it fails if the id already exists.
func (s *Store) Create(ctx context.Context, sub types.Subscription) error {
	if err := ValidateID(sub.ID); err != nil {
		return err
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return errors.WrapFatal(err, "substore", "Create", "marshal subscription")
	}

	if _, err := s.kv.Create(ctx, sub.ID, data); err != nil {
		if err == natsclient.ErrKVKeyExists {
			return errors.WrapInvalid(errors.ErrSubscriptionExists, "substore", "Create", "create subscription")
		}
		return errors.WrapTransient(err, "substore", "Create", "create in KV")
	}
	return nil
}

// Get retrieves a subscription by id.
func (s *Store) Get(ctx context.Context, id string) (types.Subscription, error) {
	var sub types.Subscription

	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if err == natsclient.ErrKVKeyNotFound {
			return sub, errors.ErrSubscriptionNotFound
		}
		return sub, errors.WrapTransient(err, "substore", "Get", "get from KV")
	}

	if err := json.Unmarshal(entry.Value, &sub); err != nil {
		return sub, errors.WrapFatal(err, "substore", "Get", "unmarshal subscription")
	}
	return sub, nil
}

// Save replaces the stored form of an existing subscription.
func (s *Store) Save(ctx context.Context, sub types.Subscription) error {
	if err := ValidateID(sub.ID); err != nil {
		return err
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return errors.WrapFatal(err, "substore", "Save", "marshal subscription")
	}

	if _, err := s.kv.Put(ctx, sub.ID, data); err != nil {
		return errors.WrapTransient(err, "substore", "Save", "put to KV")
	}
	return nil
}

// Delete removes a subscription by id. Deleting an absent subscription is
// a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, id); err != nil && err != natsclient.ErrKVKeyNotFound {
		return errors.WrapTransient(err, "substore", "Delete", "delete from KV")
	}
	return nil
}

// List retrieves all persisted subscriptions.
func (s *Store) List(ctx context.Context) ([]types.Subscription, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "substore", "List", "list KV keys")
	}

	subs := make([]types.Subscription, 0, len(keys))
	for _, key := range keys {
		sub, err := s.Get(ctx, key)
		if err != nil {
			if err == errors.ErrSubscriptionNotFound {
				continue
			}
			return nil, errors.WrapTransient(err, "substore", "List",
				fmt.Sprintf("get subscription %s", key))
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
