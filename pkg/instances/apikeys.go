package instances

import (
	"context"
	"errors"
	"time"

	"github.com/gsvlabs/cmp/pkg/auth"
	"github.com/gsvlabs/cmp/pkg/domain"
	"github.com/gsvlabs/cmp/pkg/store"
)

// CreateAPIKey mints a key for an instance. The raw key is returned once
// and never stored; only its prefix and hash persist.
func (s *Service) CreateAPIKey(ctx context.Context, instanceID, name string, expiresAt *time.Time) (raw string, key *domain.APIKey, err error) {
	if _, err := s.store.GetInstance(ctx, instanceID); err != nil {
		return "", nil, err
	}
	raw, prefix, hash, err := auth.GenerateKey()
	if err != nil {
		return "", nil, err
	}
	key = &domain.APIKey{
		ID:         domain.NewID(),
		InstanceID: instanceID,
		Name:       name,
		Prefix:     prefix,
		Hash:       hash,
		ExpiresAt:  expiresAt,
		IsActive:   true,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	s.log.InfoContext(ctx, "api key created", "instance_id", instanceID, "prefix", prefix)
	return raw, key, nil
}

// ListAPIKeys returns an instance's keys. Hashes never leave the store
// layer's struct tag boundary.
func (s *Service) ListAPIKeys(ctx context.Context, instanceID string) ([]domain.APIKey, error) {
	return s.store.ListAPIKeys(ctx, instanceID)
}

// RevokeAPIKey deactivates a key. Revocation is permanent.
func (s *Service) RevokeAPIKey(ctx context.Context, keyID string) error {
	return s.store.DeactivateAPIKey(ctx, keyID)
}

// AuthenticateKey resolves a presented API key to a principal. Any
// validation failure, wrong prefix or hash, inactive key, expired key,
// or a non-active instance, yields (nil, nil): callers must not learn
// which check failed.
func (s *Service) AuthenticateKey(ctx context.Context, raw string) (*auth.Principal, error) {
	prefix, hash, ok := auth.SplitKey(raw)
	if !ok {
		return nil, nil
	}
	key, err := s.store.GetAPIKeyByPrefixHash(ctx, prefix, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !key.IsActive {
		return nil, nil
	}
	now := s.now()
	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		return nil, nil
	}
	inst, err := s.store.GetInstance(ctx, key.InstanceID)
	if err != nil || inst.State != domain.InstanceActive {
		return nil, nil
	}
	if err := s.store.TouchAPIKey(ctx, key.ID, now); err != nil {
		s.log.WarnContext(ctx, "api key touch failed", "key_id", key.ID, "error", err)
	}
	return &auth.Principal{
		Kind:       auth.KindAPIKey,
		Subject:    key.ID,
		InstanceID: inst.ID,
		OrgID:      inst.OrgID,
	}, nil
}
