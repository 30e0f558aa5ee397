// Package connectors manages bindings between projects and external APIs.
// Binding config lives in the domain store; credentials live in the
// secrets engine under a per-binding path.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gsvlabs/cmp/pkg/auth"
	"github.com/gsvlabs/cmp/pkg/domain"
	"github.com/gsvlabs/cmp/pkg/store"
	"github.com/gsvlabs/cmp/pkg/vault"
)

// ErrRevoked is returned when using a revoked binding.
var ErrRevoked = errors.New("connectors: binding is revoked")

// Service manages connector bindings.
type Service struct {
	store   store.Store
	secrets vault.Secrets
	log     *slog.Logger
	now     func() time.Time
}

func NewService(st store.Store, sec vault.Secrets, log *slog.Logger) *Service {
	return &Service{store: st, secrets: sec, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// CreateInput carries a new binding and its credentials.
type CreateInput struct {
	OrgID         string
	ProjectID     string
	ConnectorID   string
	ConnectorType string
	DisplayName   string
	Config        map[string]any
	Secrets       map[string]string
}

// Create validates the config, writes credentials to the secret store,
// and registers the binding. The secret path embeds a fresh id so retries
// never overwrite another binding's credentials.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.ConnectorBinding, error) {
	if in.ConnectorID == "" {
		return nil, fmt.Errorf("connectors: connector id is required")
	}
	if err := ValidateConfig(in.ConnectorType, in.Config); err != nil {
		return nil, err
	}
	id := domain.NewID()
	secretPath := fmt.Sprintf("%s/%s/%s/%s", in.OrgID, in.ProjectID, in.ConnectorID, id)
	if len(in.Secrets) > 0 {
		if err := s.secrets.Write(ctx, secretPath, in.Secrets); err != nil {
			return nil, fmt.Errorf("store credentials: %w", err)
		}
	}
	b := &domain.ConnectorBinding{
		ID:            id,
		OrgID:         in.OrgID,
		ProjectID:     in.ProjectID,
		ConnectorID:   in.ConnectorID,
		ConnectorType: in.ConnectorType,
		DisplayName:   in.DisplayName,
		Config:        in.Config,
		SecretPath:    secretPath,
		Status:        domain.BindingActive,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateBinding(ctx, b); err != nil {
		// Roll the secret back so nothing dangles.
		_ = s.secrets.Delete(ctx, secretPath)
		return nil, err
	}
	s.log.InfoContext(ctx, "binding created",
		"binding_id", b.ID, "connector_id", b.ConnectorID, "type", b.ConnectorType)
	return b, nil
}

// Get loads a binding.
func (s *Service) Get(ctx context.Context, id string) (*domain.ConnectorBinding, error) {
	return s.store.GetBinding(ctx, id)
}

// ListForOrgs lists bindings across organizations.
func (s *Service) ListForOrgs(ctx context.Context, orgIDs []string) ([]domain.ConnectorBinding, error) {
	return s.store.ListBindingsByOrgs(ctx, orgIDs)
}

// Revoke deactivates a binding and deletes its credentials. Revocation is
// permanent; a new binding must be created to reconnect.
func (s *Service) Revoke(ctx context.Context, id string) error {
	b, err := s.store.GetBinding(ctx, id)
	if err != nil {
		return err
	}
	if b.Status == domain.BindingRevoked {
		return nil
	}
	if err := s.store.UpdateBindingStatus(ctx, id, domain.BindingRevoked); err != nil {
		return err
	}
	if err := s.secrets.Delete(ctx, b.SecretPath); err != nil {
		s.log.WarnContext(ctx, "credential delete failed", "binding_id", id, "error", err)
	}
	s.log.InfoContext(ctx, "binding revoked", "binding_id", id)
	return nil
}

// MaskedCredentials returns the credential keys with masked values for
// display. Raw values never leave the service.
func (s *Service) MaskedCredentials(ctx context.Context, id string) (map[string]string, error) {
	b, err := s.store.GetBinding(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := s.secrets.Read(ctx, b.SecretPath)
	if errors.Is(err, vault.ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	masked := make(map[string]string, len(data))
	for k, v := range data {
		masked[k] = auth.MaskSecret(v)
	}
	return masked, nil
}

// Credentials returns the raw credentials for execution. Only the
// connector gateway calls this; the payload must never be logged.
func (s *Service) Credentials(ctx context.Context, id string) (*domain.ConnectorBinding, map[string]string, error) {
	b, err := s.store.GetBinding(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if b.Status != domain.BindingActive {
		return nil, nil, ErrRevoked
	}
	data, err := s.secrets.Read(ctx, b.SecretPath)
	if errors.Is(err, vault.ErrNotFound) {
		data = map[string]string{}
	} else if err != nil {
		return nil, nil, err
	}
	return b, data, nil
}
