package secrets

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/n8n-work/agent-core/internal/models"
)

// Store persists secrets and their audit trail. Implemented by internal/repo
// against the configured database.
type Store interface {
	WorkspaceExists(ctx context.Context, workspaceID string) (bool, error)
	FindActiveByName(ctx context.Context, workspaceID, name string) (*models.Secret, error)
	CreateSecret(ctx context.Context, secret *models.Secret) error
	GetSecret(ctx context.Context, secretID string) (*models.Secret, error)
	UpdateSecret(ctx context.Context, secret *models.Secret) error
	ListSecrets(ctx context.Context, workspaceID string, filter ListFilter) ([]*models.Secret, error)
	AppendAudit(ctx context.Context, row *models.SecretAudit) error
	ListAudit(ctx context.Context, secretID string, limit, offset int) ([]*models.SecretAudit, error)
}

// ListFilter narrows ListSecrets. Zero values mean "no filter"; ActiveOnly
// is false unless the caller sets it, so inactive secrets are listed too.
type ListFilter struct {
	SecretType    string
	IsRotationDue *bool
	ActiveOnly    bool
	Tags          []string
	Limit         int
	Offset        int
}

// Actor identifies who performed a secret operation, for audit logging.
type Actor struct {
	UserID    string
	IP        string
	UserAgent string
}

// CreateRequest is the input to Manager.CreateSecret.
type CreateRequest struct {
	Name           string
	Type           string
	Value          string
	Usage          string
	RotationPolicy models.SecretRotationPolicy
	Tags           []string
	Metadata       map[string]interface{}
}

// UpdateRequest is the input to Manager.UpdateSecret. Nil pointer fields are
// left unchanged; a non-nil RotationPolicy always triggers due-date
// recomputation, even to the same value, matching the reference semantics.
type UpdateRequest struct {
	Value          *string
	Usage          *string
	RotationPolicy *models.SecretRotationPolicy
	Tags           []string
	Metadata       map[string]interface{}
}

// Manager implements the secret engine: CRUD, rotation scheduling, and
// append-only audit logging, backed by a pluggable EncryptionService.
type Manager struct {
	store      Store
	encryption *EncryptionService
	logger     *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(store Store, encryption *EncryptionService, logger *zap.Logger) *Manager {
	return &Manager{store: store, encryption: encryption, logger: logger}
}

func newID() string { return uuid.NewString() }

func rotationDueAt(policy models.SecretRotationPolicy, from time.Time) *time.Time {
	days, ok := models.RotationPolicyDays[policy]
	if !ok {
		return nil
	}
	due := from.AddDate(0, 0, days)
	return &due
}

// CreateSecret verifies the workspace exists and the name is free, encrypts
// the value, computes the rotation due date, and persists the secret.
func (m *Manager) CreateSecret(ctx context.Context, workspaceID string, req CreateRequest, actor Actor) (*models.Secret, error) {
	exists, err := m.store.WorkspaceExists(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("check workspace %q: %w", workspaceID, err)
	}
	if !exists {
		return nil, fmt.Errorf("workspace %q not found", workspaceID)
	}

	existing, err := m.store.FindActiveByName(ctx, workspaceID, req.Name)
	if err != nil {
		return nil, fmt.Errorf("check existing secret %q: %w", req.Name, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("secret %q already exists in workspace %q", req.Name, workspaceID)
	}

	encrypted, err := m.encryption.Encrypt(ctx, req.Value)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret value: %w", err)
	}

	now := time.Now()
	secret := &models.Secret{
		ID:             newID(),
		WorkspaceID:    workspaceID,
		Name:           req.Name,
		Type:           req.Type,
		Usage:          req.Usage,
		EncryptedValue: encrypted,
		KeyID:          string(m.encryption.CurrentBackend()),
		RotationPolicy: req.RotationPolicy,
		LastRotatedAt:  now,
		RotationDueAt:  rotationDueAt(req.RotationPolicy, now),
		Tags:           req.Tags,
		Metadata:       req.Metadata,
		IsActive:       true,
		CreatedBy:      actor.UserID,
		UpdatedBy:      actor.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := m.store.CreateSecret(ctx, secret); err != nil {
		return nil, fmt.Errorf("create secret %q: %w", req.Name, err)
	}

	m.audit(ctx, secret.ID, models.SecretAuditCreated, actor, map[string]interface{}{
		"name":            req.Name,
		"type":            req.Type,
		"usage":           req.Usage,
		"rotation_policy": string(req.RotationPolicy),
	})

	if m.logger != nil {
		m.logger.Info("created secret", zap.String("name", req.Name), zap.String("workspace_id", workspaceID))
	}
	return secret, nil
}

// GetSecret returns a secret's metadata (never its plaintext) after
// verifying workspace ownership and active status, auditing the access.
func (m *Manager) GetSecret(ctx context.Context, workspaceID, secretID string, actor Actor) (*models.Secret, error) {
	secret, err := m.loadActive(ctx, workspaceID, secretID)
	if err != nil {
		return nil, err
	}
	m.audit(ctx, secret.ID, models.SecretAuditAccessed, actor, map[string]interface{}{"access_method": "direct"})
	return secret, nil
}

// GetSecretValue returns a secret's decrypted value, auditing the access.
func (m *Manager) GetSecretValue(ctx context.Context, workspaceID, secretID string, actor Actor) (string, error) {
	secret, err := m.loadActive(ctx, workspaceID, secretID)
	if err != nil {
		return "", err
	}
	plaintext, err := m.encryption.Decrypt(ctx, secret.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %q: %w", secretID, err)
	}
	m.audit(ctx, secret.ID, models.SecretAuditAccessed, actor, map[string]interface{}{"access_method": "direct"})
	return plaintext, nil
}

// GetSecretByName looks up an active secret by name, auditing the access
// when an actor is supplied.
func (m *Manager) GetSecretByName(ctx context.Context, workspaceID, name string, actor Actor) (*models.Secret, error) {
	secret, err := m.store.FindActiveByName(ctx, workspaceID, name)
	if err != nil {
		return nil, fmt.Errorf("find secret %q: %w", name, err)
	}
	if secret != nil && actor.UserID != "" {
		m.audit(ctx, secret.ID, models.SecretAuditAccessed, actor, map[string]interface{}{"access_method": "by_name"})
	}
	return secret, nil
}

func (m *Manager) loadActive(ctx context.Context, workspaceID, secretID string) (*models.Secret, error) {
	secret, err := m.store.GetSecret(ctx, secretID)
	if err != nil {
		return nil, fmt.Errorf("get secret %q: %w", secretID, err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret %q not found", secretID)
	}
	if secret.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("secret %q does not belong to workspace %q", secretID, workspaceID)
	}
	if !secret.IsActive {
		return nil, fmt.Errorf("secret %q is not active", secretID)
	}
	return secret, nil
}

// ListSecrets lists a workspace's secrets' metadata under the given filter.
func (m *Manager) ListSecrets(ctx context.Context, workspaceID string, filter ListFilter) ([]*models.Secret, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	secrets, err := m.store.ListSecrets(ctx, workspaceID, filter)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	return secrets, nil
}

// UpdateSecret re-encrypts the value if provided (advancing
// last_rotated_at/rotation_due_at), updates the other provided fields, and
// audits the list of changed field names — never their values.
func (m *Manager) UpdateSecret(ctx context.Context, workspaceID, secretID string, req UpdateRequest, actor Actor) (*models.Secret, error) {
	secret, err := m.loadActive(ctx, workspaceID, secretID)
	if err != nil {
		return nil, err
	}

	var updatedFields []string

	if req.Value != nil {
		encrypted, err := m.encryption.Encrypt(ctx, *req.Value)
		if err != nil {
			return nil, fmt.Errorf("encrypt updated value: %w", err)
		}
		secret.EncryptedValue = encrypted
		secret.KeyID = string(m.encryption.CurrentBackend())
		secret.LastRotatedAt = time.Now()
		secret.RotationDueAt = rotationDueAt(secret.RotationPolicy, secret.LastRotatedAt)
		updatedFields = append(updatedFields, "value")
	}

	if req.Usage != nil {
		secret.Usage = *req.Usage
		updatedFields = append(updatedFields, "usage")
	}

	if req.RotationPolicy != nil {
		secret.RotationPolicy = *req.RotationPolicy
		secret.RotationDueAt = rotationDueAt(secret.RotationPolicy, secret.LastRotatedAt)
		updatedFields = append(updatedFields, "rotation_policy")
	}

	if req.Tags != nil {
		secret.Tags = req.Tags
		updatedFields = append(updatedFields, "tags")
	}

	if req.Metadata != nil {
		secret.Metadata = req.Metadata
		updatedFields = append(updatedFields, "metadata")
	}

	secret.UpdatedBy = actor.UserID
	secret.UpdatedAt = time.Now()

	if err := m.store.UpdateSecret(ctx, secret); err != nil {
		return nil, fmt.Errorf("update secret %q: %w", secretID, err)
	}

	m.audit(ctx, secret.ID, models.SecretAuditUpdated, actor, map[string]interface{}{"updated_fields": updatedFields})

	if m.logger != nil {
		m.logger.Info("updated secret", zap.String("secret_id", secretID), zap.Strings("fields", updatedFields))
	}
	return secret, nil
}

// RotateSecret updates a secret's value and additionally emits a rotated
// audit row recording the previous rotation timestamp.
func (m *Manager) RotateSecret(ctx context.Context, workspaceID, secretID, newValue string, actor Actor) (*models.Secret, error) {
	existing, err := m.loadActive(ctx, workspaceID, secretID)
	if err != nil {
		return nil, err
	}
	previousRotation := existing.LastRotatedAt

	secret, err := m.UpdateSecret(ctx, workspaceID, secretID, UpdateRequest{Value: &newValue}, actor)
	if err != nil {
		return nil, err
	}

	m.audit(ctx, secret.ID, models.SecretAuditRotated, actor, map[string]interface{}{
		"rotation_type":     "manual",
		"previous_rotation": previousRotation.UTC().Format(time.RFC3339),
	})

	if m.logger != nil {
		m.logger.Info("rotated secret", zap.String("secret_id", secretID))
	}
	return secret, nil
}

// DeleteSecret soft-deletes a secret (is_active=false).
func (m *Manager) DeleteSecret(ctx context.Context, workspaceID, secretID string, actor Actor) error {
	secret, err := m.store.GetSecret(ctx, secretID)
	if err != nil {
		return fmt.Errorf("get secret %q: %w", secretID, err)
	}
	if secret == nil {
		return fmt.Errorf("secret %q not found", secretID)
	}
	if secret.WorkspaceID != workspaceID {
		return fmt.Errorf("secret %q does not belong to workspace %q", secretID, workspaceID)
	}

	secret.IsActive = false
	secret.UpdatedBy = actor.UserID
	secret.UpdatedAt = time.Now()

	if err := m.store.UpdateSecret(ctx, secret); err != nil {
		return fmt.Errorf("delete secret %q: %w", secretID, err)
	}

	m.audit(ctx, secret.ID, models.SecretAuditDeleted, actor, map[string]interface{}{"deletion_type": "soft_delete"})

	if m.logger != nil {
		m.logger.Info("deleted secret", zap.String("secret_id", secretID))
	}
	return nil
}

// GetRotationDueSecrets lists active, non-manual-policy secrets whose
// rotation is due within daysAhead days.
func (m *Manager) GetRotationDueSecrets(ctx context.Context, workspaceID string, daysAhead int) ([]*models.Secret, error) {
	secrets, err := m.store.ListSecrets(ctx, workspaceID, ListFilter{ActiveOnly: true, Limit: 1000})
	if err != nil {
		return nil, fmt.Errorf("list rotation-due secrets: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, daysAhead)
	due := make([]*models.Secret, 0, len(secrets))
	for _, s := range secrets {
		if s.RotationPolicy == models.RotationManual {
			continue
		}
		if s.RotationDueAt != nil && !s.RotationDueAt.After(cutoff) {
			due = append(due, s)
		}
	}
	return due, nil
}

// GetSecretAuditLogs returns one secret's audit trail, most recent first.
func (m *Manager) GetSecretAuditLogs(ctx context.Context, secretID string, limit, offset int) ([]*models.SecretAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.store.ListAudit(ctx, secretID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit logs for %q: %w", secretID, err)
	}
	return rows, nil
}

func (m *Manager) audit(ctx context.Context, secretID string, action models.SecretAuditAction, actor Actor, details map[string]interface{}) {
	row := &models.SecretAudit{
		ID:        newID(),
		SecretID:  secretID,
		Action:    action,
		Actor:     actor.UserID,
		IP:        actor.IP,
		UserAgent: actor.UserAgent,
		Details:   details,
		Timestamp: time.Now(),
	}
	if err := m.store.AppendAudit(ctx, row); err != nil && m.logger != nil {
		m.logger.Warn("failed to append secret audit row", zap.String("secret_id", secretID), zap.Error(err))
	}
}
