package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/n8n-work/agent-core/internal/models"
	"github.com/n8n-work/agent-core/internal/secrets"
)

// WorkspaceExists reports whether a workspace row exists, implementing
// secrets.Store.
func (r *Repository) WorkspaceExists(ctx context.Context, workspaceID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM workspaces WHERE id = $1)`, workspaceID)
	if err != nil {
		return false, fmt.Errorf("check workspace existence: %w", err)
	}
	return exists, nil
}

type secretRow struct {
	ID             string       `db:"id"`
	WorkspaceID    string       `db:"workspace_id"`
	Name           string       `db:"name"`
	Type           string       `db:"type"`
	Usage          string       `db:"usage"`
	EncryptedValue string       `db:"encrypted_value"`
	KeyID          string       `db:"key_id"`
	RotationPolicy string       `db:"rotation_policy"`
	LastRotatedAt  sql.NullTime `db:"last_rotated_at"`
	RotationDueAt  sql.NullTime `db:"rotation_due_at"`
	Tags           []byte       `db:"tags"`
	Metadata       []byte       `db:"metadata"`
	IsActive       bool         `db:"is_active"`
	CreatedBy      string       `db:"created_by"`
	UpdatedBy      string       `db:"updated_by"`
	CreatedAt      sql.NullTime `db:"created_at"`
	UpdatedAt      sql.NullTime `db:"updated_at"`
}

func (row secretRow) toModel() (*models.Secret, error) {
	secret := &models.Secret{
		ID:             row.ID,
		WorkspaceID:    row.WorkspaceID,
		Name:           row.Name,
		Type:           row.Type,
		Usage:          row.Usage,
		EncryptedValue: row.EncryptedValue,
		KeyID:          row.KeyID,
		RotationPolicy: models.SecretRotationPolicy(row.RotationPolicy),
		IsActive:       row.IsActive,
		CreatedBy:      row.CreatedBy,
		UpdatedBy:      row.UpdatedBy,
	}
	if row.LastRotatedAt.Valid {
		secret.LastRotatedAt = row.LastRotatedAt.Time
	}
	if row.RotationDueAt.Valid {
		secret.RotationDueAt = &row.RotationDueAt.Time
	}
	if row.CreatedAt.Valid {
		secret.CreatedAt = row.CreatedAt.Time
	}
	if row.UpdatedAt.Valid {
		secret.UpdatedAt = row.UpdatedAt.Time
	}
	if err := unmarshalJSON(row.Tags, &secret.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := unmarshalJSON(row.Metadata, &secret.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return secret, nil
}

const secretColumns = `id, workspace_id, name, type, usage, encrypted_value, key_id,
	rotation_policy, last_rotated_at, rotation_due_at, tags, metadata,
	is_active, created_by, updated_by, created_at, updated_at`

// FindActiveByName loads the active secret with a given name in a workspace,
// implementing secrets.Store. Returns nil, nil when no such secret exists.
func (r *Repository) FindActiveByName(ctx context.Context, workspaceID, name string) (*models.Secret, error) {
	var row secretRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+secretColumns+`
		FROM secrets WHERE workspace_id = $1 AND name = $2 AND is_active = true`, workspaceID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active secret: %w", err)
	}
	return row.toModel()
}

// CreateSecret persists a new secret row, implementing secrets.Store.
func (r *Repository) CreateSecret(ctx context.Context, secret *models.Secret) error {
	tags, err := marshalJSON(secret.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	metadata, err := marshalJSON(secret.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO secrets
			(id, workspace_id, name, type, usage, encrypted_value, key_id,
			 rotation_policy, last_rotated_at, rotation_due_at, tags, metadata,
			 is_active, created_by, updated_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		secret.ID, secret.WorkspaceID, secret.Name, secret.Type, secret.Usage, secret.EncryptedValue, secret.KeyID,
		secret.RotationPolicy, secret.LastRotatedAt, secret.RotationDueAt, tags, metadata,
		secret.IsActive, secret.CreatedBy, secret.UpdatedBy, secret.CreatedAt, secret.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert secret: %w", err)
	}
	return nil
}

// GetSecret loads a secret by id, implementing secrets.Store.
func (r *Repository) GetSecret(ctx context.Context, secretID string) (*models.Secret, error) {
	var row secretRow
	err := r.db.GetContext(ctx, &row, `SELECT `+secretColumns+` FROM secrets WHERE id = $1`, secretID)
	if err != nil {
		return nil, fmt.Errorf("load secret: %w", err)
	}
	return row.toModel()
}

// UpdateSecret persists a secret's mutable fields, implementing
// secrets.Store.
func (r *Repository) UpdateSecret(ctx context.Context, secret *models.Secret) error {
	tags, err := marshalJSON(secret.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	metadata, err := marshalJSON(secret.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE secrets
		SET encrypted_value = $1, key_id = $2, rotation_policy = $3, last_rotated_at = $4,
		    rotation_due_at = $5, tags = $6, metadata = $7, is_active = $8,
		    updated_by = $9, updated_at = $10
		WHERE id = $11`,
		secret.EncryptedValue, secret.KeyID, secret.RotationPolicy, secret.LastRotatedAt,
		secret.RotationDueAt, tags, metadata, secret.IsActive,
		secret.UpdatedBy, secret.UpdatedAt, secret.ID)
	if err != nil {
		return fmt.Errorf("update secret: %w", err)
	}
	return nil
}

// ListSecrets lists a workspace's secrets under the given filter,
// implementing secrets.Store.
func (r *Repository) ListSecrets(ctx context.Context, workspaceID string, filter secrets.ListFilter) ([]*models.Secret, error) {
	query := strings.Builder{}
	query.WriteString("SELECT " + secretColumns + " FROM secrets WHERE workspace_id = $1")
	args := []interface{}{workspaceID}

	if filter.ActiveOnly {
		args = append(args, true)
		query.WriteString(fmt.Sprintf(" AND is_active = $%d", len(args)))
	}
	if filter.SecretType != "" {
		args = append(args, filter.SecretType)
		query.WriteString(fmt.Sprintf(" AND type = $%d", len(args)))
	}
	if filter.IsRotationDue != nil {
		if *filter.IsRotationDue {
			query.WriteString(" AND rotation_due_at IS NOT NULL AND rotation_due_at <= CURRENT_TIMESTAMP")
		} else {
			query.WriteString(" AND (rotation_due_at IS NULL OR rotation_due_at > CURRENT_TIMESTAMP)")
		}
	}
	query.WriteString(" ORDER BY created_at DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query.WriteString(fmt.Sprintf(" OFFSET $%d", len(args)))
	}

	var rows []secretRow
	if err := r.db.SelectContext(ctx, &rows, query.String(), args...); err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	out := make([]*models.Secret, 0, len(rows))
	for _, row := range rows {
		if len(filter.Tags) > 0 && !hasAnyTag(row.Tags, filter.Tags) {
			continue
		}
		secret, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, secret)
	}
	return out, nil
}

// hasAnyTag reports whether a secret's JSONB-encoded tag list intersects
// wanted. Filtering client-side keeps the tag match exact without depending
// on jsonb containment operator support across both the Postgres and sqlite
// backends.
func hasAnyTag(tagsJSON []byte, wanted []string) bool {
	var tags []string
	if err := unmarshalJSON(tagsJSON, &tags); err != nil {
		return false
	}
	for _, want := range wanted {
		for _, tag := range tags {
			if tag == want {
				return true
			}
		}
	}
	return false
}

// AppendAudit writes one append-only SecretAudit row, implementing
// secrets.Store.
func (r *Repository) AppendAudit(ctx context.Context, row *models.SecretAudit) error {
	details, err := marshalJSON(row.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO secret_audits (id, secret_id, action, actor, ip, user_agent, details, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		row.ID, row.SecretID, row.Action, row.Actor, row.IP, row.UserAgent, details, row.Timestamp)
	if err != nil {
		return fmt.Errorf("insert secret audit: %w", err)
	}
	return nil
}

type secretAuditRow struct {
	ID        string       `db:"id"`
	SecretID  string       `db:"secret_id"`
	Action    string       `db:"action"`
	Actor     string       `db:"actor"`
	IP        string       `db:"ip"`
	UserAgent string       `db:"user_agent"`
	Details   []byte       `db:"details"`
	Timestamp sql.NullTime `db:"timestamp"`
}

func (row secretAuditRow) toModel() (*models.SecretAudit, error) {
	audit := &models.SecretAudit{
		ID:        row.ID,
		SecretID:  row.SecretID,
		Action:    models.SecretAuditAction(row.Action),
		Actor:     row.Actor,
		IP:        row.IP,
		UserAgent: row.UserAgent,
	}
	if row.Timestamp.Valid {
		audit.Timestamp = row.Timestamp.Time
	}
	if err := unmarshalJSON(row.Details, &audit.Details); err != nil {
		return nil, fmt.Errorf("decode audit details: %w", err)
	}
	return audit, nil
}

// ListAudit returns a secret's audit trail, most recent first, implementing
// secrets.Store.
func (r *Repository) ListAudit(ctx context.Context, secretID string, limit, offset int) ([]*models.SecretAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []secretAuditRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, secret_id, action, actor, ip, user_agent, details, timestamp
		FROM secret_audits WHERE secret_id = $1
		ORDER BY timestamp DESC LIMIT $2 OFFSET $3`, secretID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list secret audits: %w", err)
	}
	out := make([]*models.SecretAudit, 0, len(rows))
	for _, row := range rows {
		audit, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, audit)
	}
	return out, nil
}
