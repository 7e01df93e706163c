package mapping

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/amr-import-engine/internal/domain"
)

// PostgresTemplateStore persists mapping templates in PostgreSQL, keyed by
// owner + name. Saving an existing template bumps its version; a template
// locked by a committed batch rejects further writes.
type PostgresTemplateStore struct {
	db *sql.DB
}

// NewPostgresTemplateStore wraps an existing connection. The schema is
// created via migrations.
func NewPostgresTemplateStore(db *sql.DB) (*PostgresTemplateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &PostgresTemplateStore{db: db}, nil
}

// NewPostgresTemplateStoreFromURL opens a pooled connection to the given URL.
func NewPostgresTemplateStoreFromURL(databaseURL string) (*PostgresTemplateStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresTemplateStore{db: db}, nil
}

// Save inserts a new template or bumps the version of an existing one.
func (s *PostgresTemplateStore) Save(ctx context.Context, t *domain.MappingTemplate) error {
	if err := t.Validate(); err != nil {
		return err
	}

	existing, err := s.Get(ctx, t.Owner, t.Name)
	if err != nil && err != domain.ErrTemplateNotFound {
		return err
	}
	if existing != nil && existing.Locked {
		return domain.ErrTemplateLocked
	}

	columns, err := json.Marshal(t.Columns)
	if err != nil {
		return fmt.Errorf("failed to marshal columns: %w", err)
	}
	customFields, err := json.Marshal(t.CustomFields)
	if err != nil {
		return fmt.Errorf("failed to marshal custom fields: %w", err)
	}

	if existing != nil {
		t.ID = existing.ID
		t.Version = existing.Version + 1
		_, err = s.db.ExecContext(ctx, `
			UPDATE mapping_templates SET
				version = $1, mode = $2, standard = $3, standard_version = $4,
				columns = $5, custom_fields = $6
			WHERE owner = $7 AND name = $8`,
			t.Version, string(t.Mode), t.Standard, t.StandardVersion,
			columns, customFields, t.Owner, t.Name,
		)
		if err != nil {
			return fmt.Errorf("failed to update template: %w", err)
		}
		return nil
	}

	t.ID = uuid.New().String()
	t.Version = 1
	t.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mapping_templates (
			id, owner, name, version, mode, standard, standard_version,
			columns, custom_fields, locked, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Owner, t.Name, t.Version, string(t.Mode), t.Standard,
		t.StandardVersion, columns, customFields, t.Locked, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}

// Get retrieves a template by owner and name.
func (s *PostgresTemplateStore) Get(ctx context.Context, owner, name string) (*domain.MappingTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, name, version, mode, standard, standard_version,
			columns, custom_fields, locked, created_at
		FROM mapping_templates
		WHERE owner = $1 AND name = $2`, owner, name)

	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan template: %w", err)
	}
	return t, nil
}

// List returns all templates for an owner, newest first.
func (s *PostgresTemplateStore) List(ctx context.Context, owner string) ([]*domain.MappingTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, name, version, mode, standard, standard_version,
			columns, custom_fields, locked, created_at
		FROM mapping_templates
		WHERE owner = $1
		ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var out []*domain.MappingTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete removes a template unless it is locked.
func (s *PostgresTemplateStore) Delete(ctx context.Context, owner, name string) error {
	existing, err := s.Get(ctx, owner, name)
	if err != nil {
		return err
	}
	if existing.Locked {
		return domain.ErrTemplateLocked
	}
	_, err = s.db.ExecContext(ctx,
		"DELETE FROM mapping_templates WHERE owner = $1 AND name = $2", owner, name)
	return err
}

// Lock marks a template immutable. Called when a batch referencing it commits.
func (s *PostgresTemplateStore) Lock(ctx context.Context, owner, name string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE mapping_templates SET locked = TRUE WHERE owner = $1 AND name = $2", owner, name)
	if err != nil {
		return fmt.Errorf("failed to lock template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrTemplateNotFound
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresTemplateStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(s scanner) (*domain.MappingTemplate, error) {
	t := &domain.MappingTemplate{}
	var mode string
	var columns, customFields []byte

	err := s.Scan(
		&t.ID, &t.Owner, &t.Name, &t.Version, &mode, &t.Standard,
		&t.StandardVersion, &columns, &customFields, &t.Locked, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Mode = domain.MappingMode(mode)
	if err := json.Unmarshal(columns, &t.Columns); err != nil {
		return nil, fmt.Errorf("corrupt columns payload: %w", err)
	}
	if len(customFields) > 0 {
		if err := json.Unmarshal(customFields, &t.CustomFields); err != nil {
			return nil, fmt.Errorf("corrupt custom fields payload: %w", err)
		}
	}
	return t, nil
}
