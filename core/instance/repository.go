package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/flowmata/flowmata/common/db"
)

// ErrNotFound is returned when a definition or instance does not exist
var ErrNotFound = errors.New("not found")

// Repository persists definitions and instances
type Repository interface {
	CreateDefinition(ctx context.Context, def Definition) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	GetLatestDefinition(ctx context.Context, name string) (*Definition, error)

	CreateInstance(ctx context.Context, inst Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	// UpdateInstance rewrites status, error context and end time
	UpdateInstance(ctx context.Context, inst Instance) error
	ListInstances(ctx context.Context, definitionID string) ([]Instance, error)
}

// PostgresRepository is the pgx-backed Repository
type PostgresRepository struct {
	db *db.DB
}

// NewPostgresRepository creates a Postgres-backed repository
func NewPostgresRepository(database *db.DB) *PostgresRepository {
	return &PostgresRepository{db: database}
}

var _ Repository = (*PostgresRepository)(nil)

func (r *PostgresRepository) CreateDefinition(ctx context.Context, def Definition) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO process_definitions (id, name, version, bpmn_xml)
		VALUES ($1, $2, $3, $4)`,
		def.ID, def.Name, def.Version, def.BPMNXML)
	if err != nil {
		return fmt.Errorf("create definition %s: %w", def.Name, err)
	}
	return nil
}

func (r *PostgresRepository) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, version, bpmn_xml, created_at, updated_at
		FROM process_definitions WHERE id = $1`, id)
	return scanDefinition(row)
}

func (r *PostgresRepository) GetLatestDefinition(ctx context.Context, name string) (*Definition, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, version, bpmn_xml, created_at, updated_at
		FROM process_definitions WHERE name = $1
		ORDER BY version DESC LIMIT 1`, name)
	return scanDefinition(row)
}

func scanDefinition(row pgx.Row) (*Definition, error) {
	var def Definition
	err := row.Scan(&def.ID, &def.Name, &def.Version, &def.BPMNXML, &def.CreatedAt, &def.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan definition: %w", err)
	}
	return &def, nil
}

func (r *PostgresRepository) CreateInstance(ctx context.Context, inst Instance) error {
	errCtx, err := marshalErrorContext(inst.ErrorContext)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO process_instances (id, definition_id, status, error_context, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		inst.ID, inst.DefinitionID, string(inst.Status), errCtx, inst.StartTime, inst.EndTime)
	if err != nil {
		return fmt.Errorf("create instance %s: %w", inst.ID, err)
	}
	return nil
}

func (r *PostgresRepository) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, definition_id, status, error_context, start_time, end_time, created_at, updated_at
		FROM process_instances WHERE id = $1`, id)
	return scanInstance(row)
}

func (r *PostgresRepository) UpdateInstance(ctx context.Context, inst Instance) error {
	errCtx, err := marshalErrorContext(inst.ErrorContext)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE process_instances
		SET status = $2, error_context = $3, end_time = $4, updated_at = now()
		WHERE id = $1`,
		inst.ID, string(inst.Status), errCtx, inst.EndTime)
	if err != nil {
		return fmt.Errorf("update instance %s: %w", inst.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ListInstances(ctx context.Context, definitionID string) ([]Instance, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, definition_id, status, error_context, start_time, end_time, created_at, updated_at
		FROM process_instances WHERE definition_id = $1
		ORDER BY created_at`, definitionID)
	if err != nil {
		return nil, fmt.Errorf("list instances of %s: %w", definitionID, err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func scanInstance(row pgx.Row) (*Instance, error) {
	var (
		inst   Instance
		status string
		errCtx []byte
	)
	err := row.Scan(&inst.ID, &inst.DefinitionID, &status, &errCtx,
		&inst.StartTime, &inst.EndTime, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	inst.Status = Status(status)
	if len(errCtx) > 0 {
		if err := json.Unmarshal(errCtx, &inst.ErrorContext); err != nil {
			return nil, fmt.Errorf("decode error context: %w", err)
		}
	}
	return &inst, nil
}

func marshalErrorContext(errCtx map[string]interface{}) ([]byte, error) {
	if errCtx == nil {
		return nil, nil
	}
	blob, err := json.Marshal(errCtx)
	if err != nil {
		return nil, fmt.Errorf("encode error context: %w", err)
	}
	return blob, nil
}
