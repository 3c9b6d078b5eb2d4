package db

import (
	"context"
	"fmt"
)

// Schema DDL for the engine's relational rows. Definitions cascade to
// instances, instances cascade to variables.
const schema = `
CREATE TABLE IF NOT EXISTS process_definitions (
	id          UUID PRIMARY KEY,
	name        VARCHAR(255) NOT NULL,
	version     INT NOT NULL,
	bpmn_xml    TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (name, version)
);

CREATE TABLE IF NOT EXISTS process_instances (
	id            UUID PRIMARY KEY,
	definition_id UUID NOT NULL REFERENCES process_definitions(id) ON DELETE CASCADE,
	status        VARCHAR(16) NOT NULL
	              CHECK (status IN ('RUNNING', 'SUSPENDED', 'ERROR', 'COMPLETED')),
	error_context JSONB,
	start_time    TIMESTAMPTZ NOT NULL,
	end_time      TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS variables (
	id          UUID PRIMARY KEY,
	instance_id UUID NOT NULL REFERENCES process_instances(id) ON DELETE CASCADE,
	name        VARCHAR(255) NOT NULL,
	scope_id    VARCHAR(255) NOT NULL DEFAULT '',
	value_type  VARCHAR(16) NOT NULL,
	value_data  JSONB NOT NULL,
	version     INT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (instance_id, name, scope_id, version)
);

CREATE INDEX IF NOT EXISTS idx_instances_definition ON process_instances(definition_id);
CREATE INDEX IF NOT EXISTS idx_variables_instance ON variables(instance_id, name, scope_id, version DESC);
`

// InitSchema creates the engine tables if they do not exist
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	db.log.Info("database schema initialized")
	return nil
}
