package postgres

import (
	"context"
	"database/sql"

	"github.com/djlord-it/cronfleet/internal/domain"
)

// schema is idempotent; Migrate runs it on every start.
//
// cf_fired_triggers doubles as the lock table: the unique key on the trigger
// identity guarantees at most one live lock per trigger.
const schema = `
CREATE TABLE IF NOT EXISTS cf_jobs (
    job_group            TEXT        NOT NULL,
    job_name             TEXT        NOT NULL,
    kind                 TEXT        NOT NULL,
    description          TEXT        NOT NULL DEFAULT '',
    durable              BOOLEAN     NOT NULL DEFAULT false,
    non_concurrent       BOOLEAN     NOT NULL DEFAULT false,
    requests_recovery    BOOLEAN     NOT NULL DEFAULT false,
    pause_after_failures INTEGER     NOT NULL DEFAULT 0,
    consecutive_failures INTEGER     NOT NULL DEFAULT 0,
    data                 JSONB       NOT NULL DEFAULT '{}',
    created_at           TIMESTAMPTZ NOT NULL,
    updated_at           TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (job_group, job_name)
);

CREATE TABLE IF NOT EXISTS cf_triggers (
    trigger_group       TEXT        NOT NULL,
    trigger_name        TEXT        NOT NULL,
    job_group           TEXT        NOT NULL,
    job_name            TEXT        NOT NULL,
    schedule            JSONB       NOT NULL,
    priority            INTEGER     NOT NULL DEFAULT 5,
    state               TEXT        NOT NULL,
    next_fire_time      TIMESTAMPTZ,
    prev_fire_time      TIMESTAMPTZ,
    misfire_instruction TEXT        NOT NULL DEFAULT 'fire_now',
    times_triggered     INTEGER     NOT NULL DEFAULT 0,
    recovering          BOOLEAN     NOT NULL DEFAULT false,
    last_error          TEXT        NOT NULL DEFAULT '',
    data                JSONB       NOT NULL DEFAULT '{}',
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (trigger_group, trigger_name),
    FOREIGN KEY (job_group, job_name) REFERENCES cf_jobs (job_group, job_name) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS cf_triggers_due_idx
    ON cf_triggers (state, next_fire_time, priority DESC);
CREATE INDEX IF NOT EXISTS cf_triggers_job_idx
    ON cf_triggers (job_group, job_name);

CREATE TABLE IF NOT EXISTS cf_fired_triggers (
    id                  UUID        PRIMARY KEY,
    trigger_group       TEXT        NOT NULL,
    trigger_name        TEXT        NOT NULL,
    node_id             TEXT        NOT NULL,
    acquired_at         TIMESTAMPTZ NOT NULL,
    job_group           TEXT        NOT NULL,
    job_name            TEXT        NOT NULL,
    priority            INTEGER     NOT NULL,
    scheduled_fire_time TIMESTAMPTZ NOT NULL,
    fire_time           TIMESTAMPTZ NOT NULL,
    state               TEXT        NOT NULL,
    requests_recovery   BOOLEAN     NOT NULL DEFAULT false,
    recovering          BOOLEAN     NOT NULL DEFAULT false,
    UNIQUE (trigger_group, trigger_name)
);

CREATE INDEX IF NOT EXISTS cf_fired_triggers_node_idx
    ON cf_fired_triggers (node_id);
CREATE INDEX IF NOT EXISTS cf_fired_triggers_job_idx
    ON cf_fired_triggers (job_group, job_name);

CREATE TABLE IF NOT EXISTS cf_nodes (
    node_id    TEXT        PRIMARY KEY,
    last_seen  TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    running    BOOLEAN     NOT NULL DEFAULT true
);
`

// Migrate creates the cronfleet tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return domain.StoreUnavailable(err, "migrate schema")
	}
	return nil
}
