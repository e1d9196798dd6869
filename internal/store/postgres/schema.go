package postgres

// Schema is the full DDL for the metadata store. Every uniqueness rule
// the monitor relies on is a PRIMARY KEY or UNIQUE constraint here, so
// duplicate inserts surface as unique violations the store layer absorbs.
const Schema = `
CREATE TABLE IF NOT EXISTS project (
    name            text PRIMARY KEY,
    info            jsonb NOT NULL DEFAULT '{}',
    owners          text[] NOT NULL DEFAULT '{}',
    maintainers     text[] NOT NULL DEFAULT '{}',
    removed         boolean NOT NULL DEFAULT false,
    removed_serial  bigint,
    removed_at      timestamptz,
    suspicion       int NOT NULL DEFAULT 0,
    reasons         text[] NOT NULL DEFAULT '{}',
    analyzed        boolean NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS release (
    project_name    text NOT NULL REFERENCES project(name),
    version         text NOT NULL,
    info            jsonb NOT NULL DEFAULT '{}',
    files           jsonb NOT NULL DEFAULT '[]',
    removed         boolean NOT NULL DEFAULT false,
    removed_serial  bigint,
    removed_at      timestamptz,
    suspicion       int NOT NULL DEFAULT 0,
    reasons         text[] NOT NULL DEFAULT '{}',
    analyzed        boolean NOT NULL DEFAULT false,
    analyzed_files  text[] NOT NULL DEFAULT '{}',
    PRIMARY KEY (project_name, version)
);

CREATE TABLE IF NOT EXISTS result (
    filename     text PRIMARY KEY,
    project_name text NOT NULL,
    version      text NOT NULL,
    url          jsonb NOT NULL DEFAULT '{}',
    analyzed_at  timestamptz NOT NULL,
    metrics      jsonb NOT NULL DEFAULT '{}',
    issues       jsonb NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS alias (
    project_name text NOT NULL,
    version      text NOT NULL,
    import_name  text NOT NULL,
    PRIMARY KEY (project_name, version, import_name)
);

CREATE TABLE IF NOT EXISTS serial (
    serial bigint PRIMARY KEY,
    committed_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS popular (
    last_update timestamptz PRIMARY KEY,
    rows        jsonb NOT NULL
);

CREATE TABLE IF NOT EXISTS private_project (
    name text PRIMARY KEY
);

CREATE INDEX IF NOT EXISTS project_suspicion_idx ON project (suspicion);
CREATE INDEX IF NOT EXISTS release_suspicion_idx ON release (suspicion DESC);
CREATE INDEX IF NOT EXISTS alias_import_name_idx ON alias (import_name);
`
