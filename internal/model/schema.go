package model

// Schema contains the SQL schema for the database
const Schema = `
CREATE TABLE IF NOT EXISTS remotes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    domain TEXT NOT NULL DEFAULT 'default',
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    policy TEXT NOT NULL DEFAULT 'immediate' CHECK (policy IN ('immediate', 'on_demand', 'streamed')),
    crates TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(domain, name)
);

CREATE TABLE IF NOT EXISTS repositories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    domain TEXT NOT NULL DEFAULT 'default',
    name TEXT NOT NULL,
    remote_id INTEGER REFERENCES remotes(id) ON DELETE SET NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(domain, name)
);

CREATE TABLE IF NOT EXISTS repository_versions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
    number INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(repository_id, number)
);

CREATE TABLE IF NOT EXISTS crate_versions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    domain TEXT NOT NULL DEFAULT 'default',
    name TEXT NOT NULL,
    vers TEXT NOT NULL,
    cksum TEXT NOT NULL,
    yanked INTEGER NOT NULL DEFAULT 0,
    features TEXT NOT NULL DEFAULT '{}',
    features2 TEXT,
    links TEXT,
    rust_version TEXT,
    v INTEGER NOT NULL DEFAULT 1,
    relative_path TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(domain, name, vers)
);

CREATE TABLE IF NOT EXISTS crate_dependencies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    crate_version_id INTEGER NOT NULL REFERENCES crate_versions(id) ON DELETE CASCADE,
    ordinal INTEGER NOT NULL,
    name TEXT NOT NULL,
    req TEXT NOT NULL,
    features TEXT NOT NULL DEFAULT '[]',
    optional INTEGER NOT NULL DEFAULT 0,
    default_features INTEGER NOT NULL DEFAULT 1,
    target TEXT,
    kind TEXT NOT NULL DEFAULT 'normal' CHECK (kind IN ('normal', 'dev', 'build')),
    registry TEXT,
    package TEXT
);

CREATE TABLE IF NOT EXISTS repository_version_content (
    repository_version_id INTEGER NOT NULL REFERENCES repository_versions(id) ON DELETE CASCADE,
    crate_version_id INTEGER NOT NULL REFERENCES crate_versions(id) ON DELETE CASCADE,
    PRIMARY KEY (repository_version_id, crate_version_id)
);

CREATE TABLE IF NOT EXISTS crate_remote_sources (
    crate_version_id INTEGER NOT NULL REFERENCES crate_versions(id) ON DELETE CASCADE,
    remote_id INTEGER NOT NULL REFERENCES remotes(id) ON DELETE CASCADE,
    fetched_at TIMESTAMP NOT NULL,
    PRIMARY KEY (crate_version_id, remote_id)
);

CREATE TABLE IF NOT EXISTS distributions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    domain TEXT NOT NULL DEFAULT 'default',
    base_path TEXT NOT NULL,
    repository_id INTEGER REFERENCES repositories(id) ON DELETE SET NULL,
    repository_version_id INTEGER REFERENCES repository_versions(id) ON DELETE SET NULL,
    remote_id INTEGER REFERENCES remotes(id) ON DELETE SET NULL,
    allow_uploads INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(domain, base_path)
);

CREATE INDEX IF NOT EXISTS idx_crate_versions_name ON crate_versions(domain, name);
CREATE INDEX IF NOT EXISTS idx_crate_dependencies_version ON crate_dependencies(crate_version_id);
CREATE INDEX IF NOT EXISTS idx_repository_versions_repo ON repository_versions(repository_id);
CREATE INDEX IF NOT EXISTS idx_remote_sources_remote ON crate_remote_sources(remote_id, fetched_at);
`
