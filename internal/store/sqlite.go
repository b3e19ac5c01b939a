// Package store persists crate metadata, repositories, snapshots,
// distributions and remotes in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pulp/pulp-rust/internal/model"
	"go.uber.org/zap"
)

var (
	// ErrNotFound reports an unknown crate, version, repository,
	// distribution or remote.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate reports a direct creation that collides on
	// (domain, name, vers).
	ErrDuplicate = errors.New("already exists")
	// ErrNoRepository reports a distribution bound to neither a repository
	// nor a fixed repository version.
	ErrNoRepository = errors.New("no repository associated with this index")
)

// SQLiteStore implements persistence using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dataPath string, logger *zap.Logger) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataPath, "pulp-rust.db")
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Initialize schema
	if _, err := db.Exec(model.Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// CreateRemote inserts a new remote record
func (s *SQLiteStore) CreateRemote(remote *model.Remote) error {
	crates, err := json.Marshal(remote.Crates)
	if err != nil {
		return fmt.Errorf("failed to encode crate list: %w", err)
	}
	remote.CreatedAt = time.Now().UTC()
	err = s.db.QueryRow(
		`INSERT INTO remotes (domain, name, url, policy, crates, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		remote.Domain, remote.Name, remote.URL, remote.Policy, string(crates), remote.CreatedAt,
	).Scan(&remote.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("remote %s: %w", remote.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create remote: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanRemote(row *sql.Row) (*model.Remote, error) {
	remote := &model.Remote{}
	var crates string
	err := row.Scan(&remote.ID, &remote.Domain, &remote.Name, &remote.URL,
		&remote.Policy, &crates, &remote.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("remote: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get remote: %w", err)
	}
	if err := json.Unmarshal([]byte(crates), &remote.Crates); err != nil {
		return nil, fmt.Errorf("failed to decode crate list: %w", err)
	}
	return remote, nil
}

// GetRemote gets a remote by id
func (s *SQLiteStore) GetRemote(id int64) (*model.Remote, error) {
	return s.scanRemote(s.db.QueryRow(`SELECT * FROM remotes WHERE id = ?`, id))
}

// GetRemoteByName gets a remote by name within a domain
func (s *SQLiteStore) GetRemoteByName(domain, name string) (*model.Remote, error) {
	return s.scanRemote(s.db.QueryRow(
		`SELECT * FROM remotes WHERE domain = ? AND name = ?`, domain, name))
}

// ListRemotes lists the remotes of a domain
func (s *SQLiteStore) ListRemotes(domain string) ([]model.Remote, error) {
	rows, err := s.db.Query(`SELECT * FROM remotes WHERE domain = ? ORDER BY name`, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list remotes: %w", err)
	}
	defer rows.Close()

	var remotes []model.Remote
	for rows.Next() {
		var remote model.Remote
		var crates string
		if err := rows.Scan(&remote.ID, &remote.Domain, &remote.Name, &remote.URL,
			&remote.Policy, &crates, &remote.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan remote: %w", err)
		}
		if err := json.Unmarshal([]byte(crates), &remote.Crates); err != nil {
			return nil, fmt.Errorf("failed to decode crate list: %w", err)
		}
		remotes = append(remotes, remote)
	}
	return remotes, rows.Err()
}

// CreateRepository inserts a repository together with its empty version 0
func (s *SQLiteStore) CreateRepository(repo *model.Repository) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	repo.CreatedAt = time.Now().UTC()
	err = tx.QueryRow(
		`INSERT INTO repositories (domain, name, remote_id, created_at)
		 VALUES (?, ?, ?, ?) RETURNING id`,
		repo.Domain, repo.Name, repo.RemoteID, repo.CreatedAt,
	).Scan(&repo.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("repository %s: %w", repo.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO repository_versions (repository_id, number, created_at) VALUES (?, 0, ?)`,
		repo.ID, repo.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create initial repository version: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) scanRepository(row *sql.Row) (*model.Repository, error) {
	repo := &model.Repository{}
	err := row.Scan(&repo.ID, &repo.Domain, &repo.Name, &repo.RemoteID, &repo.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("repository: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return repo, nil
}

// GetRepository gets a repository by id
func (s *SQLiteStore) GetRepository(id int64) (*model.Repository, error) {
	return s.scanRepository(s.db.QueryRow(`SELECT * FROM repositories WHERE id = ?`, id))
}

// GetRepositoryByName gets a repository by name within a domain
func (s *SQLiteStore) GetRepositoryByName(domain, name string) (*model.Repository, error) {
	return s.scanRepository(s.db.QueryRow(
		`SELECT * FROM repositories WHERE domain = ? AND name = ?`, domain, name))
}

// ListRepositories lists the repositories of a domain
func (s *SQLiteStore) ListRepositories(domain string) ([]model.Repository, error) {
	rows, err := s.db.Query(`SELECT * FROM repositories WHERE domain = ? ORDER BY name`, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var repos []model.Repository
	for rows.Next() {
		var repo model.Repository
		if err := rows.Scan(&repo.ID, &repo.Domain, &repo.Name, &repo.RemoteID, &repo.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

func (s *SQLiteStore) scanRepositoryVersion(row *sql.Row) (*model.RepositoryVersion, error) {
	rv := &model.RepositoryVersion{}
	err := row.Scan(&rv.ID, &rv.RepositoryID, &rv.Number, &rv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("repository version: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository version: %w", err)
	}
	return rv, nil
}

// GetRepositoryVersion gets a repository version by id
func (s *SQLiteStore) GetRepositoryVersion(id int64) (*model.RepositoryVersion, error) {
	return s.scanRepositoryVersion(s.db.QueryRow(
		`SELECT * FROM repository_versions WHERE id = ?`, id))
}

// RepositoryVersionByNumber gets a repository version by its sequence number
func (s *SQLiteStore) RepositoryVersionByNumber(repoID, number int64) (*model.RepositoryVersion, error) {
	return s.scanRepositoryVersion(s.db.QueryRow(
		`SELECT * FROM repository_versions WHERE repository_id = ? AND number = ?`,
		repoID, number))
}

// LatestRepositoryVersion gets the currently served snapshot of a repository
func (s *SQLiteStore) LatestRepositoryVersion(repoID int64) (*model.RepositoryVersion, error) {
	return s.scanRepositoryVersion(s.db.QueryRow(
		`SELECT * FROM repository_versions WHERE repository_id = ? ORDER BY number DESC LIMIT 1`,
		repoID))
}

// CreateRepositoryVersion commits a new snapshot with the given content set.
// The version and its complete membership commit in one transaction: a
// partial snapshot is never observable.
func (s *SQLiteStore) CreateRepositoryVersion(repoID int64, contentIDs []int64) (*model.RepositoryVersion, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rv := &model.RepositoryVersion{RepositoryID: repoID, CreatedAt: time.Now().UTC()}
	err = tx.QueryRow(
		`INSERT INTO repository_versions (repository_id, number, created_at)
		 SELECT ?, COALESCE(MAX(number), -1) + 1, ?
		 FROM repository_versions WHERE repository_id = ?
		 RETURNING id, number`,
		repoID, rv.CreatedAt, repoID,
	).Scan(&rv.ID, &rv.Number)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository version: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO repository_version_content (repository_version_id, crate_version_id) VALUES (?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare content insert: %w", err)
	}
	defer stmt.Close()
	for _, id := range contentIDs {
		if _, err := stmt.Exec(rv.ID, id); err != nil {
			return nil, fmt.Errorf("failed to add content %d to version: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit repository version: %w", err)
	}
	return rv, nil
}

// VersionContentIDs returns the crate version ids in a snapshot
func (s *SQLiteStore) VersionContentIDs(versionID int64) ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT crate_version_id FROM repository_version_content WHERE repository_version_id = ?`,
		versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query version content: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan content id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateDistribution inserts a new distribution record
func (s *SQLiteStore) CreateDistribution(d *model.Distribution) error {
	d.CreatedAt = time.Now().UTC()
	err := s.db.QueryRow(
		`INSERT INTO distributions
		 (domain, base_path, repository_id, repository_version_id, remote_id, allow_uploads, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		d.Domain, d.BasePath, d.RepositoryID, d.RepositoryVersionID, d.RemoteID,
		d.AllowUploads, d.CreatedAt,
	).Scan(&d.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("distribution %s: %w", d.BasePath, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create distribution: %w", err)
	}
	return nil
}

// GetDistributionByBasePath finds the distribution serving a base path
func (s *SQLiteStore) GetDistributionByBasePath(domain, basePath string) (*model.Distribution, error) {
	d := &model.Distribution{}
	err := s.db.QueryRow(
		`SELECT * FROM distributions WHERE domain = ? AND base_path = ?`,
		domain, basePath,
	).Scan(&d.ID, &d.Domain, &d.BasePath, &d.RepositoryID, &d.RepositoryVersionID,
		&d.RemoteID, &d.AllowUploads, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no distribution found for base path %s: %w", basePath, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get distribution: %w", err)
	}
	return d, nil
}

// ListDistributions lists the distributions of a domain
func (s *SQLiteStore) ListDistributions(domain string) ([]model.Distribution, error) {
	rows, err := s.db.Query(`SELECT * FROM distributions WHERE domain = ? ORDER BY base_path`, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list distributions: %w", err)
	}
	defer rows.Close()

	var dists []model.Distribution
	for rows.Next() {
		var d model.Distribution
		if err := rows.Scan(&d.ID, &d.Domain, &d.BasePath, &d.RepositoryID,
			&d.RepositoryVersionID, &d.RemoteID, &d.AllowUploads, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan distribution: %w", err)
		}
		dists = append(dists, d)
	}
	return dists, rows.Err()
}

// CreateCrateVersion inserts a crate version with its dependencies. A
// collision on (domain, name, vers) is rejected with ErrDuplicate; direct
// creation never upserts.
func (s *SQLiteStore) CreateCrateVersion(cv *model.CrateVersion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertCrateVersion(tx, cv); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) insertCrateVersion(tx *sql.Tx, cv *model.CrateVersion) error {
	features, features2, err := encodeFeatures(cv)
	if err != nil {
		return err
	}
	if cv.RelativePath == "" {
		cv.RelativePath = model.CratePath(cv.Name, cv.Vers)
	}
	cv.CreatedAt = time.Now().UTC()

	err = tx.QueryRow(
		`INSERT INTO crate_versions
		 (domain, name, vers, cksum, yanked, features, features2, links, rust_version, v, relative_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		cv.Domain, cv.Name, cv.Vers, cv.Cksum, cv.Yanked, features, features2,
		cv.Links, nullString(cv.RustVersion), cv.V, cv.RelativePath, cv.CreatedAt,
	).Scan(&cv.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("crate %s %s: %w", cv.Name, cv.Vers, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert crate version: %w", err)
	}
	return s.insertDependencies(tx, cv)
}

func (s *SQLiteStore) insertDependencies(tx *sql.Tx, cv *model.CrateVersion) error {
	if len(cv.Dependencies) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(
		`INSERT INTO crate_dependencies
		 (crate_version_id, ordinal, name, req, features, optional, default_features, target, kind, registry, package)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare dependency insert: %w", err)
	}
	defer stmt.Close()

	for i := range cv.Dependencies {
		d := &cv.Dependencies[i]
		d.Ordinal = i
		d.CrateVersionID = cv.ID
		features, err := json.Marshal(orEmpty(d.Features))
		if err != nil {
			return fmt.Errorf("failed to encode dependency features: %w", err)
		}
		if _, err := stmt.Exec(cv.ID, d.Ordinal, d.Name, d.Req, string(features),
			d.Optional, d.DefaultFeatures, d.Target, d.Kind, d.Registry, d.Package); err != nil {
			return fmt.Errorf("failed to insert dependency %s: %w", d.Name, err)
		}
	}
	return nil
}

// UpsertCrateVersion reconciles a synchronized crate version. The checksum
// governs change detection: an unchanged checksum writes nothing, a changed
// one updates the metadata in place and replaces the dependency set.
// Reports whether anything was written. Safe under concurrent syncs: a
// lost insert race falls through to the re-read/update path.
func (s *SQLiteStore) UpsertCrateVersion(cv *model.CrateVersion) (bool, error) {
	existing, err := s.GetCrateVersion(cv.Domain, cv.Name, cv.Vers)
	if errors.Is(err, ErrNotFound) {
		err = s.CreateCrateVersion(cv)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return false, err
		}
		// Another sync inserted the row between the read and the insert.
		existing, err = s.GetCrateVersion(cv.Domain, cv.Name, cv.Vers)
	}
	if err != nil {
		return false, err
	}

	cv.ID = existing.ID
	cv.CreatedAt = existing.CreatedAt
	if existing.Cksum == cv.Cksum {
		return false, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	features, features2, err := encodeFeatures(cv)
	if err != nil {
		return false, err
	}
	_, err = tx.Exec(
		`UPDATE crate_versions
		 SET cksum = ?, yanked = ?, features = ?, features2 = ?, links = ?, rust_version = ?, v = ?
		 WHERE id = ?`,
		cv.Cksum, cv.Yanked, features, features2, cv.Links,
		nullString(cv.RustVersion), cv.V, cv.ID)
	if err != nil {
		return false, fmt.Errorf("failed to update crate version: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM crate_dependencies WHERE crate_version_id = ?`, cv.ID); err != nil {
		return false, fmt.Errorf("failed to replace dependencies: %w", err)
	}
	if err := s.insertDependencies(tx, cv); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit upsert: %w", err)
	}
	return true, nil
}

const crateColumns = `id, domain, name, vers, cksum, yanked, features, features2,
	links, rust_version, v, relative_path, created_at`

func scanCrateVersion(row interface{ Scan(...any) error }) (*model.CrateVersion, error) {
	cv := &model.CrateVersion{}
	var features string
	var features2, rustVersion sql.NullString
	err := row.Scan(&cv.ID, &cv.Domain, &cv.Name, &cv.Vers, &cv.Cksum, &cv.Yanked,
		&features, &features2, &cv.Links, &rustVersion, &cv.V, &cv.RelativePath, &cv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(features), &cv.Features); err != nil {
		return nil, fmt.Errorf("failed to decode features: %w", err)
	}
	if features2.Valid && features2.String != "" {
		if err := json.Unmarshal([]byte(features2.String), &cv.Features2); err != nil {
			return nil, fmt.Errorf("failed to decode features2: %w", err)
		}
	}
	cv.RustVersion = rustVersion.String
	return cv, nil
}

// GetCrateVersion gets one crate version by (domain, name, vers)
func (s *SQLiteStore) GetCrateVersion(domain, name, vers string) (*model.CrateVersion, error) {
	row := s.db.QueryRow(
		`SELECT `+crateColumns+` FROM crate_versions WHERE domain = ? AND name = ? AND vers = ?`,
		domain, name, vers)
	cv, err := scanCrateVersion(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("crate %s %s: %w", name, vers, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crate version: %w", err)
	}
	if err := s.loadDependencies(cv); err != nil {
		return nil, err
	}
	return cv, nil
}

// CrateVersionsInSet returns all versions of a crate within a snapshot,
// ordered by ascending raw version string.
func (s *SQLiteStore) CrateVersionsInSet(versionID int64, name string) ([]model.CrateVersion, error) {
	rows, err := s.db.Query(
		`SELECT `+crateColumns+` FROM crate_versions
		 WHERE name = ? AND id IN
		   (SELECT crate_version_id FROM repository_version_content WHERE repository_version_id = ?)
		 ORDER BY vers ASC`,
		name, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query crate versions: %w", err)
	}
	defer rows.Close()

	var versions []model.CrateVersion
	for rows.Next() {
		cv, err := scanCrateVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan crate version: %w", err)
		}
		versions = append(versions, *cv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range versions {
		if err := s.loadDependencies(&versions[i]); err != nil {
			return nil, err
		}
	}
	return versions, nil
}

// CrateVersionInSet finds one (name, vers) within a snapshot
func (s *SQLiteStore) CrateVersionInSet(versionID int64, name, vers string) (*model.CrateVersion, error) {
	row := s.db.QueryRow(
		`SELECT `+crateColumns+` FROM crate_versions
		 WHERE name = ? AND vers = ? AND id IN
		   (SELECT crate_version_id FROM repository_version_content WHERE repository_version_id = ?)`,
		name, vers, versionID)
	cv, err := scanCrateVersion(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("crate %s %s: %w", name, vers, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crate version: %w", err)
	}
	if err := s.loadDependencies(cv); err != nil {
		return nil, err
	}
	return cv, nil
}

func (s *SQLiteStore) loadDependencies(cv *model.CrateVersion) error {
	rows, err := s.db.Query(
		`SELECT id, crate_version_id, ordinal, name, req, features, optional,
		        default_features, target, kind, registry, package
		 FROM crate_dependencies WHERE crate_version_id = ? ORDER BY ordinal ASC`,
		cv.ID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	cv.Dependencies = nil
	for rows.Next() {
		var d model.CrateDependency
		var features string
		if err := rows.Scan(&d.ID, &d.CrateVersionID, &d.Ordinal, &d.Name, &d.Req,
			&features, &d.Optional, &d.DefaultFeatures, &d.Target, &d.Kind,
			&d.Registry, &d.Package); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		if err := json.Unmarshal([]byte(features), &d.Features); err != nil {
			return fmt.Errorf("failed to decode dependency features: %w", err)
		}
		cv.Dependencies = append(cv.Dependencies, d)
	}
	return rows.Err()
}

// SetYanked flips the yanked flag of one crate version; nothing else changes
func (s *SQLiteStore) SetYanked(domain, name, vers string, yanked bool) error {
	res, err := s.db.Exec(
		`UPDATE crate_versions SET yanked = ? WHERE domain = ? AND name = ? AND vers = ?`,
		yanked, domain, name, vers)
	if err != nil {
		return fmt.Errorf("failed to set yanked: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("crate %s %s: %w", name, vers, ErrNotFound)
	}
	return nil
}

// RecordRemoteSource associates a crate version with the remote it was
// fetched through. Repeated fetches keep the first timestamp.
func (s *SQLiteStore) RecordRemoteSource(crateVersionID, remoteID int64, fetchedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO crate_remote_sources (crate_version_id, remote_id, fetched_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(crate_version_id, remote_id) DO NOTHING`,
		crateVersionID, remoteID, fetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record remote source: %w", err)
	}
	return nil
}

// CrateIDsFetchedSince returns crate versions fetched through a remote after
// the given instant. Used by cache promotion to fold pull-through content
// into a durable snapshot.
func (s *SQLiteStore) CrateIDsFetchedSince(remoteID int64, since time.Time) ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT crate_version_id FROM crate_remote_sources WHERE remote_id = ? AND fetched_at > ?`,
		remoteID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query remote sources: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan crate id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func encodeFeatures(cv *model.CrateVersion) (string, sql.NullString, error) {
	features, err := json.Marshal(orEmptyMap(cv.Features))
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to encode features: %w", err)
	}
	var features2 sql.NullString
	if len(cv.Features2) > 0 {
		b, err := json.Marshal(cv.Features2)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("failed to encode features2: %w", err)
		}
		features2 = sql.NullString{String: string(b), Valid: true}
	}
	return string(features), features2, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}
	return m
}
