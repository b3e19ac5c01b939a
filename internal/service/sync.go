// Package service implements the synchronization and cache-promotion
// workflows that reconcile upstream content into immutable repository
// snapshots.
package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pulp/pulp-rust/internal/config"
	"github.com/pulp/pulp-rust/internal/index"
	"github.com/pulp/pulp-rust/internal/model"
	"github.com/pulp/pulp-rust/internal/store"
	"github.com/pulp/pulp-rust/internal/task"
	"github.com/pulp/pulp-rust/pkg/upstream"
	"go.uber.org/zap"
)

// ErrNoRemote reports a promotion or sync with no remote resolvable from
// either the request or the repository. Surfaced synchronously, before any
// background work is dispatched.
var ErrNoRemote = errors.New("no remote supplied and the repository has none")

// SyncService reconciles upstream registries into repository snapshots
type SyncService struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.SQLiteStore
	pool     *task.Pool
	upstream *upstream.Client
}

// NewSyncService creates a new SyncService instance
func NewSyncService(cfg *config.Config, logger *zap.Logger, st *store.SQLiteStore, pool *task.Pool) *SyncService {
	return &SyncService{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		pool:     pool,
		upstream: upstream.NewClient(filepath.Join(cfg.Storage.Path, "index"), logger),
	}
}

// DispatchSync queues a synchronization run. The job holds an exclusive lock
// on the repository and a shared lock on the remote, so many repositories
// may sync from one remote concurrently but never two syncs on one
// repository.
func (s *SyncService) DispatchSync(repo *model.Repository, remote *model.Remote, mirror bool) *task.Task {
	return s.pool.Submit(
		fmt.Sprintf("sync %s from %s", repo.Name, remote.Name),
		func() error { return s.sync(repo, remote, mirror) },
		[]string{task.Resource("repository", repo.ID)},
		[]string{task.Resource("remote", remote.ID)},
	)
}

// DispatchPromote queues a cache promotion. The remote comes from the
// request or falls back to the repository's own; missing both is a
// validation error and nothing is dispatched.
func (s *SyncService) DispatchPromote(repo *model.Repository, remote *model.Remote) (*task.Task, error) {
	if remote == nil {
		if repo.RemoteID == nil {
			return nil, ErrNoRemote
		}
		var err error
		remote, err = s.store.GetRemote(*repo.RemoteID)
		if err != nil {
			return nil, err
		}
	}
	return s.pool.Submit(
		fmt.Sprintf("promote cached content into %s", repo.Name),
		func() error { return s.promote(repo, remote) },
		[]string{task.Resource("repository", repo.ID)},
		[]string{task.Resource("remote", remote.ID)},
	), nil
}

// ResolveRemote loads a remote by name, or the repository's bound remote
// when no name is given.
func (s *SyncService) ResolveRemote(repo *model.Repository, name string) (*model.Remote, error) {
	if name != "" {
		return s.store.GetRemoteByName(repo.Domain, name)
	}
	if repo.RemoteID == nil {
		return nil, ErrNoRemote
	}
	return s.store.GetRemote(*repo.RemoteID)
}

// sync fetches the remote's index enumeration and per-crate index files,
// upserts crate metadata keyed by checksum, fetches missing archives, and
// commits one new snapshot. mirror=true replaces the content set with
// exactly what upstream has; otherwise the new snapshot is additive.
func (s *SyncService) sync(repo *model.Repository, remote *model.Remote, mirror bool) error {
	start := time.Now()
	names, err := s.upstream.Enumerate(remote)
	if err != nil {
		syncErrors.Inc()
		return err
	}

	template, err := s.upstream.DownloadTemplate(remote)
	if err != nil {
		syncErrors.Inc()
		return err
	}

	var synced []int64
	var changed int
	for _, name := range names {
		entries, err := s.upstream.FetchIndex(remote, name)
		if err != nil {
			syncErrors.Inc()
			return fmt.Errorf("sync of %s failed on crate %s: %w", repo.Name, name, err)
		}
		for i := range entries {
			cv := entries[i].ToModel(repo.Domain)
			wrote, err := s.store.UpsertCrateVersion(&cv)
			if err != nil {
				syncErrors.Inc()
				return fmt.Errorf("sync of %s failed on crate %s %s: %w", repo.Name, cv.Name, cv.Vers, err)
			}
			if wrote {
				changed++
			}
			if err := s.store.RecordRemoteSource(cv.ID, remote.ID, time.Now()); err != nil {
				syncErrors.Inc()
				return err
			}
			if remote.Policy == model.PolicyImmediate {
				if err := s.ensureArchive(template, &cv); err != nil {
					syncErrors.Inc()
					return fmt.Errorf("sync of %s failed fetching %s %s: %w", repo.Name, cv.Name, cv.Vers, err)
				}
			}
			synced = append(synced, cv.ID)
		}
	}

	latest, err := s.store.LatestRepositoryVersion(repo.ID)
	if err != nil {
		return err
	}
	previous, err := s.store.VersionContentIDs(latest.ID)
	if err != nil {
		return err
	}

	next := dedup(synced)
	if !mirror {
		next = union(previous, synced)
	}
	if sameSet(previous, next) {
		s.logger.Info("sync produced no content changes",
			zap.String("repository", repo.Name),
			zap.String("remote", remote.Name),
			zap.Int("crates", len(names)),
		)
		syncDuration.Observe(time.Since(start).Seconds())
		return nil
	}

	rv, err := s.store.CreateRepositoryVersion(repo.ID, next)
	if err != nil {
		return err
	}
	syncDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("repository synchronized",
		zap.String("repository", repo.Name),
		zap.String("remote", remote.Name),
		zap.Int64("version", rv.Number),
		zap.Int("content", len(next)),
		zap.Int("updated", changed),
		zap.Bool("mirror", mirror),
	)
	return nil
}

// promote folds content fetched through the remote after the current latest
// snapshot into one new snapshot, previous content included.
func (s *SyncService) promote(repo *model.Repository, remote *model.Remote) error {
	latest, err := s.store.LatestRepositoryVersion(repo.ID)
	if err != nil {
		return err
	}
	cached, err := s.store.CrateIDsFetchedSince(remote.ID, latest.CreatedAt)
	if err != nil {
		return err
	}
	previous, err := s.store.VersionContentIDs(latest.ID)
	if err != nil {
		return err
	}

	next := union(previous, cached)
	if sameSet(previous, next) {
		s.logger.Info("no cached content to promote",
			zap.String("repository", repo.Name),
			zap.String("remote", remote.Name),
		)
		return nil
	}
	rv, err := s.store.CreateRepositoryVersion(repo.ID, next)
	if err != nil {
		return err
	}
	s.logger.Info("cached content promoted",
		zap.String("repository", repo.Name),
		zap.String("remote", remote.Name),
		zap.Int64("version", rv.Number),
		zap.Int("content", len(next)),
	)
	return nil
}

// FetchThrough serves an index request for a crate the local metadata does
// not cover yet: the upstream index file is fetched, its versions recorded,
// and the records returned ordered by ascending version string. The records
// become part of a durable snapshot only through cache promotion.
func (s *SyncService) FetchThrough(remote *model.Remote, crate string) ([]model.CrateVersion, error) {
	entries, err := s.upstream.FetchIndex(remote, crate)
	if err != nil {
		if errors.Is(err, upstream.ErrCrateNotFound) {
			return nil, fmt.Errorf("crate %s: %w", crate, store.ErrNotFound)
		}
		return nil, err
	}

	now := time.Now()
	versions := make([]model.CrateVersion, 0, len(entries))
	for i := range entries {
		cv := entries[i].ToModel(remote.Domain)
		if _, err := s.store.UpsertCrateVersion(&cv); err != nil {
			return nil, err
		}
		if err := s.store.RecordRemoteSource(cv.ID, remote.ID, now); err != nil {
			return nil, err
		}
		versions = append(versions, cv)
	}
	index.SortByVers(versions)
	cacheFetches.Inc()
	return versions, nil
}

// EnsureArchive makes sure a crate's archive file is stored locally,
// fetching it from the remote when absent.
func (s *SyncService) EnsureArchive(remote *model.Remote, cv *model.CrateVersion) error {
	template, err := s.upstream.DownloadTemplate(remote)
	if err != nil {
		return err
	}
	return s.ensureArchive(template, cv)
}

func (s *SyncService) ensureArchive(template string, cv *model.CrateVersion) error {
	dest := filepath.Join(s.cfg.Storage.Path, "crates", filepath.FromSlash(cv.RelativePath))
	if _, err := os.Stat(dest); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return s.upstream.FetchCrate(upstream.CrateURL(template, cv.Name, cv.Vers, cv.Cksum), dest)
}

func union(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func sameSet(a, b []int64) bool {
	set := make(map[int64]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	deduped := dedup(b)
	if len(set) != len(deduped) {
		return false
	}
	for _, id := range deduped {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

func dedup(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
