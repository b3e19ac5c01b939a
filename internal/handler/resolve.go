package handler

import (
	"github.com/pulp/pulp-rust/internal/model"
	"github.com/pulp/pulp-rust/internal/store"
)

// resolution is the request-scoped outcome of distribution lookup,
// constructed once per call and threaded through instead of cached on the
// handler.
type resolution struct {
	distribution *model.Distribution
	// version is the snapshot being served; nil in pull-through-only mode
	// (remote bound, no repository, nothing cached into a snapshot yet).
	version *model.RepositoryVersion
	remote  *model.Remote
}

// pullThrough reports whether the distribution's remote serves content on
// request rather than through eager sync.
func (res *resolution) pullThrough() bool {
	return res.remote != nil &&
		(res.remote.Policy == model.PolicyOnDemand || res.remote.Policy == model.PolicyStreamed)
}

// resolve locates the distribution for a base path and determines the
// effective repository version: a bound repository serves its latest
// version, a bound fixed version serves that version. Neither is
// ErrNoRepository, unless a remote is bound, which signals
// pull-through-only mode with no content yet.
func (a *API) resolve(basePath string) (*resolution, error) {
	d, err := a.store.GetDistributionByBasePath(a.cfg.Domain, basePath)
	if err != nil {
		return nil, err
	}
	res := &resolution{distribution: d}

	if d.RemoteID != nil {
		remote, err := a.store.GetRemote(*d.RemoteID)
		if err != nil {
			return nil, err
		}
		res.remote = remote
	}

	switch {
	case d.RepositoryID != nil:
		res.version, err = a.store.LatestRepositoryVersion(*d.RepositoryID)
		if err != nil {
			return nil, err
		}
	case d.RepositoryVersionID != nil:
		res.version, err = a.store.GetRepositoryVersion(*d.RepositoryVersionID)
		if err != nil {
			return nil, err
		}
	default:
		if res.remote == nil {
			return nil, store.ErrNoRepository
		}
		// Pull-through only: no snapshot, content comes from the remote.
	}
	return res, nil
}
