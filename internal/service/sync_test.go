package service

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pulp/pulp-rust/internal/config"
	"github.com/pulp/pulp-rust/internal/index"
	"github.com/pulp/pulp-rust/internal/model"
	"github.com/pulp/pulp-rust/internal/store"
	"github.com/pulp/pulp-rust/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// upstreamFixture is a stub sparse registry: per-crate index files under
// their bucket paths plus archive bytes served from the dl template.
type upstreamFixture struct {
	srv   *httptest.Server
	index map[string]string
}

func newUpstreamFixture(t *testing.T) *upstreamFixture {
	t.Helper()
	f := &upstreamFixture{index: make(map[string]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("/index/config.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"dl":"%s/dl/{crate}/{version}","api":"%s"}`, f.srv.URL, f.srv.URL)
	})
	mux.HandleFunc("/index/", func(w http.ResponseWriter, r *http.Request) {
		body, ok := f.index[r.URL.Path[len("/index/"):]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, body)
	})
	mux.HandleFunc("/dl/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "crate-bytes")
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *upstreamFixture) addCrate(name string, lines ...string) {
	body := ""
	for i, l := range lines {
		if i > 0 {
			body += "\n"
		}
		body += l
	}
	f.index[index.BucketPath(name)] = body
}

func (f *upstreamFixture) remote(name string, policy model.Policy, crates ...string) *model.Remote {
	return &model.Remote{
		Domain: "default",
		Name:   name,
		URL:    "sparse+" + f.srv.URL + "/index/",
		Policy: policy,
		Crates: crates,
	}
}

type syncHarness struct {
	cfg   *config.Config
	store *store.SQLiteStore
	pool  *task.Pool
	svc   *SyncService
}

func newSyncHarness(t *testing.T) *syncHarness {
	t.Helper()
	cfg := &config.Config{Domain: "default"}
	cfg.Storage.Path = t.TempDir()

	st, err := store.NewSQLiteStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pool := task.NewPool(2, 8, zap.NewNop())
	t.Cleanup(pool.Close)

	return &syncHarness{
		cfg:   cfg,
		store: st,
		pool:  pool,
		svc:   NewSyncService(cfg, zap.NewNop(), st, pool),
	}
}

func (h *syncHarness) newRepository(t *testing.T, name string) *model.Repository {
	t.Helper()
	repo := &model.Repository{Domain: "default", Name: name}
	require.NoError(t, h.store.CreateRepository(repo))
	return repo
}

const (
	demoLine1 = `{"name":"demo","vers":"0.1.0","deps":[],"cksum":"aa","features":{},"yanked":false,"links":null,"v":1}`
	demoLine2 = `{"name":"demo","vers":"0.2.0","deps":[],"cksum":"bb","features":{},"yanked":false,"links":null,"v":1}`
	extraLine = `{"name":"extra","vers":"1.0.0","deps":[],"cksum":"cc","features":{},"yanked":false,"links":null,"v":1}`
)

func TestSyncCreatesSnapshot(t *testing.T) {
	f := newUpstreamFixture(t)
	f.addCrate("demo", demoLine1, demoLine2)

	h := newSyncHarness(t)
	remote := f.remote("up", model.PolicyImmediate, "demo")
	require.NoError(t, h.store.CreateRemote(remote))
	repo := h.newRepository(t, "mirror")

	tk := h.svc.DispatchSync(repo, remote, false)
	tk.Wait()
	require.Equal(t, task.StateCompleted, tk.State(), "sync error: %v", tk.Err())

	latest, err := h.store.LatestRepositoryVersion(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Number)

	versions, err := h.store.CrateVersionsInSet(latest.ID, "demo")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "0.1.0", versions[0].Vers)
	assert.Equal(t, "0.2.0", versions[1].Vers)

	// Immediate policy stores the archives during sync.
	for _, vers := range []string{"0.1.0", "0.2.0"} {
		path := filepath.Join(h.cfg.Storage.Path, "crates", "demo", "demo-"+vers+".crate")
		_, err := os.Stat(path)
		assert.NoError(t, err, "archive for %s should be stored", vers)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newUpstreamFixture(t)
	f.addCrate("demo", demoLine1)

	h := newSyncHarness(t)
	remote := f.remote("up", model.PolicyImmediate, "demo")
	require.NoError(t, h.store.CreateRemote(remote))
	repo := h.newRepository(t, "mirror")

	for i := 0; i < 2; i++ {
		tk := h.svc.DispatchSync(repo, remote, false)
		tk.Wait()
		require.Equal(t, task.StateCompleted, tk.State(), "sync error: %v", tk.Err())
	}

	latest, err := h.store.LatestRepositoryVersion(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Number, "unchanged content must not create a new version")
}

func TestMirrorSyncReplacesContentSet(t *testing.T) {
	f := newUpstreamFixture(t)
	f.addCrate("demo", demoLine1)
	f.addCrate("extra", extraLine)

	h := newSyncHarness(t)
	remote := f.remote("up", model.PolicyImmediate, "demo", "extra")
	require.NoError(t, h.store.CreateRemote(remote))
	repo := h.newRepository(t, "mirror")

	tk := h.svc.DispatchSync(repo, remote, false)
	tk.Wait()
	require.Equal(t, task.StateCompleted, tk.State(), "sync error: %v", tk.Err())

	// Upstream drops "extra"; a mirror sync replaces the set, an additive
	// sync would have kept it.
	narrowed := *remote
	narrowed.Crates = []string{"demo"}
	tk = h.svc.DispatchSync(repo, &narrowed, true)
	tk.Wait()
	require.Equal(t, task.StateCompleted, tk.State(), "sync error: %v", tk.Err())

	latest, err := h.store.LatestRepositoryVersion(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Number)

	gone, err := h.store.CrateVersionsInSet(latest.ID, "extra")
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := h.store.CrateVersionsInSet(latest.ID, "demo")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestMirrorSyncToleratesDuplicateCrateList(t *testing.T) {
	f := newUpstreamFixture(t)
	f.addCrate("demo", demoLine1)

	h := newSyncHarness(t)
	remote := f.remote("up", model.PolicyImmediate, "demo", "demo")
	require.NoError(t, h.store.CreateRemote(remote))
	repo := h.newRepository(t, "mirror")

	tk := h.svc.DispatchSync(repo, remote, true)
	tk.Wait()
	require.Equal(t, task.StateCompleted, tk.State(), "sync error: %v", tk.Err())

	latest, err := h.store.LatestRepositoryVersion(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Number)

	ids, err := h.store.VersionContentIDs(latest.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 1, "duplicate enumeration entries collapse to one membership row")
}

func TestOnDemandSyncDefersArchives(t *testing.T) {
	f := newUpstreamFixture(t)
	f.addCrate("demo", demoLine1)

	h := newSyncHarness(t)
	remote := f.remote("up", model.PolicyOnDemand, "demo")
	require.NoError(t, h.store.CreateRemote(remote))
	repo := h.newRepository(t, "mirror")

	tk := h.svc.DispatchSync(repo, remote, false)
	tk.Wait()
	require.Equal(t, task.StateCompleted, tk.State(), "sync error: %v", tk.Err())

	_, err := os.Stat(filepath.Join(h.cfg.Storage.Path, "crates", "demo", "demo-0.1.0.crate"))
	assert.True(t, os.IsNotExist(err), "on_demand sync must not fetch archives")

	// The archive arrives on first download request.
	cv, err := h.store.GetCrateVersion("default", "demo", "0.1.0")
	require.NoError(t, err)
	require.NoError(t, h.svc.EnsureArchive(remote, cv))
	_, err = os.Stat(filepath.Join(h.cfg.Storage.Path, "crates", "demo", "demo-0.1.0.crate"))
	assert.NoError(t, err)
}

func TestFetchThroughRecordsAndSorts(t *testing.T) {
	f := newUpstreamFixture(t)
	f.addCrate("demo", demoLine2, demoLine1)

	h := newSyncHarness(t)
	remote := f.remote("up", model.PolicyOnDemand)
	require.NoError(t, h.store.CreateRemote(remote))

	versions, err := h.svc.FetchThrough(remote, "demo")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "0.1.0", versions[0].Vers)
	assert.Equal(t, "0.2.0", versions[1].Vers)

	// The metadata is cached locally now.
	_, err = h.store.GetCrateVersion("default", "demo", "0.1.0")
	assert.NoError(t, err)

	_, err = h.svc.FetchThrough(remote, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPromoteFoldsCachedContent(t *testing.T) {
	f := newUpstreamFixture(t)
	f.addCrate("demo", demoLine1)

	h := newSyncHarness(t)
	remote := f.remote("up", model.PolicyOnDemand)
	require.NoError(t, h.store.CreateRemote(remote))
	repo := h.newRepository(t, "mirror")

	_, err := h.svc.FetchThrough(remote, "demo")
	require.NoError(t, err)

	tk, err := h.svc.DispatchPromote(repo, remote)
	require.NoError(t, err)
	tk.Wait()
	require.Equal(t, task.StateCompleted, tk.State(), "promote error: %v", tk.Err())

	latest, err := h.store.LatestRepositoryVersion(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Number)

	versions, err := h.store.CrateVersionsInSet(latest.ID, "demo")
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	// Nothing new cached since: promoting again is a no-op.
	tk, err = h.svc.DispatchPromote(repo, remote)
	require.NoError(t, err)
	tk.Wait()
	require.Equal(t, task.StateCompleted, tk.State(), "promote error: %v", tk.Err())

	latest, err = h.store.LatestRepositoryVersion(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Number)
}

func TestDispatchPromoteRequiresRemote(t *testing.T) {
	h := newSyncHarness(t)
	repo := h.newRepository(t, "mirror")

	tk, err := h.svc.DispatchPromote(repo, nil)
	assert.ErrorIs(t, err, ErrNoRemote)
	assert.Nil(t, tk)
}

func TestResolveRemote(t *testing.T) {
	f := newUpstreamFixture(t)
	h := newSyncHarness(t)

	remote := f.remote("bound", model.PolicyImmediate)
	require.NoError(t, h.store.CreateRemote(remote))
	other := f.remote("other", model.PolicyImmediate)
	require.NoError(t, h.store.CreateRemote(other))

	repo := &model.Repository{Domain: "default", Name: "mirror", RemoteID: &remote.ID}
	require.NoError(t, h.store.CreateRepository(repo))

	got, err := h.svc.ResolveRemote(repo, "")
	require.NoError(t, err)
	assert.Equal(t, remote.ID, got.ID)

	got, err = h.svc.ResolveRemote(repo, "other")
	require.NoError(t, err)
	assert.Equal(t, other.ID, got.ID)

	unbound := h.newRepository(t, "loose")
	_, err = h.svc.ResolveRemote(unbound, "")
	assert.ErrorIs(t, err, ErrNoRemote)
}
