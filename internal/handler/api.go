// Package handler exposes the Cargo sparse-index wire protocol, the
// download redirect endpoint, the content file server and the management
// API over chi.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pulp/pulp-rust/internal/config"
	"github.com/pulp/pulp-rust/internal/index"
	"github.com/pulp/pulp-rust/internal/model"
	"github.com/pulp/pulp-rust/internal/service"
	"github.com/pulp/pulp-rust/internal/store"
	"github.com/pulp/pulp-rust/internal/task"
	"go.uber.org/zap"
)

// API handles HTTP requests
type API struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       *store.SQLiteStore
	sync        *service.SyncService
	pool        *task.Pool
	rateLimiter *RateLimiter
	validate    *validator.Validate
}

// NewAPI creates a new API instance
func NewAPI(cfg *config.Config, logger *zap.Logger, st *store.SQLiteStore, syncService *service.SyncService, pool *task.Pool) *API {
	rps := cfg.RateLimit.RPS
	if rps <= 0 {
		rps = 100
	}
	burst := cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 2 * rps
	}
	return &API{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		sync:        syncService,
		pool:        pool,
		rateLimiter: NewRateLimiter(float64(rps), burst),
		validate:    validator.New(),
	}
}

// Close releases the API's resources
func (a *API) Close() {
	a.rateLimiter.Close()
}

// RegisterRoutes registers the API routes
func (a *API) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(Metrics)

	r.Handle("/metrics", promhttp.Handler())

	// Cargo wire protocol per distribution base path
	r.Route("/pulp/cargo/{base}", func(r chi.Router) {
		r.Use(a.rateLimiter.RateLimit)
		r.Get("/config.json", a.indexConfig)
		r.Get("/api/v1/crates/{name}/{version}/download", a.download)
		r.Get("/*", a.index)
	})

	// Content app: serves stored .crate archives
	r.With(a.rateLimiter.RateLimit).
		Handle("/pulp/content/*", SecureCrateServer(http.HandlerFunc(a.content)))

	// Management routes (localhost only)
	r.Route("/pulp/api/v3", func(r chi.Router) {
		r.Use(LocalOnly)
		r.Get("/remotes", a.listRemotes)
		r.Post("/remotes", a.createRemote)
		r.Get("/repositories", a.listRepositories)
		r.Post("/repositories", a.createRepository)
		r.Post("/repositories/{name}/sync", a.dispatchSync)
		r.Post("/repositories/{name}/add_cached_content", a.dispatchPromote)
		r.Get("/distributions", a.listDistributions)
		r.Post("/distributions", a.createDistribution)
		r.Post("/content", a.createCrate)
		r.Post("/content/{name}/{version}/yank", a.yank)
		r.Get("/tasks/{id}", a.taskStatus)
	})
}

// indexConfig serves the sparse index root: the download and API base URLs
// cargo needs to use this registry.
func (a *API) indexConfig(w http.ResponseWriter, r *http.Request) {
	base := chi.URLParam(r, "base")
	if _, err := a.store.GetDistributionByBasePath(a.cfg.Domain, base); err != nil {
		a.notFound(w, err)
		return
	}
	root := a.origin(r) + "/pulp/cargo/" + base
	a.writeJSON(w, http.StatusOK, map[string]any{
		"dl":            root + "/api/v1/crates",
		"api":           root,
		"auth-required": false,
	})
}

// index serves a crate's index file: one compact JSON object per version,
// newline-joined, ascending by raw version string.
func (a *API) index(w http.ResponseWriter, r *http.Request) {
	res, err := a.resolve(chi.URLParam(r, "base"))
	if err != nil {
		a.indexError(w, err)
		return
	}
	crate := index.CrateNameFromPath(chi.URLParam(r, "*"))
	if crate == "" || crate == "." {
		http.Error(w, "crate name is required", http.StatusBadRequest)
		return
	}

	var versions []model.CrateVersion
	if res.version != nil {
		versions, err = a.store.CrateVersionsInSet(res.version.ID, crate)
		if err != nil {
			a.internalError(w, "failed to load crate versions", err)
			return
		}
	}
	if len(versions) == 0 && res.pullThrough() {
		versions, err = a.sync.FetchThrough(res.remote, crate)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			a.internalError(w, "pull-through fetch failed", err)
			return
		}
	}
	if len(versions) == 0 {
		http.Error(w, fmt.Sprintf("crate %q not found", crate), http.StatusNotFound)
		return
	}

	body, err := index.Render(versions)
	if err != nil {
		a.internalError(w, "failed to render index", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(body)
}

// download resolves a (name, version) in the served snapshot and redirects
// to the content app; no bytes are proxied here.
func (a *API) download(w http.ResponseWriter, r *http.Request) {
	base := chi.URLParam(r, "base")
	name := strings.ToLower(chi.URLParam(r, "name"))
	vers := chi.URLParam(r, "version")

	res, err := a.resolve(base)
	if err != nil {
		a.indexError(w, err)
		return
	}

	var cv *model.CrateVersion
	if res.version != nil {
		cv, err = a.store.CrateVersionInSet(res.version.ID, name, vers)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			a.internalError(w, "failed to resolve crate", err)
			return
		}
		// A snapshot synced under a deferred policy may not have the
		// archive stored yet; fetch it before redirecting.
		if cv != nil && res.pullThrough() {
			if err := a.sync.EnsureArchive(res.remote, cv); err != nil {
				a.internalError(w, "archive fetch failed", err)
				return
			}
		}
	}
	if cv == nil && res.pullThrough() {
		cv, err = a.fetchThroughVersion(res.remote, name, vers)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			a.internalError(w, "pull-through fetch failed", err)
			return
		}
	}
	if cv == nil {
		http.Error(w, fmt.Sprintf("crate %s %s not found", name, vers), http.StatusNotFound)
		return
	}

	target := a.origin(r) + a.cfg.Content.PathPrefix + base + "/" + cv.RelativePath
	http.Redirect(w, r, target, http.StatusFound)
}

// fetchThroughVersion pulls a crate's index through the remote, then makes
// sure the requested version's archive is stored locally.
func (a *API) fetchThroughVersion(remote *model.Remote, name, vers string) (*model.CrateVersion, error) {
	versions, err := a.sync.FetchThrough(remote, name)
	if err != nil {
		return nil, err
	}
	for i := range versions {
		if versions[i].Vers == vers {
			if err := a.sync.EnsureArchive(remote, &versions[i]); err != nil {
				return nil, err
			}
			return &versions[i], nil
		}
	}
	return nil, fmt.Errorf("crate %s %s: %w", name, vers, store.ErrNotFound)
}

// content serves stored archives. The first path segment is the
// distribution base path; the rest is the crate-relative path.
func (a *API) content(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	base, relPath := parts[0], parts[1]
	if _, err := a.store.GetDistributionByBasePath(a.cfg.Domain, base); err != nil {
		a.notFound(w, err)
		return
	}
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	full := filepath.Join(a.cfg.Storage.Path, "crates", clean)
	if _, err := os.Stat(full); err != nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, full)
}

type remoteRequest struct {
	Name   string   `json:"name" validate:"required"`
	URL    string   `json:"url" validate:"required"`
	Policy string   `json:"policy" validate:"omitempty,oneof=immediate on_demand streamed"`
	Crates []string `json:"crates"`
}

func (a *API) createRemote(w http.ResponseWriter, r *http.Request) {
	var req remoteRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Policy == "" {
		req.Policy = string(model.PolicyImmediate)
	}
	remote := &model.Remote{
		Domain: a.cfg.Domain,
		Name:   req.Name,
		URL:    req.URL,
		Policy: model.Policy(req.Policy),
		Crates: req.Crates,
	}
	if err := a.store.CreateRemote(remote); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, remote)
}

func (a *API) listRemotes(w http.ResponseWriter, r *http.Request) {
	remotes, err := a.store.ListRemotes(a.cfg.Domain)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, remotes)
}

func (a *API) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := a.store.ListRepositories(a.cfg.Domain)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, repos)
}

func (a *API) listDistributions(w http.ResponseWriter, r *http.Request) {
	dists, err := a.store.ListDistributions(a.cfg.Domain)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, dists)
}

type repositoryRequest struct {
	Name   string `json:"name" validate:"required"`
	Remote string `json:"remote"`
}

func (a *API) createRepository(w http.ResponseWriter, r *http.Request) {
	var req repositoryRequest
	if !a.decode(w, r, &req) {
		return
	}
	repo := &model.Repository{Domain: a.cfg.Domain, Name: req.Name}
	if req.Remote != "" {
		remote, err := a.store.GetRemoteByName(a.cfg.Domain, req.Remote)
		if err != nil {
			a.writeError(w, err)
			return
		}
		repo.RemoteID = &remote.ID
	}
	if err := a.store.CreateRepository(repo); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, repo)
}

type distributionRequest struct {
	BasePath          string `json:"base_path" validate:"required"`
	Repository        string `json:"repository"`
	RepositoryVersion *int64 `json:"repository_version"`
	Remote            string `json:"remote"`
	AllowUploads      *bool  `json:"allow_uploads"`
}

func (a *API) createDistribution(w http.ResponseWriter, r *http.Request) {
	var req distributionRequest
	if !a.decode(w, r, &req) {
		return
	}
	d := &model.Distribution{
		Domain:       a.cfg.Domain,
		BasePath:     req.BasePath,
		AllowUploads: req.AllowUploads == nil || *req.AllowUploads,
	}
	if req.Repository != "" {
		repo, err := a.store.GetRepositoryByName(a.cfg.Domain, req.Repository)
		if err != nil {
			a.writeError(w, err)
			return
		}
		if req.RepositoryVersion != nil {
			rv, err := a.repositoryVersionByNumber(repo.ID, *req.RepositoryVersion)
			if err != nil {
				a.writeError(w, err)
				return
			}
			d.RepositoryVersionID = &rv.ID
		} else {
			d.RepositoryID = &repo.ID
		}
	}
	if req.Remote != "" {
		remote, err := a.store.GetRemoteByName(a.cfg.Domain, req.Remote)
		if err != nil {
			a.writeError(w, err)
			return
		}
		d.RemoteID = &remote.ID
	}
	if err := a.store.CreateDistribution(d); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, d)
}

type crateRequest struct {
	index.Entry
	Distribution string `json:"distribution"`
}

// createCrate is the direct creation path: duplicates on (name, vers) are
// rejected, never upserted.
func (a *API) createCrate(w http.ResponseWriter, r *http.Request) {
	var req crateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Distribution != "" {
		d, err := a.store.GetDistributionByBasePath(a.cfg.Domain, req.Distribution)
		if err != nil {
			a.writeError(w, err)
			return
		}
		if !d.AllowUploads {
			http.Error(w, "uploads are not allowed on this distribution", http.StatusForbidden)
			return
		}
	}
	if req.V == 0 {
		req.V = 1
	}
	for i := range req.Deps {
		if req.Deps[i].Kind == "" {
			req.Deps[i].Kind = string(model.KindNormal)
		}
	}
	if err := a.validate.Struct(&req.Entry); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cv := req.Entry.ToModel(a.cfg.Domain)
	if err := a.store.CreateCrateVersion(&cv); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, index.FromModel(&cv))
}

type yankRequest struct {
	Yanked *bool `json:"yanked" validate:"required"`
}

// yank flips only the yanked flag; the version stays in index output.
func (a *API) yank(w http.ResponseWriter, r *http.Request) {
	var req yankRequest
	if !a.decode(w, r, &req) {
		return
	}
	name := strings.ToLower(chi.URLParam(r, "name"))
	vers := chi.URLParam(r, "version")
	if err := a.store.SetYanked(a.cfg.Domain, name, vers, *req.Yanked); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"name": name, "vers": vers, "yanked": *req.Yanked})
}

type syncRequest struct {
	Remote string `json:"remote"`
	Mirror bool   `json:"mirror"`
}

func (a *API) dispatchSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !a.decode(w, r, &req) {
		return
	}
	repo, err := a.store.GetRepositoryByName(a.cfg.Domain, chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	remote, err := a.sync.ResolveRemote(repo, req.Remote)
	if err != nil {
		a.writeError(w, err)
		return
	}
	t := a.sync.DispatchSync(repo, remote, req.Mirror)
	a.taskAccepted(w, t)
}

type promoteRequest struct {
	Remote string `json:"remote"`
}

func (a *API) dispatchPromote(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if !a.decode(w, r, &req) {
		return
	}
	repo, err := a.store.GetRepositoryByName(a.cfg.Domain, chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	var remote *model.Remote
	if req.Remote != "" {
		remote, err = a.store.GetRemoteByName(a.cfg.Domain, req.Remote)
		if err != nil {
			a.writeError(w, err)
			return
		}
	}
	t, err := a.sync.DispatchPromote(repo, remote)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.taskAccepted(w, t)
}

// taskStatus reports a task's terminal state: completed → 200, canceled by
// the scheduler → 429 (caller may retry), failed → 500 with the underlying
// error message.
func (a *API) taskStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := a.pool.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	body := map[string]any{"task": t.ID, "name": t.Name, "state": string(t.State())}
	switch t.State() {
	case task.StateCompleted:
		a.writeJSON(w, http.StatusOK, body)
	case task.StateCanceled:
		a.writeJSON(w, http.StatusTooManyRequests, body)
	case task.StateFailed:
		body["error"] = t.Err().Error()
		a.writeJSON(w, http.StatusInternalServerError, body)
	default:
		a.writeJSON(w, http.StatusAccepted, body)
	}
}

func (a *API) taskAccepted(w http.ResponseWriter, t *task.Task) {
	a.writeJSON(w, http.StatusAccepted, map[string]any{"task": t.ID, "state": string(t.State())})
}

// origin returns the externally visible scheme+host. Forwarded-protocol and
// forwarded-host headers win over the request's own connection info; trusting
// them is deliberate for deployments behind a reverse proxy.
func (a *API) origin(r *http.Request) string {
	if a.cfg.Content.Origin != "" {
		return strings.TrimSuffix(a.cfg.Content.Origin, "/")
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to write response", zap.Error(err))
	}
}

func (a *API) notFound(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusNotFound)
}

func (a *API) internalError(w http.ResponseWriter, msg string, err error) {
	a.logger.Error(msg, zap.Error(err))
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

// indexError maps resolution failures for the wire protocol endpoints.
func (a *API) indexError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNoRepository):
		http.Error(w, store.ErrNoRepository.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrNotFound):
		a.notFound(w, err)
	default:
		a.internalError(w, "failed to resolve distribution", err)
	}
}

// writeError maps store and validation errors for the management API.
func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrDuplicate):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		a.notFound(w, err)
	case errors.Is(err, service.ErrNoRemote):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		a.internalError(w, "request failed", err)
	}
}

func (a *API) repositoryVersionByNumber(repoID, number int64) (*model.RepositoryVersion, error) {
	latest, err := a.store.LatestRepositoryVersion(repoID)
	if err != nil {
		return nil, err
	}
	if latest.Number == number {
		return latest, nil
	}
	return a.store.RepositoryVersionByNumber(repoID, number)
}
