// Package upstream fetches registry index metadata and crate archives from a
// remote Cargo registry. Two index transports are supported: the sparse HTTP
// protocol, and a git-backed index repository (the registry's native format)
// which is cloned locally for enumeration.
package upstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/pulp/pulp-rust/internal/index"
	"github.com/pulp/pulp-rust/internal/model"
	"go.uber.org/zap"
)

// ErrCrateNotFound reports a crate the upstream index does not know.
var ErrCrateNotFound = fmt.Errorf("crate not found upstream")

// Client talks to one or more upstream registries.
type Client struct {
	httpClient *http.Client
	workDir    string
	logger     *zap.Logger
}

// NewClient creates a client. workDir holds local clones of git-backed
// indexes, one directory per remote.
func NewClient(workDir string, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		workDir:    workDir,
		logger:     logger,
	}
}

// registryConfig is the config.json at an index root.
type registryConfig struct {
	DL  string `json:"dl"`
	API string `json:"api"`
}

func isGitIndex(url string) bool {
	return strings.HasSuffix(url, ".git") || strings.HasPrefix(url, "git://")
}

// sparse+https:// is how Cargo spells sparse index URLs; the prefix is not
// part of the HTTP URL.
func sparseBase(url string) string {
	return strings.TrimSuffix(strings.TrimPrefix(url, "sparse+"), "/")
}

// Enumerate lists the crate names a sync should cover. A remote with an
// explicit crate list uses it verbatim; a git-backed index is cloned or
// pulled and its files walked. Sparse-only remotes without a crate list
// cannot be enumerated.
func (c *Client) Enumerate(remote *model.Remote) ([]string, error) {
	if len(remote.Crates) > 0 {
		names := make([]string, len(remote.Crates))
		for i, n := range remote.Crates {
			names[i] = strings.ToLower(n)
		}
		return names, nil
	}
	if !isGitIndex(remote.URL) {
		return nil, fmt.Errorf(
			"remote %s has no crate list and %q is not a git index; cannot enumerate", remote.Name, remote.URL)
	}
	dir, err := c.ensureClone(remote)
	if err != nil {
		return nil, err
	}
	var names []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if name == "config.json" || strings.HasPrefix(name, ".") {
			return nil
		}
		names = append(names, strings.ToLower(name))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk index clone: %w", err)
	}
	return names, nil
}

// FetchIndex retrieves and parses a crate's index file.
func (c *Client) FetchIndex(remote *model.Remote, crate string) ([]index.Entry, error) {
	raw, err := c.indexFile(remote, index.BucketPath(crate))
	if err != nil {
		return nil, err
	}
	var entries []index.Entry
	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		e, err := index.ParseLine([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("remote %s, crate %s: %w", remote.Name, crate, err)
		}
		entries = append(entries, *e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}
	return entries, nil
}

// DownloadTemplate returns the remote's archive download URL template from
// its index config.json.
func (c *Client) DownloadTemplate(remote *model.Remote) (string, error) {
	raw, err := c.indexFile(remote, "config.json")
	if err != nil {
		return "", err
	}
	var cfg registryConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return "", fmt.Errorf("failed to parse index config.json: %w", err)
	}
	if cfg.DL == "" {
		return "", fmt.Errorf("remote %s: index config.json has no dl field", remote.Name)
	}
	return cfg.DL, nil
}

// CrateURL expands a download template for one crate version. Templates
// without markers get the registry-conventional suffix appended.
func CrateURL(template, name, vers, cksum string) string {
	if !strings.Contains(template, "{crate}") && !strings.Contains(template, "{version}") &&
		!strings.Contains(template, "{prefix}") && !strings.Contains(template, "{lowerprefix}") &&
		!strings.Contains(template, "{sha256-checksum}") {
		return strings.TrimSuffix(template, "/") + "/" + name + "/" + vers + "/download"
	}
	prefix := index.BucketPath(name)
	prefix = strings.TrimSuffix(prefix, "/"+strings.ToLower(name))
	r := strings.NewReplacer(
		"{crate}", name,
		"{version}", vers,
		"{prefix}", prefix,
		"{lowerprefix}", strings.ToLower(prefix),
		"{sha256-checksum}", cksum,
	)
	return r.Replace(template)
}

// FetchCrate downloads one archive to dest, writing a temp file first so a
// partial download is never visible at the final path.
func (c *Client) FetchCrate(url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("failed to fetch crate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", url, ErrCrateNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch crate: %s returned %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write crate archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move crate archive into place: %w", err)
	}
	c.logger.Info("crate archive fetched", zap.String("url", url), zap.String("dest", dest))
	return nil
}

// indexFile reads one file of the remote's index, from the local clone for
// git-backed indexes or over HTTP for sparse ones.
func (c *Client) indexFile(remote *model.Remote, relPath string) ([]byte, error) {
	if isGitIndex(remote.URL) {
		dir, err := c.ensureClone(remote)
		if err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(relPath)))
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", relPath, ErrCrateNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read index file: %w", err)
		}
		return raw, nil
	}

	url := sparseBase(remote.URL) + "/" + relPath
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch index file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("%s: %w", url, ErrCrateNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch index file: %s returned %s", url, resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}
	return raw, nil
}

// ensureClone opens the local clone of a git-backed index, cloning it first
// if needed, and pulls the latest state.
func (c *Client) ensureClone(remote *model.Remote) (string, error) {
	dir := filepath.Join(c.workDir, fmt.Sprintf("index-%d", remote.ID))

	repo, err := git.PlainOpen(dir)
	if err == git.ErrRepositoryNotExists {
		c.logger.Info("cloning index repository",
			zap.String("remote", remote.Name),
			zap.String("url", remote.URL),
		)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create clone directory: %w", err)
		}
		if _, err := git.PlainClone(dir, false, &git.CloneOptions{
			URL:   remote.URL,
			Depth: 1,
		}); err != nil {
			return "", fmt.Errorf("failed to clone index repository: %w", err)
		}
		return dir, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open index clone: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	err = worktree.Pull(&git.PullOptions{Force: true})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return "", fmt.Errorf("failed to pull index repository: %w", err)
	}
	return dir, nil
}
