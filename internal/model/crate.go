package model

import "time"

// DependencyKind classifies a crate dependency.
type DependencyKind string

const (
	KindNormal DependencyKind = "normal"
	KindDev    DependencyKind = "dev"
	KindBuild  DependencyKind = "build"
)

// Policy controls how a remote's content is brought in.
type Policy string

const (
	// PolicyImmediate fetches everything during a full sync.
	PolicyImmediate Policy = "immediate"
	// PolicyOnDemand fetches and stores content on first request.
	PolicyOnDemand Policy = "on_demand"
	// PolicyStreamed fetches content on request without a local sync.
	PolicyStreamed Policy = "streamed"
)

// CrateVersion is one published version of a crate. Rows are effectively
// append-only: after creation the only legal mutation is the yanked flag,
// with the exception of checksum-driven upserts during synchronization.
type CrateVersion struct {
	ID           int64
	Domain       string
	Name         string
	Vers         string
	Cksum        string
	Yanked       bool
	Features     map[string][]string
	Features2    map[string][]string
	Links        *string
	RustVersion  string
	V            int
	RelativePath string
	CreatedAt    time.Time
	Dependencies []CrateDependency
}

// CrateDependency belongs to exactly one crate version and is deleted with
// it. Ordinal preserves the declared order for index re-serialization.
type CrateDependency struct {
	ID              int64
	CrateVersionID  int64
	Ordinal         int
	Name            string
	Req             string
	Features        []string
	Optional        bool
	DefaultFeatures bool
	Target          *string
	Kind            DependencyKind
	Registry        *string
	Package         *string
}

// Remote describes an upstream registry index.
type Remote struct {
	ID        int64     `json:"id"`
	Domain    string    `json:"domain"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Policy    Policy    `json:"policy"`
	Crates    []string  `json:"crates,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository owns an ordered sequence of immutable content snapshots.
type Repository struct {
	ID        int64     `json:"id"`
	Domain    string    `json:"domain"`
	Name      string    `json:"name"`
	RemoteID  *int64    `json:"remote_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RepositoryVersion is one immutable snapshot. Number is monotonic per
// repository; a fresh repository starts at version 0 with no content.
type RepositoryVersion struct {
	ID           int64     `json:"id"`
	RepositoryID int64     `json:"repository_id"`
	Number       int64     `json:"number"`
	CreatedAt    time.Time `json:"created_at"`
}

// Distribution maps a public base path to a repository (serving its latest
// version) or to a fixed repository version, with an optional remote for
// pull-through caching.
type Distribution struct {
	ID                  int64     `json:"id"`
	Domain              string    `json:"domain"`
	BasePath            string    `json:"base_path"`
	RepositoryID        *int64    `json:"repository_id,omitempty"`
	RepositoryVersionID *int64    `json:"repository_version_id,omitempty"`
	RemoteID            *int64    `json:"remote_id,omitempty"`
	AllowUploads        bool      `json:"allow_uploads"`
	CreatedAt           time.Time `json:"created_at"`
}

// CratePath returns the conventional archive path for a crate version,
// relative to the content root.
func CratePath(name, vers string) string {
	return name + "/" + name + "-" + vers + ".crate"
}
