package upstream

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pulp/pulp-rust/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCrateURL(t *testing.T) {
	assert.Equal(t,
		"https://crates.io/api/v1/crates/serde/1.0.0/download",
		CrateURL("https://crates.io/api/v1/crates", "serde", "1.0.0", "aa"),
		"markerless template gets the conventional suffix")

	assert.Equal(t,
		"https://dl.example.com/serde/1.0.0/deadbeef",
		CrateURL("https://dl.example.com/{crate}/{version}/{sha256-checksum}", "serde", "1.0.0", "deadbeef"))

	assert.Equal(t,
		"https://dl.example.com/se/rd/serde-1.0.0.crate",
		CrateURL("https://dl.example.com/{prefix}/{crate}-{version}.crate", "serde", "1.0.0", "aa"))
}

func TestEnumerateExplicitList(t *testing.T) {
	c := NewClient(t.TempDir(), zap.NewNop())
	remote := &model.Remote{Name: "up", URL: "sparse+https://idx/", Crates: []string{"Serde", "tokio"}}
	names, err := c.Enumerate(remote)
	require.NoError(t, err)
	assert.Equal(t, []string{"serde", "tokio"}, names)
}

func TestEnumerateSparseWithoutListFails(t *testing.T) {
	c := NewClient(t.TempDir(), zap.NewNop())
	remote := &model.Remote{Name: "up", URL: "sparse+https://idx/"}
	_, err := c.Enumerate(remote)
	assert.Error(t, err, "a sparse index cannot be enumerated without a crate list")
}

func TestSparseIndexFetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/config.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"dl":"https://dl.example.com/{crate}/{version}","api":"https://api.example.com"}`)
	})
	mux.HandleFunc("/de/mo/demo", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"demo","vers":"0.1.0","deps":[],"cksum":"aa","features":{},"yanked":false}`+"\n\n"+
			`{"name":"demo","vers":"0.2.0","deps":[],"cksum":"bb","features":{},"yanked":false}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(t.TempDir(), zap.NewNop())
	remote := &model.Remote{Name: "up", URL: "sparse+" + srv.URL}

	template, err := c.DownloadTemplate(remote)
	require.NoError(t, err)
	assert.Equal(t, "https://dl.example.com/{crate}/{version}", template)

	entries, err := c.FetchIndex(remote, "demo")
	require.NoError(t, err)
	require.Len(t, entries, 2, "blank lines are skipped")
	assert.Equal(t, "0.1.0", entries[0].Vers)
	assert.Equal(t, 1, entries[0].V)

	_, err = c.FetchIndex(remote, "missing")
	assert.ErrorIs(t, err, ErrCrateNotFound)
}

func TestFetchCrate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "archive-bytes")
	}))
	defer srv.Close()

	c := NewClient(t.TempDir(), zap.NewNop())
	dest := filepath.Join(t.TempDir(), "demo", "demo-0.1.0.crate")

	require.NoError(t, c.FetchCrate(srv.URL+"/ok", dest))
	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(raw))

	err = c.FetchCrate(srv.URL+"/gone", filepath.Join(t.TempDir(), "x.crate"))
	assert.ErrorIs(t, err, ErrCrateNotFound)
}
