package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/entrhq/webscience/pkg/config"
	"github.com/entrhq/webscience/pkg/logging"
	"github.com/entrhq/webscience/pkg/pagemanager"
	"github.com/entrhq/webscience/pkg/storage"
	"github.com/entrhq/webscience/pkg/studies/navigation"
	"github.com/entrhq/webscience/pkg/study"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file="}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestResolveCommand(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/short", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/mid", http.StatusFound)
	})
	mux.HandleFunc("/mid", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := execute(t, "resolve", srv.URL+"/short", srv.URL+"/final")
	require.NoError(t, err)

	var results []resolveOutput
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var r resolveOutput
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		results = append(results, r)
	}
	require.Len(t, results, 2)
	assert.Equal(t, resolveOutput{Source: srv.URL + "/short", Destination: srv.URL + "/final"}, results[0])
	assert.Equal(t, resolveOutput{Source: srv.URL + "/final", Destination: srv.URL + "/final"}, results[1])
}

func TestResolveCommandReportsFailures(t *testing.T) {
	out, err := execute(t, "resolve", "not a url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 URLs could not be resolved")
	assert.Contains(t, out, `"kind":"invalid_url"`)
}

func TestResolveIfNeededUnwrapsLocally(t *testing.T) {
	out, err := execute(t, "resolve", "--if-needed",
		"https://l.facebook.com/l.php?u=https%3A%2F%2Fnews.test%2Fa")
	require.NoError(t, err)
	assert.Contains(t, out, `"destination":"https://news.test/a"`)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "study.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
study:
  name: pilot
  domains: [news.test]
resolver:
  max_hops: 5
`), 0600))
	t.Setenv("WEBSCIENCE_RESOLVER_MAX_HOPS", "7")

	cfg, err := loadConfig(&globalFlags{configPath: path, logLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, "pilot", cfg.Study.Name)
	assert.Equal(t, 7, cfg.Resolver.MaxHops)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())

	t.Cleanup(func() { _ = logging.SetLevel("info") })

	_, err = loadConfig(&globalFlags{logLevel: "loud"})
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("WEBSCIENCE_STUDY_NAME=from-dotenv\n"), 0600))
	t.Setenv("WEBSCIENCE_STUDY_NAME", "")
	os.Unsetenv("WEBSCIENCE_STUDY_NAME")
	require.NoError(t, loadEnvFile(path))

	cfg, err := loadConfig(&globalFlags{})
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Study.Name)
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "records.db")
	cfgPath := filepath.Join(dir, "study.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
study:
  name: pilot
  domains: [news.test]
storage:
  backend: sqlite
  path: `+dbPath+`
`), 0600))

	backend, err := storage.Open(storage.KindSQLite, dbPath)
	require.NoError(t, err)
	nav := navigation.New(backend, navigation.WithStudyName("pilot"))
	start := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, nav.SavePageVisit(context.Background(), pagemanager.PageVisit{
		PageID:     "p1",
		URL:        "https://news.test/a",
		VisitStart: start,
		VisitEnd:   start.Add(time.Minute),
	}))
	require.NoError(t, backend.Close())

	out, err := execute(t, "export", "--config", cfgPath)
	require.NoError(t, err)

	var export study.Export
	require.NoError(t, json.Unmarshal([]byte(out), &export))
	assert.Equal(t, "pilot", export.Study)
	require.Len(t, export.Navigation, 1)
	assert.Equal(t, "https://news.test/a", export.Navigation[0].URL)
	assert.Empty(t, export.LinkExposure)
}

func TestExportRejectsMemoryBackend(t *testing.T) {
	t.Setenv("WEBSCIENCE_DOMAINS", "news.test")
	_, err := execute(t, "export")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory backend")
}

func TestRunRequiresStartURLs(t *testing.T) {
	t.Setenv("WEBSCIENCE_DOMAINS", "news.test")
	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no start URLs")
}

func TestDefaultConfigIsUsable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Study.Domains = []string{"news.test"}
	assert.NoError(t, cfg.Validate())
}
