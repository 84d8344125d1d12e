package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETAnderson/catalogsync/internal/api/auth"
	"github.com/ETAnderson/catalogsync/internal/app"
	"github.com/ETAnderson/catalogsync/internal/config"
	"github.com/ETAnderson/catalogsync/internal/domain"
)

const productJSON = `{"id":501,"name":"Example United Home 2024/25","sku":"","type":"simple","status":"publish",
"price":"29.99","regular_price":"39.99","sale_price":"","stock_quantity":5,"stock_status":"instock",
"images":[],"categories":[],"attributes":[]}`

func upstreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/wp-json/wc/v3/products/501":
			_, _ = io.WriteString(w, productJSON)
		case "/wp-json/wc/v3/products":
			_, _ = io.WriteString(w, "["+productJSON+"]")
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"code":"woocommerce_rest_product_invalid_id","message":"Invalid ID."}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testRoot builds the root command against a memory store and one
// configured canonical site.
func testRoot(t *testing.T, srv *httptest.Server) (*bytes.Buffer, func(args ...string) error) {
	t.Helper()
	cfg := config.Config{
		Env:          "dev",
		StateBackend: "memory",
		Sites: config.Sites{
			domain.SiteCOM: {BaseURL: srv.URL, ConsumerKey: "ck", ConsumerSec: "cs"},
		},
		Retry: config.RetryConfig{MaxAttempts: 1},
		Diff:  config.DiffConfig{PageSize: 10, Concurrency: 1, BatchSize: 10, ProgressEvery: 10, BackfillConcurrency: 1},
	}
	opts := &RootOptions{
		loadConfig: func() (config.Config, error) { return cfg, nil },
		newApp:     app.New,
	}

	out := &bytes.Buffer{}
	return out, func(args ...string) error {
		out.Reset()
		cmd := newRootCommand(opts)
		cmd.SetOut(out)
		cmd.SetErr(io.Discard)
		cmd.SetArgs(args)
		return cmd.Execute()
	}
}

func TestTestUpstream_ReportsUnconfiguredSite(t *testing.T) {
	out, run := testRoot(t, upstreamServer(t))

	err := run("--format", "json", "test-upstream", "com", "uk")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string        `json:"status"`
		Data   []ProbeResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.True(t, resp.Data[0].OK)
	assert.False(t, resp.Data[1].OK)
	assert.NotEmpty(t, resp.Data[1].Error)
}

func TestTestProduct_PreviewsDerivedKey(t *testing.T) {
	out, run := testRoot(t, upstreamServer(t))

	require.NoError(t, run("--format", "json", "test-product", "com", "501"))

	var resp struct {
		Data ProductPreview `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "EXA-2425-HOM-STD-501", resp.Data.Key)
	assert.Equal(t, "derived", resp.Data.KeySource)
	assert.False(t, resp.Data.Exists)
	assert.NotEmpty(t, resp.Data.Changes)
}

func TestTestProduct_InvalidArgs(t *testing.T) {
	_, run := testRoot(t, upstreamServer(t))

	err := run("test-product", "es", "1")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	err = run("test-product", "com", "abc")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSyncSite_InsertsCanonicalProduct(t *testing.T) {
	out, run := testRoot(t, upstreamServer(t))

	require.NoError(t, run("sync-site", "com"))
	assert.Contains(t, out.String(), "com: completed")
	assert.Contains(t, out.String(), "inserted=1")
}

func TestDiff_DryRunAndBadTimestamp(t *testing.T) {
	out, run := testRoot(t, upstreamServer(t))

	require.NoError(t, run("--format", "json", "diff", "--dry-run"))
	var resp struct {
		Data []struct {
			Site     string `json:"site"`
			Inserted int    `json:"inserted"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.Len(t, resp.Data, 1, "only the configured canonical site runs")
	assert.Equal(t, "com", resp.Data[0].Site)

	err := run("diff", "--modified-after", "yesterday")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMigrate_MemoryBackendRejected(t *testing.T) {
	_, run := testRoot(t, upstreamServer(t))
	err := run("migrate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestKeysGenerateThenTokenMint(t *testing.T) {
	dir := t.TempDir()
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"keys", "generate", "--out", dir, "--bits", "1024"})
	require.NoError(t, cmd.Execute())

	info, err := os.Stat(filepath.Join(dir, privateKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	privPEM, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	require.NoError(t, err)
	pubPEM, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	require.NoError(t, err)
	t.Setenv("JWT_PRIVATE_KEY_PEM", string(privPEM))
	t.Setenv("JWT_PUBLIC_KEY_PEM", string(pubPEM))

	out := &bytes.Buffer{}
	cmd = NewRootCommand()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--format", "json", "token", "mint", "--sub", "alice", "--role", "viewer"})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))

	pub, err := auth.LoadRSAPublicKeyFromEnv("JWT_PUBLIC_KEY_PEM")
	require.NoError(t, err)
	claims, err := auth.ParseAndValidateRS256(resp.Data["token"], pub)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "viewer", claims.Role)
}

func TestTokenMint_RequiresSubject(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"token", "mint"})
	err := cmd.Execute()
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
