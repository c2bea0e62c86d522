package commands_test

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/recur/internal/accounts"
	"github.com/cleared-dev/recur/internal/commands"
	"github.com/cleared-dev/recur/internal/config"
	"github.com/cleared-dev/recur/internal/eventlog"
	"github.com/cleared-dev/recur/internal/model"
)

const netflixCSV = `id,date,amount,currency,description,merchant,pending
n-1,2025-01-06,-15.49,USD,NETFLIX.COM,,
n-2,2025-02-06,-15.49,USD,NETFLIX.COM,,
n-3,2025-03-06,-15.49,USD,NETFLIX.COM,,
n-4,2025-04-06,-15.49,USD,NETFLIX.COM,,
bad-1,,-3.00,USD,MYSTERY,,
`

func runRecur(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := commands.NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runRecur(t, context.Background(), args...)
	require.NoError(t, err, out)
	return out
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{config.EnvStorage, config.EnvDatabaseURL, config.EnvRedisURL, config.EnvGeminiKey} {
		t.Setenv(k, "")
	}
}

// newRepo initializes a data repository with one account for user u1.
func newRepo(t *testing.T) string {
	t.Helper()
	clearEnv(t)
	dir := t.TempDir()
	mustRun(t, "init", dir, "--no-git")
	mustRun(t, "--repo", dir, "accounts", "add", "chk-1", "--user", "u1", "--institution", "Chase")
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestInit_CreatesStructure(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	out := mustRun(t, "init", dir, "--no-git")
	assert.Contains(t, out, "Initialized recur repository")

	for _, d := range []string{"accounts", "import", filepath.Join("import", "processed"), "logs", "merchants", "subscriptions"} {
		info, err := os.Stat(filepath.Join(dir, d))
		require.NoError(t, err, "directory %s should exist", d)
		assert.True(t, info.IsDir())
	}

	cfg, err := config.Load(filepath.Join(dir, "recur.yaml"), "")
	require.NoError(t, err)
	assert.Equal(t, config.DriverCSV, cfg.Storage.Driver)

	gitignore, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(gitignore), ".env")

	_, err = os.Stat(filepath.Join(dir, "accounts", "accounts.csv"))
	assert.NoError(t, err)
}

func TestInit_RefusesExistingRepo(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	mustRun(t, "init", dir, "--no-git")

	_, err := runRecur(t, context.Background(), "init", dir, "--no-git")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestInit_CreatesGitCommit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	clearEnv(t)
	dir := t.TempDir()
	out := mustRun(t, "init", dir)

	assert.DirExists(t, filepath.Join(dir, ".git"))
	assert.Regexp(t, `\([0-9a-f]+\)`, out)
}

func TestAccounts_AddAndList(t *testing.T) {
	dir := newRepo(t)

	svc, err := accounts.Load(dir)
	require.NoError(t, err)
	acct, ok := svc.Get("chk-1")
	require.True(t, ok)
	assert.Equal(t, "u1", acct.UserID)
	assert.Equal(t, model.AccountTypeChecking, acct.Type)

	out := mustRun(t, "--repo", dir, "accounts", "list")
	assert.Contains(t, out, "chk-1")
	assert.Contains(t, out, "Chase")
}

func TestAccounts_RejectsUnknownType(t *testing.T) {
	dir := newRepo(t)

	_, err := runRecur(t, context.Background(), "--repo", dir, "accounts", "add", "x", "--user", "u1", "--type", "brokerage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid account type")
}

func TestImport(t *testing.T) {
	tests := []struct {
		name    string
		args    func(dir, file string) []string
		wantErr string
		wantOut string
	}{
		{
			name:    "skips malformed rows",
			args:    func(dir, file string) []string { return []string{"--repo", dir, "import", file, "--account", "chk-1", "--format", "generic"} },
			wantOut: "netflix.csv: 4 imported, 1 skipped",
		},
		{
			name:    "unknown account",
			args:    func(dir, file string) []string { return []string{"--repo", dir, "import", file, "--account", "nope", "--format", "generic"} },
			wantErr: "unknown account",
		},
		{
			name:    "unknown format",
			args:    func(dir, file string) []string { return []string{"--repo", dir, "import", file, "--account", "chk-1", "--format", "ofx"} },
			wantErr: "unknown format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newRepo(t)
			file := filepath.Join(t.TempDir(), "netflix.csv")
			writeFile(t, file, netflixCSV)

			out, err := runRecur(t, context.Background(), tt.args(dir, file)...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err, out)
			assert.Contains(t, out, tt.wantOut)
		})
	}
}

func TestImport_Deduplicates(t *testing.T) {
	dir := newRepo(t)
	file := filepath.Join(t.TempDir(), "netflix.csv")
	writeFile(t, file, netflixCSV)

	mustRun(t, "--repo", dir, "import", file, "--account", "chk-1", "--format", "generic")
	out := mustRun(t, "--repo", dir, "import", file, "--account", "chk-1", "--format", "generic")
	assert.Contains(t, out, "0 imported, 1 skipped")
}

func TestImport_ScansImportDir(t *testing.T) {
	dir := newRepo(t)
	chase, err := os.ReadFile(filepath.Join("..", "..", "testdata", "chase_checking.csv"))
	require.NoError(t, err)
	writeFile(t, filepath.Join(dir, "import", "jan.csv"), string(chase))

	out := mustRun(t, "--repo", dir, "import", "--account", "chk-1")
	assert.Contains(t, out, "jan.csv: 6 imported, 0 skipped")

	assert.NoFileExists(t, filepath.Join(dir, "import", "jan.csv"))
	assert.FileExists(t, filepath.Join(dir, "import", "processed", "jan.csv"))
	assert.FileExists(t, filepath.Join(dir, "2025", "01", "transactions.csv"))
}

func TestDetect_EndToEnd(t *testing.T) {
	dir := newRepo(t)
	file := filepath.Join(t.TempDir(), "netflix.csv")
	writeFile(t, file, netflixCSV)
	mustRun(t, "--repo", dir, "import", file, "--account", "chk-1", "--format", "generic")

	out := mustRun(t, "--repo", dir, "detect", "--as-of", "2025-04-10")
	assert.Contains(t, out, "u1: 1 created")
	assert.Contains(t, out, "Netflix 15.49")

	entries, err := eventlog.Read(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ChangeCreated, entries[0].Type)
	subID := entries[0].SubscriptionID

	list := mustRun(t, "--repo", dir, "subscriptions", "list", "--user", "u1", "--as-of", "2025-04-10")
	assert.Contains(t, list, "Netflix")
	assert.Contains(t, list, "monthly")
	assert.Contains(t, list, "active")
	assert.Contains(t, list, "2025-05-06")

	// A second run over the same data changes nothing.
	out = mustRun(t, "--repo", dir, "detect", "--as-of", "2025-04-10")
	assert.Contains(t, out, "u1: 0 created, 0 updated")

	aliases := mustRun(t, "--repo", dir, "aliases", "list", "--user", "u1")
	assert.Contains(t, aliases, "NETFLIX")

	out = mustRun(t, "--repo", dir, "subscriptions", "cancel", subID, "--user", "u1", "--at", "2025-04-12")
	assert.Contains(t, out, "Cancelled Netflix")

	list = mustRun(t, "--repo", dir, "subscriptions", "list", "--user", "u1", "--as-of", "2025-04-12")
	assert.Contains(t, list, "cancelled")

	entries, err = eventlog.Read(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.ChangeCancelled, entries[1].Type)
}

func TestDetect_MemoryDriverPersistsNothing(t *testing.T) {
	dir := newRepo(t)
	file := filepath.Join(t.TempDir(), "netflix.csv")
	writeFile(t, file, netflixCSV)
	mustRun(t, "--repo", dir, "import", file, "--account", "chk-1", "--format", "generic")

	t.Setenv(config.EnvStorage, config.DriverMemory)
	out := mustRun(t, "--repo", dir, "detect", "--as-of", "2025-04-10")
	assert.Contains(t, out, "u1: 1 created")

	t.Setenv(config.EnvStorage, "")
	list := mustRun(t, "--repo", dir, "subscriptions", "list", "--user", "u1")
	assert.NotContains(t, list, "Netflix")
}

func TestDetect_UserWithoutTransactions(t *testing.T) {
	dir := newRepo(t)

	out := mustRun(t, "--repo", dir, "detect", "--user", "u1")
	assert.Contains(t, out, "u1: no transactions")
}

func TestSubscriptionsCancel_UnknownID(t *testing.T) {
	dir := newRepo(t)

	_, err := runRecur(t, context.Background(), "--repo", dir, "subscriptions", "cancel", "missing", "--user", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestAliasesVerify(t *testing.T) {
	dir := newRepo(t)
	file := filepath.Join(t.TempDir(), "netflix.csv")
	writeFile(t, file, netflixCSV)
	mustRun(t, "--repo", dir, "import", file, "--account", "chk-1", "--format", "generic")
	mustRun(t, "--repo", dir, "detect", "--as-of", "2025-04-10")

	out := mustRun(t, "--repo", dir, "aliases", "verify", "NETFLIX.COM", "--user", "u1", "--category", "streaming")
	assert.Contains(t, out, "NETFLIX -> Netflix")

	list := mustRun(t, "--repo", dir, "aliases", "list", "--user", "u1")
	var row string
	for _, line := range strings.Split(list, "\n") {
		if strings.HasPrefix(line, "NETFLIX") {
			row = line
		}
	}
	assert.Contains(t, row, "streaming")
	assert.Contains(t, row, "yes")
}

func TestWatch_StopsOnCancel(t *testing.T) {
	dir := newRepo(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out, err := runRecur(t, ctx, "--repo", dir, "watch", "--addr", "", "--interval", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "detection run complete")
	assert.Contains(t, out, "watch stopped")
}

func TestMissingConfig(t *testing.T) {
	clearEnv(t)
	_, err := runRecur(t, context.Background(), "--repo", t.TempDir(), "accounts", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recur init")
}
