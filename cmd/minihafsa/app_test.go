package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syedahafsa12/minihafsa/approval"
	"github.com/syedahafsa12/minihafsa/config"
	"github.com/syedahafsa12/minihafsa/model"
	"github.com/syedahafsa12/minihafsa/vault"
)

func testAppConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Loop.VaultPath = filepath.Join(root, "vault")
	cfg.Loop.DashboardPath = filepath.Join(root, "vault", "Dashboard.md")
	cfg.Logging.Console = false
	return cfg
}

func TestNewAppWiring(t *testing.T) {
	cfg := testAppConfig(t)

	app, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer app.Shutdown()

	// The approval agent is registered out of the box.
	assert.Equal(t, 1, app.dispatcher.Count())
	assert.NotNil(t, app.loop)
	assert.NotNil(t, app.watcher, "watcher enabled by default")
	assert.Nil(t, app.metrics, "metrics disabled by default")
	assert.Nil(t, app.relay, "no relay without a NATS url")

	// The vault taxonomy exists on disk.
	for _, folder := range vault.DocumentFolders() {
		info, err := os.Stat(filepath.Join(cfg.Loop.VaultPath, folder))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestAppRunOnce(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Watcher.Enabled = false

	app, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer app.Shutdown()

	// An approval:list task exercises the built-in approval agent end
	// to end: scan, dispatch, execute, settle in Done.
	task := model.NewTask("approval:list", map[string]any{}, "tester")
	task.Status = model.StatusQueued
	doc, err := task.Document()
	require.NoError(t, err)
	_, err = app.vault.Create(vault.FolderNeedsAction, task.ID, doc)
	require.NoError(t, err)

	stats, err := app.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TasksExecuted)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Failed)

	_, err = app.vault.Read(vault.FolderDone, task.ID)
	assert.NoError(t, err, "task should settle in Done")

	// The update phase renders the dashboard.
	_, err = os.Stat(cfg.Loop.DashboardPath)
	assert.NoError(t, err)
}

func TestRootCmdSubcommands(t *testing.T) {
	cmd := rootCmd()

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "version")
	assert.Contains(t, names, "approve")
	assert.Contains(t, names, "reject")
	assert.Contains(t, names, "approvals")
}

func TestApprovalsCmdRejectsUnknownStatus(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"approvals", "--status", "bogus"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestApproveCmdAgainstVault(t *testing.T) {
	root := t.TempDir()
	vaultPath := filepath.Join(root, "vault")

	// Seed a pending request the way the daemon would.
	v, err := vault.New(vaultPath, nil)
	require.NoError(t, err)
	wf, err := approval.New(approval.Deps{Vault: v})
	require.NoError(t, err)
	req, err := wf.Create(context.Background(), approval.CreateRequest{
		ActionType: "email:send",
		Summary:    "send weekly report",
		RiskLevel:  approval.RiskHigh,
		UserID:     "tester",
	})
	require.NoError(t, err)

	cmd := rootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"approve", req.ID, "--vault", vaultPath, "--by", "alice", "--notes", "fine"})
	require.NoError(t, cmd.Execute())

	got, err := wf.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, string(approval.StatusApproved), got.Status)
	assert.Equal(t, "alice", got.ApproverID)

	// A second decision finds nothing to move.
	second := rootCmd()
	second.SetOut(io.Discard)
	second.SetErr(io.Discard)
	second.SetArgs([]string{"reject", req.ID, "--vault", vaultPath, "--reason", "late"})
	assert.Error(t, second.Execute())
}
