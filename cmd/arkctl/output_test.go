package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/legacy"
	"github.com/arkdeploy/ark/internal/service/reconcile"
)

func TestParsePlansList(t *testing.T) {
	raw := []byte(`
- slug: starter
  name: Starter
  price_per_server_cents: 1500
  currency: usd
  limits:
    max_servers: 2
    max_projects: 10
  discount_tiers:
    - min_servers: 5
      percent_off: 10
- slug: pro
  name: Pro
  price_per_server_cents: 4000
`)
	plans, err := parsePlans(raw)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "starter", plans[0].Slug)
	assert.Equal(t, int64(1500), plans[0].PricePerServer)
	assert.Equal(t, 2, plans[0].Limits.MaxServers)
	require.Len(t, plans[0].DiscountTiers, 1)
	assert.Equal(t, 10, plans[0].DiscountTiers[0].PercentOff)
	assert.Nil(t, plans[1].Active)
}

func TestParsePlansDocument(t *testing.T) {
	raw := []byte(`
plans:
  - slug: team
    name: Team
    active: false
`)
	plans, err := parsePlans(raw)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.NotNil(t, plans[0].Active)
	assert.False(t, *plans[0].Active)
}

func TestParsePlansEmpty(t *testing.T) {
	_, err := parsePlans([]byte("plans: []\n"))
	assert.ErrorIs(t, err, errNoPlans)

	_, err = parsePlans([]byte(""))
	assert.ErrorIs(t, err, errNoPlans)
}

func TestPrintOperation(t *testing.T) {
	op := domain.Operation{
		ID:     "op-1",
		Kind:   "deploy",
		Status: domain.OperationFailed,
		Steps: []domain.OperationStep{
			{Name: "git sync", Duration: 1500 * time.Millisecond},
			{Name: "docker build", Error: "exit status 1", Stderr: "step 1\nno such file"},
		},
		Error: "docker build: exit status 1",
	}
	var buf bytes.Buffer
	printOperation(&buf, op)
	out := buf.String()
	assert.Contains(t, out, "operation op-1 deploy "+domain.OperationFailed)
	assert.Contains(t, out, "[ok] git sync (1.5s)")
	assert.Contains(t, out, "[FAIL] docker build")
	assert.Contains(t, out, "no such file")
	assert.NotContains(t, out, "step 1")
	assert.Contains(t, out, "error: docker build: exit status 1")
}

func TestPrintReport(t *testing.T) {
	r := reconcile.Report{
		ServerID: "s1",
		DryRun:   true,
		Actions: []reconcile.ActionResult{
			{Action: reconcile.Action{Kind: reconcile.InstallProxy, Reason: "proxy missing"}},
			{Action: reconcile.Action{Kind: reconcile.FlagOrphanDatabase, DatabaseID: "db1", Reason: "owner deleted"}, Applied: true},
		},
	}
	var buf bytes.Buffer
	printReport(&buf, r)
	out := buf.String()
	assert.Contains(t, out, "server s1: 2 action(s) planned")
	assert.Contains(t, out, "db1 owner deleted done")
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, legacy.Summary{
		Users:    legacy.Counts{Imported: 3, Skipped: 1},
		Servers:  legacy.Counts{Failed: 1},
		Problems: []string{"server 65f0: password cannot be decrypted"},
	}, true)
	out := buf.String()
	assert.Contains(t, out, "dry run, nothing written")
	assert.Contains(t, out, "users      imported=3 skipped=1 failed=0")
	assert.Contains(t, out, "servers    imported=0 skipped=0 failed=1")
	assert.Contains(t, out, "password cannot be decrypted")
}

func TestRootCommandRegistersMaintenanceCommands(t *testing.T) {
	root := newRootCommand(&bytes.Buffer{}, &bytes.Buffer{})
	want := []string{
		"create-admin", "seed-plans", "check-server", "reinstall-proxy", "deploy",
		"set-domain", "update-port", "sync-container", "fix-labels", "reconcile",
		"orphans", "import-legacy",
	}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
