package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/PersonaPipe/internal/config"
	"github.com/BTreeMap/PersonaPipe/internal/flow"
	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/persona"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/BTreeMap/PersonaPipe/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{config.EnvStateDir, config.EnvBackend, config.EnvDatabaseURL, config.EnvOpenAIKey, config.EnvModel, config.EnvDebug, config.EnvTemperature, config.EnvMenuFile, config.EnvImprovRounds} {
		t.Setenv(key, "")
	}
}

func TestBuildStoreOptions(t *testing.T) {
	tests := []struct {
		backend string
		want    int
	}{
		{config.BackendMemory, 0},
		{config.BackendSQLite, 1},
		{config.BackendPostgres, 1},
		{config.BackendFile, 2},
	}
	for _, tt := range tests {
		cfg := &config.Config{StateDir: t.TempDir(), Backend: tt.backend, DatabaseURL: "postgres://localhost/db"}
		assert.Len(t, buildStoreOptions(cfg), tt.want, tt.backend)
	}
}

func TestBuildGenAIOptions(t *testing.T) {
	assert.Empty(t, buildGenAIOptions(&config.Config{}))
	temp := 0.2
	cfg := &config.Config{OpenAIKey: "sk-test", Model: "gpt-4o", Temperature: &temp, Debug: true, StateDir: t.TempDir()}
	assert.Len(t, buildGenAIOptions(cfg), 4)
}

func TestBuildGenAIOptionsPassesZeroTemperature(t *testing.T) {
	zero := 0.0
	opts := buildGenAIOptions(&config.Config{Temperature: &zero})
	require.Len(t, opts, 1)

	o := genai.Opts{Temperature: genai.DefaultTemperature}
	for _, opt := range opts {
		opt(&o)
	}
	assert.Zero(t, o.Temperature)
}

func TestBuildPersonaOptions(t *testing.T) {
	opts, err := buildPersonaOptions(&config.Config{ImprovRounds: 2})
	require.NoError(t, err)
	assert.Len(t, opts, 1)

	_, err = buildPersonaOptions(&config.Config{MenuFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestEnsureDirectoriesExist(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	require.NoError(t, ensureDirectoriesExist(&config.Config{StateDir: dir, Backend: config.BackendFile}))
	info, err := os.Stat(filepath.Join(dir, config.DefaultRecordsDir))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func writeSeed(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const catalogSeed = `store: grocery_catalog
records:
  - name: Apples
    price: 0.5
  - name: Bread
    price: 2.25
`

const fraudSeed = `store: fraud_cases
records:
  - userName: John
    securityIdentifier: "12345"
    status: pending_review
`

func TestSeedStores(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rs := testutil.NewMemoryStore(t, persona.StoreDefinitions())

	catalog := writeSeed(t, dir, "catalog.yaml", catalogSeed)
	fraud := writeSeed(t, dir, "fraud.yaml", fraudSeed)
	seeds, err := seedStores(ctx, rs, []string{catalog, fraud})
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, persona.StoreGroceryCatalog, seeds[0].Store)

	rec, err := rs.Lookup(ctx, persona.StoreGroceryCatalog, "apples")
	require.NoError(t, err)
	assert.Equal(t, "Apples", rec["name"])
	rec, err = rs.Lookup(ctx, persona.StoreFraudCases, "john")
	require.NoError(t, err)
	assert.Equal(t, "12345", rec["securityIdentifier"])

	_, err = seedStores(ctx, rs, []string{catalog, catalog})
	assert.ErrorContains(t, err, "seeded by both")

	unknown := writeSeed(t, dir, "unknown.yaml", "store: invoices\nrecords: []\n")
	_, err = seedStores(ctx, rs, []string{unknown})
	assert.True(t, errors.Is(err, store.ErrUnknownStore))

	noStore := writeSeed(t, dir, "nostore.yaml", "records: []\n")
	_, err = seedStores(ctx, rs, []string{noStore})
	assert.ErrorContains(t, err, "invalid seed file")
}

func TestSeedStoresWritesNothingOnParseError(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rs := testutil.NewMemoryStore(t, persona.StoreDefinitions())

	good := writeSeed(t, dir, "catalog.yaml", catalogSeed)
	bad := writeSeed(t, dir, "bad.yaml", "store: [oops\n")
	_, err := seedStores(ctx, rs, []string{good, bad})
	assert.ErrorContains(t, err, "failed to parse seed file")

	_, err = rs.Load(ctx, persona.StoreGroceryCatalog)
	assert.True(t, errors.Is(err, store.ErrStoreNotProvisioned))
}

type echoProcessor struct {
	messages []string
}

func (e *echoProcessor) ProcessMessage(_ context.Context, _ string, msg string) (string, error) {
	e.messages = append(e.messages, msg)
	if msg == "fail" {
		return "", errors.New("model unavailable")
	}
	return "you said: " + msg, nil
}

func TestChatLoop(t *testing.T) {
	tracker := flow.NewTracker(testutil.NewMemoryStore(t, persona.StoreDefinitions()))
	state, err := tracker.Create(persona.SDRDomain(), nil)
	require.NoError(t, err)

	ep := &echoProcessor{}
	in := strings.NewReader("hello\n\n/state\nfail\n/quit\nnever sent\n")
	var out bytes.Buffer
	require.NoError(t, chatLoop(context.Background(), ep, "s_test", state, in, &out))

	assert.Equal(t, []string{"hello", "fail"}, ep.messages)
	assert.Contains(t, out.String(), "you said: hello")
	assert.Contains(t, out.String(), `"domain": "sdr"`)
	assert.Contains(t, out.String(), "[error] model unavailable")
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPersonasCommand(t *testing.T) {
	clearEnv(t)
	out, err := runCLI(t, "--backend", "memory", "--state-dir", t.TempDir(), "personas")
	require.NoError(t, err)
	for _, want := range []string{"coffee", "orders", "drinkType,size,milk", "fraud_cases", "update"} {
		assert.Contains(t, out, want)
	}
}

func TestRecordsCommandsWithFileBackend(t *testing.T) {
	clearEnv(t)
	stateDir := t.TempDir()
	base := []string{"--backend", "file", "--state-dir", stateDir}
	seed := writeSeed(t, t.TempDir(), "fraud.yaml", fraudSeed)

	_, err := runCLI(t, append(base, "fraud", "resolve", "John", "confirmed_safe")...)
	assert.True(t, errors.Is(err, store.ErrStoreNotProvisioned))

	out, err := runCLI(t, append(base, "records", "seed", seed)...)
	require.NoError(t, err)
	assert.Contains(t, out, "fraud_cases: 1 records")

	out, err = runCLI(t, append(base, "fraud", "resolve", "JOHN", "confirmed_safe", "customer confirmed")...)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "confirmed_safe"`)

	out, err = runCLI(t, append(base, "records", "lookup", "fraud_cases", "john")...)
	require.NoError(t, err)
	assert.Contains(t, out, `"notes": "customer confirmed"`)

	out, err = runCLI(t, append(base, "records", "list", "orders")...)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)

	_, err = runCLI(t, "--backend", "redis", "personas")
	assert.ErrorContains(t, err, "invalid configuration")
}
