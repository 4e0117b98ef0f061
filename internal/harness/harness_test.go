package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ghcoord/internal/value"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	content := `
name: test_scenario
description: "Test scenario for validation"
steps:
  - op: append
    domain: pr
    channel: "12"
    id: m1
    payload: {state: queued, attempt: 1}
  - op: check_and_set
    domain: greeted
    item: "12"
    expect: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	require.Len(t, scenario.Steps, 2)
	assert.Equal(t, OpAppend, scenario.Steps[0].Op)
	assert.True(t, scenario.Steps[0].Payload.Set)
	assert.True(t, value.Equal(
		value.NewObject(value.P("state", value.String("queued")), value.P("attempt", value.Int(1))),
		scenario.Steps[0].Payload.Value,
	))
	assert.False(t, scenario.Steps[0].Expect.Set)
	assert.True(t, scenario.Steps[1].Expect.Set)
	assert.Equal(t, value.Value(value.Bool(false)), scenario.Steps[1].Expect.Value)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nsteps: [{op: check_and_set, domain: d, item: i}]",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nsteps: [{op: check_and_set, domain: d, item: i}]",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			yaml:    "name: n\ndescription: d\nsteps: []",
			wantErr: "steps list is required",
		},
		{
			name:    "unknown field",
			yaml:    "name: n\ndescription: d\nsteps: [{op: check_and_set, domain: d, item: i, expect_err: conflict}]",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "unknown op",
			yaml:    "name: n\ndescription: d\nsteps: [{op: delete, domain: d, item: i}]",
			wantErr: `unknown op "delete"`,
		},
		{
			name:    "missing domain",
			yaml:    "name: n\ndescription: d\nsteps: [{op: check_and_set, item: i}]",
			wantErr: "domain is required",
		},
		{
			name:    "append without id",
			yaml:    "name: n\ndescription: d\nsteps: [{op: append, domain: d, channel: c}]",
			wantErr: "id is required for append",
		},
		{
			name:    "append with expect",
			yaml:    "name: n\ndescription: d\nsteps: [{op: append, domain: d, channel: c, id: m, expect: 1}]",
			wantErr: "expect is not allowed",
		},
		{
			name:    "update without fragment",
			yaml:    "name: n\ndescription: d\nsteps: [{op: update, domain: d, item: i}]",
			wantErr: "fragment is required",
		},
		{
			name:    "unknown expect_error",
			yaml:    "name: n\ndescription: d\nsteps: [{op: append, domain: d, channel: c, id: m, expect_error: boom}]",
			wantErr: `unknown expect_error "boom"`,
		},
		{
			name:    "flag cannot fail",
			yaml:    "name: n\ndescription: d\nsteps: [{op: check_and_set, domain: d, item: i, expect_error: closed}]",
			wantErr: "check_and_set cannot fail",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFindScenarios(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "notes.txt", "c-extra.yaml"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "golden"), 0755))

	files, err := FindScenarios(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yml"),
		filepath.Join(dir, "b.yaml"),
		filepath.Join(dir, "c-extra.yaml"),
	}, files)

	files, err = FindScenarios(dir, "c-*")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "c-extra.yaml")}, files)

	_, err = FindScenarios(dir, "[")
	require.Error(t, err)
}

func TestRun_Pass(t *testing.T) {
	scenario := &Scenario{
		Name:        "pass",
		Description: "all expectations hold",
		Steps: []Step{
			{Op: OpAppend, Domain: "pr", Channel: "1", ID: "m1", Payload: Lit(value.String("a"))},
			{Op: OpAppend, Domain: "pr", Channel: "1", ID: "m1", Payload: Lit(value.String("b")), ExpectError: OutcomeConflict},
			{Op: OpReadChannel, Domain: "pr", Channel: "1", Expect: Lit(value.Array{value.String("a")})},
			{Op: OpCheckAndSet, Domain: "seen", Item: "1", Expect: Lit(value.Bool(false))},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Trace, 4)
	assert.Equal(t, OutcomeConflict, result.Trace[1].Outcome)
	assert.Nil(t, result.Trace[0].Observed)
}

func TestRun_NumberLiterals(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: numbers
description: fractional numbers merge and conflict like any scalar
steps:
  - op: update
    domain: ci
    item: abc
    fragment: {coverage: {pct: 87.5}}
  - op: update
    domain: ci
    item: abc
    fragment: {coverage: {pct: 88.1}}
    expect_error: conflict
  - op: read_dict
    domain: ci
    item: abc
    path: coverage.pct
    expect: 87.50
`))
	require.NoError(t, err)
	assert.Equal(t, value.Number(87.5), scenario.Steps[2].Expect.Value)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, value.Number(87.5), result.Trace[2].Observed)
}

func TestRun_ReportsMismatches(t *testing.T) {
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "every kind of mismatch",
		Steps: []Step{
			{Op: OpAppend, Domain: "pr", Channel: "1", ID: "m1", Payload: Lit(value.String("a")), ExpectError: OutcomeClosed},
			{Op: OpAppend, Domain: "pr", Channel: "1", ID: "m1", Payload: Lit(value.String("b"))},
			{Op: OpCheckAndSet, Domain: "seen", Item: "1", Expect: Lit(value.Bool(true))},
			{Op: OpReadDict, Domain: "head", Item: "1", Path: "sha", Expect: Lit(value.String("abc"))},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "expected error closed, got ok")
	assert.Contains(t, result.Errors[1], "unexpected conflict")
	assert.Contains(t, result.Errors[2], "expected true, got false")
	assert.Contains(t, result.Errors[3], `expected "abc", got missing`)
}

func TestRun_FreshDatabasePerRun(t *testing.T) {
	scenario := &Scenario{
		Name:        "fresh",
		Description: "flag starts unset every run",
		Steps: []Step{
			{Op: OpCheckAndSet, Domain: "seen", Item: "1", Expect: Lit(value.Bool(false))},
		},
	}

	for range 2 {
		result, err := Run(context.Background(), scenario)
		require.NoError(t, err)
		assert.True(t, result.Pass, "errors: %v", result.Errors)
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "dict_merge.yaml"))
	require.NoError(t, err)

	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	a, err := Snapshot(scenario.Name, first)
	require.NoError(t, err)
	b, err := Snapshot(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scenario := &Scenario{
		Name:        "cancelled",
		Description: "storage failures abort the run",
		Steps:       []Step{{Op: OpCheckAndSet, Domain: "seen", Item: "1"}},
	}
	_, err := Run(ctx, scenario)
	require.Error(t, err)
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
