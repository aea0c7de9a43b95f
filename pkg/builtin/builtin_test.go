package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devloop-dev/devloop/pkg/contextstore"
	"github.com/devloop-dev/devloop/pkg/event"
	"github.com/devloop-dev/devloop/pkg/runner"
)

func openTestStore(t *testing.T) *contextstore.Store {
	t.Helper()
	s, err := contextstore.Open(t.TempDir(), nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func fileEvent(path string) event.Event {
	return event.New(event.TypeFileModified, "collector", map[string]any{"path": path})
}

func TestLinterParsesCompactOutput(t *testing.T) {
	findings := parseLinterOutput("golangci-lint", "pkg/foo/bar.go:10:2: unused variable x (unused)\nnot a lint line\n")
	require.Len(t, findings, 1)
	assert.Equal(t, "pkg/foo/bar.go", findings[0].file)
	assert.Equal(t, 10, findings[0].line)
	assert.Equal(t, 2, findings[0].column)
	assert.Equal(t, "unused", findings[0].ruleCode)
}

func TestLinterHandleSubmitsFindings(t *testing.T) {
	store := openTestStore(t)
	r := runner.New([]string{"sh"}, 0, zerolog.Nop())
	l, err := NewLinter(ToolConfig{
		Name:    "linter:fake",
		Argv:    []string{"sh", "-c", "echo '{file}:3:1: bad thing (rule1)'"},
		Timeout: time.Second,
	}, r, store, zerolog.Nop())
	require.NoError(t, err)

	res := l.Handle(context.Background(), fileEvent("main.go"))
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Data["findings"])

	tier := store.ReadTier(contextstore.TierRelevant)
	require.Len(t, tier, 1)
	assert.Equal(t, "main.go", tier[0].File)
}

func TestLinterRejectsEventWithoutPath(t *testing.T) {
	store := openTestStore(t)
	r := runner.New([]string{"sh"}, 0, zerolog.Nop())
	l, err := NewLinter(ToolConfig{Name: "linter:fake", Argv: []string{"sh", "-c", "true"}}, r, store, zerolog.Nop())
	require.NoError(t, err)

	res := l.Handle(context.Background(), event.New("file:modified", "collector", nil))
	assert.False(t, res.Success)
}

func TestFormatterRecordsAutoFixedFinding(t *testing.T) {
	store := openTestStore(t)
	r := runner.New([]string{"true"}, 0, zerolog.Nop())
	fm, err := NewFormatter(ToolConfig{Name: "formatter:fake", Argv: []string{"true"}, Timeout: time.Second}, r, store, zerolog.Nop())
	require.NoError(t, err)

	res := fm.Handle(context.Background(), fileEvent("main.go"))
	require.True(t, res.Success)

	tier := store.ReadTier(contextstore.TierAutoFixed)
	require.Len(t, tier, 1)
	assert.True(t, tier[0].AutoFixable)
}

func TestFormatterRecordsBlockingFindingOnFailure(t *testing.T) {
	store := openTestStore(t)
	r := runner.New([]string{"false"}, 0, zerolog.Nop())
	fm, err := NewFormatter(ToolConfig{Name: "formatter:fake", Argv: []string{"false"}, Timeout: time.Second}, r, store, zerolog.Nop())
	require.NoError(t, err)

	res := fm.Handle(context.Background(), fileEvent("main.go"))
	require.True(t, res.Success)

	tier := store.ReadTier(contextstore.TierImmediate)
	require.Len(t, tier, 1)
	assert.True(t, tier[0].Blocking)
}

func TestTypeCheckerParsesDiagnostics(t *testing.T) {
	findings := parseTypeErrors("file.ts(12,5): error TS2322: Type mismatch\nnothing to see here\n")
	require.Len(t, findings, 1)
	assert.Equal(t, contextstore.SeverityError, findings[0].severity)
	assert.True(t, findings[0].blocking)
}

func TestTestRunnerParsesFailures(t *testing.T) {
	stdout := "--- FAIL: TestThing (0.00s)\n    store_test.go:42: expected 1, got 2\nPASS\n"
	findings := parseTestFailures(stdout)
	require.Len(t, findings, 1)
	assert.Equal(t, "store_test.go", findings[0].file)
	assert.Equal(t, 42, findings[0].line)
	assert.Contains(t, findings[0].message, "TestThing")
}

func TestSecurityScannerParsesJSONLines(t *testing.T) {
	stdout := `{"file":"main.go","line":5,"severity":"high","rule_id":"G101","message":"hardcoded secret"}` + "\n"
	findings := parseSecurityIssues(stdout, zerolog.Nop())
	require.Len(t, findings, 1)
	assert.Equal(t, contextstore.SeverityError, findings[0].severity)
	assert.True(t, findings[0].blocking)
	assert.Equal(t, "G101", findings[0].ruleCode)
}

func TestSecurityScannerSkipsUnparseableLines(t *testing.T) {
	findings := parseSecurityIssues("not json\n{\"file\":\"a.go\",\"line\":1,\"severity\":\"low\",\"message\":\"ok\"}\n", zerolog.Nop())
	require.Len(t, findings, 1)
	assert.Equal(t, contextstore.SeverityInfo, findings[0].severity)
}

func TestToolConfigValidation(t *testing.T) {
	assert.Error(t, ToolConfig{}.validate())
	assert.Error(t, ToolConfig{Name: "x"}.validate())
	assert.NoError(t, ToolConfig{Name: "x", Argv: []string{"echo"}}.validate())
}
