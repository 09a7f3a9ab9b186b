package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/reforge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTarget(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func defaultRules() config.RulesConfig {
	return config.RulesConfig{
		Workers: config.DefaultWorkerRules(),
		CostCoefficients: config.CostCoefficients{
			PerKilobyte:       2,
			PerStructuralUnit: 0.5,
		},
	}
}

func TestScanSignals(t *testing.T) {
	t.Parallel()

	content := `package demo

func deep() {
	if a {
		if b {
			if c {
				run()
			}
		}
	}
}

func spawn() {
	cmd := exec.Command("ls")
	cmd2 := exec.Command("rm")
	_ = cmd
	_ = cmd2
}
`
	path := writeTarget(t, "demo.go", content)

	sig, err := Scan(path)
	require.NoError(t, err)

	assert.Equal(t, 4, sig.NestingDepth)
	assert.Equal(t, 2, sig.UnsafeMatches)
	assert.Positive(t, sig.UnsafeDensity)
	assert.Positive(t, sig.SizeBytes)
	assert.Positive(t, sig.StructuralUnits)
}

func TestScanDuplicateDensity(t *testing.T) {
	t.Parallel()

	repeated := "result = append(result, transform(value))"
	lines := []string{"package demo", ""}
	for i := 0; i < 10; i++ {
		lines = append(lines, repeated)
	}
	path := writeTarget(t, "dup.go", strings.Join(lines, "\n"))

	sig, err := Scan(path)
	require.NoError(t, err)
	assert.Greater(t, sig.DuplicateDensity, 0.5)
}

func TestPlanSecurityStepPrecedesStyle(t *testing.T) {
	t.Parallel()

	// ~500 structural units of filler with two unsafe-construct matches.
	var b strings.Builder
	b.WriteString("package demo\n")
	for i := 0; i < 500; i++ {
		b.WriteString("func f() { work() }\n")
	}
	b.WriteString("func bad() { system(input); eval(input) }\n")
	path := writeTarget(t, "unsafe.go", b.String())

	p := New(defaultRules())
	ep, err := p.Plan(path)
	require.NoError(t, err)
	require.NotEmpty(t, ep.Steps)

	assert.Equal(t, "security-audit", ep.Steps[0].WorkerType)
	assert.Equal(t, RiskCritical, ep.Steps[0].Risk)

	securityIdx, styleIdx := -1, -1
	for i, s := range ep.Steps {
		if s.Class == "security" && securityIdx == -1 {
			securityIdx = i
		}
		if s.Class == "style" && styleIdx == -1 {
			styleIdx = i
		}
	}
	require.NotEqual(t, -1, securityIdx)
	require.NotEqual(t, -1, styleIdx)
	assert.Less(t, securityIdx, styleIdx)
}

func TestPlanCleanFileGetsNoSecurityStep(t *testing.T) {
	t.Parallel()

	path := writeTarget(t, "clean.go", "package demo\n\nfunc tidy() { return }\n")

	p := New(defaultRules())
	ep, err := p.Plan(path)
	require.NoError(t, err)

	for _, s := range ep.Steps {
		assert.NotEqual(t, "security", s.Class)
	}
	// The always-on style pass still applies.
	require.Len(t, ep.Steps, 1)
	assert.Equal(t, "format", ep.Steps[0].WorkerType)
}

func TestCostEstimateMonotonicInSize(t *testing.T) {
	t.Parallel()

	small := writeTarget(t, "small.go", "package demo\nfunc a() {}\n")
	large := writeTarget(t, "large.go", "package demo\n"+strings.Repeat("func a() { do() }\n", 400))

	p := New(defaultRules())

	smallPlan, err := p.Plan(small)
	require.NoError(t, err)
	largePlan, err := p.Plan(large)
	require.NoError(t, err)

	require.NotEmpty(t, smallPlan.Steps)
	require.NotEmpty(t, largePlan.Steps)
	assert.Greater(t, largePlan.TotalEstimatedCost, smallPlan.TotalEstimatedCost)
}

func TestPlanStepsOrderedByRiskThenCost(t *testing.T) {
	t.Parallel()

	rules := config.RulesConfig{
		Workers: []config.WorkerRule{
			{Type: "cheap-critical", Class: "security", Risk: "critical", BaseCost: 10, Signal: "always"},
			{Type: "pricey-critical", Class: "security", Risk: "critical", BaseCost: 90, Signal: "always"},
			{Type: "cheap-low", Class: "style", Risk: "low", BaseCost: 1, Signal: "always"},
		},
		CostCoefficients: config.CostCoefficients{PerKilobyte: 1, PerStructuralUnit: 0},
	}

	path := writeTarget(t, "any.go", "package demo\n")
	ep, err := New(rules).Plan(path)
	require.NoError(t, err)
	require.Len(t, ep.Steps, 3)

	assert.Equal(t, "cheap-critical", ep.Steps[0].WorkerType)
	assert.Equal(t, "pricey-critical", ep.Steps[1].WorkerType)
	assert.Equal(t, "cheap-low", ep.Steps[2].WorkerType)
}

func TestPlanIsDeterministic(t *testing.T) {
	t.Parallel()

	path := writeTarget(t, "det.go", "package demo\nfunc a() { if x { eval(y) } }\n")
	p := New(defaultRules())

	first, err := p.Plan(path)
	require.NoError(t, err)
	second, err := p.Plan(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPlanMissingTarget(t *testing.T) {
	t.Parallel()

	_, err := New(defaultRules()).Plan("/nonexistent/file.go")
	require.Error(t, err)
}
