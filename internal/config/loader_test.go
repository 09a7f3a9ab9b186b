package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
service:
  name: test-reforge
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-reforge", cfg.Service.Name)
	assert.Equal(t, "info", cfg.Service.LogLevel)
	assert.Equal(t, int64(1000), cfg.Budget.HourlyCeiling)
	assert.Equal(t, int64(8000), cfg.Budget.DailyCeiling)
	assert.Equal(t, 4, cfg.Engine.PoolSize)
	assert.Equal(t, LockPolicyRetry, cfg.Engine.OnLockTimeout)
	assert.NotEmpty(t, cfg.Rules.Workers)
}

func TestLoadInterpolatesEnv(t *testing.T) {
	t.Setenv("REFORGE_TEST_DB", "/tmp/custom.db")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
storage:
  path: ${REFORGE_TEST_DB}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.Storage.Path)
}

func TestLoadRejectsInvalidRuleTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
rules:
  workers:
    - type: security-audit
      class: paranoia
      risk: critical
      base_cost: 10
      signal: always
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "class must be")
}

func TestLoadRejectsDuplicateWorkerType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
rules:
  workers:
    - {type: format, class: style, risk: low, base_cost: 5, signal: always}
    - {type: format, class: style, risk: low, base_cost: 5, signal: always}
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate worker type")
}

func TestLoadRejectsCeilingInversion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
budget:
  hourly_ceiling: 5000
  daily_ceiling: 100
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily_ceiling")
}

func TestLoadExternalRulesFile(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	writeFile(t, rulesPath, `
workers:
  - {type: injection-scan, class: security, risk: critical, base_cost: 50, signal: unsafe_density, min: 0.0001}
  - {type: format, class: style, risk: low, base_cost: 5, signal: always}
`)

	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
rules:
  file: rules.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Rules.Workers, 2)
	assert.Equal(t, "injection-scan", cfg.Rules.Workers[0].Type)
}

func TestLoadExternalRulesFileTamperDetected(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	writeFile(t, rulesPath, `
workers:
  - {type: format, class: style, risk: low, base_cost: 5, signal: always}
`)
	require.NoError(t, GenerateChecksums(dir, []string{"rules.yaml"}))

	// Modify after locking.
	writeFile(t, rulesPath, `
workers:
  - {type: format, class: style, risk: low, base_cost: 500, signal: always}
`)

	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
rules:
  file: rules.yaml
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestLoadExternalRulesFileWithValidChecksum(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	writeFile(t, rulesPath, `
workers:
  - {type: format, class: style, risk: low, base_cost: 5, signal: always}
`)
	require.NoError(t, GenerateChecksums(dir, []string{"rules.yaml"}))

	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
rules:
  file: rules.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Rules.Workers, 1)
}
