package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
source:
  api_key: rally-key
target:
  organization: contoso
  project: Phoenix
  pat: ado-pat
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wshift.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Run.BatchSize)
	assert.Equal(t, 8, cfg.Run.Concurrency)
	assert.Equal(t, 3, cfg.Run.AttachmentConcurrency)
	assert.Equal(t, 3, cfg.Run.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Run.InterBatchDelay)
	assert.Equal(t, "mapping.yaml", cfg.MappingFile)
	assert.Equal(t, ".wshift/checkpoint.json", cfg.Run.CheckpointFile)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
source:
  base_url: https://rally.example/slm/webservice/v2.0
  api_key: rally-key
  workspace: /workspace/123
  types: [hierarchicalrequirement, defect]
  state: open
target:
  organization: contoso
  project: Phoenix
  pat: ado-pat
mapping_file: custom-mapping.yaml
transitions_file: transitions.yaml
run:
  batch_size: 25
  concurrency: 4
  inter_batch_delay: 5s
`))
	require.NoError(t, err)

	assert.Equal(t, "/workspace/123", cfg.Source.Workspace)
	assert.Equal(t, []string{"hierarchicalrequirement", "defect"}, cfg.Source.Types)
	assert.Equal(t, "open", cfg.Source.State)
	assert.Equal(t, "custom-mapping.yaml", cfg.MappingFile)
	assert.Equal(t, "transitions.yaml", cfg.TransitionsFile)
	assert.Equal(t, 25, cfg.Run.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Run.InterBatchDelay)
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(writeConfig(t, `
source:
  api_key: rally-key
target:
  organization: contoso
  project: Phoenix
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target.pat")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("WSHIFT_TARGET_PAT", "env-pat")
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "env-pat", cfg.Target.PAT)
}
