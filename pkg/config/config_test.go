package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ModeLocal, cfg.Orchestrator.Mode)
	assert.Equal(t, DefaultMaxSheetChars, cfg.Pipeline.MaxSheetChars)
	assert.Equal(t, "ocr-completions", cfg.Kafka.Topics.OCRCompletions)
	assert.Equal(t, "extracted", cfg.Storage.ExtractedPrefix)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
storage:
  bucket: solicitations
orchestrator:
  mode: stepfunctions
  stateMachineArn: arn:aws:states:us-east-1:123456789012:stateMachine:ingest
pipeline:
  maxSheetChars: 1000
  stageTimeout: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))
	t.Setenv("DI_PIPELINE_MAX_SHEET_CHARS", "2000")
	t.Setenv("DI_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "solicitations", cfg.Storage.Bucket)
	assert.Equal(t, ModeStepFunctions, cfg.Orchestrator.Mode)
	assert.Equal(t, 2000, cfg.Pipeline.MaxSheetChars)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.StageTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Orchestrator.Mode = ModeStepFunctions
	assert.ErrorContains(t, cfg.Validate(), "stateMachineArn")

	cfg.Orchestrator.Mode = "cron"
	assert.ErrorContains(t, cfg.Validate(), "orchestrator.mode")

	cfg = defaultConfig()
	cfg.Storage.Bucket = ""
	cfg.Pipeline.MaxSheetChars = 0
	err := cfg.Validate()
	assert.ErrorContains(t, err, "storage.bucket")
	assert.ErrorContains(t, err, "maxSheetChars")
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
