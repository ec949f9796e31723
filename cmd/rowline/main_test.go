package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowline/rowline/pkg/audit"
	"github.com/rowline/rowline/pkg/config"
	"github.com/rowline/rowline/pkg/domain"
	"github.com/rowline/rowline/pkg/logging"
)

const testPipeline = `
id: smoke
nodes:
  - id: tag
    kind: transform
    type: set_field
    config:
      field: region
      value: eu
  - id: out
    kind: sink
    type: noop
edges:
  - {from: tag, to: out}
`

const testConfig = `
metrics:
  address: ""
logging:
  level: error
`

func writeTestFiles(t *testing.T) (configPath, pipePath, inputPath string) {
	t.Helper()
	dir := t.TempDir()
	configPath = filepath.Join(dir, "config.yaml")
	pipePath = filepath.Join(dir, "pipeline.yaml")
	inputPath = filepath.Join(dir, "rows.jsonl")
	require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))
	require.NoError(t, os.WriteFile(pipePath, []byte(testPipeline), 0o644))
	require.NoError(t, os.WriteFile(inputPath, []byte(`{"id": 1}`+"\n"+`{"id": 2}`+"\n"), 0o644))
	return configPath, pipePath, inputPath
}

func TestRunCommandExecutesPipeline(t *testing.T) {
	configPath, pipePath, inputPath := writeTestFiles(t)

	root := newRootCmd()
	root.SetArgs([]string{"run", "--config", configPath, "--pipeline", pipePath, "--input", inputPath})
	require.NoError(t, root.Execute())
}

func TestValidateCommandReportsNodeCounts(t *testing.T) {
	configPath, pipePath, _ := writeTestFiles(t)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"validate", "--config", configPath, "--pipeline", pipePath})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `pipeline "smoke" is valid: 2 nodes, 1 edges`)
}

func TestValidateCommandRejectsBrokenPipeline(t *testing.T) {
	configPath, pipePath, _ := writeTestFiles(t)
	require.NoError(t, os.WriteFile(pipePath, []byte("id: broken\n"), 0o644))

	root := newRootCmd()
	root.SetArgs([]string{"validate", "--config", configPath, "--pipeline", pipePath})
	err := root.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPipelineInvalid)
}

func TestResumeCommandRequiresCheckpoint(t *testing.T) {
	configPath, pipePath, _ := writeTestFiles(t)

	root := newRootCmd()
	root.SetArgs([]string{"resume", "--config", configPath, "--pipeline", pipePath})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checkpoint")
}

// syncBuffer guards a buffer written by the watch goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForReports(t *testing.T, out *syncBuffer, want int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if strings.Count(out.String(), "is valid") >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("saw %d validity reports, want %d; output:\n%s",
				strings.Count(out.String(), "is valid"), want, out.String())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatchValidateReportsReloads(t *testing.T) {
	_, pipePath, _ := writeTestFiles(t)

	logger := logging.NewLoggerTo(os.Stderr, logging.Config{Level: "error"})
	provider, err := config.NewPipelineProvider(pipePath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watchValidate(ctx, provider, &out) }()

	// The definition current at subscribe time is reported first.
	waitForReports(t, &out, 1)

	renamed := strings.Replace(testPipeline, "id: smoke", "id: smoke-v2", 1)
	require.NoError(t, os.WriteFile(pipePath, []byte(renamed), 0o644))
	waitForReports(t, &out, 2)

	cancel()
	require.NoError(t, <-done)
	assert.Contains(t, out.String(), `pipeline "smoke" is valid`)
	assert.Contains(t, out.String(), `pipeline "smoke-v2" is valid`)
}

func TestBuildRecorderSelection(t *testing.T) {
	rec, closeFn, err := buildRecorder(config.AuditConfig{Store: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &audit.MemoryRecorder{}, rec)
	assert.NoError(t, closeFn())

	path := filepath.Join(t.TempDir(), "audit.db")
	rec, closeFn, err = buildRecorder(config.AuditConfig{Store: "sqlite", Path: path})
	require.NoError(t, err)
	assert.IsType(t, &audit.SQLiteRecorder{}, rec)
	assert.NoError(t, closeFn())
}

func TestPrintSummary(t *testing.T) {
	summary := domain.NewRunSummary("smoke")
	summary.Add("out", "completed")
	summary.Add("out", "completed")
	summary.Add("tag", "quarantined")
	summary.Quarantines = append(summary.Quarantines, domain.QuarantineDetail{
		TokenID: "tok-1", NodeID: "tag", Reason: "field amount: locked as integer, got string",
	})

	var out bytes.Buffer
	printSummary(&out, summary)

	assert.Contains(t, out.String(), "pipeline smoke")
	assert.Contains(t, out.String(), "out")
	assert.Contains(t, out.String(), "locked as integer")
}
