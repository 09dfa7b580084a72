package annotator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// writeScript writes an executable shell script standing in for the opaque
// annotation binary, so tests can exercise Pipeline.Run without a real
// annotation toolchain present.
func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-annotator.sh")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestPipelineRunSuccessProducesArtifact(t *testing.T) {
	jobDir := t.TempDir()
	inputPath := filepath.Join(jobDir, "sample.vcf")
	require.NoError(t, os.WriteFile(inputPath, []byte("##fileformat=VCFv4.2\n"), 0o644))

	scriptDir := t.TempDir()
	bin := writeScript(t, scriptDir, `
echo "annotating $1 for job $2 user $3"
echo "result" > "$(dirname "$1")/sample.annot.vcf"
echo "log line" > "$(dirname "$1")/sample.vcf.count.log"
exit 0
`)

	p := NewPipeline(bin, zap.NewNop())

	var lines []string
	err := p.Run(context.Background(), inputPath, "job-1", "user-1", func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.NotEmpty(t, lines)

	artifacts, err := ClassifyArtifacts(jobDir, "sample.vcf")
	require.NoError(t, err)
	assert.Contains(t, artifacts.ResultPath, "sample.annot.vcf")
	assert.Contains(t, artifacts.LogPath, "sample.vcf.count.log")
}

func TestPipelineRunNonZeroExitReturnsError(t *testing.T) {
	jobDir := t.TempDir()
	inputPath := filepath.Join(jobDir, "sample.vcf")
	require.NoError(t, os.WriteFile(inputPath, []byte("data"), 0o644))

	scriptDir := t.TempDir()
	bin := writeScript(t, scriptDir, `
echo "boom" 1>&2
exit 1
`)

	p := NewPipeline(bin, zap.NewNop())
	err := p.Run(context.Background(), inputPath, "job-1", "user-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestClassifyArtifactsMissingResultIsError(t *testing.T) {
	jobDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "sample.vcf"), []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "sample.vcf.count.log"), []byte("log"), 0o644))

	_, err := ClassifyArtifacts(jobDir, "sample.vcf")
	assert.ErrorIs(t, err, ErrNoResultArtifact)
}

func TestClassifyArtifactsExcludesInputAndCollectsExtra(t *testing.T) {
	jobDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "sample.vcf"), []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "sample.annot.vcf"), []byte("result"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "sample.vcf.count.log"), []byte("log"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "sample.annot.vcf.idx"), []byte("idx"), 0o644))

	artifacts, err := ClassifyArtifacts(jobDir, "sample.vcf")
	require.NoError(t, err)
	assert.Contains(t, artifacts.ResultPath, "sample.annot.vcf")
	assert.NotContains(t, artifacts.ResultPath, ".idx")
	assert.Contains(t, artifacts.LogPath, "sample.vcf.count.log")
	require.Len(t, artifacts.Extra, 1)
	assert.Contains(t, artifacts.Extra[0], "sample.annot.vcf.idx")
}
