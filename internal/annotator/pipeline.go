// Package annotator implements the annotator worker (C4): dequeue, download,
// spawn the annotation pipeline, upload artifacts, mark complete, publish,
// and schedule the archive delay. The annotation algorithm itself is an
// external collaborator — treated as an opaque subprocess — so this package
// only supervises it and classifies the artifacts it leaves behind.
package annotator

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Pipeline spawns the annotation binary as a supervised subprocess. Grounded
// on the teacher's restic Wrapper: one exec.CommandContext per invocation,
// stdout read line-by-line and forwarded to a log sink, stderr captured and
// folded into the returned error on failure.
type Pipeline struct {
	binPath string
	logger  *zap.Logger
}

// NewPipeline returns a Pipeline that invokes the annotation binary at
// binPath. binPath is resolved once at process startup, mirroring the
// teacher's extractor-then-Wrapper two-step construction.
func NewPipeline(binPath string, logger *zap.Logger) *Pipeline {
	return &Pipeline{binPath: binPath, logger: logger.Named("pipeline")}
}

// LogSink receives a line of subprocess output as it is produced. Mirrors
// the teacher executor's LogSink interface, generalized from per-job log
// streaming to a plain callback since this worker has no live transport to
// forward lines over.
type LogSink func(line string)

// Run spawns the annotation binary against inputPath, waits for it to exit,
// and returns nil only if the process exited zero. The child receives
// jobID and userID as positional arguments, matching the documented
// "input path, job_id, user_id" invocation contract.
//
// Unlike the source this is grounded on, the child is supervised: Run blocks
// until the subprocess exits (or ctx is cancelled, which kills it), rather
// than detaching and returning immediately. This lets the caller only ack
// the triggering queue message once the child's outcome is known.
func (p *Pipeline) Run(ctx context.Context, inputPath, jobID, userID string, onLog LogSink) error {
	cmd := exec.CommandContext(ctx, p.binPath, inputPath, jobID, userID)
	cmd.Dir = filepath.Dir(inputPath)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("annotator: open stdout pipe: %w", err)
	}
	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("annotator: start pipeline: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if onLog != nil {
			onLog(line)
		}
		p.logger.Debug("pipeline output", zap.String("job_id", jobID), zap.String("line", line))
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("annotator: pipeline exited with error: %w\n%s", err, strings.TrimSpace(stderrBuf.String()))
	}
	return nil
}

// Artifacts classifies the files left in dir after a successful run,
// excluding inputName (the original input file, which is never uploaded).
// A file ending ".annot.vcf" becomes the result artifact and a file ending
// ".log" becomes the log artifact; if several match, the last one in
// directory order is kept and the others are dropped. ErrNoResultArtifact is
// returned if no ".annot.vcf" file is found, closing the state machine via
// the caller's FAILED transition.
type Artifacts struct {
	ResultPath string
	LogPath    string
	Extra      []string // any other artifact present, uploaded but not classified
}

// ErrNoResultArtifact is returned by ClassifyArtifacts when the working
// directory contains no ".annot.vcf" file after a pipeline run that
// otherwise exited zero — treated as a failed job.
var ErrNoResultArtifact = fmt.Errorf("annotator: no .annot.vcf artifact produced")

// ClassifyArtifacts scans dir for pipeline output files.
func ClassifyArtifacts(dir, inputName string) (Artifacts, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Artifacts{}, fmt.Errorf("annotator: read working dir %s: %w", dir, err)
	}

	var a Artifacts
	for _, e := range entries {
		if e.IsDir() || e.Name() == inputName {
			continue
		}
		full := filepath.Join(dir, e.Name())
		switch {
		case strings.HasSuffix(e.Name(), ".annot.vcf"):
			a.ResultPath = full
		case strings.HasSuffix(e.Name(), ".log"):
			a.LogPath = full
		default:
			a.Extra = append(a.Extra, full)
		}
	}

	if a.ResultPath == "" {
		return a, ErrNoResultArtifact
	}
	return a, nil
}
