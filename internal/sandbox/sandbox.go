// Package sandbox runs generated analysis scripts in an isolated working directory
// and collects their output and any files they write under output/.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DataDir holds input files handed to the script.
	DataDir = "data"
	// OutputDir is scanned for artifacts after a successful run.
	OutputDir = "output"
	// ScriptName is the file the generated code is written to.
	ScriptName = "main.py"

	maxArtifactBytes = 10 << 20
	maxErrorLines    = 20
)

// ErrTimeout reports that the script exceeded its execution budget.
var ErrTimeout = errors.New("sandbox: execution timed out")

// Job describes one script execution.
type Job struct {
	Code    string
	Files   map[string][]byte // relative to the working directory, e.g. data/timeseries.csv
	Timeout time.Duration
}

// Result is the outcome of a finished script. A non-zero exit is reported through
// Success=false and Error, not through the returned error.
type Result struct {
	Success   bool
	Stdout    string
	Stderr    string
	Error     string
	ExitCode  int
	TimedOut  bool
	Duration  time.Duration
	Artifacts map[string][]byte // keyed by slash-separated path, e.g. output/plot.png
}

// Executor runs jobs. Implementations return ErrTimeout (wrapped or bare) when the
// deadline is hit and any other error only for infrastructure failures.
type Executor interface {
	Execute(ctx context.Context, job Job) (Result, error)
}

func checkRelativePath(name string) error {
	clean := path.Clean(filepath.ToSlash(name))
	if name == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("sandbox file %q must be a relative path inside the workspace", name)
	}
	return nil
}

// prepareWorkspace creates a fresh directory holding the script, its input files and an empty output dir.
func prepareWorkspace(base string, job Job) (string, error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return "", fmt.Errorf("create sandbox base: %w", err)
		}
	}
	dir, err := os.MkdirTemp(base, "run-")
	if err != nil {
		return "", fmt.Errorf("create sandbox dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, DataDir), 0o755); err != nil {
		return dir, err
	}
	if err := os.MkdirAll(filepath.Join(dir, OutputDir), 0o777); err != nil {
		return dir, err
	}
	if err := os.WriteFile(filepath.Join(dir, ScriptName), []byte(job.Code), 0o644); err != nil {
		return dir, fmt.Errorf("write script: %w", err)
	}
	for name, data := range job.Files {
		target := filepath.Join(dir, filepath.FromSlash(path.Clean(filepath.ToSlash(name))))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return dir, err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return dir, fmt.Errorf("write %s: %w", name, err)
		}
	}
	return dir, nil
}

// collectArtifacts reads every regular file under dir/output.
func collectArtifacts(dir string) (map[string][]byte, error) {
	root := filepath.Join(dir, OutputDir)
	out := map[string][]byte{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxArtifactBytes {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect artifacts: %w", err)
	}
	return out, nil
}

// errorText keeps the tail of stderr, which is where interpreters put the traceback.
func errorText(stderr string, exitCode int) string {
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	var kept []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		return fmt.Sprintf("exit status %d", exitCode)
	}
	if len(kept) > maxErrorLines {
		kept = kept[len(kept)-maxErrorLines:]
	}
	return strings.Join(kept, "\n")
}
