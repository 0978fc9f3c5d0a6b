package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"time"
)

// ProcessExecutor runs scripts as a local interpreter subprocess inside a temporary directory.
// It is intended for development and tests; production deployments use DockerExecutor.
type ProcessExecutor struct {
	Interpreter string
	BaseDir     string
	enforcer    *Enforcer
	logger      *log.Logger
}

func NewProcessExecutor(interpreter, baseDir string, enforcer *Enforcer, logger *log.Logger) *ProcessExecutor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if interpreter == "" {
		interpreter = "python3"
	}
	return &ProcessExecutor{Interpreter: interpreter, BaseDir: baseDir, enforcer: enforcer, logger: logger}
}

func (p *ProcessExecutor) Execute(ctx context.Context, job Job) (Result, error) {
	if err := p.enforcer.Validate(&job); err != nil {
		return Result{}, err
	}
	dir, err := prepareWorkspace(p.BaseDir, job)
	if dir != "" {
		defer os.RemoveAll(dir)
	}
	if err != nil {
		return Result{}, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, p.Interpreter, ScriptName)
	cmd.Dir = dir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"MPLBACKEND=Agg",
		"PYTHONDONTWRITEBYTECODE=1",
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		res.Error = fmt.Sprintf("execution exceeded %s", job.Timeout)
		p.logger.Printf("[SANDBOX] warn: process run timed out after %s", job.Timeout)
		return res, ErrTimeout
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Error = errorText(res.Stderr, res.ExitCode)
			return res, nil
		}
		return res, fmt.Errorf("start interpreter: %w", runErr)
	}

	res.Success = true
	artifacts, err := collectArtifacts(dir)
	if err != nil {
		p.logger.Printf("[SANDBOX] warn: %v", err)
	}
	res.Artifacts = artifacts
	return res, nil
}
