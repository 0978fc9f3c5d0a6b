package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const containerWorkspace = "/workspace"

// DockerExecutor runs each job in a throwaway container with the workspace bind-mounted
// at /workspace and networking disabled unless the policy allows it.
type DockerExecutor struct {
	cli      *client.Client
	image    string
	baseDir  string
	enforcer *Enforcer
	logger   *log.Logger
}

// NewDockerExecutor connects to the Docker daemon described by the environment.
func NewDockerExecutor(image, baseDir string, enforcer *Enforcer, logger *log.Logger) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if p := enforcer.Policy(); p != nil && p.Image != "" {
		image = p.Image
	}
	return &DockerExecutor{cli: cli, image: image, baseDir: baseDir, enforcer: enforcer, logger: logger}, nil
}

func (d *DockerExecutor) Close() error {
	return d.cli.Close()
}

func (d *DockerExecutor) Execute(ctx context.Context, job Job) (Result, error) {
	if err := d.enforcer.Validate(&job); err != nil {
		return Result{}, err
	}
	dir, err := prepareWorkspace(d.baseDir, job)
	if dir != "" {
		defer os.RemoveAll(dir)
	}
	if err != nil {
		return Result{}, err
	}

	policy := d.enforcer.Policy()
	networkEnabled := policy != nil && policy.Network.Enabled
	containerConfig := &container.Config{
		Image:           d.image,
		Cmd:             []string{"python", ScriptName},
		WorkingDir:      containerWorkspace,
		Env:             []string{"MPLBACKEND=Agg", "PYTHONDONTWRITEBYTECODE=1", "HOME=/tmp"},
		NetworkDisabled: !networkEnabled,
	}
	hostConfig := &container.HostConfig{
		AutoRemove: false, // logs are read after exit
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: dir,
			Target: containerWorkspace,
		}},
	}
	if !networkEnabled {
		hostConfig.NetworkMode = container.NetworkMode("none")
	}
	if policy != nil {
		if policy.CPU > 0 {
			hostConfig.Resources.NanoCPUs = int64(policy.CPU * 1e9)
		}
		hostConfig.Resources.Memory = policy.MemoryBytes()
	}

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("create sandbox container: %w", err)
	}
	defer func() {
		// the job context may already be done
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.cli.ContainerRemove(rmCtx, resp.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			d.logger.Printf("[SANDBOX] warn: remove container %s: %v", resp.ID, err)
		}
	}()

	start := time.Now()
	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start sandbox container: %w", err)
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	statusCh, errCh := d.cli.ContainerWait(waitCtx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case err := <-errCh:
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res := d.collectLogs(resp.ID)
			res.TimedOut = true
			res.Duration = time.Since(start)
			res.Error = fmt.Sprintf("execution exceeded %s", job.Timeout)
			d.logger.Printf("[SANDBOX] warn: container %s timed out after %s", resp.ID, job.Timeout)
			return res, ErrTimeout
		}
		return Result{}, fmt.Errorf("wait for sandbox container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	res := d.collectLogs(resp.ID)
	res.Duration = time.Since(start)
	res.ExitCode = exitCode
	if exitCode != 0 {
		res.Error = errorText(res.Stderr, exitCode)
		return res, nil
	}
	res.Success = true
	artifacts, err := collectArtifacts(dir)
	if err != nil {
		d.logger.Printf("[SANDBOX] warn: %v", err)
	}
	res.Artifacts = artifacts
	return res, nil
}

func (d *DockerExecutor) collectLogs(id string) Result {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reader, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{Stderr: fmt.Sprintf("(failed to retrieve logs: %v)", err)}
	}
	defer reader.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		d.logger.Printf("[SANDBOX] warn: demultiplex logs for %s: %v", id, err)
	}
	return Result{Stdout: stdout.String(), Stderr: stderr.String()}
}
