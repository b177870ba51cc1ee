// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package actions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"etlflow/pkg/dag"
)

// Labels set on every container the action creates
const (
	LabelRunID = "etlflow.run_id"
	LabelTask  = "etlflow.task"
)

// ContainerAPI is the part of the Docker client the container action uses.
type ContainerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// NewDockerClient connects to the daemon configured in the environment.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return cli, nil
}

// ContainerAction runs a one-shot container and waits for it to exit.
// The task context is passed as ETLFLOW_* environment variables; trimmed
// stdout becomes the task output. The container is always removed.
type ContainerAction struct {
	Runtime ContainerAPI
	Image   string
	Cmd     []string
	Env     map[string]string
	Pull    bool
}

// ContainerExitError reports a non-zero container exit.
type ContainerExitError struct {
	Image  string
	Code   int64
	Stderr string
}

func (e *ContainerExitError) Error() string {
	msg := fmt.Sprintf("container %s exited with status %d", e.Image, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Execute creates, starts and waits for the container.
func (a *ContainerAction) Execute(ctx context.Context, tc dag.TaskContext) (dag.Output, error) {
	if a.Pull {
		rc, err := a.Runtime.ImagePull(ctx, a.Image, image.PullOptions{})
		if err != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", a.Image, err)
		}
		_, _ = io.Copy(io.Discard, rc)
		rc.Close()
	}

	env := contextEnv(tc)
	keys := make([]string, 0, len(a.Env))
	for k := range a.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+a.Env[k])
	}

	created, err := a.Runtime.ContainerCreate(ctx, &container.Config{
		Image: a.Image,
		Cmd:   a.Cmd,
		Env:   env,
		Labels: map[string]string{
			LabelRunID: tc.RunID,
			LabelTask:  tc.Task,
		},
	}, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container from %s: %w", a.Image, err)
	}
	defer func() {
		// removal must happen even when ctx was cancelled
		_ = a.Runtime.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		})
	}()

	if err := a.Runtime.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", created.ID, err)
	}

	statusCh, errCh := a.Runtime.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var code int64
	select {
	case err := <-errCh:
		return "", fmt.Errorf("failed waiting for container %s: %w", created.ID, err)
	case st := <-statusCh:
		if st.Error != nil {
			return "", fmt.Errorf("container %s: %s", created.ID, st.Error.Message)
		}
		code = st.StatusCode
	}

	stdout, stderr, err := a.logs(ctx, created.ID)
	if err != nil {
		return "", err
	}

	switch code {
	case 0:
		return dag.Output(strings.TrimSpace(stdout)), nil
	case SkipExitCode:
		return "", fmt.Errorf("%w: container %s exited with %d", dag.ErrSkip, a.Image, code)
	default:
		return "", &ContainerExitError{Image: a.Image, Code: code, Stderr: tail(strings.TrimSpace(stderr), 512)}
	}
}

func (a *ContainerAction) logs(ctx context.Context, id string) (string, string, error) {
	rc, err := a.Runtime.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("failed to get logs for container %s: %w", id, err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", "", fmt.Errorf("failed to read logs for container %s: %w", id, err)
	}
	return stdout.String(), stderr.String(), nil
}
