package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"spectre.c2/internal/core/domain"
	"spectre.c2/internal/core/logger"
)

// DockerExecutor runs a job inside a throwaway container when the operator
// sets the container_image parameter. Useful for tooling the host does not
// carry.
type DockerExecutor struct {
	cli *client.Client
}

func NewDockerExecutor() (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerExecutor{cli: cli}, nil
}

func (d *DockerExecutor) Execute(ctx context.Context, job *domain.Job, imageName string) domain.JobResult {
	output, exit, err := d.run(ctx, imageName, job.Command)
	res := domain.JobResult{
		JobID:    job.ID,
		Status:   domain.JobStatusCompleted,
		Output:   truncate(output),
		ExitCode: &exit,
	}
	if err != nil {
		res.Status = domain.JobStatusFailed
		res.Error = err.Error()
	}
	return res
}

func (d *DockerExecutor) run(ctx context.Context, imageName, command string) (string, int, error) {
	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		logger.Warn("image pull failed, trying local image", "image", imageName, "error", err)
	} else {
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	if command == "" {
		command = "echo 'no command'"
	}
	cmd := []string{"/bin/sh", "-c", command}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      imageName,
		Entrypoint: cmd,
		Cmd:        nil,
		Tty:        true, // merge stdout/stderr
	}, nil, nil, nil, "")
	if err != nil {
		return "", 1, fmt.Errorf("failed to create container: %w", err)
	}

	containerID := resp.ID
	defer d.cleanup(context.Background(), containerID)

	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", 1, fmt.Errorf("failed to start container: %w", err)
	}

	var out strings.Builder
	logsDone := make(chan struct{})
	logs, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		close(logsDone)
		logger.Warn("container log stream failed", "error", err)
	} else {
		go func() {
			defer close(logsDone)
			defer logs.Close()
			scanner := bufio.NewScanner(logs)
			for scanner.Scan() {
				out.WriteString(scanner.Text())
				out.WriteByte('\n')
			}
		}()
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return out.String(), 1, fmt.Errorf("error waiting for container: %w", err)
		}
	case status := <-statusCh:
		<-logsDone
		exit := int(status.StatusCode)
		if exit != 0 {
			return out.String(), exit, fmt.Errorf("container exited with code %d", exit)
		}
		return out.String(), 0, nil
	}

	<-logsDone
	return out.String(), 0, nil
}

func (d *DockerExecutor) cleanup(ctx context.Context, containerID string) {
	d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}
