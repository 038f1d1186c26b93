package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"

	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
	"github.com/hochfrequenz/variation-orchestrator/internal/executor"
	"github.com/hochfrequenz/variation-orchestrator/internal/sink"
)

// Container labels
const (
	LabelRun       = "varorch.run"
	LabelVariation = "varorch.variation"
)

// DockerOptions configures the docker backend
type DockerOptions struct {
	Image   string // Image with the agent CLIs installed
	Network string
	// SkipPermissions is passed to providers that support it
	SkipPermissions bool
	Logger          *slog.Logger
}

// Docker runs each job in its own container. Output is collected from the
// container logs once the container has exited. A container still running past
// its timeout is stopped on the next status poll.
type Docker struct {
	client *client.Client
	opts   DockerOptions
	sink   sink.OutputSink
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*dockerJob
}

type dockerJob struct {
	runID     string
	name      string
	provider  executor.Provider
	timeout   time.Duration
	deadline  time.Time
	collected bool
	phase     domain.JobPhase // final phase, set once the logs were collected
}

// NewDocker connects to the docker daemon from the environment
func NewDocker(ctx context.Context, opts DockerOptions, out sink.OutputSink) (*Docker, error) {
	if opts.Image == "" {
		return nil, &domain.ConfigurationError{Field: "backend.image", Message: "docker backend needs an image"}
	}
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx, client.PingOptions{}); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{
		client: cli,
		opts:   opts,
		sink:   out,
		logger: logger,
		jobs:   make(map[string]*dockerJob),
	}, nil
}

// Close closes the docker client
func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) CreateJob(ctx context.Context, runID string, index int, spec WorkloadSpec) (JobHandle, error) {
	provider, err := executor.NewProvider(spec.Provider, "")
	if err != nil {
		return JobHandle{}, err
	}
	name := domain.JobName(runID, index)

	env := envList(spec.Credentials)
	if spec.SourceRef != "" {
		env = append(env, "VARORCH_SOURCE_REF="+spec.SourceRef)
	}

	opts := client.ContainerCreateOptions{
		Name:  name,
		Image: d.opts.Image,
		Config: &container.Config{
			Cmd: provider.BuildCommand(spec.Prompt, executor.InvocationContext{
				Model:           spec.Model,
				SessionID:       spec.SessionID,
				SkipPermissions: d.opts.SkipPermissions,
			}),
			Env: env,
			// A TTY gives an unmultiplexed log stream
			Tty:          true,
			AttachStdout: true,
			AttachStderr: true,
			Labels: map[string]string{
				LabelRun:       runID,
				LabelVariation: strconv.Itoa(index),
			},
		},
		HostConfig: &container.HostConfig{},
	}
	if d.opts.Network != "" {
		opts.HostConfig.NetworkMode = container.NetworkMode(d.opts.Network)
	}

	result, err := d.client.ContainerCreate(ctx, opts)
	if err != nil {
		return JobHandle{}, fmt.Errorf("failed to create container: %w", err)
	}
	if _, err := d.client.ContainerStart(ctx, result.ID, client.ContainerStartOptions{}); err != nil {
		d.client.ContainerRemove(context.WithoutCancel(ctx), result.ID, client.ContainerRemoveOptions{Force: true})
		return JobHandle{}, fmt.Errorf("failed to start container: %w", err)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultAgentTimeout
	}
	d.mu.Lock()
	d.jobs[result.ID] = &dockerJob{
		runID:    runID,
		name:     name,
		provider: provider,
		timeout:  timeout,
		deadline: time.Now().Add(timeout),
	}
	d.mu.Unlock()

	d.logger.InfoContext(ctx, "container started",
		slog.String("job_id", name), slog.String("container", shortID(result.ID)))
	return JobHandle{ID: result.ID, Name: name}, nil
}

func (d *Docker) GetJobStatus(ctx context.Context, h JobHandle) (domain.JobPhase, error) {
	d.mu.Lock()
	j, tracked := d.jobs[h.ID]
	if tracked && j.phase.IsTerminal() {
		phase := j.phase
		d.mu.Unlock()
		return phase, nil
	}
	d.mu.Unlock()

	result, err := d.client.ContainerInspect(ctx, h.ID, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%s: %w", h.Name, ErrJobNotFound)
		}
		return "", err
	}

	state := result.Container.State
	if state == nil {
		return domain.JobRunning, nil
	}
	status, exitCode := string(state.Status), state.ExitCode
	if !tracked {
		return containerPhase(status, exitCode), nil
	}

	timedOut := false
	if !containerPhase(status, exitCode).IsTerminal() {
		if time.Now().Before(j.deadline) {
			return domain.JobRunning, nil
		}
		d.logger.WarnContext(ctx, "container timed out, stopping",
			slog.String("job_id", j.name), slog.Duration("timeout", j.timeout))
		kill := 0
		if _, err := d.client.ContainerStop(ctx, h.ID, client.ContainerStopOptions{Timeout: &kill}); err != nil {
			return "", fmt.Errorf("stopping timed out container: %w", err)
		}
		timedOut = true
	}
	return d.collect(ctx, h, j, status, exitCode, timedOut), nil
}

// containerPhase maps a container state to a job phase
func containerPhase(status string, exitCode int) domain.JobPhase {
	switch status {
	case "exited":
		if exitCode == 0 {
			return domain.JobSucceeded
		}
		return domain.JobFailed
	case "dead", "removing":
		return domain.JobFailed
	default:
		// created, running, paused, restarting
		return domain.JobRunning
	}
}

// finalPhase applies the agent exit contract to a finished container: a
// non-zero exit that still produced output counts as success.
func finalPhase(status string, exitCode int, out string, parseErr error, timedOut bool) domain.JobPhase {
	switch {
	case timedOut, parseErr != nil, status != "exited":
		return domain.JobFailed
	case exitCode == 0, out != "":
		return domain.JobSucceeded
	default:
		return domain.JobFailed
	}
}

// collect parses the container logs into chunks once per job and records the final phase
func (d *Docker) collect(ctx context.Context, h JobHandle, j *dockerJob, status string, exitCode int, timedOut bool) domain.JobPhase {
	d.mu.Lock()
	if j.collected {
		phase := j.phase
		d.mu.Unlock()
		if phase == "" {
			return domain.JobRunning
		}
		return phase
	}
	j.collected = true
	d.mu.Unlock()

	write := func(ct domain.ContentType, content string) {
		if _, err := d.sink.Write(ctx, domain.OutputChunk{
			RunID:       j.runID,
			VariationID: j.name,
			Content:     content,
			ContentType: ct,
			Timestamp:   time.Now(),
		}); err != nil {
			d.logger.WarnContext(ctx, "chunk write failed", slog.String("job_id", j.name), slog.Any("error", err))
		}
	}

	var (
		out  string
		perr error
	)
	logs, err := d.client.ContainerLogs(ctx, h.ID, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		perr = fmt.Errorf("reading container logs: %w", err)
	} else {
		out, perr = executor.ParseStream(logs, j.provider, func(f executor.Fragment) {
			write(f.Type, f.Text)
		})
		logs.Close()
	}

	phase := finalPhase(status, exitCode, out, perr, timedOut)
	switch {
	case timedOut:
		write(domain.ContentError, (&domain.TimeoutError{Provider: j.provider.Name(), Bound: j.timeout, Deadline: "container"}).Error())
	case perr != nil:
		write(domain.ContentError, perr.Error())
	case phase == domain.JobFailed:
		write(domain.ContentError, (&domain.ProviderError{Provider: j.provider.Name(), ExitCode: exitCode}).Error())
	case exitCode != 0:
		d.logger.WarnContext(ctx, "container exited non-zero, keeping partial output",
			slog.String("job_id", j.name), slog.Int("exit_code", exitCode))
	}
	if timedOut {
		write(domain.ContentSummary, fmt.Sprintf("container %s stopped after %s", shortID(h.ID), j.timeout))
	} else {
		write(domain.ContentSummary, fmt.Sprintf("container %s %s with exit code %d", shortID(h.ID), phase, exitCode))
	}

	d.mu.Lock()
	j.phase = phase
	d.mu.Unlock()
	return phase
}

// DeleteJob force-removes the container
func (d *Docker) DeleteJob(ctx context.Context, h JobHandle) (bool, error) {
	_, err := d.client.ContainerRemove(ctx, h.ID, client.ContainerRemoveOptions{Force: true})

	d.mu.Lock()
	delete(d.jobs, h.ID)
	d.mu.Unlock()

	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
