// Package docker implements sandbox.Driver on top of the Docker engine.
//
// Sandboxes are kept alive with a long-running no-op command so they can
// sit paused in the WarmPool; the task command itself is run via exec once
// a sandbox is checked out and unpaused.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"

	"github.com/nanogrid/faas-worker/internal/sandbox"
)

const (
	// ManagedLabel tags every container this driver creates, so a
	// restarted worker can sweep up containers an earlier crashed process
	// left running.
	ManagedLabel = "faas.worker.managed"

	// warmEntrypoint keeps a sandbox alive without doing real work while
	// it waits, paused, in the warm pool.
	warmEntrypoint = "tail"
)

var warmArgs = []string{"-f", "/dev/null"}

// Driver implements sandbox.Driver against a local or remote Docker
// daemon.
type Driver struct {
	cli *client.Client
}

// New connects to the Docker daemon named by the standard DOCKER_HOST /
// DOCKER_* environment variables and sweeps up any containers left behind
// by a previous crashed worker process.
func New() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: create client: %w", err)
	}

	d := &Driver{cli: cli}
	go d.cleanupOrphans()

	return d, nil
}

// Healthy pings the daemon.
func (d *Driver) Healthy(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// Close releases the underlying Docker client.
func (d *Driver) Close() error {
	return d.cli.Close()
}

func (d *Driver) cleanupOrphans() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("sweeping orphaned sandbox containers from a prior run")
	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to list orphaned containers")
		return
	}

	removed := 0
	for _, c := range list {
		if err := d.cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warn().Str("id", c.ID).Err(err).Msg("failed to remove orphan")
			continue
		}
		removed++
	}
	log.Info().Int("count", removed).Msg("orphan sweep complete")
}

// Create provisions a new container running the warm keep-alive command,
// with networking disabled, the given memory/CPU limits, and the given
// bind mounts.
func (d *Driver) Create(ctx context.Context, image string, mounts []sandbox.Mount, limits sandbox.Limits) (sandbox.Handle, error) {
	nanoCPUs := int64(limits.CPUCores * 1e9)
	memoryBytes := int64(limits.MemoryMB) * 1024 * 1024

	var dockerMounts []mount.Mount
	for _, m := range mounts {
		dockerMounts = append(dockerMounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}
	dockerMounts = append(dockerMounts,
		mount.Mount{Type: mount.TypeTmpfs, Target: "/tmp"},
		mount.Mount{Type: mount.TypeTmpfs, Target: "/output"},
	)

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memoryBytes,
		},
		Mounts:      dockerMounts,
		NetworkMode: "none",
	}

	if err := d.ensureImage(ctx, image); err != nil {
		return sandbox.Handle{}, sandbox.Unavailable("create", err)
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  image,
			Cmd:    append([]string{warmEntrypoint}, warmArgs...),
			Labels: map[string]string{ManagedLabel: "true"},
			User:   "65534:65534", // nobody:nogroup — non-root effective user
		},
		hostConfig, nil, nil, "",
	)
	if err != nil {
		return sandbox.Handle{}, classifyErr("create", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return sandbox.Handle{}, classifyErr("start", err)
	}

	return sandbox.Handle{ID: resp.ID, CreatedAt: time.Now()}, nil
}

func (d *Driver) ensureImage(ctx context.Context, image string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return err
	}

	log.Info().Str("image", image).Msg("image not found locally, pulling")
	reader, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Pause freezes the container's processes.
func (d *Driver) Pause(ctx context.Context, h sandbox.Handle) error {
	if err := d.cli.ContainerPause(ctx, h.ID); err != nil {
		return classifyErr("pause", err)
	}
	return nil
}

// Unpause resumes the container's processes.
func (d *Driver) Unpause(ctx context.Context, h sandbox.Handle) error {
	if err := d.cli.ContainerUnpause(ctx, h.ID); err != nil {
		return classifyErr("unpause", err)
	}
	return nil
}

// Exec runs argv inside the container via ContainerExecCreate/Attach,
// demultiplexing the Docker stream framing itself so the caller gets clean
// stdout/stderr strings.
func (d *Driver) Exec(ctx context.Context, h sandbox.Handle, argv []string, env map[string]string, cwd string) (sandbox.ExecResult, error) {
	if len(argv) == 0 {
		return sandbox.ExecResult{}, nil
	}

	var envList []string
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	execCfg := types.ExecConfig{
		Cmd:          argv,
		Env:          envList,
		WorkingDir:   cwd,
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := d.cli.ContainerExecCreate(ctx, h.ID, execCfg)
	if err != nil {
		return sandbox.ExecResult{}, classifyErr("exec_create", err)
	}

	resp, err := d.cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return sandbox.ExecResult{}, classifyErr("exec_attach", err)
	}
	defer resp.Close()

	stdout, stderr, err := demux(resp.Reader)
	if err != nil && ctx.Err() == nil {
		return sandbox.ExecResult{}, classifyErr("exec_stream", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return sandbox.ExecResult{}, classifyErr("exec_inspect", err)
	}

	return sandbox.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// demux splits Docker's multiplexed exec stream (an 8-byte header per
// frame: stream type, 3 reserved bytes, big-endian uint32 size) into
// separate stdout/stderr buffers.
func demux(r io.Reader) (stdout, stderr *bytes.Buffer, err error) {
	stdout, stderr = &bytes.Buffer{}, &bytes.Buffer{}
	header := make([]byte, 8)
	for {
		if _, err = io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				err = nil
			}
			return stdout, stderr, err
		}
		size := int64(header[4])<<24 | int64(header[5])<<16 | int64(header[6])<<8 | int64(header[7])
		switch header[0] {
		case 2:
			_, err = io.CopyN(stderr, r, size)
		default:
			_, err = io.CopyN(stdout, r, size)
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			return stdout, stderr, err
		}
	}
}

// Stop asks the container to stop, giving it grace before Docker sends
// SIGKILL itself.
func (d *Driver) Stop(ctx context.Context, h sandbox.Handle, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return sandbox.NotFound("stop", err)
		}
		return classifyErr("stop", err)
	}
	return nil
}

// Kill sends SIGKILL immediately.
func (d *Driver) Kill(ctx context.Context, h sandbox.Handle) error {
	if err := d.cli.ContainerKill(ctx, h.ID, "SIGKILL"); err != nil {
		if client.IsErrNotFound(err) {
			return sandbox.NotFound("kill", err)
		}
		return classifyErr("kill", err)
	}
	return nil
}

// Remove force-removes the container, reclaiming its resources. This is
// always called on every Executor exit path — a sandbox that has run user
// code is never reused (spec.md §3 invariant 2).
func (d *Driver) Remove(ctx context.Context, h sandbox.Handle, force bool) error {
	if err := d.cli.ContainerRemove(ctx, h.ID, types.ContainerRemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil // already gone; Remove is idempotent
		}
		return classifyErr("remove", err)
	}
	return nil
}

// SampleMemory reads the container's cgroup v2 memory.current file
// directly — the low-latency path spec.md §4.1 prefers over the Docker
// stats API — falling back to ContainerStats when the cgroup file cannot
// be read (cgroup v1 host, permission denied, non-Linux daemon host).
func (d *Driver) SampleMemory(ctx context.Context, h sandbox.Handle) (int64, error) {
	if bytes, err := readCgroupMemoryCurrent(h.ID); err == nil {
		return bytes, nil
	}
	return d.sampleMemoryViaStatsAPI(ctx, h)
}

func readCgroupMemoryCurrent(containerID string) (int64, error) {
	for _, path := range cgroupMemoryCandidates(containerID) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			continue
		}
		return v, nil
	}
	return 0, fmt.Errorf("docker: no readable cgroup memory file for %s", containerID)
}

// cgroupMemoryCandidates enumerates the cgroup v2 paths a containerd/Docker
// managed container's memory.current file is typically mounted at,
// covering both cgroupfs and systemd cgroup drivers.
func cgroupMemoryCandidates(containerID string) []string {
	return []string{
		"/sys/fs/cgroup/system.slice/docker-" + containerID + ".scope/memory.current",
		"/sys/fs/cgroup/docker/" + containerID + "/memory.current",
	}
}

func (d *Driver) sampleMemoryViaStatsAPI(ctx context.Context, h sandbox.Handle) (int64, error) {
	stats, err := d.cli.ContainerStatsOneShot(ctx, h.ID)
	if err != nil {
		return 0, classifyErr("sample_memory", err)
	}
	defer stats.Body.Close()

	var v types.StatsJSON
	if err := json.NewDecoder(stats.Body).Decode(&v); err != nil {
		return 0, classifyErr("sample_memory", err)
	}
	return int64(v.MemoryStats.Usage), nil
}

func classifyErr(op string, err error) *sandbox.Error {
	if client.IsErrNotFound(err) {
		return sandbox.NotFound(op, err)
	}
	if client.IsErrConnectionFailed(err) || isTimeoutErr(err) {
		return sandbox.Transient(op, err)
	}
	return sandbox.Unavailable(op, err)
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}
