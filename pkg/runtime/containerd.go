package runtime

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// Namespace is the containerd namespace every kohakuriver container lives in.
	Namespace = "kohakuriver"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerState mirrors the coarse lifecycle state containerd reports for
// a task's init process.
type ContainerState string

const (
	StateRunning ContainerState = "running"
	StateStopped ContainerState = "stopped"
	StatePaused  ContainerState = "paused"
	StateUnknown ContainerState = "unknown"
)

// Mount is a bind mount to add to a container's spec, e.g. the read-only
// tunnel-client binary injection.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// ContainerSpec describes everything Runtime needs to create and launch one
// container for a task. It intentionally carries no scheduling concepts
// (task id, status) — those belong to pkg/runner and pkg/types.
type ContainerSpec struct {
	ID          string // containerd container id == the kohakuriver-{task|vps}-{id} name
	Image       string
	Env         map[string]string
	Command     []string // full argv including the binary; empty uses the image's entrypoint
	CPUCores    int      // 0 means unconstrained
	MemoryBytes int64    // 0 means unconstrained
	CPUSet      []int    // non-empty pins the container to exactly these host cores (NUMA placement)
	GPUIndices  []int    // /dev/nvidia{N} device nodes to pass through
	Mounts       []Mount
	PortMappings []PortMapping // vps tasks: published host<->container port pairs
	StdoutPath   string        // command tasks: init process stdout and stderr both go to this file; empty attaches them to the Runner's own stdio
	StderrPath   string        // not read by Runtime; stderr follows StdoutPath
}

// PortMapping is one published host port, consumed by the CNI/ports
// integration the surrounding deployment wires in; Runtime only records it
// on the spec for that integration to act on, since raw containerd has no
// built-in NAT layer the way dockerd does.
type PortMapping struct {
	HostPort      int
	ContainerPort int
	Protocol      string // "tcp" or "udp"
}

// Runtime is the Runner's containerd client: image pulls, container
// create/start/stop/delete, and status inspection, all scoped to Namespace.
type Runtime struct {
	client *containerd.Client
}

// New connects to the containerd socket at socketPath (DefaultSocketPath if
// empty).
func New(socketPath string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect containerd: %w", err)
	}
	return &Runtime{client: client}, nil
}

// Close closes the containerd client connection.
func (r *Runtime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Runtime) ns(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

// PullImage pulls and unpacks imageRef if it is not already present locally.
// Distribution of the underlying tarball across the cluster is out of
// scope here (delegated, per spec §1); this only talks to the local
// containerd content store.
func (r *Runtime) PullImage(ctx context.Context, imageRef string) error {
	ctx = r.ns(ctx)
	_, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("runtime: pull image %s: %w", imageRef, err)
	}
	return nil
}

// CreateAndStart creates a container from spec and starts its init process,
// returning once the process has been launched (not once it has exited).
func (r *Runtime) CreateAndStart(ctx context.Context, spec ContainerSpec) error {
	ctx = r.ns(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return fmt.Errorf("runtime: get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{oci.WithImageConfig(image)}
	if len(spec.Env) > 0 {
		opts = append(opts, oci.WithEnv(envSlice(spec.Env)))
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}

	if spec.CPUCores > 0 {
		shares := uint64(spec.CPUCores * 1024)
		quota := int64(spec.CPUCores * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if len(spec.CPUSet) > 0 {
		opts = append(opts, oci.WithCPUs(cpuSetString(spec.CPUSet)))
	}
	if spec.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryBytes)))
	}
	if len(spec.GPUIndices) > 0 {
		opts = append(opts, withGPUDevices(spec.GPUIndices))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(toOCIMounts(spec.Mounts)))
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("runtime: create container %s: %w", spec.ID, err)
	}

	creator := cio.NewCreator(cio.WithStdio)
	if spec.StdoutPath != "" {
		// containerd's FIFO-backed cio has no native split-file log
		// redirection; LogFile multiplexes both streams into one file, so
		// StderrPath is not consulted (the executor records the same
		// per-task log path as the task's StdoutPath and StderrPath).
		creator = cio.LogFile(spec.StdoutPath)
	}

	task, err := container.NewTask(ctx, creator)
	if err != nil {
		return fmt.Errorf("runtime: create task for %s: %w", spec.ID, err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("runtime: start task for %s: %w", spec.ID, err)
	}
	return nil
}

// Wait blocks until containerID's init process exits and returns its exit
// code. Intended to be run in the caller's own supervisory goroutine.
func (r *Runtime) Wait(ctx context.Context, containerID string) (int, error) {
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return -1, fmt.Errorf("runtime: load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return -1, fmt.Errorf("runtime: get task for %s: %w", containerID, err)
	}
	statusC, err := task.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("runtime: wait on %s: %w", containerID, err)
	}
	status := <-statusC
	return int(status.ExitCode()), status.Error()
}

// Stop sends SIGTERM and, if the process has not exited within timeout,
// SIGKILL, then deletes the task (but not the container or its snapshot —
// callers that also want those gone call Delete).
func (r *Runtime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("runtime: load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // no task: already stopped
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("runtime: sigterm %s: %w", containerID, err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("runtime: wait %s: %w", containerID, err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("runtime: sigkill %s: %w", containerID, err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("runtime: delete task %s: %w", containerID, err)
	}
	return nil
}

// Pause suspends containerID's processes via the cgroup freezer, used for
// vps tasks.
func (r *Runtime) Pause(ctx context.Context, containerID string) error {
	ctx = r.ns(ctx)
	task, err := r.loadTask(ctx, containerID)
	if err != nil {
		return err
	}
	if err := task.Pause(ctx); err != nil {
		return fmt.Errorf("runtime: pause %s: %w", containerID, err)
	}
	return nil
}

// Resume unfreezes a previously paused container.
func (r *Runtime) Resume(ctx context.Context, containerID string) error {
	ctx = r.ns(ctx)
	task, err := r.loadTask(ctx, containerID)
	if err != nil {
		return err
	}
	if err := task.Resume(ctx); err != nil {
		return fmt.Errorf("runtime: resume %s: %w", containerID, err)
	}
	return nil
}

// Delete removes containerID's container and snapshot. It stops the task
// first if still running.
func (r *Runtime) Delete(ctx context.Context, containerID string) error {
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil // already gone
	}
	_ = r.Stop(ctx, containerID, 10*time.Second)
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("runtime: delete container %s: %w", containerID, err)
	}
	return nil
}

// Status reports containerID's current lifecycle state and, if stopped,
// its exit code.
func (r *Runtime) Status(ctx context.Context, containerID string) (ContainerState, int, error) {
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return StateUnknown, 0, fmt.Errorf("runtime: load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return StateStopped, 0, nil // no task: container exists but never started, or already reaped
	}
	status, err := task.Status(ctx)
	if err != nil {
		return StateUnknown, 0, fmt.Errorf("runtime: status %s: %w", containerID, err)
	}
	switch status.Status {
	case containerd.Running:
		return StateRunning, 0, nil
	case containerd.Paused:
		return StatePaused, 0, nil
	case containerd.Stopped:
		return StateStopped, int(status.ExitStatus), nil
	default:
		return StateUnknown, 0, nil
	}
}

// ListContainers returns the ids of every container currently known to
// containerd in Namespace, live or stopped.
func (r *Runtime) ListContainers(ctx context.Context) ([]string, error) {
	ctx = r.ns(ctx)
	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtime: list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

// ListImages returns the refs of every image present in the local content
// store. Cluster-wide distribution of the underlying tarballs is delegated
// (per spec §1); this only reports what this Runner already has.
func (r *Runtime) ListImages(ctx context.Context) ([]string, error) {
	ctx = r.ns(ctx)
	images, err := r.client.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtime: list images: %w", err)
	}
	refs := make([]string, 0, len(images))
	for _, img := range images {
		refs = append(refs, img.Name())
	}
	return refs, nil
}

// SyncImage re-pulls imageRef, refreshing the local copy to whatever the
// registry currently serves under that tag.
func (r *Runtime) SyncImage(ctx context.Context, imageRef string) error {
	return r.PullImage(ctx, imageRef)
}

func (r *Runtime) loadTask(ctx context.Context, containerID string) (containerd.Task, error) {
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("runtime: load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("runtime: get task for %s: %w", containerID, err)
	}
	return task, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func toOCIMounts(mounts []Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		options := []string{"bind"}
		if m.ReadOnly {
			options = append(options, "ro")
		}
		out = append(out, specs.Mount{
			Source:      m.Source,
			Destination: m.Destination,
			Type:        "bind",
			Options:     options,
		})
	}
	return out
}

func cpuSetString(cores []int) string {
	s := ""
	for i, c := range cores {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d", c)
	}
	return s
}

// withGPUDevices adds a host /dev/nvidia{N} character device node for each
// requested index plus the control devices every CUDA process needs, and
// allows them in the cgroup device list. This mirrors what the NVIDIA
// container runtime's prestart hook does, done inline since no such hook
// is assumed to be installed here.
func withGPUDevices(indices []int) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		add := func(path string, major, minor int64) {
			s.Linux.Devices = append(s.Linux.Devices, specs.LinuxDevice{
				Path: path, Type: "c", Major: major, Minor: minor,
			})
			if s.Linux.Resources == nil {
				s.Linux.Resources = &specs.LinuxResources{}
			}
			s.Linux.Resources.Devices = append(s.Linux.Resources.Devices, specs.LinuxDeviceCgroup{
				Allow: true, Type: "c", Major: &major, Minor: &minor, Access: "rwm",
			})
		}
		add("/dev/nvidiactl", 195, 255)
		add("/dev/nvidia-uvm", 243, 0)
		for _, idx := range indices {
			add(fmt.Sprintf("/dev/nvidia%d", idx), 195, int64(idx))
		}
		return nil
	}
}
