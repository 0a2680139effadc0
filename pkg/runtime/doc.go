/*
Package runtime wraps containerd's client API for the Runner's container
lifecycle: image pulls, OCI spec generation with CPU/memory/NUMA/GPU
constraints, bind mounts for the injected tunnel-client binary, and
lifecycle control (start, stop, pause, resume, delete, inspect).

Containers are created in a single containerd namespace and named by the
caller (pkg/runner) per the kohakuriver-task-{id} / kohakuriver-vps-{id}
convention; this package has no opinion on naming, only on how to turn a
ContainerSpec into a running containerd task.
*/
package runtime
