package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/runner"
	"github.com/kohakuriver/kohakuriver/pkg/runtime"
	"github.com/kohakuriver/kohakuriver/pkg/tunnel"
	"github.com/rs/zerolog"
)

// RunnerServer exposes the Runner's HTTP API (spec §6): task/vps dispatch
// and control from the Host, image inventory/sync, container-side tunnel
// registration, and the forwarded-stream endpoint the Host's forward
// handler dials into.
type RunnerServer struct {
	exec   *runner.Executor
	rt     *runtime.Runtime
	tunnel *tunnel.Server
	logger zerolog.Logger
}

// NewRunnerServer builds a RunnerServer.
func NewRunnerServer(exec *runner.Executor, rt *runtime.Runtime, tunnelServer *tunnel.Server) *RunnerServer {
	return &RunnerServer{
		exec:   exec,
		rt:     rt,
		tunnel: tunnelServer,
		logger: log.WithComponent("runner-api"),
	}
}

// Handler returns the routed, metrics-instrumented http.Handler.
func (s *RunnerServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// /vps/{action}/{id} is used for every task type's lifecycle control,
	// command included — the naming follows the source's vps-centric
	// mixin, but Executor.Kill/Pause/Resume don't distinguish task type.
	mux.HandleFunc("POST /tasks", s.handleDispatch)
	mux.HandleFunc("POST /vps/create/{id}", s.handleDispatch)
	mux.HandleFunc("POST /vps/stop/{id}", s.handleStop)
	mux.HandleFunc("POST /vps/pause/{id}", s.handlePause)
	mux.HandleFunc("POST /vps/resume/{id}", s.handleResume)

	mux.HandleFunc("GET /docker/images", s.handleListImages)
	mux.HandleFunc("POST /docker/sync/{name}", s.handleSyncImage)

	mux.HandleFunc("GET /tunnel/{container_id}", s.handleTunnelRegister)
	mux.HandleFunc("GET /forward/{container_id}/{port}", s.handleForward)

	return withMetrics(mux)
}

func (s *RunnerServer) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var dispatch TaskDispatch
	if !decodeJSON(w, r, &dispatch) {
		return
	}
	if dispatch.Task == nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "missing task"})
		return
	}
	if err := s.exec.Dispatch(r.Context(), dispatch.Task, dispatch.TunnelClientHostPath); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *RunnerServer) handleStop(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	if err := s.exec.Kill(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *RunnerServer) handlePause(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	if err := s.exec.Pause(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *RunnerServer) handleResume(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	if err := s.exec.Resume(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *RunnerServer) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.rt.ListImages(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, images)
}

func (s *RunnerServer) handleSyncImage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.rt.SyncImage(r.Context(), name); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Ack{OK: true})
}

// handleTunnelRegister is the in-container Client's registration endpoint
// (Module K dials this); it hands the upgraded connection to tunnel.Server
// and blocks for the lifetime of the container's tunnel session.
func (s *RunnerServer) handleTunnelRegister(w http.ResponseWriter, r *http.Request) {
	containerID := r.PathValue("container_id")
	if err := s.tunnel.ServeContainerTunnel(w, r, containerID); err != nil {
		s.logger.Warn().Err(err).Str("container_id", containerID).Msg("tunnel registration failed")
	}
}

// handleForward is what the Host's forward client WS-dials: it opens a TCP
// stream into containerID's tunnel for port and splices it onto the
// caller's WebSocket, byte for byte.
func (s *RunnerServer) handleForward(w http.ResponseWriter, r *http.Request) {
	containerID := r.PathValue("container_id")
	port, err := parsePort(r.PathValue("port"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid port"})
		return
	}

	conn, err := forwardUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("forward: websocket upgrade failed")
		return
	}
	defer conn.Close()

	stream, err := s.tunnel.OpenStream(r.Context(), containerID, tunnel.ProtoTCP, port)
	if err != nil {
		s.logger.Warn().Err(err).Str("container_id", containerID).Uint16("port", port).Msg("forward: open stream failed")
		return
	}
	defer stream.Close()

	spliceWSAndStream(conn, stream)
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(port), nil
}
