package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/registry"
	"github.com/kohakuriver/kohakuriver/pkg/scheduler"
	"github.com/kohakuriver/kohakuriver/pkg/tunnel"
	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/rs/zerolog"
)

// HeartbeatIntervalSeconds is advertised to every Runner on registration.
const HeartbeatIntervalSeconds = 10

// HostServer exposes the Host's external HTTP API (spec §6): node
// registration/heartbeat, task submission/query/control, Runner-reported
// status updates, and the forwarded-port WebSocket endpoint.
type HostServer struct {
	sched    *scheduler.Scheduler
	reg      *registry.Registry
	dialerOf func(node *types.Node, containerID string) tunnel.StreamDialer
	logger   zerolog.Logger
}

// NewHostServer builds a HostServer. dialerOf constructs the StreamDialer
// used to reach a given Runner/container for the forward endpoint,
// typically backed by a RunnerClient's StreamDialerFor.
func NewHostServer(sched *scheduler.Scheduler, reg *registry.Registry, dialerOf func(node *types.Node, containerID string) tunnel.StreamDialer) *HostServer {
	return &HostServer{
		sched:    sched,
		reg:      reg,
		dialerOf: dialerOf,
		logger:   log.WithComponent("host-api"),
	}
}

// Handler returns the routed, metrics-instrumented http.Handler.
func (s *HostServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /nodes/register", s.handleRegister)
	mux.HandleFunc("POST /nodes/{hostname}/heartbeat", s.handleHeartbeat)

	mux.HandleFunc("POST /tasks", s.handleSubmit)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /tasks/{id}/kill", s.handleKill)
	mux.HandleFunc("POST /tasks/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /tasks/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /tasks/{id}/status", s.handleStatusReport)
	mux.HandleFunc("POST /tasks/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /tasks/{id}/reject", s.handleReject)

	mux.HandleFunc("GET /forward/{task_id}/{port}", s.handleForward)

	return withMetrics(mux)
}

func (s *HostServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var info NodeInfo
	if !decodeJSON(w, r, &info) {
		return
	}
	node := &types.Node{Hostname: info.Hostname, Address: info.Address, Port: info.Port, Resources: info.Resources}
	if err := s.reg.Register(node); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeConfig{Hostname: node.Hostname, HeartbeatInterval: HeartbeatIntervalSeconds})
}

func (s *HostServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	hostname := r.PathValue("hostname")
	var util Utilization
	if !decodeJSON(w, r, &util) {
		return
	}
	if err := s.reg.Heartbeat(hostname, util.NodeUtilization); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *HostServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub TaskSubmission
	if !decodeJSON(w, r, &sub) {
		return
	}
	task := &types.Task{
		Type:          sub.Type,
		UserID:        sub.UserID,
		Request:       sub.Request,
		Image:         sub.Image,
		Command:       sub.Command,
		Env:           sub.Env,
		Target:        sub.Target,
		WantOverlayIP: sub.WantOverlayIP,
	}
	created, err := s.sched.Submit(task)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, TaskSubmissionResult{TaskID: created.ID, Status: created.Status})
}

func (s *HostServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	task, err := s.sched.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskView{Task: task})
}

func (s *HostServer) handleKill(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.sched.Kill)
}

func (s *HostServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.sched.Pause)
}

func (s *HostServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.sched.Resume)
}

func (s *HostServer) control(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, taskID int64) error) {
	id, err := pathTaskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	if err := op(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *HostServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	if err := s.sched.Approve(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *HostServer) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	if err := s.sched.Reject(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *HostServer) handleStatusReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	var update TaskStatusUpdate
	if !decodeJSON(w, r, &update) {
		return
	}
	if err := s.sched.ReportStatus(id, update.RunnerHostname, update.ExpectedCurrent, update.Next, update.ExitCode, update.Error); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ack{OK: true})
}

// handleForward upgrades the caller to a WebSocket and splices it with a
// stream opened into the task's container via the owning Runner, per
// Module L. One WS message carries one chunk of raw stream data — there is
// no tunnel framing on this leg, since the caller is a plain client, not
// another tunnel participant.
func (s *HostServer) handleForward(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil || port <= 0 || port > 65535 {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid port"})
		return
	}

	task, err := s.sched.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.NodeHostname == "" {
		writeJSON(w, http.StatusConflict, ErrorBody{Error: "task is not assigned to a runner"})
		return
	}
	node, err := s.reg.Get(task.NodeHostname)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := forwardUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("forward: websocket upgrade failed")
		return
	}
	defer conn.Close()

	containerID := containerNameFor(task)
	dial := s.dialerOf(node, containerID)
	stream, err := dial(r.Context(), tunnel.ProtoTCP, uint16(port))
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}
	defer stream.Close()

	spliceWSAndStream(conn, stream)
}

var forwardUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func pathTaskID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id: %w", err)
	}
	return id, nil
}
