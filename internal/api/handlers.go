package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/taskmesh/taskmesh/internal/approval"
	"github.com/taskmesh/taskmesh/internal/breaker"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/contracts"
	"github.com/taskmesh/taskmesh/internal/eventlog"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/scheduler"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/internal/validator"
	"github.com/taskmesh/taskmesh/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	registry  registry.Registry
	contracts *contracts.Manager
	approvals *approval.Gate
	breakers  *breaker.Manager
	log       eventlog.Log
	validator *validator.Validator
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(st store.Store, sched *scheduler.Scheduler, reg registry.Registry, cm *contracts.Manager, gate *approval.Gate, brk *breaker.Manager, log eventlog.Log, v *validator.Validator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     st,
		scheduler: sched,
		registry:  reg,
		contracts: cm,
		approvals: gate,
		breakers:  brk,
		log:       log,
		validator: v,
		config:    cfg,
		logger:    logger,
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.ListDags(r.Context()); err != nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "store unhealthy", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- DAG Management ---

// SubmitDag handles POST /api/v1/dags
func (h *Handlers) SubmitDag(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "read body", nil)
		return
	}

	if result := h.validator.ValidateWorkflowJSON(body); !result.Valid {
		details := map[string]interface{}{"errors": result.Errors}
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "workflow failed validation", details)
		return
	}

	var dag types.Dag
	if err := json.Unmarshal(body, &dag); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "decode workflow", nil)
		return
	}

	created, err := h.scheduler.SubmitDag(r.Context(), &dag)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrCycleDetected), errors.Is(err, types.ErrDanglingDependency):
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error(), nil)
		case errors.Is(err, store.ErrDagExists):
			writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict, err.Error(), nil)
		default:
			h.logger.Error("submit dag", "error", err)
			writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "submit failed", nil)
		}
		return
	}

	h.respondJSON(w, http.StatusCreated, created)
}

// ListDags handles GET /api/v1/dags
func (h *Handlers) ListDags(w http.ResponseWriter, r *http.Request) {
	dags, err := h.store.ListDags(r.Context())
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "list dags", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"dags": dags})
}

// GetDag handles GET /api/v1/dags/{id}
func (h *Handlers) GetDag(w http.ResponseWriter, r *http.Request) {
	dag, err := h.store.GetDag(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "dag not found", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, dag)
}

// GetDagTasks handles GET /api/v1/dags/{id}/tasks
func (h *Handlers) GetDagTasks(w http.ResponseWriter, r *http.Request) {
	dagID := mux.Vars(r)["id"]
	if _, err := h.store.GetDag(r.Context(), dagID); err != nil {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "dag not found", nil)
		return
	}
	tasks, err := h.store.TasksForDag(r.Context(), dagID)
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "list tasks", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// CancelDag handles POST /api/v1/dags/{id}/cancel
func (h *Handlers) CancelDag(w http.ResponseWriter, r *http.Request) {
	dagID := mux.Vars(r)["id"]
	if err := h.scheduler.CancelDag(r.Context(), dagID); err != nil {
		if errors.Is(err, store.ErrDagNotFound) {
			writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "dag not found or already settled", nil)
			return
		}
		h.logger.Error("cancel dag", "dag_id", dagID, "error", err)
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "cancel failed", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"dag_id": dagID, "status": "cancelled"})
}

// GetDagEvents handles GET /api/v1/dags/{id}/events
func (h *Handlers) GetDagEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.log.History(r.Context(), types.AggregateDag, mux.Vars(r)["id"])
	if err != nil {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "no history for dag", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// --- Task Inspection ---

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "task not found", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, task)
}

// GetTaskEvents handles GET /api/v1/tasks/{id}/events
func (h *Handlers) GetTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.log.History(r.Context(), types.AggregateTask, mux.Vars(r)["id"])
	if err != nil {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "no history for task", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// --- Agent Management ---

// RegisterAgent handles POST /api/v1/agents
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "read body", nil)
		return
	}

	if result := h.validator.ValidateAgentJSON(body); !result.Valid {
		details := map[string]interface{}{"errors": result.Errors}
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "agent failed validation", details)
		return
	}

	var agent types.Agent
	if err := json.Unmarshal(body, &agent); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "decode agent", nil)
		return
	}

	if err := h.registry.Register(r.Context(), &agent); err != nil {
		if errors.Is(err, registry.ErrAgentExists) {
			writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict, "agent already registered", nil)
			return
		}
		h.logger.Error("register agent", "error", err)
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "register failed", nil)
		return
	}

	registered, err := h.registry.Get(r.Context(), agent.ID)
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "load agent", nil)
		return
	}

	if _, err := h.log.Append(r.Context(), types.AggregateAgent, registered.ID, types.EventAgentRegistered, map[string]interface{}{
		"model": registered.Model, "provider": registered.Provider, "max_load": registered.MaxLoad,
	}); err != nil {
		h.logger.Error("append agent event", "agent_id", registered.ID, "error", err)
	}

	h.respondJSON(w, http.StatusCreated, registered)
}

// ListAgents handles GET /api/v1/agents
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.registry.List(r.Context())
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "list agents", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

// --- Approvals ---

// ListPendingApprovals handles GET /api/v1/approvals
func (h *Handlers) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": h.approvals.Pending(r.Context()),
	})
}

// DecisionRequest is the body for deciding an approval.
type DecisionRequest struct {
	Approver string `json:"approver"`
	Approve  bool   `json:"approve"`
	Comment  string `json:"comment,omitempty"`
}

// DecideApproval handles POST /api/v1/approvals/{id}/decision
func (h *Handlers) DecideApproval(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approver == "" {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "approver is required", nil)
		return
	}

	decided, err := h.approvals.Decide(r.Context(), mux.Vars(r)["id"], req.Approver, req.Approve, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrApprovalNotFound):
			writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "approval not found", nil)
		case errors.Is(err, approval.ErrAlreadyResolved), errors.Is(err, approval.ErrDuplicateVote):
			writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict, err.Error(), nil)
		case errors.Is(err, approval.ErrNotApprover):
			writeErrorResponse(w, r, http.StatusForbidden, ErrCodeBadRequest, err.Error(), nil)
		default:
			writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "decide failed", nil)
		}
		return
	}
	h.respondJSON(w, http.StatusOK, decided)
}

// --- Contracts ---

// ListActiveContracts handles GET /api/v1/contracts
func (h *Handlers) ListActiveContracts(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"contracts": h.contracts.Active(r.Context()),
	})
}

// --- Operator Controls ---

// BreakerStatus handles GET /ops/breakers
func (h *Handlers) BreakerStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"breakers": h.breakers.Snapshot()})
}

// ResetBreaker handles POST /ops/breakers/{provider}/reset
func (h *Handlers) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	provider := types.Provider(mux.Vars(r)["provider"])
	if !types.ValidProvider(provider) {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "unknown provider", nil)
		return
	}

	h.breakers.Reset(provider)
	h.audit(r, types.EventBreakerReset, provider)
	h.logger.Info("breaker reset by operator", "provider", provider)
	h.respondJSON(w, http.StatusOK, map[string]string{"provider": string(provider), "state": string(breaker.StateClosed)})
}

// TripBreaker handles POST /ops/breakers/{provider}/trip
func (h *Handlers) TripBreaker(w http.ResponseWriter, r *http.Request) {
	provider := types.Provider(mux.Vars(r)["provider"])
	if !types.ValidProvider(provider) {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "unknown provider", nil)
		return
	}

	h.breakers.ForceOpen(provider)
	h.audit(r, types.EventProviderForced, provider)
	h.logger.Warn("breaker forced open by operator", "provider", provider)
	h.respondJSON(w, http.StatusOK, map[string]string{"provider": string(provider), "state": string(breaker.StateOpen)})
}

// audit records an operator action in the event log.
func (h *Handlers) audit(r *http.Request, et types.EventType, provider types.Provider) {
	data := map[string]interface{}{
		"remote_addr": r.RemoteAddr,
		"request_id":  GetRequestID(r.Context(), r),
	}
	if _, err := h.log.Append(r.Context(), types.AggregateBreaker, string(provider), et, data); err != nil {
		h.logger.Error("append audit event", "type", et, "provider", provider, "error", err)
	}
}
