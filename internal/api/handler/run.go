package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/corpusforge/corpusforge/internal/pipeline"
	"github.com/corpusforge/corpusforge/internal/store"
	"github.com/corpusforge/corpusforge/internal/store/postgres"
	"github.com/corpusforge/corpusforge/pkg/apierr"
)

// RunHandler exposes pipeline run CRUD and the operator commands.
type RunHandler struct {
	logger       *slog.Logger
	store        *store.Store
	orchestrator *pipeline.Orchestrator
	monitor      *pipeline.Monitor
	autoAdvance  bool
}

func NewRunHandler(logger *slog.Logger, s *store.Store, o *pipeline.Orchestrator, m *pipeline.Monitor, autoAdvance bool) *RunHandler {
	return &RunHandler{logger: logger, store: s, orchestrator: o, monitor: m, autoAdvance: autoAdvance}
}

type createRunRequest struct {
	SourcePrefix string `json:"source_prefix"`
	AutoAdvance  *bool  `json:"auto_advance,omitempty"`
}

func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, h.logger, apierr.InvalidRequestBody())
		return
	}

	autoAdvance := h.autoAdvance
	if req.AutoAdvance != nil {
		autoAdvance = *req.AutoAdvance
	}

	var run postgres.PipelineRun
	var batch postgres.ItemBatch
	err := h.store.WithTx(r.Context(), func(q *postgres.Queries) error {
		var err error
		run, err = q.CreateRun(r.Context(), postgres.CreateRunParams{
			AutoAdvance:   autoAdvance,
			StageStatuses: pipeline.InitialStageStatuses(),
		})
		if err != nil {
			return err
		}
		batch, err = q.CreateBatch(r.Context(), postgres.CreateBatchParams{
			RunID:        run.ID,
			SourcePrefix: req.SourcePrefix,
		})
		return err
	})
	if err != nil {
		writeAPIError(w, h.logger, apierr.RunCreateFailed(err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"run":   run,
		"batch": batch,
	})
}

func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	runs, err := h.store.ListRuns(r.Context(), postgres.ListRunsParams{
		Limit:  int32(limit),
		Offset: int32(offset),
	})
	if err != nil {
		writeAPIError(w, h.logger, apierr.RunListFailed(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"total": len(runs),
	})
}

func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}

	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if apierr.IsNotFound(err) {
			writeAPIError(w, h.logger, apierr.RunNotFound())
		} else {
			writeAPIError(w, h.logger, apierr.InternalError(err))
		}
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (h *RunHandler) Status(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}

	status, err := h.monitor.Status(r.Context(), runID)
	if err != nil {
		if apierr.IsNotFound(err) {
			writeAPIError(w, h.logger, apierr.RunNotFound())
		} else {
			writeAPIError(w, h.logger, apierr.RunStatusFailed(err))
		}
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *RunHandler) Logs(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}

	logs, err := h.store.ListStageLogsByRun(r.Context(), runID)
	if err != nil {
		writeAPIError(w, h.logger, apierr.StageLogsFailed(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stage_logs": logs,
		"total":      len(logs),
	})
}

func (h *RunHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.orchestrator.Start)
}

func (h *RunHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.orchestrator.Pause)
}

func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.orchestrator.Cancel)
}

func (h *RunHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.orchestrator.RetryFailedStage)
}

func (h *RunHandler) Skip(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.orchestrator.SkipFailedStage)
}

func (h *RunHandler) Advance(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.orchestrator.AdvanceStage)
}

// command runs one operator operation and maps its error taxonomy onto HTTP:
// guard rejections are 409s, unknown runs are 404s, the rest are 500s.
func (h *RunHandler) command(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) (postgres.PipelineRun, error)) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}

	run, err := op(r.Context(), runID)
	if err != nil {
		var invalid *pipeline.InvalidTransitionError
		switch {
		case errors.As(err, &invalid), errors.Is(err, pipeline.ErrStageNotReady):
			writeAPIError(w, h.logger, apierr.InvalidTransition(err))
		case apierr.IsNotFound(err):
			writeAPIError(w, h.logger, apierr.RunNotFound())
		default:
			writeAPIError(w, h.logger, apierr.DispatchFailed(err))
		}
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (h *RunHandler) runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidRunID())
		return uuid.Nil, false
	}
	return runID, true
}
