package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/observer"
)

// PlanSummary is the API list view of one plan
type PlanSummary struct {
	Spec      string `json:"spec"`
	Strategy  string `json:"strategy"`
	Batches   int    `json:"batches"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// PlanResponse is the API view of a plan document
type PlanResponse struct {
	Spec     string          `json:"spec"`
	Strategy string          `json:"strategy"`
	Backend  string          `json:"backend,omitempty"`
	Batches  []BatchResponse `json:"batches"`
}

// BatchResponse is the API view of one plan batch
type BatchResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	Branch    string   `json:"branch,omitempty"`
	Backend   string   `json:"backend,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`
	Tasks     []string `json:"tasks,omitempty"`
}

// RunResponse is the API view of a recorded run
type RunResponse struct {
	ID          string                `json:"id"`
	Spec        string                `json:"spec"`
	Status      string                `json:"status"`
	Mode        string                `json:"mode,omitempty"`
	DryRun      bool                  `json:"dryRun,omitempty"`
	ResumedFrom string                `json:"resumedFrom,omitempty"`
	StartedAt   string                `json:"startedAt"`
	FinishedAt  *string               `json:"finishedAt,omitempty"`
	Duration    string                `json:"duration"`
	Error       string                `json:"error,omitempty"`
	Completed   int                   `json:"completed"`
	Failed      int                   `json:"failed"`
	Total       int                   `json:"total"`
	Batches     []BatchResultResponse `json:"batches"`
}

// BatchResultResponse is the API view of one batch outcome within a run
type BatchResultResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Branch     string  `json:"branch,omitempty"`
	Merged     bool    `json:"merged,omitempty"`
	StartedAt  *string `json:"startedAt,omitempty"`
	FinishedAt *string `json:"finishedAt,omitempty"`
	Stuck      bool    `json:"stuck,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// StatusResponse is the API view of aggregate orchestrator state
type StatusResponse struct {
	Specs            int    `json:"specs"`
	TotalRuns        int    `json:"totalRuns"`
	Completed        int    `json:"completed"`
	Failed           int    `json:"failed"`
	Aborted          int    `json:"aborted"`
	BatchesMerged    int    `json:"batchesMerged"`
	AvgBatchDuration string `json:"avgBatchDuration"`
	LiveSessions     int    `json:"liveSessions"`
}

// SessionResponse is the API view of one live execution session
type SessionResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	RunID     string `json:"runId"`
	BatchID   string `json:"batchId"`
	CreatedAt string `json:"createdAt"`
}

// TriggerRequest is the body accepted by the trigger endpoint
type TriggerRequest struct {
	DryRun bool `json:"dryRun"`
}

func planToResponse(p *domain.Plan) PlanResponse {
	resp := PlanResponse{
		Spec:     p.Spec,
		Strategy: string(p.Strategy),
		Backend:  p.DefaultBackend,
		Batches:  make([]BatchResponse, len(p.Batches)),
	}
	for i, b := range p.Batches {
		resp.Batches[i] = BatchResponse{
			ID:        b.ID,
			Name:      b.Name,
			Status:    string(b.Status),
			Branch:    b.Branch,
			Backend:   b.Backend,
			DependsOn: b.DependsOn,
			Tasks:     b.TaskIDs,
		}
	}
	return resp
}

func runToResponse(run *domain.Run, stats *observer.Stats) RunResponse {
	resp := RunResponse{
		ID:          run.ID,
		Spec:        run.Spec,
		Status:      string(run.Status),
		Mode:        string(run.Mode),
		DryRun:      run.DryRun,
		ResumedFrom: run.ResumedFrom,
		StartedAt:   run.StartedAt.Format(time.RFC3339),
		Error:       run.Error,
		Completed:   run.Summary.Completed,
		Failed:      run.Summary.Failed,
		Total:       run.Summary.Total,
		Batches:     make([]BatchResultResponse, len(run.Batches)),
	}

	end := time.Now()
	if run.FinishedAt != nil {
		t := run.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
		end = *run.FinishedAt
	}
	resp.Duration = end.Sub(run.StartedAt).Round(time.Second).String()

	for i, br := range run.Batches {
		resp.Batches[i] = batchResultToResponse(br, stats)
	}
	return resp
}

func batchResultToResponse(br *domain.BatchResult, stats *observer.Stats) BatchResultResponse {
	resp := BatchResultResponse{
		ID:     br.BatchID,
		Name:   br.Name,
		Status: string(br.Status),
		Branch: br.Branch,
		Merged: br.Merged,
		Stuck:  stats.IsStuck(br),
		Error:  br.Error,
	}
	if br.StartedAt != nil {
		t := br.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if br.FinishedAt != nil {
		t := br.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	return resp
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, map[string]string{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		specs, err := s.plans.Specs()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var all []*domain.Run
		for _, spec := range specs {
			runs, err := s.runs.Runs(spec)
			if err != nil {
				s.logger.Warn("history read failed", "spec", spec, "error", err)
				continue
			}
			all = append(all, runs...)
		}

		m := s.stats.Aggregate(all)
		resp := StatusResponse{
			Specs:            len(specs),
			TotalRuns:        m.TotalRuns,
			Completed:        m.Completed,
			Failed:           m.Failed,
			Aborted:          m.Aborted,
			BatchesMerged:    m.BatchesMerged,
			AvgBatchDuration: m.AvgBatchDuration.Round(time.Second).String(),
		}
		if s.sessions != nil {
			resp.LiveSessions = s.sessions.Count()
		}

		writeJSON(w, resp)
	}
}

func (s *Server) listPlansHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		specs, err := s.plans.Specs()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		summaries := make([]PlanSummary, 0, len(specs))
		for _, spec := range specs {
			plan, err := s.plans.Plan(spec)
			if err != nil {
				s.logger.Warn("plan read failed", "spec", spec, "error", err)
				continue
			}
			summary := PlanSummary{
				Spec:     plan.Spec,
				Strategy: string(plan.Strategy),
				Batches:  len(plan.Batches),
			}
			for _, b := range plan.Batches {
				switch b.Status {
				case domain.BatchCompleted:
					summary.Completed++
				case domain.BatchFailed:
					summary.Failed++
				}
			}
			summaries = append(summaries, summary)
		}

		writeJSON(w, summaries)
	}
}

func (s *Server) planHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/plans/")
		if strings.HasSuffix(path, "/trigger") {
			s.handleTrigger(w, r, strings.TrimSuffix(path, "/trigger"))
			return
		}

		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if path == "" || strings.Contains(path, "/") {
			writeError(w, http.StatusBadRequest, "spec name required")
			return
		}

		plan, err := s.plans.Plan(path)
		if err != nil {
			if domain.IsKind(err, domain.KindConfiguration) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, planToResponse(plan))
	}
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request, spec string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "run trigger not available")
		return
	}
	if spec == "" {
		writeError(w, http.StatusBadRequest, "spec name required")
		return
	}

	if run, ok := s.runs.Running(spec); ok {
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s is already running for spec %s", run.ID, spec))
		return
	}

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		if _, err := s.trigger(ctx, spec, req.DryRun); err != nil {
			s.logger.Error("triggered run failed", "spec", spec, "error", err)
		}
	}()

	writeJSON(w, map[string]string{"status": "started", "spec": spec})
}

func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "spec name required")
			return
		}

		spec, id := path, ""
		if idx := strings.Index(path, "/"); idx > 0 {
			spec, id = path[:idx], path[idx+1:]
		}

		if id == "" {
			runs, err := s.runs.Runs(spec)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			responses := make([]RunResponse, len(runs))
			for i, run := range runs {
				responses[i] = runToResponse(run, s.stats)
			}
			writeJSON(w, responses)
			return
		}

		run, err := s.runs.Run(spec, id)
		if err != nil {
			if domain.IsKind(err, domain.KindConfiguration) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, runToResponse(run, s.stats))
	}
}

func (s *Server) sessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if s.sessions == nil {
			writeJSON(w, []SessionResponse{})
			return
		}

		live := s.sessions.All()
		sort.Slice(live, func(i, j int) bool {
			return live[i].CreatedAt.Before(live[j].CreatedAt)
		})

		responses := make([]SessionResponse, len(live))
		for i, sess := range live {
			responses[i] = SessionResponse{
				ID:        sess.ID,
				Kind:      string(sess.Kind),
				RunID:     sess.RunID,
				BatchID:   sess.BatchID,
				CreatedAt: sess.CreatedAt.Format(time.RFC3339),
			}
		}

		writeJSON(w, responses)
	}
}
