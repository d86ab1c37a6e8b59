package serverapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/kira-run/kira/internal/store"
)

// Config mirrors the teacher's gateway.Config shape (internal/gateway): typed
// dependencies handed in by the caller, no package-level globals.
type Config struct {
	Store    *store.Store
	AuthMode string // "mock" or "centauth" (§9 "Auth mode")
}

// Server is the in-process reference implementation of the worker-facing API
// described by client.py. It exists primarily so C6-C9 can be exercised
// against real cascade/automation semantics in tests without a live network;
// a production deployment may still put a real HTTP listener in front of it
// (ListenAndServe with the *Server as handler) since it already speaks
// net/http.
type Server struct {
	store    *store.Store
	authMode string
	mux      *http.ServeMux
}

func New(cfg Config) *Server {
	s := &Server{store: cfg.Store, authMode: cfg.AuthMode}
	if s.authMode == "" {
		s.authMode = "mock"
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/auth/config", s.handleAuthConfig)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/workers/register", s.handleRegisterWorker)
	s.mux.HandleFunc("POST /api/workers/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("GET /api/workers/tasks/poll", s.handlePollTasks)
	s.mux.HandleFunc("POST /api/workers/tasks/{id}/claim", s.handleClaimTask)
	s.mux.HandleFunc("POST /api/workers/tasks/{id}/progress", s.handleReportProgress)
	s.mux.HandleFunc("POST /api/workers/tasks/{id}/complete", s.handleCompleteTask)
	s.mux.HandleFunc("POST /api/workers/tasks/{id}/fail", s.handleFailTask)
	s.mux.HandleFunc("GET /api/boards/{id}/settings", s.handleBoardSettings)
	s.mux.HandleFunc("POST /api/cards", s.handleCreateCard)
	s.mux.HandleFunc("POST /api/boards/{id}/columns", s.handleCreateColumn)
	s.mux.HandleFunc("PATCH /api/boards/{id}", s.handleUpdateBoard)
	s.mux.HandleFunc("PATCH /api/columns/{id}", s.handleUpdateColumn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, APIError{StatusCode: status, Detail: detail})
}

func decodeBody[T any](r *http.Request) (T, error) {
	var v T
	err := json.NewDecoder(r.Body).Decode(&v)
	return v, err
}

// --- Auth ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	resp := AuthConfigResponse{AuthMode: s.authMode}
	if s.authMode == "mock" {
		resp.DemoUsers = []string{"alice", "bob"}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[LoginRequest](r)
	if err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	// Mock auth mode issues the username itself as the bearer token (§9
	// "Auth mode" Open Question: mock mode needs no password verification).
	writeJSON(w, http.StatusOK, LoginResponse{Token: req.Username, User: req.Username})
}

// --- Worker lifecycle ---

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[RegisterWorkerRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := bearerUser(r)
	worker, err := s.store.RegisterWorker(r.Context(), store.RegisterWorkerInput{
		UserID: userID, Hostname: req.Hostname, Version: req.WorkerVersion, Capabilities: req.Capabilities,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RegisterWorkerResponse{
		WorkerID:            worker.ID,
		PollIntervalSeconds: worker.PollIntervalSeconds,
		MaxConcurrentTasks:  worker.MaxConcurrentTasks,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[HeartbeatRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	directives, err := s.store.Heartbeat(r.Context(), req.WorkerID, req.RunningTaskIDs, req.SystemLoad)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, HeartbeatResponse{
		Status: "ok",
		Directives: Directives{
			CancelTaskIDs:      directives.CancelTaskIDs,
			MaxConcurrentTasks: directives.MaxConcurrentTasks,
		},
	})
}

// --- Task operations ---

func (s *Server) handlePollTasks(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	limit := 1
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	userID := bearerUser(r)
	if workerID != "" {
		if worker, err := s.store.GetWorker(r.Context(), workerID); err == nil {
			userID = worker.UserID
		}
	}
	tasks, err := s.store.PollTasks(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]TaskDTO, 0, len(tasks))
	for i := range tasks {
		out = append(out, taskToDTO(&tasks[i]))
	}
	writeJSON(w, http.StatusOK, PollTasksResponse{Tasks: out})
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	req, err := decodeBody[ClaimTaskRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.store.ClaimTask(r.Context(), taskID, req.WorkerID)
	if err != nil {
		status := http.StatusInternalServerError
		if err == store.ErrAlreadyClaimed {
			status = http.StatusConflict
		} else if err == store.ErrNotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ClaimTaskResponse{Status: "claimed", Task: taskToDTO(task)})
}

func (s *Server) handleReportProgress(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	req, err := decodeBody[ReportProgressRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = s.store.UpdateProgress(r.Context(), taskID, store.UpdateProgressInput{
		ProgressText: req.ProgressText, Step: req.Step, TotalSteps: req.TotalSteps, Phase: req.Phase,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ReportProgressResponse{Status: "ok"})
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	req, err := decodeBody[CompleteTaskRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resultJSON := "{}"
	if len(req.ResultData) > 0 {
		if b, err := json.Marshal(req.ResultData); err == nil {
			resultJSON = string(b)
		}
	}
	if _, err := s.store.CompleteTask(r.Context(), taskID, req.OutputText, resultJSON); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, CompleteTaskResponse{Status: "completed"})
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	req, err := decodeBody[FailTaskRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.store.FailTask(r.Context(), taskID, req.ErrorSummary, req.OutputText); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, FailTaskResponse{Status: "failed"})
}

// --- Board settings / cards / columns ---

func (s *Server) handleBoardSettings(w http.ResponseWriter, r *http.Request) {
	boardID := r.PathValue("id")
	settings, err := s.store.GetBoardSettings(r.Context(), boardID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, BoardSettingsResponse{
		WorkspaceLocalPath: settings.WorkspaceLocalPath, WorkspaceGitLabProject: settings.WorkspaceGitLabProject,
		GitLabProjectID: settings.GitLabProjectID, GitLabProjectPath: settings.GitLabProjectPath,
		GitLabDefaultBranch: settings.GitLabDefaultBranch, GitLabAutoPush: settings.GitLabAutoPush,
		GitLabPushOnComplete: settings.GitLabPushOnComplete, GitLabMRPrefix: settings.GitLabMRPrefix,
	})
}

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[CreateCardRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	col, err := s.store.GetColumn(r.Context(), req.ColumnID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var labels []string
	if req.Labels != "" {
		_ = json.Unmarshal([]byte(req.Labels), &labels)
	}
	priority := req.Priority
	if priority == "" {
		priority = "medium"
	}
	card, err := s.store.CreateCard(r.Context(), store.CreateCardInput{
		BoardID: col.BoardID, ColumnID: req.ColumnID, Title: req.Title, Description: req.Description,
		Priority: priority, Labels: labels, CreatedBy: bearerUser(r),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, CardResponse{ID: card.ID, BoardID: card.BoardID, ColumnID: card.ColumnID, Title: card.Title})
}

func (s *Server) handleCreateColumn(w http.ResponseWriter, r *http.Request) {
	boardID := r.PathValue("id")
	req, err := decodeBody[CreateColumnRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	col, err := s.store.CreateColumn(r.Context(), store.CreateColumnInput{
		BoardID: boardID, Name: req.Name, Color: req.Color, Position: req.Position, AutoRun: req.AutoRun,
		AgentType: req.AgentType, AgentModel: req.AgentModel, AgentSkill: req.AgentSkill,
		PromptTemplate: req.PromptTemplate, MaxLoopCount: req.MaxLoopCount,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.OnSuccessColumnID != "" || req.OnFailureColumnID != "" {
		var onSuccess, onFailure *string
		if req.OnSuccessColumnID != "" {
			onSuccess = &req.OnSuccessColumnID
		}
		if req.OnFailureColumnID != "" {
			onFailure = &req.OnFailureColumnID
		}
		_ = s.store.UpdateColumn(r.Context(), col.ID, store.UpdateColumnInput{OnSuccessColumnID: onSuccess, OnFailureColumnID: onFailure})
	}
	writeJSON(w, http.StatusCreated, ColumnResponse{ID: col.ID, BoardID: col.BoardID, Name: col.Name})
}

func (s *Server) handleUpdateBoard(w http.ResponseWriter, r *http.Request) {
	boardID := r.PathValue("id")
	req, err := decodeBody[UpdateBoardRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateBoard(r.Context(), boardID, store.UpdateBoardInput{Name: req.Name, Description: req.Description}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	board, err := s.store.GetBoard(r.Context(), boardID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleUpdateColumn(w http.ResponseWriter, r *http.Request) {
	columnID := r.PathValue("id")
	req, err := decodeBody[UpdateColumnRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateColumn(r.Context(), columnID, store.UpdateColumnInput{
		OnSuccessColumnID: req.OnSuccessColumnID, OnFailureColumnID: req.OnFailureColumnID,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	col, err := s.store.GetColumn(r.Context(), columnID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, col)
}

// bearerUser extracts the "user" from a mock bearer token (the token itself,
// per handleLogin). Centauth mode is a Non-goal extension point (§9); mock
// mode is the only one exercised here.
func bearerUser(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}
