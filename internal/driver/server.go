package driver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/echelondev/echelon/internal/db"
	"github.com/echelondev/echelon/internal/log"
)

// Server is the HTTP surface over the driver. It speaks JSON on every
// endpoint and holds no state of its own.
type Server struct {
	driver   *Driver
	listener net.Listener
	server   *http.Server
}

// NewServer creates an HTTP server bound to addr.
func NewServer(driver *Driver, addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("driver: binding listener: %w", err)
	}

	s := &Server{
		driver:   driver,
		listener: ln,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /iterations/batch", s.handleBatch)
	mux.HandleFunc("POST /iterations", s.handleStart)
	mux.HandleFunc("POST /iterations/{id}/step", s.handleStep)
	mux.HandleFunc("POST /iterations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /iterations/{id}", s.handleGet)
	mux.HandleFunc("GET /iterations/{id}/steps", s.handleSteps)

	s.server = &http.Server{Handler: mux}
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving HTTP requests. Call in a goroutine.
func (s *Server) Start() error {
	log.Info("driver server listening", "addr", s.Addr())
	return s.server.Serve(s.listener)
}

// Stop shuts down the server.
func (s *Server) Stop() error {
	return s.server.Close()
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// BatchRequest is the body for POST /iterations/batch.
type BatchRequest struct {
	Problems []Problem `json:"problems"`
}

// BatchResponse lists one result per submitted problem, in input order.
type BatchResponse struct {
	Results []ProblemResult `json:"results"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Problems) == 0 {
		http.Error(w, "at least one problem is required", http.StatusBadRequest)
		return
	}

	results := s.driver.SolveBatch(r.Context(), req.Problems)
	writeJSON(w, http.StatusOK, BatchResponse{Results: results})
}

// StartRequest is the body for POST /iterations.
type StartRequest struct {
	Description string `json:"description"`
	Question    string `json:"question,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !readJSON(w, r, &req) {
		return
	}

	session, err := s.driver.Start(r.Context(), req.Description, req.Question)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, sessionView(session))
}

// StepResponse returns the session after one iteration along with the steps
// that iteration recorded.
type StepResponse struct {
	Session SessionView `json:"session"`
	Steps   []StepView  `json:"steps"`
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	session, steps, err := s.driver.Step(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := StepResponse{Session: sessionView(session), Steps: make([]StepView, 0, len(steps))}
	for _, step := range steps {
		resp.Steps = append(resp.Steps, stepView(step))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.driver.Cancel(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancel_requested": true})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	session, err := s.driver.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(session))
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	level := 0
	if raw := r.URL.Query().Get("level"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "level must be a positive integer", http.StatusBadRequest)
			return
		}
		level = parsed
	}

	steps, err := s.driver.Steps(r.PathValue("id"), level)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]StepView, 0, len(steps))
	for _, step := range steps {
		views = append(views, stepView(step))
	}
	writeJSON(w, http.StatusOK, map[string][]StepView{"steps": views})
}

// --- Views ---

// SessionView is the wire form of a session.
type SessionView struct {
	ID               string  `json:"id"`
	Status           string  `json:"status"`
	CurrentLevel     int     `json:"current_level"`
	CurrentIteration int     `json:"current_iteration"`
	BestScore        float64 `json:"best_score"`
	BestSolution     string  `json:"best_solution,omitempty"`
	FailureReason    string  `json:"failure_reason,omitempty"`
	CancelRequested  bool    `json:"cancel_requested,omitempty"`
}

func sessionView(s *db.Session) SessionView {
	return SessionView{
		ID:               s.ID,
		Status:           string(s.Status),
		CurrentLevel:     s.CurrentLevel,
		CurrentIteration: s.CurrentIteration,
		BestScore:        s.BestScore,
		BestSolution:     s.BestSolution,
		FailureReason:    s.FailureReason,
		CancelRequested:  s.CancelRequested,
	}
}

// StepView is the wire form of one recorded agent step.
type StepView struct {
	Level           int     `json:"level"`
	IterationNumber int     `json:"iteration_number"`
	AgentID         string  `json:"agent_id"`
	Solution        string  `json:"solution"`
	Score           float64 `json:"score"`
}

func stepView(s *db.IterationStep) StepView {
	return StepView{
		Level:           s.Level,
		IterationNumber: s.IterationNumber,
		AgentID:         s.AgentID,
		Solution:        s.OutputSolution,
		Score:           s.OutputScore,
	}
}

// --- Helpers ---

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusConflict)
	}
}
