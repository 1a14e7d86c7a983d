package api

import (
	"net/http"
	"strconv"

	"crypto-backtest-engine/internal/auth"
	"crypto-backtest-engine/internal/runner"

	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// listParams reads limit/offset pagination from the query string.
func listParams(c *gin.Context) (limit, offset int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

// requireRun resolves the :id path parameter to an existing run. It writes
// the error response itself; callers bail out when ok is false.
func (s *Server) requireRun(c *gin.Context) (string, bool) {
	runID := c.Param("id")
	run, err := s.queries.GetRun(c.Request.Context(), runID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return "", false
	}
	if run == nil {
		errorResponse(c, http.StatusNotFound, "run not found")
		return "", false
	}
	return runID, true
}

// handleSubmitRun creates a new backtest run from the posted configuration
func (s *Server) handleSubmitRun(c *gin.Context) {
	var req runner.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	runID, err := s.runs.Submit(c.Request.Context(), req)
	if err != nil {
		s.controlError(c, err)
		return
	}

	s.logger.Info().Str("run_id", runID).Str("operator", auth.GetOperator(c)).
		Str("algorithm", req.Engine.AlgorithmID).Msg("run submitted")

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data": gin.H{
			"run_id": runID,
			"status": "pending",
		},
	})
}

// handleListRuns returns runs newest-first with pagination
func (s *Server) handleListRuns(c *gin.Context) {
	limit, offset := listParams(c)

	runs, err := s.queries.ListRuns(c.Request.Context(), limit, offset)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	successResponse(c, gin.H{
		"runs":   runs,
		"limit":  limit,
		"offset": offset,
	})
}

// handleGetRun returns the full run row including its stored configuration
func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.queries.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		errorResponse(c, http.StatusNotFound, "run not found")
		return
	}
	successResponse(c, run)
}

// handleRunStatus serves the lightweight progress poll from the status cache
func (s *Server) handleRunStatus(c *gin.Context) {
	status, err := s.status.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if status == nil {
		errorResponse(c, http.StatusNotFound, "run not found")
		return
	}
	successResponse(c, status)
}

// handleRunTrades returns the executed trades for a run in execution order
func (s *Server) handleRunTrades(c *gin.Context) {
	runID, ok := s.requireRun(c)
	if !ok {
		return
	}
	limit, offset := listParams(c)

	trades, err := s.queries.GetTrades(c.Request.Context(), runID, limit, offset)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	successResponse(c, gin.H{
		"trades": trades,
		"limit":  limit,
		"offset": offset,
	})
}

// handleRunSignals returns every signal the algorithm emitted, executed or not
func (s *Server) handleRunSignals(c *gin.Context) {
	runID, ok := s.requireRun(c)
	if !ok {
		return
	}
	limit, offset := listParams(c)

	signals, err := s.queries.GetSignals(c.Request.Context(), runID, limit, offset)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	successResponse(c, gin.H{
		"signals": signals,
		"limit":   limit,
		"offset":  offset,
	})
}

// handleRunSnapshots returns the portfolio equity curve for a run
func (s *Server) handleRunSnapshots(c *gin.Context) {
	runID, ok := s.requireRun(c)
	if !ok {
		return
	}

	snapshots, err := s.queries.GetSnapshots(c.Request.Context(), runID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	successResponse(c, gin.H{"snapshots": snapshots})
}

// handleRunResult returns the final metrics for a finished run
func (s *Server) handleRunResult(c *gin.Context) {
	_, ok := s.requireRun(c)
	if !ok {
		return
	}

	result, err := s.queries.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if result == nil {
		errorResponse(c, http.StatusNotFound, "run has no result yet")
		return
	}
	successResponse(c, result)
}

// handlePauseRun requests a pause. The engine checkpoints at the next bar
// boundary, so the response is accepted rather than done.
func (s *Server) handlePauseRun(c *gin.Context) {
	runID := c.Param("id")
	if err := s.runs.RequestPause(c.Request.Context(), runID); err != nil {
		s.controlError(c, err)
		return
	}

	s.logger.Info().Str("run_id", runID).Str("operator", auth.GetOperator(c)).Msg("pause requested")

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data": gin.H{
			"run_id": runID,
			"status": "pausing",
		},
	})
}

// handleResumeRun restarts a paused run from its latest checkpoint
func (s *Server) handleResumeRun(c *gin.Context) {
	runID := c.Param("id")
	if err := s.runs.Resume(c.Request.Context(), runID); err != nil {
		s.controlError(c, err)
		return
	}

	s.logger.Info().Str("run_id", runID).Str("operator", auth.GetOperator(c)).Msg("resume requested")

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data": gin.H{
			"run_id": runID,
			"status": "resuming",
		},
	})
}

// handleListAlgorithms returns the registered algorithms and their config schemas
func (s *Server) handleListAlgorithms(c *gin.Context) {
	schemas := s.registry.Schemas()

	algorithms := make([]gin.H, 0, len(schemas))
	for _, id := range s.registry.IDs() {
		algorithms = append(algorithms, gin.H{
			"id":            id,
			"config_schema": schemas[id],
		})
	}

	successResponse(c, gin.H{"algorithms": algorithms})
}

// handleLogin verifies the operator credential and issues an access token
func (s *Server) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username != s.authConfig.OperatorUsername ||
		!auth.VerifyPassword(req.Password, s.authConfig.OperatorPasswordHash) {
		errorResponse(c, http.StatusUnauthorized, auth.ErrInvalidCredentials.Message)
		return
	}

	token, err := s.jwtManager.GenerateAccessToken(auth.OperatorClaims{Operator: req.Username})
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to issue token")
		return
	}

	successResponse(c, auth.LoginResponse{
		AccessToken: token,
		ExpiresIn:   s.jwtManager.TokenDurationSeconds(),
		TokenType:   "Bearer",
	})
}
