package handlers

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"storyrun-backend/internal/middleware"
	"storyrun-backend/internal/models"
)

// RunAPI is the run orchestrator as seen by the HTTP layer.
type RunAPI interface {
	Start(ctx context.Context, userID uuid.UUID, req models.StartRunRequest, token string) (*models.StartRunResponse, error)
	Active(ctx context.Context, userID uuid.UUID) (*models.Run, error)
	Status(ctx context.Context, userID, projectID uuid.UUID) (*models.StatusResponse, error)
	Advance(ctx context.Context, userID, projectID uuid.UUID, token string) (*models.AdvanceResult, error)
	Retry(ctx context.Context, userID, projectID uuid.UUID, token string) (*models.RetryResponse, error)
	Cancel(ctx context.Context, userID, projectID uuid.UUID) (*models.CancelResponse, error)
	Archive(ctx context.Context, userID, projectID uuid.UUID, archived bool) (*models.ArchiveResponse, error)
}

type RunHandler struct {
	runs RunAPI
}

func NewRunHandler(runs RunAPI) *RunHandler {
	return &RunHandler{runs: runs}
}

// writeError maps a service error to its response. Internal errors are
// logged and returned without detail.
func writeError(c *gin.Context, err error) {
	e := models.AsError(err)
	status := e.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Printf("[http] %s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	message := e.Message
	if e.Kind == models.KindInternal {
		message = "internal error"
	}
	c.JSON(status, models.ErrorResponse{Error: e.Code, Message: message})
}

func caller(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return uuid.Nil, false
	}
	return userID, true
}

func callerAndProject(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := caller(c)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	projectID, err := uuid.Parse(c.Param("project_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   models.CodeValidation,
			Message: "invalid project id",
		})
		return uuid.Nil, uuid.Nil, false
	}
	return userID, projectID, true
}

// StartRun godoc
// @Summary     Start a run
// @Description Creates a project from the submitted text and starts its run. A user may have only one active run.
// @Tags        runs
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       request body models.StartRunRequest true "Run request"
// @Success     201 {object} models.StartRunResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     409 {object} models.ErrorResponse
// @Router      /run/start [post]
func (h *RunHandler) StartRun(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}

	var req models.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   models.CodeValidation,
			Message: err.Error(),
		})
		return
	}

	resp, err := h.runs.Start(c.Request.Context(), userID, req, middleware.AccessToken(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// ActiveRun godoc
// @Summary     Get the caller's active run
// @Tags        runs
// @Produce     json
// @Security    BearerAuth
// @Success     200 {object} models.RunResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /run/active [get]
func (h *RunHandler) ActiveRun(c *gin.Context) {
	userID, ok := caller(c)
	if !ok {
		return
	}

	run, err := h.runs.Active(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	if run == nil {
		writeError(c, models.NewNotFoundError("no active run"))
		return
	}
	c.JSON(http.StatusOK, models.NewRunResponse(run))
}

// GetStatus godoc
// @Summary     Get run status
// @Description Returns the latest run of the project with per-stage progress. Read only.
// @Tags        runs
// @Produce     json
// @Security    BearerAuth
// @Param       project_id path string true "Project ID"
// @Success     200 {object} models.StatusResponse
// @Failure     403 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /run/{project_id}/status [get]
func (h *RunHandler) GetStatus(c *gin.Context) {
	userID, projectID, ok := callerAndProject(c)
	if !ok {
		return
	}

	resp, err := h.runs.Status(c.Request.Context(), userID, projectID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Advance godoc
// @Summary     Advance a run
// @Description Performs at most one unit of work on the project's run and reports what happened. Safe to call repeatedly.
// @Tags        runs
// @Produce     json
// @Security    BearerAuth
// @Param       project_id path string true "Project ID"
// @Success     200 {object} models.AdvanceResult
// @Failure     404 {object} models.ErrorResponse
// @Failure     409 {object} models.ErrorResponse
// @Router      /run/{project_id}/advance [post]
func (h *RunHandler) Advance(c *gin.Context) {
	userID, projectID, ok := callerAndProject(c)
	if !ok {
		return
	}

	resp, err := h.runs.Advance(c.Request.Context(), userID, projectID, middleware.AccessToken(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Retry godoc
// @Summary     Retry a failed run
// @Description Rolls a failed run back to the phase it failed in. At most three retries per run.
// @Tags        runs
// @Produce     json
// @Security    BearerAuth
// @Param       project_id path string true "Project ID"
// @Success     200 {object} models.RetryResponse
// @Failure     409 {object} models.ErrorResponse
// @Router      /run/{project_id}/retry [post]
func (h *RunHandler) Retry(c *gin.Context) {
	userID, projectID, ok := callerAndProject(c)
	if !ok {
		return
	}

	resp, err := h.runs.Retry(c.Request.Context(), userID, projectID, middleware.AccessToken(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Cancel godoc
// @Summary     Cancel a run
// @Tags        runs
// @Produce     json
// @Security    BearerAuth
// @Param       project_id path string true "Project ID"
// @Success     200 {object} models.CancelResponse
// @Failure     409 {object} models.ErrorResponse
// @Router      /run/{project_id}/cancel [post]
func (h *RunHandler) Cancel(c *gin.Context) {
	userID, projectID, ok := callerAndProject(c)
	if !ok {
		return
	}

	resp, err := h.runs.Cancel(c.Request.Context(), userID, projectID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Archive godoc
// @Summary     Archive or unarchive a finished run
// @Tags        runs
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       project_id path string true "Project ID"
// @Param       request body models.ArchiveRequest true "Archive flag"
// @Success     200 {object} models.ArchiveResponse
// @Failure     409 {object} models.ErrorResponse
// @Router      /run/{project_id}/archive [post]
func (h *RunHandler) Archive(c *gin.Context) {
	userID, projectID, ok := callerAndProject(c)
	if !ok {
		return
	}

	var req models.ArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   models.CodeValidation,
			Message: err.Error(),
		})
		return
	}

	resp, err := h.runs.Archive(c.Request.Context(), userID, projectID, req.Archived)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
