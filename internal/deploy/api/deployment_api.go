package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/eeveon/eeveon/internal/deploy/model"
	"github.com/eeveon/eeveon/internal/deploy/service"
	"github.com/eeveon/eeveon/internal/middleware"
	"github.com/gin-gonic/gin"
)

func errorJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, map[string]any{"error": map[string]any{"code": code, "message": message}})
}

// mapError translates service errors to HTTP responses.
func mapError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrProjectNotFound):
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", "project not found")
	case errors.Is(err, model.ErrReleaseNotFound):
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", "release not found")
	case errors.Is(err, model.ErrNoHistory):
		errorJSON(c, http.StatusConflict, "NO_HISTORY", "no restorable rollback entry")
	case errors.Is(err, model.ErrConflict):
		errorJSON(c, http.StatusConflict, "CONFLICT", "another attempt is in progress")
	case errors.Is(err, model.ErrForbidden):
		errorJSON(c, http.StatusForbidden, "FORBIDDEN", err.Error())
	default:
		errorJSON(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

type deploymentRequest struct {
	Version string `json:"version"`
}

// PostDeployment starts a deployment attempt. Empty version deploys the
// latest registered release.
func (api *Api) PostDeployment(c *gin.Context) {
	var req deploymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
			return
		}
	}
	attempt, err := api.service.Deploy(c.Request.Context(), service.DeployRequest{
		Project:   c.Param("projectID"),
		Version:   req.Version,
		Requester: middleware.UserFrom(c),
		Role:      middleware.RoleFrom(c),
	})
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, attempt)
}

type rollbackRequest struct {
	Version string `json:"version"`
}

// PostRollback restores a recorded fleet state. Empty version targets the
// entry preceding the live version.
func (api *Api) PostRollback(c *gin.Context) {
	var req rollbackRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
			return
		}
	}
	attempt, err := api.service.Rollback(c.Request.Context(), service.RollbackRequest{
		Project:   c.Param("projectID"),
		Version:   req.Version,
		Requester: middleware.UserFrom(c),
		Role:      middleware.RoleFrom(c),
	})
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, attempt)
}

type releaseRequest struct {
	Version   string `json:"version" binding:"required"`
	CommitRef string `json:"commitRef"`
	Location  string `json:"location" binding:"required"`
}

// PostRelease registers an immutable release artifact for a project.
func (api *Api) PostRelease(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}
	release, err := api.service.RegisterRelease(c.Request.Context(), &model.Release{
		Project:   c.Param("projectID"),
		Version:   req.Version,
		CommitRef: req.CommitRef,
		Location:  req.Location,
		CreatedAt: time.Now(),
	})
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, release)
}

// PostSeed records the fleet's current live state as rollback history.
func (api *Api) PostSeed(c *gin.Context) {
	entry, err := api.service.Seed(c.Request.Context(), c.Param("projectID"), middleware.UserFrom(c))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// PostAbort cancels the project's in-flight attempt.
func (api *Api) PostAbort(c *gin.Context) {
	if err := api.service.Abort(c.Request.Context(), c.Param("projectID")); err != nil {
		errorJSON(c, http.StatusConflict, "NO_ATTEMPT", err.Error())
		return
	}
	c.JSON(http.StatusAccepted, map[string]any{"status": "aborting"})
}

// PostApprove resolves a pending approval positively.
func (api *Api) PostApprove(c *gin.Context) {
	if err := api.service.Approve(c.Request.Context(), c.Param("approvalID"), middleware.UserFrom(c)); err != nil {
		errorJSON(c, http.StatusConflict, "APPROVAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, map[string]any{"status": "approved"})
}

// PostReject resolves a pending approval negatively.
func (api *Api) PostReject(c *gin.Context) {
	if err := api.service.Reject(c.Request.Context(), c.Param("approvalID"), middleware.UserFrom(c)); err != nil {
		errorJSON(c, http.StatusConflict, "APPROVAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, map[string]any{"status": "rejected"})
}

// GetStatus reports the latest attempt and any pending approval.
func (api *Api) GetStatus(c *gin.Context) {
	report, err := api.service.Status(c.Request.Context(), c.Param("projectID"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetHistory lists restorable activation snapshots, newest first.
func (api *Api) GetHistory(c *gin.Context) {
	entries, err := api.service.History(c.Request.Context(), c.Param("projectID"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"entries": entries})
}

// GetAttempt returns one attempt with its per-node outcomes.
func (api *Api) GetAttempt(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("attemptID"), 10, 64)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_PARAMETER", "attemptID must be an integer")
		return
	}
	attempt, err := api.service.Attempt(c.Request.Context(), c.Param("projectID"), id)
	if err != nil {
		mapError(c, err)
		return
	}
	if attempt == nil {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", "attempt not found")
		return
	}
	c.JSON(http.StatusOK, attempt)
}
