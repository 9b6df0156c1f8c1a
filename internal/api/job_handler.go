package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/flowforge/engine/internal/logging"
	"github.com/flowforge/engine/internal/platform/dbctx"
	"github.com/flowforge/engine/internal/queue"
)

// JobHandler serves the resume/cancel/get endpoints §6 calls the engine's
// external contract. It talks only to queue.Repo: it does not know how a
// suspended step got there, only how to unblock or kill it.
type JobHandler struct {
	DB    *gorm.DB
	Queue queue.Repo
	Log   *logging.Logger
}

func NewJobHandler(db *gorm.DB, q queue.Repo, log *logging.Logger) *JobHandler {
	return &JobHandler{DB: db, Queue: q, Log: log.With("component", "api")}
}

type resumeRequest struct {
	Value json.RawMessage `json:"value"`
}

// Resume handles POST /resume/{job_id}?approver=... : it records an
// approval/value for a suspended step through queue.Repo.Resume, the same
// codepath a real approval UI or a webhook callback would use. Whether
// this unblocks the step is decided later by the dispatcher, which counts
// the resume rows addressed to the job the step waits on.
func (h *JobHandler) Resume(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job_id"})
		return
	}
	var req resumeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	approver := c.Query("approver")

	dbc := dbctx.Context{Ctx: c.Request.Context(), Tx: h.DB}
	msg, err := h.Queue.Resume(dbc, jobID, datatypes.JSON(req.Value), false, approver)
	if err != nil {
		h.Log.Error("resume failed", "job_id", jobID.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resume failed"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

// Cancel handles POST /cancel/{job_id}: inserts a cancel resume row for
// the job and marks it canceled. A flow step suspended on that job fails
// at the dispatcher's next suspend check.
func (h *JobHandler) Cancel(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job_id"})
		return
	}
	reason := c.Query("reason")
	if reason == "" {
		reason = "canceled via api"
	}

	dbc := dbctx.Context{Ctx: c.Request.Context(), Tx: h.DB}
	if _, err := h.Queue.Resume(dbc, jobID, datatypes.JSON("null"), true, c.Query("approver")); err != nil {
		h.Log.Error("cancel failed", "job_id", jobID.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
		return
	}
	if err := h.Queue.Cancel(dbc, jobID, reason); err != nil {
		h.Log.Error("cancel failed", "job_id", jobID.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"canceled": true})
}

// Get returns the live job_queue row if still running, or the terminal
// job_completed row once it has finished.
func (h *JobHandler) Get(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job_id"})
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context(), Tx: h.DB}

	if job, err := h.Queue.GetByID(dbc, jobID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	} else if job != nil {
		c.JSON(http.StatusOK, job)
		return
	}

	cj, err := h.Queue.GetCompleted(dbc, jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if cj == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, cj)
}
