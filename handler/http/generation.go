package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	jobctrl "careervp/src/infrastructure/job"
	"careervp/src/log"
)

type GenerationRequest struct {
	RequesterID string          `json:"requesterId" binding:"required"`
	TargetID    string          `json:"targetId" binding:"required"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
}

type GenerationHandler struct {
	jobService *jobctrl.JobService
}

func NewGenerationHandler(jobService *jobctrl.JobService) (*GenerationHandler, error) {
	return &GenerationHandler{
		jobService: jobService,
	}, nil
}

// Submit accepts a generation request and replies without waiting for the
// generation itself: 202 with a fresh pending job, or 200 with the job an
// earlier identical submission already created.
func (h *GenerationHandler) Submit(c *gin.Context) {
	var req GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, isNew, err := h.jobService.Submit(c.Request.Context(), jobctrl.SubmitRequest{
		RequesterID: req.RequesterID,
		TargetID:    req.TargetID,
		Payload:     req.Payload,
	})
	if err != nil {
		if errors.Is(err, jobctrl.ErrInvalidSubmission) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error(err, "Failed to submit generation job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit generation job"})
		return
	}

	if !isNew {
		c.JSON(http.StatusOK, gin.H{
			"jobId":   job.ID,
			"status":  string(job.Status),
			"message": "Generation already requested for this posting",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":   job.ID,
		"status":  string(job.Status),
		"message": "Generation job created, poll the status endpoint",
	})
}

// Status reports a job's current state: 202 while the job is in flight,
// 200 with a result link or failure detail once terminal, 404 for an
// unknown or expired job, and 410 when the result object expired on its
// own while the job record survived.
func (h *GenerationHandler) Status(c *gin.Context) {
	jobID := c.Param("jobId")

	view, err := h.jobService.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, jobctrl.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.Is(err, jobctrl.ErrResultGone):
			c.JSON(http.StatusGone, gin.H{"error": "Result is no longer available"})
		default:
			log.Error(err, "Failed to query job status", "job_id", jobID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query job status"})
		}
		return
	}

	job := view.Job
	switch job.Status {
	case jobctrl.JobStatusPending:
		c.JSON(http.StatusAccepted, gin.H{
			"jobId":     job.ID,
			"status":    string(job.Status),
			"createdAt": job.CreatedAt,
		})
	case jobctrl.JobStatusProcessing:
		c.JSON(http.StatusAccepted, gin.H{
			"jobId":     job.ID,
			"status":    string(job.Status),
			"createdAt": job.CreatedAt,
			"startedAt": job.StartedAt,
		})
	case jobctrl.JobStatusCompleted:
		c.JSON(http.StatusOK, gin.H{
			"jobId":       job.ID,
			"status":      string(job.Status),
			"completedAt": job.CompletedAt,
			"resultUrl":   view.ResultURL,
			"usage":       job.Usage,
		})
	case jobctrl.JobStatusFailed:
		c.JSON(http.StatusOK, gin.H{
			"jobId":    job.ID,
			"status":   string(job.Status),
			"failedAt": job.FailedAt,
			"error": gin.H{
				"code":    job.ErrorCode,
				"message": job.ErrorMessage,
			},
		})
	default:
		log.Error(nil, "Job has unexpected status", "job_id", job.ID, "status", string(job.Status))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Job is in an unexpected state"})
	}
}
