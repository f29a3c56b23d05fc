package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/dubcastio/dubcast/internal/app"
	"github.com/dubcastio/dubcast/internal/domain"
	"github.com/dubcastio/dubcast/internal/estimate"
)

// JobsController handles the job lifecycle endpoints of spec.md §6.1.
type JobsController struct {
	App *app.Context
}

// Start creates a new dubbing job and launches its pipeline.
func (ctrl *JobsController) Start(c *echo.Context) error {
	var req startJobRequest
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Code: domain.CodeValidation, Message: "malformed request body"})
	}

	job, err := ctrl.App.StartJob(c.Request().Context(), req.SourceRef, req.Config.toDomain())
	if err != nil {
		return httpError(c, err)
	}

	return c.JSON(http.StatusAccepted, startJobResponse{JobID: job.ID})
}

// Get returns a single job's current snapshot.
func (ctrl *JobsController) Get(c *echo.Context) error {
	job, err := ctrl.App.GetJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, toJobResponse(job))
}

// List returns a page of jobs, optionally filtered by status.
func (ctrl *JobsController) List(c *echo.Context) error {
	status := domain.Status(c.QueryParam("status"))
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	jobs, hasMore, err := ctrl.App.ListJobs(c.Request().Context(), status, limit, offset)
	if err != nil {
		return httpError(c, err)
	}

	resp := listJobsResponse{Jobs: make([]jobResponse, 0, len(jobs)), HasMore: hasMore}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	return c.JSON(http.StatusOK, resp)
}

// Cancel requests cancellation of a running job.
func (ctrl *JobsController) Cancel(c *echo.Context) error {
	if err := ctrl.App.CancelJob(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// Retry re-enters the Dubbing stage for a Failed job's failed segments.
func (ctrl *JobsController) Retry(c *echo.Context) error {
	var req retryJobRequest
	// An empty body is valid (defaults to the job's recorded failed set);
	// only reject bodies that are present but malformed.
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Code: domain.CodeValidation, Message: "malformed request body"})
		}
	}

	indices, err := ctrl.App.RetryJob(c.Request().Context(), c.Param("id"), req.SegmentIndices)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, retryJobResponse{RetriedIndices: indices})
}

// Delete removes a terminal job's record and deletes its workspace.
func (ctrl *JobsController) Delete(c *echo.Context) error {
	if err := ctrl.App.DeleteJob(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func toJobResponse(j *domain.Job) jobResponse {
	// sourceDurationS is not probed ahead of chunking. While the job's
	// progress detail carries the splitter's segment count (during the
	// Chunking stage), segment count times the configured segment length
	// stands in for the source's duration; otherwise the estimate covers
	// a single segment.
	sourceDurationS := float64(j.Config.SegmentDurationS)
	if j.Progress.Detail.ChunkingTotal > 0 {
		sourceDurationS = float64(j.Progress.Detail.ChunkingTotal * j.Config.SegmentDurationS)
	}

	return jobResponse{
		ID:               j.ID,
		SourceRef:        j.SourceRef,
		Config:           fromDomainConfig(j.Config),
		Status:           j.Status,
		Progress:         j.Progress,
		OutputFile:       j.OutputFile,
		Logs:             j.Logs,
		Error:            j.Error,
		CreatedAt:        j.CreatedAt,
		EstimatedCost:    estimate.Cost(j.Config, sourceDurationS),
		EstimatedETASecs: int(estimate.ETA(j.Config, sourceDurationS).Seconds()),
	}
}

func queryInt(c *echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
