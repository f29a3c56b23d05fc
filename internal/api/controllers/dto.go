package controllers

import (
	"time"

	"github.com/dubcastio/dubcast/internal/domain"
)

// startJobRequest is the StartJob request body (spec.md §6.1).
type startJobRequest struct {
	SourceRef string      `json:"sourceRef"`
	Config    configInput `json:"config"`
}

// configInput mirrors domain.Config's JSON shape; kept as a distinct
// type (rather than binding straight into domain.Config) so unknown
// fields and type mistakes surface as a VALIDATION error instead of a
// silently zeroed struct.
type configInput struct {
	SegmentDuration  int    `json:"segmentDuration"`
	TargetLanguage   string `json:"targetLanguage"`
	MaxParallelJobs  int    `json:"maxParallelJobs"`
	VideoQuality     string `json:"videoQuality"`
	OutputFormat     string `json:"outputFormat"`
	UseWatermark     bool   `json:"useWatermark"`
	KeepIntermediate bool   `json:"keepIntermediateFiles"`
	SegmentStrategy  string `json:"segmentStrategy"`
}

func (c configInput) toDomain() domain.Config {
	return domain.Config{
		SegmentDurationS: c.SegmentDuration,
		TargetLanguage:   c.TargetLanguage,
		MaxParallelJobs:  c.MaxParallelJobs,
		VideoQuality:     domain.VideoQuality(c.VideoQuality),
		OutputFormat:     domain.OutputFormat(c.OutputFormat),
		UseWatermark:     c.UseWatermark,
		KeepIntermediate: c.KeepIntermediate,
		SegmentStrategy:  domain.SegmentStrategy(c.SegmentStrategy),
	}
}

type startJobResponse struct {
	JobID string `json:"jobId"`
}

type jobResponse struct {
	ID               string            `json:"id"`
	SourceRef        string            `json:"sourceRef"`
	Config           configInput       `json:"config"`
	Status           domain.Status     `json:"status"`
	Progress         domain.Progress   `json:"progress"`
	OutputFile       string            `json:"outputFile,omitempty"`
	Logs             []domain.LogEntry `json:"logs"`
	Error            *domain.JobError  `json:"error,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	EstimatedCost    float64           `json:"estimatedCost"`
	EstimatedETASecs int               `json:"estimatedEtaSeconds"`
}

type listJobsResponse struct {
	Jobs    []jobResponse `json:"jobs"`
	HasMore bool          `json:"hasMore"`
}

type retryJobRequest struct {
	SegmentIndices []int `json:"segmentIndices,omitempty"`
}

type retryJobResponse struct {
	RetriedIndices []int `json:"retriedIndices"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func fromDomainConfig(c domain.Config) configInput {
	return configInput{
		SegmentDuration:  c.SegmentDurationS,
		TargetLanguage:   c.TargetLanguage,
		MaxParallelJobs:  c.MaxParallelJobs,
		VideoQuality:     string(c.VideoQuality),
		OutputFormat:     string(c.OutputFormat),
		UseWatermark:     c.UseWatermark,
		KeepIntermediate: c.KeepIntermediate,
		SegmentStrategy:  string(c.SegmentStrategy),
	}
}
