package domain

// Segment is one time-contiguous slice of the source media, produced
// by the splitter and consumed by the dubbing provider.
type Segment struct {
	Index     int     `json:"index"`
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
	Duration  float64 `json:"duration"`
	Path      string  `json:"path"`
	Filename  string  `json:"filename"`
}

// Manifest is the splitter's commit artifact, written to
// <segments>/manifest.json once every segment file exists on disk.
type Manifest struct {
	Version          int       `json:"version"`
	JobID            string    `json:"jobId"`
	TotalCount       int       `json:"totalCount"`
	SegmentDuration  int       `json:"segmentDuration"`
	Segments         []Segment `json:"segments"`
}

const ManifestVersion = 1

// WorkState is the worker pool's per-segment lifecycle, distinct from
// the job-level Status.
type WorkState string

const (
	WorkPending    WorkState = "pending"
	WorkUploading  WorkState = "uploading"
	WorkProcessing WorkState = "processing"
	WorkRetrying   WorkState = "retrying"
	WorkComplete   WorkState = "complete"
	WorkFailed     WorkState = "failed"
)

// SegmentWorkItem tracks one segment's attempts through the worker
// pool. It is owned by the pool for the duration of a single stage
// invocation and never persisted directly (the pool reports snapshots
// to the orchestrator, which folds them into Job.Progress).
type SegmentWorkItem struct {
	Segment      Segment
	State        WorkState
	AttemptCount int
	RetryCount   int
	RemoteJobID  string
	LastError    error
}

// SegmentResult is the worker pool's per-segment outcome, returned in
// manifest order once the pool drains.
type SegmentResult struct {
	Index       int    `json:"index"`
	OutputPath  string `json:"outputPath"`
	RemoteJobID string `json:"remoteJobId"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}
