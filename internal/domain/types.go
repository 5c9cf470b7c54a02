package domain

// JobStatus tracks the lifecycle of a single transcription job.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further progress updates may follow.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ProcessingDetails summarizes how a finished job was handled.
type ProcessingDetails struct {
	OriginalFileSize string `json:"originalFileSize"`
	ChunksProcessed  int    `json:"chunksProcessed"`
	ConversionUsed   bool   `json:"conversionUsed"`
	SplittingUsed    bool   `json:"splittingUsed"`
}

// Result is the terminal payload of a completed job.
type Result struct {
	HistoryID         int64             `json:"id,omitempty"`
	Transcription     string            `json:"transcription"`
	Filename          string            `json:"filename"`
	ProcessingDetails ProcessingDetails `json:"processingDetails"`
	Warning           string            `json:"warning,omitempty"`
}

// StatusSnapshot is the point-in-time job view served over the poll channel.
// It carries the same fields push subscribers receive, so a client can switch
// between channels without losing information.
type StatusSnapshot struct {
	JobID      string    `json:"jobId"`
	Status     JobStatus `json:"status"`
	Progress   int       `json:"progress"`
	Stage      string    `json:"stage"`
	Filename   string    `json:"filename"`
	Cancelling bool      `json:"cancelling"`
	Result     *Result   `json:"result"`
}
