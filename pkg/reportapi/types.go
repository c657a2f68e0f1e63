package reportapi

type SubmitJobRequest struct {
	UseCase string            `json:"useCase"`
	Email   string            `json:"email"`
	Filters map[string]string `json:"filters,omitempty"`
}

type SubmitJobResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

type JobStatusResponse struct {
	JobID        string         `json:"jobId"`
	Status       string         `json:"status"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"maxAttempts"`
	CreatedAt    string         `json:"createdAt"`
	ProcessedOn  string         `json:"processedOn,omitempty"`
	FinishedOn   string         `json:"finishedOn,omitempty"`
	FailedReason string         `json:"failedReason,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
}

type QueueStatsResponse struct {
	Stats     QueueStats `json:"stats"`
	Timestamp string     `json:"timestamp"`
}

type QueueStats struct {
	Waiting   int64            `json:"waiting"`
	Active    int64            `json:"active"`
	Completed int64            `json:"completed"`
	Failed    int64            `json:"failed"`
	Delayed   int64            `json:"delayed"`
	Total     int64            `json:"total"`
	Config    QueueStatsConfig `json:"config"`
}

type QueueStatsConfig struct {
	Concurrency   int  `json:"concurrency"`
	MaxAttempts   int  `json:"maxAttempts"`
	WorkerRunning bool `json:"workerRunning"`
}

type CleanupResponse struct {
	Message  string `json:"message"`
	Requeued int    `json:"requeued"`
}

type RetryJobResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}
