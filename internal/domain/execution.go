package domain

// Engine identifiers supported out of the box.
const (
	EngineBigQuery = "bigquery"
	EngineTrino    = "trino"
)

// ExecutionStatus is the terminal status reported to callers.
type ExecutionStatus string

// Execution statuses.
const (
	ExecutionStatusValidated ExecutionStatus = "VALIDATED"
	ExecutionStatusSuccess   ExecutionStatus = "SUCCESS"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
)

// ExecutionState tracks a request through the orchestrator.
type ExecutionState string

// Execution lifecycle states.
const (
	StateReceived      ExecutionState = "RECEIVED"
	StateValidating    ExecutionState = "VALIDATING"
	StateValidated     ExecutionState = "VALIDATED"
	StateQuotaRejected ExecutionState = "QUOTA_REJECTED"
	StateDispatching   ExecutionState = "DISPATCHING"
	StateSuccess       ExecutionState = "SUCCESS"
	StateFailed        ExecutionState = "FAILED"
)

// ExecutionRequest is a single, request-scoped ad-hoc query submission.
type ExecutionRequest struct {
	SQL            string
	Engine         string
	Parameters     map[string]interface{}
	DryRun         bool
	Limit          int
	TimeoutSeconds int
	DownloadFormat string
	// PersistResult opts out of result persistence when explicitly false.
	PersistResult *bool
}

// ShouldPersist reports whether the caller wants a downloadable artifact.
func (r *ExecutionRequest) ShouldPersist() bool {
	if r.DownloadFormat == "" {
		return false
	}
	return r.PersistResult == nil || *r.PersistResult
}

// ExecutionResult is the outcome of Execute.
type ExecutionResult struct {
	ExecutionID     string
	Status          ExecutionStatus
	Columns         []string
	Rows            []Row
	RowCount        int
	ExecutionTimeMs int64
	RenderedSQL     string
	Error           string
	DownloadURLs    map[string]string
}

// DispatchResult is what an engine dispatch returns on success.
type DispatchResult struct {
	Columns    []string
	Rows       []Row
	RowCount   int
	DurationMs int64
}
