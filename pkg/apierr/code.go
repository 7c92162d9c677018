package apierr

// Code is a machine-readable error code returned in API responses.
type Code string

// Common errors.
const (
	CodeInvalidRequestBody Code = "INVALID_REQUEST_BODY"
	CodeInvalidID          Code = "INVALID_ID"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// Pipeline run errors.
const (
	CodeRunNotFound      Code = "PIPELINE_RUN_NOT_FOUND"
	CodeInvalidRunID     Code = "INVALID_RUN_ID"
	CodeRunCreateFailed  Code = "PIPELINE_RUN_CREATE_FAILED"
	CodeRunListFailed    Code = "PIPELINE_RUN_LIST_FAILED"
	CodeRunStatusFailed  Code = "PIPELINE_RUN_STATUS_FAILED"
	CodeStageLogsFailed  Code = "STAGE_LOGS_FAILED"
	CodeDispatchFailed   Code = "DISPATCH_FAILED"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
)

// Document errors.
const (
	CodeFileRequired Code = "FILE_REQUIRED"
	CodeUploadFailed Code = "UPLOAD_FAILED"
)

// Health errors.
const (
	CodeDatabaseNotReady Code = "DATABASE_NOT_READY"
)
