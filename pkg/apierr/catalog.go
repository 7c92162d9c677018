package apierr

import "net/http"

// --- Common ---

func InvalidRequestBody() *Error {
	return New(CodeInvalidRequestBody, http.StatusBadRequest, "Invalid request body")
}

func InternalError(cause error) *Error {
	return Wrap(CodeInternalError, http.StatusInternalServerError, "Internal server error", cause)
}

// --- Pipeline runs ---

func RunNotFound() *Error {
	return New(CodeRunNotFound, http.StatusNotFound, "Pipeline run not found")
}

func InvalidRunID() *Error {
	return New(CodeInvalidRunID, http.StatusBadRequest, "Invalid pipeline run ID")
}

func RunCreateFailed(cause error) *Error {
	return Wrap(CodeRunCreateFailed, http.StatusInternalServerError, "Failed to create pipeline run", cause)
}

func RunListFailed(cause error) *Error {
	return Wrap(CodeRunListFailed, http.StatusInternalServerError, "Failed to list pipeline runs", cause)
}

func RunStatusFailed(cause error) *Error {
	return Wrap(CodeRunStatusFailed, http.StatusInternalServerError, "Failed to compute run status", cause)
}

func StageLogsFailed(cause error) *Error {
	return Wrap(CodeStageLogsFailed, http.StatusInternalServerError, "Failed to load stage logs", cause)
}

func DispatchFailed(cause error) *Error {
	return Wrap(CodeDispatchFailed, http.StatusInternalServerError, "Failed to dispatch stage", cause)
}

// InvalidTransition reports a state-machine guard rejection. The message comes
// from the orchestrator and names the current status and requested operation.
func InvalidTransition(cause error) *Error {
	return Wrap(CodeInvalidTransition, http.StatusConflict, cause.Error(), cause)
}

// --- Documents ---

func FileRequired() *Error {
	return New(CodeFileRequired, http.StatusBadRequest, "Multipart field 'file' is required")
}

func UploadFailed(cause error) *Error {
	return Wrap(CodeUploadFailed, http.StatusInternalServerError, "Failed to store document", cause)
}

// --- Health ---

func DatabaseNotReady() *Error {
	return New(CodeDatabaseNotReady, http.StatusServiceUnavailable, "Database is not ready")
}
