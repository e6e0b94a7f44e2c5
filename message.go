package main

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeInvalidImage    = "invalid_image"
	CodeModelNotFound   = "model_not_found"
	CodeSessionError    = "session_error"
	CodeProcessingError = "processing_error"
)

const (
	MsgInvalidImage   = "Failed to decode image"
	MsgModelNotFound  = "Model not found"
	MsgHealthy        = "Healthy"
	MsgUnhealthy      = "Unhealthy"
	MsgProcessingFail = "Failed to run detection"
)
