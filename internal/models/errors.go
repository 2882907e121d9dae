package models

// Error codes carried in the JSON body of every non-2xx server response.
const (
	CodeInvalidArgument   = "InvalidArgument"
	CodeUnauthorized      = "Unauthorized"
	CodeForbidden         = "Forbidden"
	CodeNotFound          = "NotFound"
	CodeConflict          = "Conflict"
	CodeIncompletePartSet = "IncompletePartSet"
	CodeUnavailable       = "Unavailable"
	CodeInternal          = "Internal"
)

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
