package services

// Service-level error types. Handlers map these to HTTP status codes in
// one place; see handlers.handleServiceError.

type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return e.Message }

// ConflictError means a conditional update lost a race, most commonly an
// accept against a request someone else already claimed. This is a
// routine negative outcome, not a failure: callers must not retry
// against the same request.
type ConflictError struct{ Message string }

func (e *ConflictError) Error() string { return e.Message }

// InvalidTransitionError means the requested transition is not legal
// from the request's current status.
type InvalidTransitionError struct{ Message string }

func (e *InvalidTransitionError) Error() string { return e.Message }

// UnauthorizedError means the caller is not the owning student or the
// assigned tutor for the operation.
type UnauthorizedError struct{ Message string }

func (e *UnauthorizedError) Error() string { return e.Message }

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "Validation error" }

// ProvisioningError means a meeting link could not be obtained after
// bounded retries. The claim itself stands; the caller may re-accept to
// resume provisioning.
type ProvisioningError struct{ Message string }

func (e *ProvisioningError) Error() string { return e.Message }
