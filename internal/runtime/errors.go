package runtime

import "fmt"

// NotLoadedError reports an execute call against a tenant with no active
// entry. Callers surface it as a 503-equivalent "service not ready"; it is
// never silently defaulted to another tenant's configuration.
type NotLoadedError struct {
	TenantID string
}

func (e *NotLoadedError) Error() string {
	return fmt.Sprintf("no active workflow for tenant %q", e.TenantID)
}

// ExecutionError reports a model/provider failure during the request path.
// Retryable errors (timeouts) may be retried at the caller's discretion; the
// engine itself never retries to avoid duplicate model billing.
type ExecutionError struct {
	Stage     string
	Retryable bool
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed at %s stage: %v", e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
