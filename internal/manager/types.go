package manager

// ExecContext is the read-only view of the invocation a model load runs on
// behalf of. A nil ExecContext disables load events and cancellation checks.
type ExecContext interface {
	ExecutionID() string
	IsCanceled() bool
}

// execFunc adapts an id and a cancellation probe to ExecContext.
type execFunc struct {
	id       string
	canceled func() bool
}

func (e execFunc) ExecutionID() string { return e.id }

func (e execFunc) IsCanceled() bool { return e.canceled != nil && e.canceled() }

// NewExecContext returns an ExecContext reporting id and consulting canceled.
func NewExecContext(id string, canceled func() bool) ExecContext {
	return execFunc{id: id, canceled: canceled}
}
