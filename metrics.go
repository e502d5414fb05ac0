package auth

// Outcomes reported to MetricsRecorder
const (
	OutcomeSuccess      = "success"
	OutcomeInvalid      = "invalid_credentials"
	OutcomeLocked       = "locked"
	OutcomeLockedOut    = "locked_out"
	OutcomeInactive     = "inactive"
	OutcomeRejected     = "rejected"
	OutcomeReplayDenied = "replay_denied"
)

// MetricsRecorder receives counters from the managers. The metrics
// subpackage provides a prometheus implementation.
type MetricsRecorder interface {
	LoginAttempt(outcome string)
	TokenRefreshed(outcome string)
	ContextSwitched(role string)
	RoleChanged(action string)
	SideEffectFailed(kind string)
	RequestThrottled(route string)
}

type noopMetrics struct{}

func (noopMetrics) LoginAttempt(string)     {}
func (noopMetrics) TokenRefreshed(string)   {}
func (noopMetrics) ContextSwitched(string)  {}
func (noopMetrics) RoleChanged(string)      {}
func (noopMetrics) SideEffectFailed(string) {}
func (noopMetrics) RequestThrottled(string) {}

func normalizeMetrics(m MetricsRecorder) MetricsRecorder {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
