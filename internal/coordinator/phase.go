package coordinator

// Phase is the coordinator's position in the job lifecycle.
//
//	not_started ──setup ok──▶ job_open ──commit ok──▶ job_closed
//	     │                        │
//	     └─setup failed─▶ aborted_never_created
//	                              └─task failed / cancelled / close failed─▶ aborted_job_left_open
type Phase string

const (
	PhaseNotStarted          Phase = "not_started"
	PhaseJobOpen             Phase = "job_open"
	PhaseJobClosed           Phase = "job_closed"
	PhaseAbortedNeverCreated Phase = "aborted_never_created"
	PhaseAbortedJobLeftOpen  Phase = "aborted_job_left_open"
)

// Terminal reports whether no further lifecycle call can succeed, apart from
// a manual abort of a job left open.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseJobClosed, PhaseAbortedNeverCreated, PhaseAbortedJobLeftOpen:
		return true
	default:
		return false
	}
}
