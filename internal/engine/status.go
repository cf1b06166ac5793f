package engine

// DeriveJobStatus computes a job's status purely from its target counts.
// completed requires every non-cancelled target to have succeeded; failed
// requires every non-cancelled target to have failed or blocked; a mix of
// terminal results, or any terminal result while work remains, is
// partially_completed.
func DeriveJobStatus(c TargetCounts) JobStatus {
	total := c.Total()
	if total == 0 {
		return JobStatusPending
	}
	nonCancelled := total - c.Cancelled
	if nonCancelled == 0 {
		return JobStatusCancelled
	}

	terminal := c.Succeeded + c.Failed + c.Blocked
	if terminal == nonCancelled {
		switch {
		case c.Succeeded == nonCancelled:
			return JobStatusCompleted
		case c.Succeeded == 0:
			return JobStatusFailed
		default:
			return JobStatusPartial
		}
	}

	if terminal > 0 {
		return JobStatusPartial
	}
	if c.Leased+c.Running > 0 {
		return JobStatusRunning
	}
	return JobStatusPending
}
