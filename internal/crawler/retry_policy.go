package crawler

import "time"

// DefaultRetryDelay returns the wait before retry attempt n: 1+2n minutes,
// so the first retry waits 3 minutes, the second 5, and so on.
func DefaultRetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(1+2*attempt) * time.Minute
}

// StatusForCode maps an HTTP status and page integrity to a fetch status.
// Pages that loaded but revealed an identity problem are retried.
func StatusForCode(code int, integrity Integrity) Status {
	switch {
	case code == 404 || code == 410:
		return StatusGone
	case code == 0, code == 403, code == 408, code == 429, code >= 500:
		return StatusRetry
	case code >= 400:
		return StatusGone
	case integrity != IntegrityOK:
		return StatusRetry
	default:
		return StatusSuccess
	}
}

// ExhaustRetries turns a retry into gone once the task has used its retry budget.
func ExhaustRetries(task CrawlTask, status Status) Status {
	if status == StatusRetry && task.Retries >= task.MaxRetries {
		return StatusGone
	}
	return status
}
