package call

import (
	"strings"

	"github.com/acme/campaign-dialer/internal/domain"
)

var providerStatuses = map[string]domain.CallStatus{
	"queued":      domain.CallStatusQueued,
	"scheduled":   domain.CallStatusQueued,
	"ringing":     domain.CallStatusRinging,
	"in-progress": domain.CallStatusInProgress,
	"in_progress": domain.CallStatusInProgress,
	"forwarding":  domain.CallStatusInProgress,
	"answered":    domain.CallStatusInProgress,
	"ended":       domain.CallStatusEnded,
	"completed":   domain.CallStatusEnded,
	"failed":      domain.CallStatusFailed,
	"error":       domain.CallStatusFailed,
	"canceled":    domain.CallStatusCanceled,
	"cancelled":   domain.CallStatusCanceled,
	"no-answer":   domain.CallStatusNoAnswer,
	"no_answer":   domain.CallStatusNoAnswer,
	"busy":        domain.CallStatusBusy,
	"timeout":     domain.CallStatusTimeout,
	"timed-out":   domain.CallStatusTimeout,
}

// MapProviderStatus translates a provider status, refined by the end reason when
// the call has ended, into an internal status. Unrecognized input maps to
// CallStatusUnknown.
func MapProviderStatus(status, endedReason string) domain.CallStatus {
	mapped, ok := providerStatuses[strings.ToLower(strings.TrimSpace(status))]
	if !ok {
		return domain.CallStatusUnknown
	}
	if mapped == domain.CallStatusEnded {
		return refineEnded(strings.ToLower(endedReason))
	}
	return mapped
}

func refineEnded(reason string) domain.CallStatus {
	switch {
	case reason == "":
		return domain.CallStatusEnded
	case strings.Contains(reason, "did-not-answer"), strings.Contains(reason, "no-answer"):
		return domain.CallStatusNoAnswer
	case strings.Contains(reason, "busy"):
		return domain.CallStatusBusy
	case strings.Contains(reason, "error"), strings.Contains(reason, "failed"), strings.Contains(reason, "fault"):
		return domain.CallStatusFailed
	case strings.Contains(reason, "cancel"):
		return domain.CallStatusCanceled
	case strings.Contains(reason, "silence-timed-out"):
		return domain.CallStatusEnded
	case strings.Contains(reason, "timed-out"), strings.Contains(reason, "timeout"):
		return domain.CallStatusTimeout
	}
	return domain.CallStatusEnded
}
