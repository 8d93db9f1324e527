// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import "net/http"

// Outcome is the failure taxonomy shared by the CRUD coordinator, the
// mutation drain and the location sync scheduler. Consumers react
// differently (a rejected mutation stays queued for review, a rejected ping
// is dropped from the active queue) but classify identically.
type Outcome int

const (
	// OutcomeSuccess means the server stored the submission.
	OutcomeSuccess Outcome = iota
	// OutcomeRejected is a permanent semantic rejection; do not retry.
	OutcomeRejected
	// OutcomeAuthError halts further processing in the current invocation.
	OutcomeAuthError
	// OutcomeRateLimited halts the current invocation; try again later with
	// no other state change.
	OutcomeRateLimited
	// OutcomeServerError is transient; retry later.
	OutcomeServerError
	// OutcomeUnknown is an unclassifiable result, treated as transient.
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAuthError:
		return "auth_error"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// retryable reports whether the outcome should be retried later.
func (o Outcome) retryable() bool {
	return o == OutcomeServerError || o == OutcomeUnknown
}

// Classify maps a remote call result to the outcome taxonomy. A transport
// error (err != nil) is transient regardless of any partial response. A
// skipped result is a semantic rejection: the server saw the submission and
// declined it (e.g. accuracy threshold not met), so resubmitting is
// pointless.
func Classify(statusCode int, skipped bool, err error) Outcome {
	if err != nil {
		return OutcomeServerError
	}
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return OutcomeAuthError
	case statusCode == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case statusCode >= 500:
		return OutcomeServerError
	case statusCode >= 400:
		return OutcomeRejected
	}
	if skipped {
		return OutcomeRejected
	}
	if statusCode >= 200 && statusCode < 300 {
		return OutcomeSuccess
	}
	return OutcomeUnknown
}
