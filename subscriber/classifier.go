// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriber

import "errors"

// Failure is the retryability class of a handler error.
type Failure int

const (
	// Transient failures are retried until the attempt budget is spent.
	Transient Failure = iota
	// Permanent failures are abandoned after a single attempt.
	Permanent
)

func (f Failure) String() string {
	if f == Permanent {
		return "permanent"
	}
	return "transient"
}

// Classifier decides whether a handler error is worth retrying. It must be
// pure: no side effects, same answer for the same error. Different handlers
// may classify the same error differently, so the policy is injected at
// construction.
type Classifier func(err error) Failure

// ErrPermanent marks an error as not retryable. Handlers wrap or return it
// to short-circuit the retry budget under the default classifier.
var ErrPermanent = errors.New("permanent processing failure")

// DefaultClassifier treats errors matching ErrPermanent as permanent and
// everything else as transient.
func DefaultClassifier(err error) Failure {
	if errors.Is(err, ErrPermanent) {
		return Permanent
	}
	return Transient
}
