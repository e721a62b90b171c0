// Copyright 2024 Worldcoin Foundation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"errors"
	"fmt"
)

// Typed intake outcomes. Callers branch with errors.Is; the HTTP layer
// maps them to stable error ids.
var (
	// ErrDuplicateCommitment: the commitment is already queued or in the log.
	ErrDuplicateCommitment = errors.New("commitment already exists")
	// ErrPreviouslyDeleted: the commitment was inserted and later deleted;
	// deleted leaves are never rewritten.
	ErrPreviouslyDeleted = errors.New("commitment was previously deleted")
	// ErrUnknownCommitment: the commitment appears nowhere.
	ErrUnknownCommitment = errors.New("commitment not found")
	// ErrNotYetProcessed: the commitment is still in the unprocessed queue,
	// so there is no leaf to delete yet.
	ErrNotYetProcessed = errors.New("commitment not yet processed")
	// ErrAlreadyDeleted: a deletion for the commitment is queued or applied.
	ErrAlreadyDeleted = errors.New("commitment already deleted")
	// ErrNotFound is the generic missing-row outcome for lookups.
	ErrNotFound = errors.New("not found")
	// ErrAlreadySubmitted: the batch already has a transaction row.
	ErrAlreadySubmitted = errors.New("batch already has a transaction")
	// ErrLeaderLockHeld: another process holds the batch-former lock.
	ErrLeaderLockHeld = errors.New("leader lock held by another session")
)

// InvariantError marks a data-integrity failure, such as a pre-root chain
// break. It must never be retried or masked: the run loop shuts the
// process down when one surfaces.
type InvariantError struct {
	Msg string
	Err error
}

func (e *InvariantError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invariant violation: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("invariant violation: %s", e.Msg)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// IsInvariantViolation reports whether err carries an InvariantError
// anywhere in its chain.
func IsInvariantViolation(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
