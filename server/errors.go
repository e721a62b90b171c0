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

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"k8s.io/klog/v2"

	"github.com/worldcoin/signup-sequencer/sequencer"
	"github.com/worldcoin/signup-sequencer/storage"
)

// apiError is the stable error envelope of every 4xx/5xx response.
type apiError struct {
	ErrorID string `json:"errorId"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, errorID, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiError{ErrorID: errorID, Message: message}); err != nil {
		klog.Warningf("Writing error response: %v", err)
	}
}

// writeStoreError maps typed pipeline errors onto the API contract.
// Client-level outcomes stay at info logging; only unexpected failures
// are logged as errors.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sequencer.ErrInvalidCommitment):
		writeError(w, http.StatusBadRequest, "invalid_commitment", "commitment is not a valid reduced field element")
	case errors.Is(err, storage.ErrDuplicateCommitment):
		writeError(w, http.StatusConflict, "duplicate_commitment", "commitment already exists")
	case errors.Is(err, storage.ErrPreviouslyDeleted), errors.Is(err, storage.ErrAlreadyDeleted):
		writeError(w, http.StatusGone, "deleted_commitment", "commitment was deleted")
	case errors.Is(err, storage.ErrNotYetProcessed):
		writeError(w, http.StatusConflict, "pending_commitment", "commitment has not been processed yet")
	case errors.Is(err, storage.ErrUnknownCommitment), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown_commitment", "commitment not found")
	default:
		klog.Errorf("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
