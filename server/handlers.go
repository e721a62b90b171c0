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
	"time"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/merkle"
	"github.com/worldcoin/signup-sequencer/prover"
	"github.com/worldcoin/signup-sequencer/storage"
)

func commitmentFromPath(req *http.Request) (hash.Hash, bool) {
	c, err := hash.FromHexString(req.PathValue("commitment"))
	return c, err == nil
}

func (s *Server) handleInsert(w http.ResponseWriter, req *http.Request) {
	c, ok := commitmentFromPath(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_commitment", "commitment must be a 0x-prefixed 64-digit hex field element")
		return
	}
	if err := s.intake.QueueInsertion(req.Context(), c); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDelete(w http.ResponseWriter, req *http.Request) {
	c, ok := commitmentFromPath(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_commitment", "commitment must be a 0x-prefixed 64-digit hex field element")
		return
	}
	if err := s.intake.QueueDeletion(req.Context(), c); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// inclusionProofResponse is the proof payload. Status is "pending" until
// the identity's batch is mined.
type inclusionProofResponse struct {
	Status string       `json:"status"`
	Root   hash.Hash    `json:"root"`
	Proof  merkle.Proof `json:"proof"`
}

func (s *Server) handleInclusionProof(w http.ResponseWriter, req *http.Request) {
	c, ok := commitmentFromPath(req)
	if !ok || c.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_commitment", "commitment must be a non-zero field element")
		return
	}

	rec, err := s.store.IdentityByCommitment(req.Context(), c)
	if errors.Is(err, storage.ErrNotFound) {
		queued, qErr := s.store.InUnprocessedQueue(req.Context(), c)
		if qErr != nil {
			writeStoreError(w, qErr)
			return
		}
		if queued {
			writeError(w, http.StatusConflict, "pending_commitment", "commitment is queued but not yet included in the tree")
			return
		}
		writeError(w, http.StatusNotFound, "unknown_commitment", "commitment not found")
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// A zero leaf where the commitment once lived means it was deleted.
	leaf, err := s.state.Processed.Leaf(rec.LeafIndex)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if leaf != c {
		writeError(w, http.StatusGone, "deleted_commitment", "commitment was deleted")
		return
	}

	proof, root, err := s.state.Processed.Proof(rec.LeafIndex)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	status := "pending"
	if rec.Status == storage.StatusMined {
		status = "mined"
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(inclusionProofResponse{Status: status, Root: root, Proof: proof}); err != nil {
		writeStoreError(w, err)
	}
}

type verifyRequest struct {
	Root                  hash.Hash    `json:"root"`
	SignalHash            hash.Hash    `json:"signalHash"`
	NullifierHash         hash.Hash    `json:"nullifierHash"`
	ExternalNullifierHash hash.Hash    `json:"externalNullifierHash"`
	Proof                 prover.Proof `json:"proof"`
	MaxRootAgeSeconds     *int64       `json:"maxRootAgeSeconds,omitempty"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

func (s *Server) handleVerify(w http.ResponseWriter, req *http.Request) {
	var body verifyRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body: "+err.Error())
		return
	}
	maxAge := s.maxRootAge
	if body.MaxRootAgeSeconds != nil {
		maxAge = time.Duration(*body.MaxRootAgeSeconds) * time.Second
	}
	if err := s.checkRoot(req, body.Root, maxAge); err != nil {
		var apiErr *rootError
		if errors.As(err, &apiErr) {
			writeError(w, http.StatusBadRequest, apiErr.id, apiErr.msg)
			return
		}
		writeStoreError(w, err)
		return
	}
	if s.verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "verifier_unavailable", "semaphore verification is not configured")
		return
	}

	valid, err := s.verifier.Verify(body.Root, body.SignalHash, body.NullifierHash, body.ExternalNullifierHash, body.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_proof", "malformed proof: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(verifyResponse{Valid: valid}); err != nil {
		writeStoreError(w, err)
	}
}

type rootError struct {
	id  string
	msg string
}

func (e *rootError) Error() string { return e.msg }

// checkRoot accepts the current root unconditionally and any other known
// root while it is younger than maxAge.
func (s *Server) checkRoot(req *http.Request, root hash.Hash, maxAge time.Duration) error {
	item, err := s.store.RootState(req.Context(), root)
	if errors.Is(err, storage.ErrNotFound) {
		return &rootError{id: "invalid_root", msg: "root is not known to this sequencer"}
	}
	if err != nil {
		return err
	}

	latest, err := s.store.LatestRoot(req.Context(), false)
	if err == nil && latest == root {
		return nil
	}
	if age := s.clk.Now().Sub(item.PendingValidAsOf); age > maxAge {
		return &rootError{id: "root_too_old", msg: "root is older than the allowed maximum age"}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	if err := s.store.Ping(req.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", "database unreachable")
		return
	}
	w.WriteHeader(http.StatusOK)
}
