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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/identitytree"
	"github.com/worldcoin/signup-sequencer/prover"
	"github.com/worldcoin/signup-sequencer/sequencer"
	"github.com/worldcoin/signup-sequencer/storage/memory"
	"github.com/worldcoin/signup-sequencer/util/clock"
)

const testDepth = 10

var testStart = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func commitment(i int64) hash.Hash {
	return hash.FromBig(big.NewInt(i))
}

type fixture struct {
	srv    *httptest.Server
	store  *memory.Store
	former *sequencer.Former
	clock  *clock.Manual
	state  *identitytree.State
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sequencer.InitMetrics(nil)

	store := memory.New()
	state, err := identitytree.Initialize(context.Background(), store, testDepth)
	require.NoError(t, err)
	require.NoError(t, store.EnsureGenesisBatch(context.Background(), state.Batching.Root()))

	provers, err := prover.NewMap(
		prover.NewMock(1, prover.Insertion),
		prover.NewMock(1, prover.Deletion),
	)
	require.NoError(t, err)

	ts := clock.NewManual(testStart)
	cfg := sequencer.Config{TreeDepth: testDepth}
	intake := sequencer.NewIntake(store, ts, nil)
	former := sequencer.NewFormer(store, state, provers, ts, cfg, nil)

	api := New(Options{
		Store:      store,
		State:      state,
		Intake:     intake,
		Clock:      ts,
		MaxRootAge: time.Hour,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, store: store, former: former, clock: ts, state: state}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func errorID(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		ErrorID string `json:"errorId"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	return envelope.ErrorID
}

func identityPath(c hash.Hash) string {
	return fmt.Sprintf("/v2/identities/%s", c)
}

func TestInsertIdentity(t *testing.T) {
	f := newFixture(t)
	c := commitment(1)

	resp, _ := f.do(t, http.MethodPost, identityPath(c), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Idempotent retry is a conflict with a stable error id.
	resp, body := f.do(t, http.MethodPost, identityPath(c), nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "duplicate_commitment", errorID(t, body))

	// Malformed and zero commitments are client errors.
	resp, body = f.do(t, http.MethodPost, "/v2/identities/0xzz", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_commitment", errorID(t, body))

	resp, body = f.do(t, http.MethodPost, identityPath(hash.Zero), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_commitment", errorID(t, body))
}

func TestInclusionProofLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := commitment(1)

	// Unknown.
	resp, body := f.do(t, http.MethodGet, identityPath(c)+"/inclusion-proof", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "unknown_commitment", errorID(t, body))

	// Queued but not yet in the tree.
	resp, _ = f.do(t, http.MethodPost, identityPath(c), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, body = f.do(t, http.MethodGet, identityPath(c)+"/inclusion-proof", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "pending_commitment", errorID(t, body))

	// Formed: the proof verifies against the returned root.
	formed, err := f.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)

	resp, body = f.do(t, http.MethodGet, identityPath(c)+"/inclusion-proof", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var proofResp inclusionProofResponse
	require.NoError(t, json.Unmarshal(body, &proofResp))
	require.Equal(t, "pending", proofResp.Status)
	require.Len(t, proofResp.Proof, testDepth)
	require.True(t, proofResp.Proof.Verify(proofResp.Root, c))
	require.Equal(t, uint64(0), proofResp.Proof.LeafIndex())

	// A second identity keeps the post-deletion root distinct from the
	// genesis root, which already heads the batch chain.
	resp, _ = f.do(t, http.MethodPost, identityPath(commitment(2)), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	formed, err = f.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)

	// Deleted: the endpoint reports 410.
	resp, _ = f.do(t, http.MethodDelete, identityPath(c), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	formed, err = f.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)

	resp, body = f.do(t, http.MethodGet, identityPath(c)+"/inclusion-proof", nil)
	require.Equal(t, http.StatusGone, resp.StatusCode)
	require.Equal(t, "deleted_commitment", errorID(t, body))
}

func TestDeleteIdentityErrors(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodDelete, identityPath(commitment(9)), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "unknown_commitment", errorID(t, body))

	resp, _ = f.do(t, http.MethodPost, identityPath(commitment(9)), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, body = f.do(t, http.MethodDelete, identityPath(commitment(9)), nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "pending_commitment", errorID(t, body))
}

func TestVerifyRootChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Insert and form so a root exists.
	resp, _ := f.do(t, http.MethodPost, identityPath(commitment(1)), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	formed, err := f.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)
	root := f.state.Processed.Root()

	// Without a configured verifier the endpoint is unavailable, but the
	// root checks run first, so an unknown root is rejected before the
	// verifier is consulted.
	req := map[string]any{
		"root":                  commitment(999),
		"signalHash":            commitment(1),
		"nullifierHash":         commitment(2),
		"externalNullifierHash": commitment(3),
		"proof":                 []string{"0x1", "0x1", "0x1", "0x1", "0x1", "0x1", "0x1", "0x1"},
	}
	resp, body := f.do(t, http.MethodPost, "/v2/semaphore-proof/verify", req)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_root", errorID(t, body))

	// A known root past its maximum age is rejected.
	f.clock.Advance(2 * time.Hour)
	// Push a second batch so the old root is no longer latest.
	resp, _ = f.do(t, http.MethodPost, identityPath(commitment(2)), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	formed, err = f.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)

	req["root"] = root
	resp, body = f.do(t, http.MethodPost, "/v2/semaphore-proof/verify", req)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "root_too_old", errorID(t, body))
}

func TestVerifyRootChecksPrecedeVerifier(t *testing.T) {
	f := newFixture(t)

	// The latest root is accepted regardless of age, reaching the
	// verifier-unavailable answer instead of a root error.
	resp, _ := f.do(t, http.MethodPost, identityPath(commitment(1)), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	formed, err := f.former.FormBatch(context.Background())
	require.NoError(t, err)
	require.True(t, formed)
	f.clock.Advance(48 * time.Hour)

	req := map[string]any{
		"root":                  f.state.Processed.Root(),
		"signalHash":            commitment(1),
		"nullifierHash":         commitment(2),
		"externalNullifierHash": commitment(3),
		"proof":                 []string{"0x1", "0x1", "0x1", "0x1", "0x1", "0x1", "0x1", "0x1"},
	}
	resp, body := f.do(t, http.MethodPost, "/v2/semaphore-proof/verify", req)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "verifier_unavailable", errorID(t, body))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/v2/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
