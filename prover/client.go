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

package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"github.com/worldcoin/signup-sequencer/hash"
)

// RemoteError is a typed rejection from the prover service. Rejections
// are not retried: the inputs are wrong, not the network.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("prover rejected request: code=%s message=%s", e.Code, e.Message)
}

// Client is an HTTP prover for a single batch size and kind.
type Client struct {
	url       string
	batchSize int
	kind      Kind
	timeout   time.Duration
	http      *http.Client
}

// NewClient builds a prover client. The timeout bounds the whole Prove
// call including retries.
func NewClient(url string, batchSize int, kind Kind, timeout time.Duration) *Client {
	return &Client{
		url:       url,
		batchSize: batchSize,
		kind:      kind,
		timeout:   timeout,
		http:      &http.Client{},
	}
}

// BatchSize implements Prover.
func (c *Client) BatchSize() int { return c.batchSize }

// Kind implements Prover.
func (c *Client) Kind() Kind { return c.kind }

type proveRequest struct {
	InputHash           hash.Hex      `json:"input_hash"`
	StartIndex          uint32        `json:"start_index,omitempty"`
	PreRoot             hash.Hash     `json:"pre_root"`
	PostRoot            hash.Hash     `json:"post_root"`
	DeletionIndices     []uint32      `json:"deletion_indices,omitempty"`
	IdentityCommitments []hash.Hash   `json:"identity_commitments"`
	MerkleProofs        [][]hash.Hash `json:"merkle_proofs"`
}

type proveResponse struct {
	Proof *Proof `json:"proof"`
}

// Prove implements Prover. Transient failures (network errors, 5xx) are
// retried with exponential backoff until the context or timeout expires;
// a 4xx rejection surfaces as *RemoteError immediately.
func (c *Client) Prove(ctx context.Context, input *Input) (Proof, error) {
	if len(input.Identities) != c.batchSize {
		return Proof{}, fmt.Errorf("prover: input has %d identities, circuit capacity is %d", len(input.Identities), c.batchSize)
	}
	if input.Kind != c.kind {
		return Proof{}, fmt.Errorf("prover: %s input sent to %s prover", input.Kind, c.kind)
	}

	req := proveRequest{
		InputHash:           hash.Hex{Int: input.InputHash()},
		PreRoot:             input.PreRoot,
		PostRoot:            input.PostRoot,
		IdentityCommitments: make([]hash.Hash, len(input.Identities)),
		MerkleProofs:        make([][]hash.Hash, len(input.Identities)),
	}
	if c.kind == Insertion {
		req.StartIndex = input.StartIndex
	} else {
		req.DeletionIndices = input.DeletionIndices
	}
	for i, id := range input.Identities {
		req.IdentityCommitments[i] = id.Commitment
		req.MerkleProofs[i] = id.MerkleProof.Siblings()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Proof{}, fmt.Errorf("prover: encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var proof Proof
	op := func() error {
		p, err := c.proveOnce(ctx, body)
		if err != nil {
			var remote *RemoteError
			if errors.As(err, &remote) {
				return backoff.Permanent(err)
			}
			klog.Warningf("Prover %s (batch size %d) transient failure: %v", c.url, c.batchSize, err)
			return err
		}
		proof = p
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return Proof{}, err
	}
	return proof, nil
}

func (c *Client) proveOnce(ctx context.Context, body []byte) (Proof, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/prove", bytes.NewReader(body))
	if err != nil {
		return Proof{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Proof{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Proof{}, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		var out proveResponse
		if err := json.Unmarshal(payload, &out); err != nil {
			return Proof{}, fmt.Errorf("prover: decoding response: %w", err)
		}
		if out.Proof == nil {
			return Proof{}, fmt.Errorf("prover: response is missing proof")
		}
		return *out.Proof, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		remote := &RemoteError{}
		if err := json.Unmarshal(payload, remote); err != nil {
			remote.Code = fmt.Sprintf("http_%d", resp.StatusCode)
			remote.Message = string(payload)
		}
		return Proof{}, remote
	default:
		return Proof{}, fmt.Errorf("prover: status %d: %s", resp.StatusCode, payload)
	}
}
