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

package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

// Client talks to an HTTP relayer service:
//
//	POST /transactions          SubmitRequest -> {"transaction_id": ...}
//	GET  /transactions/{id}     -> {"state": ..., "block_number": ...}
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

// NewClient builds a relayer client; timeout bounds each call including
// retries.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, timeout: timeout, http: &http.Client{}}
}

type submitResponse struct {
	TransactionID string `json:"transaction_id"`
}

type statusResponse struct {
	State       TxState `json:"state"`
	BlockNumber uint64  `json:"block_number"`
}

// Submit implements Relayer. Retries transparently on transport errors
// and 5xx; the relayer deduplicates by post root, so retried submissions
// resolve to the same transaction.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("relayer: encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var txID string
	op := func() error {
		id, err := c.submitOnce(ctx, body)
		if err != nil {
			klog.Warningf("Relayer submit for post root %s failed: %v", req.PostRoot, err)
			return err
		}
		txID = id
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return "", err
	}
	return txID, nil
}

func (c *Client) submitOnce(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		err := fmt.Errorf("relayer: status %d: %s", resp.StatusCode, payload)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", backoff.Permanent(err)
		}
		return "", err
	}
	var out submitResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("relayer: decoding response: %w", err)
	}
	if out.TransactionID == "" {
		return "", backoff.Permanent(fmt.Errorf("relayer: response is missing transaction id"))
	}
	return out.TransactionID, nil
}

// Status implements Relayer.
func (c *Client) Status(ctx context.Context, transactionID string) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/transactions/"+url.PathEscape(transactionID), nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Status{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("relayer: status %d: %s", resp.StatusCode, payload)
	}
	var out statusResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return Status{}, fmt.Errorf("relayer: decoding response: %w", err)
	}
	switch out.State {
	case TxPending, TxMined, TxReorged, TxFailed:
	default:
		return Status{}, fmt.Errorf("relayer: unknown transaction state %q", out.State)
	}
	return Status{State: out.State, BlockNumber: out.BlockNumber}, nil
}
