// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package embedclient implements the uniform embed_texts client (spec.md
// §4.5) over two wire shapes: an OpenAI-shaped /v1/embeddings endpoint and
// the internal embed-pool /embed endpoint, with adaptive batch-size shrink
// and capped exponential backoff shared across both.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
)

// RetryConfig mirrors the teacher's ingestion RetryConfig shape
// (MaxRetries/InitialBackoff/MaxBackoff/Multiplier), generalized with the
// base/cap values spec.md §4.5 fixes for the embed client specifically.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryConfig matches spec.md §4.5: base 0.1s, cap 1.0s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
		Multiplier:     2.0,
	}
}

// Dtype is the requested output precision.
type Dtype string

const (
	DtypeFloat32 Dtype = "float32"
	DtypeFloat16 Dtype = "float16"
)

// Mode selects which wire shape the client speaks.
type Mode string

const (
	ModeOpenAI    Mode = "openai"
	ModeEmbedPool Mode = "embed-pool"
)

// Options configures one embed_texts call.
type Options struct {
	Model        string `json:"model,omitempty"`
	MaxSeqLength int    `json:"max_seq_length,omitempty"`
	Normalize    bool   `json:"normalize,omitempty"`
	Dtype        Dtype  `json:"dtype,omitempty"`
	ShowProgress bool   `json:"show_progress,omitempty"`
	InputSize    int    `json:"-"` // batch row cap; 0 means a single batch, local-only knob
}

// Client speaks either wire shape over HTTP, with adaptive batch shrink and
// backoff shared by both.
type Client struct {
	httpClient *http.Client
	baseURL    string
	mode       Mode
	apiKey     string
	retry      RetryConfig
}

// New returns a Client targeting baseURL in the given mode. apiKey may be
// empty for the embed-pool mode.
func New(baseURL string, mode Mode, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		mode:       mode,
		apiKey:     apiKey,
		retry:      DefaultRetryConfig(),
	}
}

// WithRetryConfig overrides the default retry policy.
func (c *Client) WithRetryConfig(r RetryConfig) *Client {
	c.retry = r
	return c
}

// WithHTTPClient overrides the underlying http.Client (for tests).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// EmbedTexts embeds texts in original order, batching at opts.InputSize
// rows per request and adaptively halving the batch on rate-limit/timeout/
// too-many-input-items errors.
func (c *Client) EmbedTexts(ctx context.Context, texts []string, opts Options) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	batchSize := opts.InputSize
	if batchSize <= 0 {
		batchSize = len(texts)
	}

	out := make([][]float32, len(texts))
	start := 0
	for start < len(texts) {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vecs, err := c.embedBatchWithRetry(ctx, batch, opts)
		if isShrinkable(err) && batchSize > 1 {
			batchSize = (batchSize + 1) / 2
			continue // retry this same start at the smaller batch size
		}
		if err != nil {
			return nil, err
		}
		copy(out[start:end], vecs)
		start = end
	}

	if opts.Normalize {
		for _, v := range out {
			l2Normalize(v)
		}
	}
	return out, nil
}

// embedBatchWithRetry performs one batch call, retrying transient HTTP
// failures with capped exponential backoff honoring Retry-After.
func (c *Client) embedBatchWithRetry(ctx context.Context, batch []string, opts Options) ([][]float32, error) {
	backoff := c.retry.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		vecs, retryAfter, err := c.embedBatch(ctx, batch, opts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !isRetriable(err) || attempt == c.retry.MaxRetries {
			return nil, err
		}
		wait := backoff
		if retryAfter > 0 {
			wait = retryAfter
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		backoff = time.Duration(math.Min(float64(c.retry.MaxBackoff), float64(backoff)*c.retry.Multiplier))
	}
	return nil, lastErr
}

type transientError struct {
	kind       string // "rate_limited", "timeout", "too_many_inputs", "upstream", or the non-retriable "invalid_input"
	retryAfter time.Duration
	cause      error
}

func (e *transientError) Error() string { return fmt.Sprintf("embed: %s: %v", e.kind, e.cause) }
func (e *transientError) Unwrap() error { return e.cause }

func isRetriable(err error) bool {
	te, ok := err.(*transientError)
	return ok && te.kind != "invalid_input"
}

// isShrinkable reports whether err should trigger a batch-size halving
// instead of (or in addition to) a retry, per spec.md §4.5.
func isShrinkable(err error) bool {
	te, ok := err.(*transientError)
	if !ok {
		return false
	}
	return te.kind == "rate_limited" || te.kind == "timeout" || te.kind == "too_many_inputs"
}

// embedBatch issues one HTTP request in the client's mode, returning the
// vectors (in request order), an optional Retry-After duration, and an
// error classified via transientError where the failure is transient.
func (c *Client) embedBatch(ctx context.Context, batch []string, opts Options) ([][]float32, time.Duration, error) {
	switch c.mode {
	case ModeEmbedPool:
		return c.embedPoolBatch(ctx, batch, opts)
	default:
		return c.openAIBatch(ctx, batch, opts)
	}
}

// --- OpenAI-shaped /v1/embeddings ---

type openAIRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIDatum struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type openAIResponse struct {
	Data []openAIDatum `json:"data"`
}

type openAIErrorDetail struct {
	Code string `json:"code"`
}

type openAIErrorBody struct {
	Detail openAIErrorDetail `json:"detail"`
}

func (c *Client) openAIBatch(ctx context.Context, batch []string, opts Options) ([][]float32, time.Duration, error) {
	reqBody, err := json.Marshal(openAIRequest{Input: batch, Model: opts.Model})
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &transientError{kind: "timeout", cause: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, retryAfterOf(resp), &transientError{kind: "rate_limited", retryAfter: retryAfterOf(resp), cause: fmt.Errorf("429")}
	}
	if resp.StatusCode >= 500 {
		return nil, 0, &transientError{kind: "upstream", cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		var eb openAIErrorBody
		_ = json.Unmarshal(body, &eb)
		if eb.Detail.Code == "too_many_input_items" {
			return nil, 0, &transientError{kind: "too_many_inputs", cause: fmt.Errorf("too many input items")}
		}
		return nil, 0, &transientError{kind: "invalid_input", cause: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, 0, fmt.Errorf("parse embeddings response: %w", err)
	}
	vecs := make([][]float32, len(batch))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, 0, cpmerrors.NewNetworkError("Malformed embeddings response", "Response index out of range", "Check the embedder endpoint", nil)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, 0, nil
}

// --- internal embed-pool /embed ---

type embedPoolRequestOptions struct {
	MaxSeqLength int  `json:"max_seq_length,omitempty"`
	Normalize    bool `json:"normalize,omitempty"`
	ShowProgress bool `json:"show_progress,omitempty"`
}

type embedPoolRequest struct {
	Model   string                  `json:"model"`
	Texts   []string                `json:"texts"`
	Options embedPoolRequestOptions `json:"options,omitempty"`
}

type embedPoolResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

func (c *Client) embedPoolBatch(ctx context.Context, batch []string, opts Options) ([][]float32, time.Duration, error) {
	reqBody, err := json.Marshal(embedPoolRequest{
		Model: opts.Model,
		Texts: batch,
		Options: embedPoolRequestOptions{
			MaxSeqLength: opts.MaxSeqLength,
			Normalize:    opts.Normalize,
			ShowProgress: opts.ShowProgress,
		},
	})
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(reqBody))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &transientError{kind: "timeout", cause: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retryAfterOf(resp), &transientError{kind: "rate_limited", retryAfter: retryAfterOf(resp), cause: fmt.Errorf("429")}
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, 0, &transientError{kind: "too_many_inputs", cause: fmt.Errorf("queue full")}
	case resp.StatusCode >= 500:
		return nil, 0, &transientError{kind: "upstream", cause: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, 0, &transientError{kind: "invalid_input", cause: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}

	var parsed embedPoolResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, 0, fmt.Errorf("parse embed-pool response: %w", err)
	}
	if len(parsed.Vectors) != len(batch) {
		return nil, 0, cpmerrors.NewNetworkError("Malformed embed-pool response", "Vector count does not match input count", "Check the embed-pool server", nil)
	}
	return parsed.Vectors, 0, nil
}

func retryAfterOf(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func l2Normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
}
