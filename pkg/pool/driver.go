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

package pool

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	cpmerrors "github.com/kraklabs/cpm/internal/errors"
	"github.com/kraklabs/cpm/pkg/embedclient"
)

// Driver is one ModelRuntime replica's embedding backend (spec.md §4.12's
// local_st, http, and subprocess drivers).
type Driver interface {
	Embed(ctx context.Context, texts []string, opts embedclient.Options) ([][]float32, int, error)
	Close() error
}

// newDriver constructs the driver spec.Driver names.
func newDriver(spec ModelSpec) (Driver, error) {
	switch spec.Driver {
	case "", "local_st":
		return newLocalSTDriver(spec), nil
	case "http":
		return newHTTPDriver(spec), nil
	case "subprocess":
		return newSubprocessDriver(spec)
	default:
		return nil, cpmerrors.NewConfigError("Unknown driver", fmt.Sprintf("model %q names unsupported driver %q", spec.Name, spec.Driver), "Use one of local_st, http, subprocess", nil)
	}
}

// localSTDriver stands in for an in-process SentenceTransformer-equivalent:
// a deterministic hashing embedder (each output dimension is derived from
// sha256 of the whole input text and the dimension index), so the pool server is
// fully exercisable without bundling a model runtime. Real deployments
// swap this for a cgo/ONNX-backed implementation behind the same Driver
// interface.
type localSTDriver struct {
	dim int
}

func newLocalSTDriver(spec ModelSpec) *localSTDriver {
	return &localSTDriver{dim: spec.Dim}
}

func (d *localSTDriver) Embed(_ context.Context, texts []string, opts embedclient.Options) ([][]float32, int, error) {
	dim := d.dim
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashEmbed(t, dim, opts.Normalize)
	}
	return out, dim, nil
}

func (d *localSTDriver) Close() error { return nil }

// hashEmbed derives a dim-length vector from text by hashing text together
// with each dimension index, turning the digest's leading bytes into a
// signed value in [-1, 1]. Identical text always yields an identical
// vector.
func hashEmbed(text string, dim int, normalize bool) []float32 {
	v := make([]float32, dim)
	var sumSq float32
	for i := 0; i < dim; i++ {
		h := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d", text, i)))
		bits := binary.LittleEndian.Uint32(h[:4])
		val := float32(int32(bits))/float32(1<<31)
		v[i] = val
		sumSq += val * val
	}
	if normalize && sumSq > 0 {
		inv := float32(1 / math.Sqrt(float64(sumSq)))
		for i := range v {
			v[i] *= inv
		}
	}
	return v
}

// httpDriver POSTs to <base_url>/embed with remote_model (spec.md §4.12's
// http driver).
type httpDriver struct {
	client      *http.Client
	baseURL     string
	remoteModel string
}

func newHTTPDriver(spec ModelSpec) *httpDriver {
	return &httpDriver{
		client:      &http.Client{Timeout: 10 * time.Second},
		baseURL:     spec.BaseURL,
		remoteModel: spec.RemoteModel,
	}
}

type httpEmbedRequest struct {
	Model   string                `json:"model"`
	Texts   []string              `json:"texts"`
	Options embedclient.Options   `json:"options"`
}

type httpEmbedResponse struct {
	Vectors [][]float32 `json:"vectors"`
	Dim     int         `json:"dim"`
	Detail  string      `json:"detail,omitempty"`
}

func (d *httpDriver) Embed(ctx context.Context, texts []string, opts embedclient.Options) ([][]float32, int, error) {
	reqBody, err := json.Marshal(httpEmbedRequest{Model: d.remoteModel, Texts: texts, Options: opts})
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/embed", bytes.NewReader(reqBody))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, cpmerrors.NewNetworkError("Embed backend unreachable", err.Error(), "Check the model's base_url and that the backend is running", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, cpmerrors.NewNetworkError("Embed backend error", fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)), "", nil)
	}
	var out httpEmbedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, 0, err
	}
	return out.Vectors, out.Dim, nil
}

func (d *httpDriver) Close() error { return nil }

// subprocessDriver spawns a long-lived worker over stdin/stdout JSON-lines
// (spec.md §4.12's subprocess driver). The parent owns one mutex around
// strict request/response id pairing and drains stderr into a bounded ring
// buffer on a separate goroutine to avoid pipe deadlocks.
type subprocessDriver struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr *ringBuffer

	mu      sync.Mutex
	nextID  int64
	closed  bool
}

type subprocessRequest struct {
	Op      string              `json:"op,omitempty"`
	ID      int64               `json:"id,omitempty"`
	Texts   []string            `json:"texts,omitempty"`
	Options embedclient.Options `json:"options,omitempty"`
}

type subprocessResponse struct {
	ID      int64       `json:"id"`
	OK      bool        `json:"ok"`
	Vectors [][]float32 `json:"vectors,omitempty"`
	Dim     int         `json:"dim,omitempty"`
	Error   string      `json:"error,omitempty"`
	Trace   string      `json:"trace,omitempty"`
}

func newSubprocessDriver(spec ModelSpec) (*subprocessDriver, error) {
	if len(spec.Command) == 0 {
		return nil, cpmerrors.NewConfigError("Missing subprocess command", fmt.Sprintf("model %q uses driver subprocess but names no command", spec.Name), "Set command: [...] in pool.yml", nil)
	}
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...) //nolint:gosec // G204: operator-configured worker command
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, cpmerrors.NewRuntimeError("Failed to start subprocess worker", err.Error(), "Check the command path and permissions", err)
	}

	ring := newRingBuffer(64 * 1024)
	go ring.drain(stderrPipe)

	d := &subprocessDriver{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdoutPipe), stderr: ring}

	timeout := time.Duration(spec.StartupTimeoutSeconds) * time.Second
	if err := d.awaitReady(timeout); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// awaitReady reads lines from stdout until one begins with "READY", or the
// deadline elapses.
func (d *subprocessDriver) awaitReady(timeout time.Duration) error {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := d.stdout.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return cpmerrors.NewRuntimeError("Subprocess worker failed to start", fmt.Sprintf("%v (stderr: %s)", r.err, d.stderr.Tail()), "Check the worker binary", r.err)
		}
		if !bytes.HasPrefix([]byte(r.line), []byte("READY")) {
			return cpmerrors.NewRuntimeError("Subprocess worker handshake failed", fmt.Sprintf("expected a READY line, got %q", r.line), "", nil)
		}
		return nil
	case <-time.After(timeout):
		return cpmerrors.NewRuntimeError("Subprocess worker startup timed out", fmt.Sprintf("no READY line after %s (stderr: %s)", timeout, d.stderr.Tail()), "Increase startup_timeout_seconds", nil)
	}
}

func (d *subprocessDriver) Embed(_ context.Context, texts []string, opts embedclient.Options) ([][]float32, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, 0, cpmerrors.NewRuntimeError("Subprocess worker closed", "the worker process has already shut down", "", nil)
	}
	id := atomic.AddInt64(&d.nextID, 1)
	req := subprocessRequest{ID: id, Texts: texts, Options: opts}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, 0, err
	}
	if _, err := d.stdin.Write(append(line, '\n')); err != nil {
		return nil, 0, cpmerrors.NewRuntimeError("Subprocess worker write failed", fmt.Sprintf("%v (stderr: %s)", err, d.stderr.Tail()), "", err)
	}
	respLine, err := d.stdout.ReadString('\n')
	if err != nil {
		return nil, 0, cpmerrors.NewRuntimeError("Subprocess worker crashed", fmt.Sprintf("%v (stderr: %s)", err, d.stderr.Tail()), "", err)
	}
	var resp subprocessResponse
	if err := json.Unmarshal([]byte(respLine), &resp); err != nil {
		return nil, 0, err
	}
	if resp.ID != id {
		return nil, 0, cpmerrors.NewRuntimeError("Subprocess worker protocol violation", fmt.Sprintf("expected response id %d, got %d", id, resp.ID), "", nil)
	}
	if !resp.OK {
		return nil, 0, cpmerrors.NewRuntimeError("Subprocess worker embed failed", fmt.Sprintf("%s (trace: %s, stderr: %s)", resp.Error, resp.Trace, d.stderr.Tail()), "", nil)
	}
	return resp.Vectors, resp.Dim, nil
}

func (d *subprocessDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	shutdown, _ := json.Marshal(subprocessRequest{Op: "shutdown"})
	_, _ = d.stdin.Write(append(shutdown, '\n'))
	_ = d.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- d.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = d.cmd.Process.Kill()
		<-done
	}
	return nil
}

// ringBuffer is a bounded byte ring continuously drained from a pipe, so a
// chatty worker's stderr never blocks the pipe (spec.md §4.12/§5).
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	cap  int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) drain(rc io.ReadCloser) {
	defer rc.Close()
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		r.append(scanner.Bytes())
	}
}

func (r *ringBuffer) append(line []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, line...)
	r.buf = append(r.buf, '\n')
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
}

// Tail returns the ring buffer's current contents, for inclusion in error
// messages.
func (r *ringBuffer) Tail() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}
