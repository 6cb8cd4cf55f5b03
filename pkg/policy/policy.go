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

// Package policy implements the source-allowlist/trust/token-budget gate of
// spec.md §4.13, plus an optional remote HubClient.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Mode is the policy document's enforcement mode.
type Mode string

const (
	ModeStrict     Mode = "strict"
	ModePermissive Mode = "permissive"
)

// Policy is the evaluated document (spec.md §4.13 / the shape of
// policy.yml's `policy:` block).
type Policy struct {
	Mode           Mode
	AllowedSources []string
	MinTrustScore  float64
	MaxTokens      int
}

// Decision is evaluate's result.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionWarn  Decision = "warn"
	DecisionDeny  Decision = "deny"
)

// Result is the return value of Evaluate.
type Result struct {
	Allow    bool
	Decision Decision
	Reason   string
	Warnings []string
}

// Input carries the optional evaluation context Evaluate needs.
type Input struct {
	SourceURI      string
	TrustScore     *float64
	TokenCount     *int
	StrictFailures []string
}

// Evaluate applies the denial-priority-order rules of spec.md §4.13: source
// allowlist, trust floor, token budget, then (in strict mode) strict
// verification failures.
func Evaluate(p Policy, in Input) Result {
	var warnings []string

	if in.SourceURI != "" && !sourceAllowed(p.AllowedSources, in.SourceURI) {
		return Result{Allow: false, Decision: DecisionDeny, Reason: "source_not_allowlisted", Warnings: warnings}
	}

	if in.TrustScore != nil && *in.TrustScore < p.MinTrustScore {
		return Result{Allow: false, Decision: DecisionDeny, Reason: "trust_below_threshold", Warnings: warnings}
	}

	if in.TokenCount != nil && p.MaxTokens > 0 && *in.TokenCount > p.MaxTokens {
		return Result{Allow: false, Decision: DecisionDeny, Reason: "token_budget_exceeded", Warnings: warnings}
	}

	if p.Mode == ModeStrict && len(in.StrictFailures) > 0 {
		return Result{Allow: false, Decision: DecisionDeny, Reason: "strict_verification_failed", Warnings: warnings}
	}
	if p.Mode != ModeStrict && len(in.StrictFailures) > 0 {
		warnings = append(warnings, "strict verification checks were skipped in permissive mode")
		return Result{Allow: true, Decision: DecisionWarn, Reason: "", Warnings: warnings}
	}

	return Result{Allow: true, Decision: DecisionAllow, Reason: "", Warnings: warnings}
}

// sourceAllowed reports whether uri matches one of the allowlist globs.
// A pattern ending in '*' matches by prefix (spec.md §4.13); otherwise an
// exact match is required.
func sourceAllowed(allowed []string, uri string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, pattern := range allowed {
		if strings.HasSuffix(pattern, "*") {
			if strings.HasPrefix(uri, strings.TrimSuffix(pattern, "*")) {
				return true
			}
			continue
		}
		if pattern == uri {
			return true
		}
	}
	return false
}

// TrustEvidence is the referrer evidence a registry discovers for an OCI
// ref, feeding TrustScore.
type TrustEvidence struct {
	HasSignature bool
	HasSBOM      bool
	HasProvenance bool
}

// TrustScore computes a trust score in [0,1] from presence of signature,
// SBOM, and provenance, weighted equally (spec.md §4.8 step 3).
func TrustScore(ev TrustEvidence) float64 {
	total := 0.0
	if ev.HasSignature {
		total += 1.0 / 3.0
	}
	if ev.HasSBOM {
		total += 1.0 / 3.0
	}
	if ev.HasProvenance {
		total += 1.0 / 3.0
	}
	if total > 1.0 {
		total = 1.0
	}
	return total
}

// StrictFailures returns the subset of {signature, sbom, provenance} that
// cfg requires but ev lacks, for use as Input.StrictFailures.
func StrictFailures(requireSignature, requireSBOM, requireProvenance bool, ev TrustEvidence) []string {
	var failures []string
	if requireSignature && !ev.HasSignature {
		failures = append(failures, "signature")
	}
	if requireSBOM && !ev.HasSBOM {
		failures = append(failures, "sbom")
	}
	if requireProvenance && !ev.HasProvenance {
		failures = append(failures, "provenance")
	}
	return failures
}

// HubClient forwards {context, policy} to a remote policy evaluator.
type HubClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHubClient returns a HubClient targeting baseURL with the given timeout.
func NewHubClient(baseURL string, timeout time.Duration) *HubClient {
	return &HubClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}
}

type hubRequest struct {
	Context map[string]any `json:"context"`
	Policy  Policy         `json:"policy"`
}

type hubResponse struct {
	Allow    bool     `json:"allow"`
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
	Warnings []string `json:"warnings,omitempty"`
}

// Evaluate forwards ctx+p to the hub. When enforceRemote is true and the
// hub is unreachable or returns malformed JSON, the decision is deny with
// reason "hub_unreachable"/"hub_invalid_response" (spec.md §4.13); when
// enforceRemote is false, the same failures instead fall back to allow with
// a warning.
func (h *HubClient) Evaluate(ctx context.Context, p Policy, evalCtx map[string]any, enforceRemote bool) Result {
	body, err := json.Marshal(hubRequest{Context: evalCtx, Policy: p})
	if err != nil {
		return hubFailure(enforceRemote, "hub_invalid_response")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/policy/evaluate", bytes.NewReader(body))
	if err != nil {
		return hubFailure(enforceRemote, "hub_unreachable")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return hubFailure(enforceRemote, "hub_unreachable")
	}
	defer resp.Body.Close()

	var parsed hubResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return hubFailure(enforceRemote, "hub_invalid_response")
	}
	return Result{Allow: parsed.Allow, Decision: parsed.Decision, Reason: parsed.Reason, Warnings: parsed.Warnings}
}

func hubFailure(enforceRemote bool, reason string) Result {
	if enforceRemote {
		return Result{Allow: false, Decision: DecisionDeny, Reason: reason}
	}
	return Result{
		Allow:    true,
		Decision: DecisionWarn,
		Warnings: []string{fmt.Sprintf("hub policy check skipped: %s", reason)},
	}
}
