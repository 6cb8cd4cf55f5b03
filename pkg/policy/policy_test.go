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

package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvaluate_DenialPriorityOrder(t *testing.T) {
	trust := 0.1
	tokens := 500
	p := Policy{
		Mode:           ModeStrict,
		AllowedSources: []string{"oci://registry.local/*"},
		MinTrustScore:  0.5,
		MaxTokens:      100,
	}

	// Source allowlist is checked first, even when trust/tokens also fail.
	result := Evaluate(p, Input{SourceURI: "oci://other.example/pkg", TrustScore: &trust, TokenCount: &tokens})
	require.False(t, result.Allow)
	require.Equal(t, "source_not_allowlisted", result.Reason)

	// Trust floor checked next, once the source passes.
	result = Evaluate(p, Input{SourceURI: "oci://registry.local/docs", TrustScore: &trust, TokenCount: &tokens})
	require.False(t, result.Allow)
	require.Equal(t, "trust_below_threshold", result.Reason)

	// Token budget checked once trust passes.
	okTrust := 0.9
	result = Evaluate(p, Input{SourceURI: "oci://registry.local/docs", TrustScore: &okTrust, TokenCount: &tokens})
	require.False(t, result.Allow)
	require.Equal(t, "token_budget_exceeded", result.Reason)

	// Strict verification failures checked last.
	okTokens := 10
	result = Evaluate(p, Input{
		SourceURI: "oci://registry.local/docs", TrustScore: &okTrust, TokenCount: &okTokens,
		StrictFailures: []string{"signature"},
	})
	require.False(t, result.Allow)
	require.Equal(t, "strict_verification_failed", result.Reason)

	result = Evaluate(p, Input{SourceURI: "oci://registry.local/docs", TrustScore: &okTrust, TokenCount: &okTokens})
	require.True(t, result.Allow)
	require.Equal(t, DecisionAllow, result.Decision)
}

func TestEvaluate_PermissiveModeWarnsInsteadOfDenies(t *testing.T) {
	p := Policy{Mode: ModePermissive}
	result := Evaluate(p, Input{StrictFailures: []string{"sbom"}})
	require.True(t, result.Allow)
	require.Equal(t, DecisionWarn, result.Decision)
	require.Len(t, result.Warnings, 1)
}

func TestSourceAllowed_GlobAndExact(t *testing.T) {
	p := Policy{AllowedSources: []string{"oci://registry.local/*", "dir:///exact/path"}}

	require.True(t, Evaluate(p, Input{SourceURI: "oci://registry.local/docs/v1"}).Allow)
	require.True(t, Evaluate(p, Input{SourceURI: "dir:///exact/path"}).Allow)
	require.False(t, Evaluate(p, Input{SourceURI: "dir:///exact/path/extra"}).Allow)
	require.False(t, Evaluate(p, Input{SourceURI: "oci://other.example/docs"}).Allow)
}

func TestEvaluate_EmptyAllowlistAllowsAnySource(t *testing.T) {
	p := Policy{}
	require.True(t, Evaluate(p, Input{SourceURI: "oci://anywhere/at/all"}).Allow)
}

func TestTrustScore_EquallyWeightedThirds(t *testing.T) {
	require.InDelta(t, 0.0, TrustScore(TrustEvidence{}), 1e-9)
	require.InDelta(t, 1.0/3.0, TrustScore(TrustEvidence{HasSignature: true}), 1e-9)
	require.InDelta(t, 1.0, TrustScore(TrustEvidence{HasSignature: true, HasSBOM: true, HasProvenance: true}), 1e-9)
}

func TestStrictFailures_OnlyReportsRequiredAndMissing(t *testing.T) {
	ev := TrustEvidence{HasSignature: true}
	failures := StrictFailures(true, true, true, ev)
	require.ElementsMatch(t, []string{"sbom", "provenance"}, failures)

	require.Empty(t, StrictFailures(true, false, false, ev))
}

func TestHubClient_Evaluate_ForwardsDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/policy/evaluate", r.URL.Path)
		_ = json.NewEncoder(w).Encode(hubResponse{Allow: true, Decision: DecisionAllow})
	}))
	defer srv.Close()

	client := NewHubClient(srv.URL, 5*time.Second)
	result := client.Evaluate(context.Background(), Policy{}, nil, false)
	require.True(t, result.Allow)
	require.Equal(t, DecisionAllow, result.Decision)
}

func TestHubClient_Evaluate_UnreachableEnforceRemote(t *testing.T) {
	client := NewHubClient("http://127.0.0.1:0", 100*time.Millisecond)
	result := client.Evaluate(context.Background(), Policy{}, nil, true)
	require.False(t, result.Allow)
	require.Equal(t, DecisionDeny, result.Decision)
	require.Equal(t, "hub_unreachable", result.Reason)
}

func TestHubClient_Evaluate_UnreachableNotEnforced(t *testing.T) {
	client := NewHubClient("http://127.0.0.1:0", 100*time.Millisecond)
	result := client.Evaluate(context.Background(), Policy{}, nil, false)
	require.True(t, result.Allow)
	require.Equal(t, DecisionWarn, result.Decision)
}
