// Package diagnostics implements Diagnostics & Manifest (spec §4.8): a
// read-only HTTP surface reporting RPC reachability, configured contract
// addresses, event-tail cursor positions, and a per-status position
// count (chain runtime versions are not reported), plus the structured
// "assumptions manifest" every runtime-dependent claim must cite or
// carry a verification procedure for.
package diagnostics

import "fmt"

// ManifestClaim is one runtime-dependent assumption this Orchestrator's
// correctness relies on (a precompile address, a pallet's presence, an
// account-mapping requirement) — spec §4.8, §9 open question (b): "data,
// not code; its integrity is enforced by startup validation", not an
// unexamined assumption baked into the code.
type ManifestClaim struct {
	Name        string `json:"name"`
	ChainID     uint64 `json:"chain_id"`
	Description string `json:"description"`

	// At least one of Citation or VerificationProcedure must be set: either
	// this claim is documented by the chain's own spec/release notes, or
	// this Orchestrator verifies it itself at startup/runtime.
	Citation              string `json:"citation,omitempty"`
	VerificationProcedure string `json:"verification_procedure,omitempty"`
}

// Manifest is the full set of claims for a deployment.
type Manifest struct {
	Claims []ManifestClaim `json:"claims"`
}

// ErrInvalidManifest is returned by Validate when a claim is missing
// required fields or cites nothing to ground it.
var ErrInvalidManifest = fmt.Errorf("invalid manifest")

// Validate enforces the manifest's schema at startup (spec §4.8: "its
// integrity (presence, schema) is enforced by startup validation").
func (m *Manifest) Validate() error {
	if len(m.Claims) == 0 {
		return fmt.Errorf("%w: manifest has no claims", ErrInvalidManifest)
	}
	for i, c := range m.Claims {
		if c.Name == "" {
			return fmt.Errorf("%w: claim %d missing a name", ErrInvalidManifest, i)
		}
		if c.Citation == "" && c.VerificationProcedure == "" {
			return fmt.Errorf("%w: claim %q has neither a citation nor a verification procedure", ErrInvalidManifest, c.Name)
		}
	}
	return nil
}
