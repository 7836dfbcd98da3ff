// Package models holds the revocation list protocol and checkpoint types.
package models

import "time"

// HashType names the credential field a revocation hash was computed over.
type HashType string

const (
	HashUCI            HashType = "UCI"
	HashCountryCodeUCI HashType = "COUNTRYCODEUCI"
	HashSignature      HashType = "SIGNATURE"
)

// HashLength is the number of leading SHA-256 bytes kept per identifier.
const HashLength = 16

// Status is the answer of the revocation status endpoint.
type Status struct {
	Version    int64  `json:"version"`
	VersionID  string `json:"versionId"`
	TotalCount int64  `json:"totalCount"`
	ChunkCount int    `json:"chunkCount"`
	ChunkSize  int    `json:"chunkSize"`
	// Full marks a version distributed as a complete list rather than a
	// delta on top of the previous version.
	Full bool `json:"full,omitempty"`
}

// Chunk is one numbered slice of a revocation list version. Identifiers are
// base64 encoded in JSON.
type Chunk struct {
	Number int      `json:"chunk"`
	Add    [][]byte `json:"add,omitempty"`
	Delete [][]byte `json:"delete,omitempty"`
}

// State is the durable sync checkpoint.
type State struct {
	CurrentVersion   int64     `json:"currentVersion"`
	CurrentVersionID string    `json:"currentVersionId,omitempty"`
	TargetVersion    int64     `json:"targetVersion"`
	TargetVersionID  string    `json:"targetVersionId,omitempty"`
	TargetTotalCount int64     `json:"targetTotalCount"`
	TargetChunkCount int       `json:"targetChunkCount"`
	TargetChunkSize  int       `json:"targetChunkSize"`
	TargetFull       bool      `json:"targetFull,omitempty"`
	LastChunkSaved   int       `json:"lastChunkSaved"`
	LastCheck        time.Time `json:"lastCheck"`
	// Resync makes the next version replace the live set instead of being
	// merged into it. It is set after a promoted count did not match.
	Resync bool `json:"resync,omitempty"`
}

// Committed reports whether at least one version has been fully applied.
func (s State) Committed() bool {
	return s.CurrentVersion != 0 || s.CurrentVersionID != ""
}

// InProgress reports whether a target version is partially applied.
func (s State) InProgress() bool {
	return s.TargetVersion != s.CurrentVersion || s.TargetVersionID != s.CurrentVersionID
}

// Targets reports whether status describes the version already targeted.
func (s State) Targets(st Status) bool {
	return s.TargetVersion == st.Version && s.TargetVersionID == st.VersionID
}

// Result is the revocation sub-result of a validation.
type Result struct {
	Checked           bool     `json:"checked"`
	Revoked           bool     `json:"isRevoked"`
	MatchedSourceType HashType `json:"matchedSourceType,omitempty"`
	Version           int64    `json:"version,omitempty"`
	Error             string   `json:"error,omitempty"`
}
