package model

import "time"

// Component is one entry of a software bill of materials.
type Component struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	Type    string `json:"type" yaml:"type"`
	License string `json:"license,omitempty" yaml:"license,omitempty"`
}

// Attestation describes the provenance bundle attached to a release.
type Attestation struct {
	Type      string    `json:"type" yaml:"type"`
	Issuer    string    `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	Algorithm string    `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	IssuedAt  time.Time `json:"issued_at,omitempty" yaml:"issued_at,omitempty"`
}

// SBOM is the bill of materials registered for a release version.
type SBOM struct {
	Version       string       `json:"version" yaml:"version"`
	Format        string       `json:"format" yaml:"format"`
	Components    []Component  `json:"components" yaml:"components"`
	Attestation   *Attestation `json:"attestation,omitempty" yaml:"attestation,omitempty"`
	BinaryDigests []string     `json:"binary_digests,omitempty" yaml:"binary_digests,omitempty"`
	PQCCompliant  bool         `json:"pqc_compliant" yaml:"pqc_compliant"`
}
