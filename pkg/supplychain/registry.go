package supplychain

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"mesh-maas/pkg/model"
)

// Accepted SBOM document formats.
const (
	FormatCycloneDX = "CycloneDX-JSON"
	FormatSPDX      = "SPDX-JSON"
)

var (
	ErrUnknownVersion = errors.New("unknown release version")
	ErrDigestMismatch = errors.New("binary digest does not match any registered artifact")
	ErrDuplicate      = errors.New("release version already registered")
	ErrInvalid        = errors.New("invalid sbom")
)

// Verification is the outcome of a binary check against a release.
type Verification struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Digest       string `json:"digest"`
	PQCCompliant bool   `json:"pqc_compliant"`
}

// Registry holds the SBOM of every known agent release, keyed by
// "v"-prefixed version.
type Registry struct {
	mu    sync.RWMutex
	sboms map[string]model.SBOM
}

// NewRegistry returns a registry seeded with the current agent release.
func NewRegistry() *Registry {
	r := &Registry{sboms: make(map[string]model.SBOM)}
	seed := agentRelease()
	r.sboms[key(seed.Version)] = seed
	return r
}

func agentRelease() model.SBOM {
	return model.SBOM{
		Version: "3.4.0-alpha",
		Format:  FormatCycloneDX,
		Components: []model.Component{
			{Name: "x0tta6bl4-agent", Version: "3.4.0-alpha", Type: "application", License: "Apache-2.0"},
			{Name: "liboqs", Version: "0.10.1", Type: "library", License: "MIT"},
			{Name: "wireguard-go", Version: "0.0.20230223", Type: "library", License: "MIT"},
		},
		Attestation: &model.Attestation{
			Type:      "Sigstore-Bundle",
			Issuer:    "https://token.actions.githubusercontent.com",
			Algorithm: "ML-DSA-65",
			IssuedAt:  time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		},
		PQCCompliant: true,
	}
}

func key(version string) string {
	return "v" + strings.TrimPrefix(strings.TrimSpace(version), "v")
}

func (r *Registry) Get(version string) (model.SBOM, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sboms[key(version)]
	if !ok {
		return model.SBOM{}, ErrUnknownVersion
	}
	return s, nil
}

// VerifyBinary checks digest against the release's registered binary
// digests. Releases without digests accept any digest.
func (r *Registry) VerifyBinary(version, digest string) (Verification, error) {
	s, err := r.Get(version)
	if err != nil {
		return Verification{}, err
	}
	if len(s.BinaryDigests) > 0 {
		match := false
		for _, d := range s.BinaryDigests {
			if strings.EqualFold(d, digest) {
				match = true
				break
			}
		}
		if !match {
			return Verification{}, ErrDigestMismatch
		}
	}
	return Verification{Status: "verified", Version: s.Version, Digest: digest, PQCCompliant: s.PQCCompliant}, nil
}

// Register adds a release SBOM. Versions are immutable once registered.
func (r *Registry) Register(s model.SBOM) error {
	if strings.TrimSpace(s.Version) == "" {
		return fmt.Errorf("%w: version is required", ErrInvalid)
	}
	if len(s.Components) == 0 {
		return fmt.Errorf("%w: at least one component is required", ErrInvalid)
	}
	switch s.Format {
	case FormatCycloneDX, FormatSPDX:
	default:
		return fmt.Errorf("%w: unsupported format %q", ErrInvalid, s.Format)
	}
	for i, c := range s.Components {
		if c.Name == "" {
			return fmt.Errorf("%w: components[%d].name is required", ErrInvalid, i)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(s.Version)
	if _, ok := r.sboms[k]; ok {
		return ErrDuplicate
	}
	r.sboms[k] = s
	return nil
}

// Load registers every SBOM of a YAML (or JSON) list document.
func (r *Registry) Load(src io.Reader) (int, error) {
	var docs []model.SBOM
	if err := yaml.NewDecoder(src).Decode(&docs); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("decode sbom seed: %w", err)
	}
	for i, s := range docs {
		if err := r.Register(s); err != nil {
			return i, fmt.Errorf("sbom %q: %w", s.Version, err)
		}
	}
	return len(docs), nil
}

// Versions returns the registered keys in order.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.sboms))
	for k := range r.sboms {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
