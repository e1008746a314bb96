package bundler

import "time"

const (
	kindManifest = "manifest"
	kindProject  = "project"
)

// Manifest is the bundle's manifest.yaml. Signer.Seal fills the signing
// fields; Signer.Verify checks them on import.
type Manifest struct {
	Version          string             `yaml:"version"`
	CreatedAt        time.Time          `yaml:"created_at"`
	PackedBy         string             `yaml:"packed_by,omitempty"`
	KeyID            string             `yaml:"key_id,omitempty"`
	SigningPublicKey string             `yaml:"signing_public_key,omitempty"`
	Digest           string             `yaml:"digest,omitempty"`
	Signature        string             `yaml:"signature,omitempty"`
	Artifacts        []ManifestArtifact `yaml:"artifacts"`
}

// ManifestArtifact describes a single file within the bundle. Path is
// relative to the migration base directory.
type ManifestArtifact struct {
	Path   string `yaml:"path"`
	Kind   string `yaml:"kind"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}
