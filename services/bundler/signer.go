package bundler

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

// statementHeader is the first line of every signed bundle statement.
const statementHeader = "aimigrate-bundle/" + manifestVersion

// Keys holds the bundle signing material. The source side packs bundles with
// SecretKey (an AGE-SECRET-KEY-1... string); the air-gapped target usually
// holds only PublicKey, the base64 Ed25519 key derived from that secret.
type Keys struct {
	SecretKey string
	PublicKey string
}

// Signer seals migration bundles and checks that a bundle was packed by the
// trusted key before any of its manifests reach the target base directory.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	packedBy   string
}

// NewSigner builds a Signer from keys. When both keys are set they must
// belong together.
func NewSigner(keys Keys) (*Signer, error) {
	secret := strings.TrimSpace(keys.SecretKey)
	pub := strings.TrimSpace(keys.PublicKey)
	if secret == "" && pub == "" {
		return nil, errors.New("signing secret key or public key must be set")
	}

	s := &Signer{}
	if secret != "" {
		identity, err := age.ParseX25519Identity(secret)
		if err != nil {
			return nil, fmt.Errorf("parse secret key: %w", err)
		}
		seed, err := ageSeed(secret)
		if err != nil {
			return nil, fmt.Errorf("parse secret key: %w", err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = s.privateKey.Public().(ed25519.PublicKey)
		s.packedBy = identity.Recipient().String()
	}

	if pub != "" {
		decoded, err := decodePublicKey(pub)
		if err != nil {
			return nil, err
		}
		if s.publicKey != nil && !bytes.Equal(s.publicKey, decoded) {
			return nil, errors.New("public key does not match secret key")
		}
		s.publicKey = decoded
	}
	return s, nil
}

// CanSeal reports whether the signer holds a secret key.
func (s *Signer) CanSeal() bool {
	return s != nil && len(s.privateKey) > 0
}

// KeyID is a short fingerprint of the trusted public key.
func (s *Signer) KeyID() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return keyID(s.publicKey)
}

// Seal computes the bundle digest over m's artifacts and signs it, filling
// the signing fields of m.
func (s *Signer) Seal(m *Manifest) error {
	if !s.CanSeal() {
		return errors.New("signer configured without secret key")
	}
	m.PackedBy = s.packedBy
	digest, err := bundleDigest(m)
	if err != nil {
		return err
	}
	m.KeyID = s.KeyID()
	m.SigningPublicKey = base64.StdEncoding.EncodeToString(s.publicKey)
	m.Digest = hex.EncodeToString(digest)
	m.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, digest))
	return nil
}

// Verify checks that m was sealed by the trusted key and that its artifact
// list still matches the signed digest.
func (s *Signer) Verify(m *Manifest) error {
	if s == nil || len(s.publicKey) == 0 {
		return errors.New("no trusted public key")
	}
	if m.Signature == "" {
		return errors.New("manifest missing signature")
	}
	if m.SigningPublicKey != "" {
		embedded, err := decodePublicKey(m.SigningPublicKey)
		if err != nil {
			return fmt.Errorf("manifest public key: %w", err)
		}
		if !bytes.Equal(embedded, s.publicKey) {
			return fmt.Errorf("bundle packed by key %s, trusted key is %s", keyID(embedded), s.KeyID())
		}
	}

	digest, err := bundleDigest(m)
	if err != nil {
		return err
	}
	if m.Digest != "" && m.Digest != hex.EncodeToString(digest) {
		return errors.New("artifact list does not match bundle digest")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m.Signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(s.publicKey, digest, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// bundleDigest hashes the bundle statement: header, creation time, packer and
// one line per artifact in path order. Only JSON manifests and at most one
// project file are accepted.
func bundleDigest(m *Manifest) ([]byte, error) {
	arts := append([]ManifestArtifact(nil), m.Artifacts...)
	sort.Slice(arts, func(i, j int) bool { return arts[i].Path < arts[j].Path })

	var b strings.Builder
	b.WriteString(statementHeader + "\n")
	b.WriteString(m.CreatedAt.UTC().Format(time.RFC3339) + "\n")
	b.WriteString(m.PackedBy + "\n")
	projects := 0
	for _, art := range arts {
		switch art.Kind {
		case kindManifest:
			if path.Ext(art.Path) != ".json" {
				return nil, fmt.Errorf("manifest artifact %q is not a JSON file", art.Path)
			}
		case kindProject:
			projects++
			if projects > 1 {
				return nil, errors.New("bundle carries more than one project file")
			}
		default:
			return nil, fmt.Errorf("artifact %q has unknown kind %q", art.Path, art.Kind)
		}
		fmt.Fprintf(&b, "%s %s %d %s\n", art.Kind, art.Path, art.Size, strings.ToLower(art.SHA256))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return sum[:], nil
}

func keyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if l := len(decoded); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must decode to %d bytes, got %d", ed25519.PublicKeySize, l)
	}
	return ed25519.PublicKey(decoded), nil
}

// ageSeed extracts the 32-byte X25519 scalar of an age identity, reused as the
// Ed25519 seed.
func ageSeed(secret string) ([]byte, error) {
	hrp, data, err := bech32.Decode(secret)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
