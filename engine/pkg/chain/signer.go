package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58"
)

// ErrNoSigningKey is returned when a broadcast is attempted without a signing key.
var ErrNoSigningKey = errors.New("no signing key configured")

const wifVersion = 0x80

// maxCanonicalAttempts bounds the expiration bumps used to find a canonical signature.
const maxCanonicalAttempts = 64

// Signer signs transactions with a single private key.
type Signer struct {
	key     *secp256k1.PrivateKey
	chainID []byte
}

// NewSigner returns a signer for the WIF-encoded key. An empty chainID selects HiveChainID.
func NewSigner(wif string, chainID string) (*Signer, error) {
	key, err := DecodeWIF(wif)
	if err != nil {
		return nil, err
	}
	if chainID == "" {
		chainID = HiveChainID
	}
	id, err := hex.DecodeString(chainID)
	if err != nil || len(id) != 32 {
		return nil, fmt.Errorf("invalid chain id %q", chainID)
	}
	return &Signer{key: key, chainID: id}, nil
}

// PublicKey returns the compressed public key of the signer.
func (s *Signer) PublicKey() []byte {
	return s.key.PubKey().SerializeCompressed()
}

// Sign appends a canonical compact signature to tx. The expiration is moved forward one second
// at a time until the deterministic signature is canonical.
func (s *Signer) Sign(tx *Transaction) error {
	for range maxCanonicalAttempts {
		digest, err := tx.Digest(s.chainID)
		if err != nil {
			return fmt.Errorf("failed to compute digest: %w", err)
		}
		sig := ecdsa.SignCompact(s.key, digest, true)
		if isCanonical(sig) {
			tx.Signatures = append(tx.Signatures, hex.EncodeToString(sig))
			return nil
		}
		tx.Expiration = tx.Expiration.Add(time.Second)
	}
	return errors.New("failed to produce a canonical signature")
}

// Verify reports whether sig is a valid signature of tx by this signer.
func (s *Signer) Verify(tx *Transaction, sig string) (bool, error) {
	raw, err := hex.DecodeString(sig)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	digest, err := tx.Digest(s.chainID)
	if err != nil {
		return false, err
	}
	pub, _, err := ecdsa.RecoverCompact(raw, digest)
	if err != nil {
		return false, nil
	}
	return bytes.Equal(pub.SerializeCompressed(), s.PublicKey()), nil
}

func isCanonical(sig []byte) bool {
	return len(sig) == 65 &&
		sig[1]&0x80 == 0 &&
		!(sig[1] == 0 && sig[2]&0x80 == 0) &&
		sig[33]&0x80 == 0 &&
		!(sig[33] == 0 && sig[34]&0x80 == 0)
}

// DecodeWIF decodes a wallet-import-format private key.
func DecodeWIF(wif string) (*secp256k1.PrivateKey, error) {
	raw, err := base58.Decode(wif)
	if err != nil {
		return nil, fmt.Errorf("invalid wif encoding: %w", err)
	}
	if len(raw) != 37 || raw[0] != wifVersion {
		return nil, errors.New("invalid wif payload")
	}
	first := sha256.Sum256(raw[:33])
	second := sha256.Sum256(first[:])
	if !bytes.Equal(second[:4], raw[33:]) {
		return nil, errors.New("invalid wif checksum")
	}
	return secp256k1.PrivKeyFromBytes(raw[1:33]), nil
}

// EncodeWIF encodes key in wallet-import format.
func EncodeWIF(key *secp256k1.PrivateKey) string {
	payload := append([]byte{wifVersion}, key.Serialize()...)
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return base58.Encode(append(payload, second[:4]...))
}
