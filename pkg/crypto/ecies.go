package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// SealingKey decrypts order payloads sealed to its public key. In
// production the key lives in the decryption enclave; devnet nodes hold it
// locally.
type SealingKey struct {
	prv *ecies.PrivateKey
}

func GenerateSealingKey() (*SealingKey, error) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate sealing key: %w", err)
	}
	return &SealingKey{prv: ecies.ImportECDSA(pk)}, nil
}

func SealingKeyFromHex(hexKey string) (*SealingKey, error) {
	s, err := FromPrivateKeyHex(hexKey)
	if err != nil {
		return nil, err
	}
	return &SealingKey{prv: ecies.ImportECDSA(s.privateKey)}, nil
}

// PublicKeyHex is the uncompressed public key clients seal to.
func (k *SealingKey) PublicKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSAPub(k.prv.PublicKey.ExportECDSA()))
}

func (k *SealingKey) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(k.prv.ExportECDSA()))
}

func (k *SealingKey) PublicKey() *ecdsa.PublicKey {
	return k.prv.PublicKey.ExportECDSA()
}

// Open decrypts a payload produced by Seal.
func (k *SealingKey) Open(ciphertext []byte) ([]byte, error) {
	pt, err := k.prv.Decrypt(ciphertext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload: %w", err)
	}
	return pt, nil
}

// Seal encrypts plaintext to pub with ECIES.
func Seal(pub *ecdsa.PublicKey, plaintext []byte) ([]byte, error) {
	ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), plaintext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to seal payload: %w", err)
	}
	return ct, nil
}

// ParsePublicKeyHex decodes an uncompressed secp256k1 public key.
func ParsePublicKeyHex(s string) (*ecdsa.PublicKey, error) {
	pub, err := crypto.UnmarshalPubkey(common.FromHex(s))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return pub, nil
}
