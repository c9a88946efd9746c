package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // escrow contract, zero for devnet
}

// SealedOrderEIP712 is what a client signs when submitting a sealed order.
// The payload itself stays encrypted; only its hash is signed.
type SealedOrderEIP712 struct {
	Commitment     common.Hash
	VenueID        string
	CiphertextHash common.Hash
	Nonce          *big.Int
	Deadline       *big.Int // unix seconds, 0 = no expiry
	Owner          common.Address
}

// CancelEIP712 cancels a sealed order by commitment.
type CancelEIP712 struct {
	Commitment common.Hash
	Nonce      *big.Int
	Owner      common.Address
}

var domainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var sealedOrderFields = []apitypes.Type{
	{Name: "commitment", Type: "bytes32"},
	{Name: "venueId", Type: "string"},
	{Name: "ciphertextHash", Type: "bytes32"},
	{Name: "nonce", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
	{Name: "owner", Type: "address"},
}

var cancelFields = []apitypes.Type{
	{Name: "commitment", Type: "bytes32"},
	{Name: "nonce", Type: "uint256"},
	{Name: "owner", Type: "address"},
}

type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "Cloakbook",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

func (e *EIP712Signer) typedData(primary string, fields []apitypes.Type, msg apitypes.TypedDataMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg,
	}
}

// hash computes keccak256("\x19\x01" || domainSeparator || structHash)
func (e *EIP712Signer) hash(td apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}
	raw := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(structHash)))
	return crypto.Keccak256(raw), nil
}

func sealedOrderMessage(o *SealedOrderEIP712) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"commitment":     o.Commitment.Hex(),
		"venueId":        o.VenueID,
		"ciphertextHash": o.CiphertextHash.Hex(),
		"nonce":          o.Nonce.String(),
		"deadline":       o.Deadline.String(),
		"owner":          o.Owner.Hex(),
	}
}

func cancelMessage(c *CancelEIP712) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"commitment": c.Commitment.Hex(),
		"nonce":      c.Nonce.String(),
		"owner":      c.Owner.Hex(),
	}
}

// HashSealedOrder returns the digest a wallet signs for a sealed order.
func (e *EIP712Signer) HashSealedOrder(o *SealedOrderEIP712) ([]byte, error) {
	return e.hash(e.typedData("SealedOrder", sealedOrderFields, sealedOrderMessage(o)))
}

func (e *EIP712Signer) SignSealedOrder(signer *Signer, o *SealedOrderEIP712) ([]byte, error) {
	h, err := e.HashSealedOrder(o)
	if err != nil {
		return nil, fmt.Errorf("failed to hash sealed order: %w", err)
	}
	return signer.Sign(h)
}

// VerifySealedOrderSignature reports whether the signature recovers to o.Owner.
func (e *EIP712Signer) VerifySealedOrderSignature(o *SealedOrderEIP712, signature []byte) (bool, error) {
	h, err := e.HashSealedOrder(o)
	if err != nil {
		return false, fmt.Errorf("failed to hash sealed order: %w", err)
	}
	addr, err := RecoverAddress(h, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return addr == o.Owner, nil
}

func (e *EIP712Signer) HashCancel(c *CancelEIP712) ([]byte, error) {
	return e.hash(e.typedData("CancelOrder", cancelFields, cancelMessage(c)))
}

func (e *EIP712Signer) SignCancel(signer *Signer, c *CancelEIP712) ([]byte, error) {
	h, err := e.HashCancel(c)
	if err != nil {
		return nil, fmt.Errorf("failed to hash cancel: %w", err)
	}
	return signer.Sign(h)
}

func (e *EIP712Signer) VerifyCancelSignature(c *CancelEIP712, signature []byte) (bool, error) {
	h, err := e.HashCancel(c)
	if err != nil {
		return false, fmt.Errorf("failed to hash cancel: %w", err)
	}
	addr, err := RecoverAddress(h, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return addr == c.Owner, nil
}

// SealedOrderToJSON renders the typed data for eth_signTypedData_v4.
func (e *EIP712Signer) SealedOrderToJSON(o *SealedOrderEIP712) (string, error) {
	td := e.typedData("SealedOrder", sealedOrderFields, sealedOrderMessage(o))
	out, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(out), nil
}
