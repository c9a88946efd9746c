package envelope

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/cloakbook/pkg/crypto"
)

// Type is the envelope kind
type Type string

const (
	TypeOrder  Type = "order"  // sealed order submission
	TypeCancel Type = "cancel" // cancel by commitment
)

// Envelope is a signed client submission. Orders carry only the commitment
// published on the ledger and the sealed payload; nothing in clear text
// reveals side, price or size.
type Envelope struct {
	Type      Type                `json:"type"`
	Order     *SealedOrderPayload `json:"order,omitempty"`
	Cancel    *CancelPayload      `json:"cancel,omitempty"`
	Signature string              `json:"signature"` // 0x-prefixed 65 bytes
}

type SealedOrderPayload struct {
	Commitment string `json:"commitment"` // 0x-prefixed bytes32
	VenueID    string `json:"venueId"`
	Ciphertext string `json:"ciphertext"` // 0x-prefixed sealed payload
	Nonce      string `json:"nonce"`      // BigInt as string
	Deadline   string `json:"deadline"`   // unix seconds, "0" = no expiry
	Owner      string `json:"owner"`
}

type CancelPayload struct {
	Commitment string `json:"commitment"`
	Nonce      string `json:"nonce"`
	Owner      string `json:"owner"`
}

func parseBig(name, s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s: %s", name, s)
	}
	return v, nil
}

// CiphertextBytes decodes the sealed payload.
func (o *SealedOrderPayload) CiphertextBytes() ([]byte, error) {
	b, err := hexutil.Decode(o.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext: %w", err)
	}
	return b, nil
}

// ToEIP712 converts the payload to its signed typed-data form.
func (o *SealedOrderPayload) ToEIP712() (*crypto.SealedOrderEIP712, error) {
	ct, err := o.CiphertextBytes()
	if err != nil {
		return nil, err
	}
	nonce, err := parseBig("nonce", o.Nonce)
	if err != nil {
		return nil, err
	}
	deadline, err := parseBig("deadline", o.Deadline)
	if err != nil {
		return nil, err
	}
	return &crypto.SealedOrderEIP712{
		Commitment:     common.HexToHash(o.Commitment),
		VenueID:        o.VenueID,
		CiphertextHash: ethCrypto.Keccak256Hash(ct),
		Nonce:          nonce,
		Deadline:       deadline,
		Owner:          common.HexToAddress(o.Owner),
	}, nil
}

func (c *CancelPayload) ToEIP712() (*crypto.CancelEIP712, error) {
	nonce, err := parseBig("nonce", c.Nonce)
	if err != nil {
		return nil, err
	}
	return &crypto.CancelEIP712{
		Commitment: common.HexToHash(c.Commitment),
		Nonce:      nonce,
		Owner:      common.HexToAddress(c.Owner),
	}, nil
}

// NormalizeCommitment lower-cases and 0x-prefixes a 32-byte hex commitment.
func NormalizeCommitment(s string) (string, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != 32 {
		return "", fmt.Errorf("commitment must be 0x-prefixed 32 bytes: %q", s)
	}
	return strings.ToLower(hexutil.Encode(b)), nil
}

func (e *Envelope) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes and structurally validates an envelope.
func Parse(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return &e, nil
}

// Validate performs basic validation on envelope structure
func (e *Envelope) Validate() error {
	if e.Signature == "" {
		return fmt.Errorf("missing signature")
	}

	switch e.Type {
	case TypeOrder:
		if e.Order == nil {
			return fmt.Errorf("order type requires order payload")
		}
		if _, err := NormalizeCommitment(e.Order.Commitment); err != nil {
			return err
		}
		if e.Order.Ciphertext == "" {
			return fmt.Errorf("missing ciphertext")
		}
		if !common.IsHexAddress(e.Order.Owner) {
			return fmt.Errorf("invalid order owner")
		}

	case TypeCancel:
		if e.Cancel == nil {
			return fmt.Errorf("cancel type requires cancel payload")
		}
		if _, err := NormalizeCommitment(e.Cancel.Commitment); err != nil {
			return err
		}
		if !common.IsHexAddress(e.Cancel.Owner) {
			return fmt.Errorf("invalid cancel owner")
		}

	case "":
		return fmt.Errorf("missing envelope type")
	default:
		return fmt.Errorf("unknown envelope type: %s", e.Type)
	}
	return nil
}

// Example order envelope:
//   {
//     "type": "order",
//     "order": {
//       "commitment": "0x9f2c...",
//       "venueId": "venue-1",
//       "ciphertext": "0x04a1...",
//       "nonce": "42",
//       "deadline": "0",
//       "owner": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
//     },
//     "signature": "0x1234..."
//   }
