package crypto

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)

	assert.NotEqual(t, common.Address{}, signer.Address())
	assert.Len(t, signer.PrivateKeyHex(), 64)
	assert.Len(t, signer.PublicKeyHex(), 130)
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, err := GenerateKey()
	require.NoError(t, err)

	for _, key := range []string{signer1.PrivateKeyHex(), "0x" + signer1.PrivateKeyHex()} {
		signer2, err := FromPrivateKeyHex(key)
		require.NoError(t, err)
		assert.Equal(t, signer1.Address(), signer2.Address())
	}

	_, err = FromPrivateKeyHex("zz")
	assert.Error(t, err)
}

func TestSignVerifyRecover(t *testing.T) {
	signer, _ := GenerateKey()
	msg := []byte("batch 7 resolved")

	sig, err := signer.SignMessage(msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	hash := eth_crypto.Keccak256(msg)
	assert.True(t, VerifySignature(signer.Address(), hash, sig))

	addr, err := RecoverAddress(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), addr)

	other, _ := GenerateKey()
	assert.False(t, VerifySignature(other.Address(), hash, sig))
	assert.False(t, VerifySignature(signer.Address(), hash, sig[:64]))

	_, err = signer.Sign([]byte("short"))
	assert.Error(t, err)
}

func TestEIP712_SealedOrderRoundTrip(t *testing.T) {
	signer, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())
	o := &SealedOrderEIP712{
		Commitment:     common.HexToHash("0x01"),
		VenueID:        "venue-1",
		CiphertextHash: eth_crypto.Keccak256Hash([]byte("ciphertext")),
		Nonce:          big.NewInt(1),
		Deadline:       big.NewInt(0),
		Owner:          signer.Address(),
	}

	sig, err := e.SignSealedOrder(signer, o)
	require.NoError(t, err)
	ok, err := e.VerifySealedOrderSignature(o, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	// any field change invalidates the signature
	tampered := *o
	tampered.CiphertextHash = eth_crypto.Keccak256Hash([]byte("other"))
	ok, err = e.VerifySealedOrderSignature(&tampered, sig)
	require.NoError(t, err)
	assert.False(t, ok)

	// a different domain yields a different digest
	d := DefaultDomain()
	d.ChainID = big.NewInt(1)
	h1, _ := e.HashSealedOrder(o)
	h2, _ := NewEIP712Signer(d).HashSealedOrder(o)
	assert.NotEqual(t, h1, h2)

	js, err := e.SealedOrderToJSON(o)
	require.NoError(t, err)
	assert.Contains(t, js, "SealedOrder")
}

func TestEIP712_Cancel(t *testing.T) {
	signer, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())
	c := &CancelEIP712{Commitment: common.HexToHash("0xabc"), Nonce: big.NewInt(2), Owner: signer.Address()}

	sig, err := e.SignCancel(signer, c)
	require.NoError(t, err)
	ok, err := e.VerifyCancelSignature(c, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	c.Owner = common.HexToAddress("0x1")
	ok, _ = e.VerifyCancelSignature(c, sig)
	assert.False(t, ok)
}
