package crypto

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeCommitment_MatchesPackedKeccak(t *testing.T) {
	in := CommitmentInput{
		Owner:  common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Side:   CommitSideSell,
		Price:  1000,
		Amount: 5,
		Locked: 5,
	}
	in.Salt[31] = 7

	u256 := func(v int64) []byte { return common.LeftPadBytes(big.NewInt(v).Bytes(), 32) }
	packed := bytes.Join([][]byte{
		in.Owner.Bytes(),
		{CommitSideSell},
		u256(1000),
		u256(5),
		u256(5),
		in.Salt[:],
	}, nil)

	assert.Equal(t, eth_crypto.Keccak256Hash(packed), ComputeCommitment(in))
}

func TestComputeCommitment_SensitiveToEveryField(t *testing.T) {
	base := CommitmentInput{Owner: common.HexToAddress("0x01"), Side: CommitSideBuy, Price: 10, Amount: 2, Locked: 20}
	h := ComputeCommitment(base)

	mutations := []func(*CommitmentInput){
		func(c *CommitmentInput) { c.Owner = common.HexToAddress("0x02") },
		func(c *CommitmentInput) { c.Side = CommitSideSell },
		func(c *CommitmentInput) { c.Price++ },
		func(c *CommitmentInput) { c.Amount++ },
		func(c *CommitmentInput) { c.Locked++ },
		func(c *CommitmentInput) { c.Salt[0] = 1 },
	}
	for i, mut := range mutations {
		c := base
		mut(&c)
		assert.NotEqual(t, h, ComputeCommitment(c), "mutation %d", i)
	}
}

func TestSalt(t *testing.T) {
	s1, err := NewSalt()
	require.NoError(t, err)
	s2, _ := NewSalt()
	assert.NotEqual(t, s1, s2)

	parsed, err := ParseSalt(common.Bytes2Hex(s1[:]))
	require.NoError(t, err)
	assert.Equal(t, s1, parsed)

	_, err = ParseSalt("0x1234")
	assert.Error(t, err)
}

func TestSealAndOpen(t *testing.T) {
	key, err := GenerateSealingKey()
	require.NoError(t, err)

	pub, err := ParsePublicKeyHex(key.PublicKeyHex())
	require.NoError(t, err)

	ct, err := Seal(pub, []byte(`{"side":1}`))
	require.NoError(t, err)

	pt, err := key.Open(ct)
	require.NoError(t, err)
	assert.Equal(t, `{"side":1}`, string(pt))

	other, _ := GenerateSealingKey()
	_, err = other.Open(ct)
	assert.Error(t, err)
}

func TestBLSSignAndAggregate(t *testing.T) {
	seed := func(b byte) []byte { return bytes.Repeat([]byte{b}, 32) }
	s1, err := NewBLSSignerFromSeed(seed(1))
	require.NoError(t, err)
	s2, err := NewBLSSignerFromSeed(seed(2))
	require.NoError(t, err)

	msg := eth_crypto.Keccak256Hash([]byte("resolution"))
	sig1, _ := s1.SignAttestation(msg)
	sig2, _ := s2.SignAttestation(msg)

	assert.True(t, Verify(s1.Pubkey(), sig1, msg.Bytes()))
	assert.False(t, Verify(s2.Pubkey(), sig1, msg.Bytes()))

	agg := Aggregate([][]byte{sig1, sig2})
	require.NotNil(t, agg)
	assert.True(t, VerifyAggregateSameMsg([]*BLSPubKey{s1.Pubkey(), s2.Pubkey()}, msg.Bytes(), agg))
	assert.NotEmpty(t, s1.PublicID())
	assert.Equal(t, "bls", s1.Scheme())
}
