package bls_test

import (
	"testing"

	"chainbft/crypto/bls"
	"chainbft/crypto/threshold"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	priv := bls.GenPrivKey()
	pub := priv.PubKey()

	msg := []byte("consensus message")
	sig, err := priv.Sign(msg)
	require.NoError(t, err)

	assert.True(t, pub.VerifySignature(msg, sig))
	assert.False(t, pub.VerifySignature([]byte("other message"), sig))

	otherPub := bls.GenPrivKey().PubKey()
	assert.False(t, otherPub.VerifySignature(msg, sig))
}

func TestGenPrivKeyWithSeedDeterministic(t *testing.T) {
	k1 := bls.GenPrivKeyWithSeed(42)
	k2 := bls.GenPrivKeyWithSeed(42)
	k3 := bls.GenPrivKeyWithSeed(43)

	assert.True(t, k1.Equals(k2))
	assert.False(t, k1.Equals(k3))
}

func TestThresholdShares(t *testing.T) {
	primary := bls.GenTestPrivKey(100)
	poly := threshold.Master(primary, 3, 1000)

	// 每个share都是可用的签名私钥
	msg := []byte("shared signing")
	for idx := int64(1); idx <= 4; idx++ {
		priv, err := poly.GetValue(idx)
		require.NoError(t, err)

		sig, err := priv.Sign(msg)
		require.NoError(t, err)
		assert.True(t, priv.PubKey().VerifySignature(msg, sig))
	}

	// 同样的种子在其他节点上派生出同样的share
	again := threshold.Master(primary, 3, 1000)
	p1, err := poly.GetValue(1)
	require.NoError(t, err)
	p2, err := again.GetValue(1)
	require.NoError(t, err)
	assert.True(t, p1.Equals(p2))

	_, err = poly.GetValue(0)
	assert.ErrorIs(t, err, threshold.ErrInvalidShareIndex)
}
