package privval

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainbft/crypto/bls"
	"chainbft/types"
)

func tempKeyFile(t *testing.T) (string, func()) {
	dir, err := ioutil.TempDir("", "privval_test")
	require.NoError(t, err)
	return filepath.Join(dir, "priv_validator_key.json"), func() { os.RemoveAll(dir) }
}

func TestGenLoadFilePV(t *testing.T) {
	keyFile, cleanup := tempKeyFile(t)
	defer cleanup()

	pv := GenFilePV(keyFile)
	pv.Save()

	loaded := LoadFilePV(keyFile)
	assert.Equal(t, pv.GetAddress(), loaded.GetAddress())

	pub, err := loaded.GetPubKey()
	require.NoError(t, err)
	assert.True(t, pub.Equals(pv.Key.PubKey))
}

func TestLoadOrGenFilePV(t *testing.T) {
	keyFile, cleanup := tempKeyFile(t)
	defer cleanup()

	pv := LoadOrGenFilePV(keyFile)
	again := LoadOrGenFilePV(keyFile)
	assert.Equal(t, pv.GetAddress(), again.GetAddress())
}

// 同一seed下不同idx的私钥share都能各自签名验签
func TestGenFilePVWithSeedAndIdx(t *testing.T) {
	keyFile, cleanup := tempKeyFile(t)
	defer cleanup()

	chainID := "privval_test_chain"

	for idx := int64(1); idx <= 4; idx++ {
		pv := GenFilePVWithSeedAndIdx(keyFile, 3, idx, 42)

		vote := &types.Vote{
			Type:   types.PrevoteType,
			Height: 1,
			Round:  0,
		}
		require.NoError(t, pv.SignVote(chainID, vote))

		pub, err := pv.GetPubKey()
		require.NoError(t, err)
		assert.NoError(t, vote.Verify(chainID, pub))
	}

	// 同一seed同一idx生成的key确定
	pvA := GenFilePVWithSeedAndIdx(keyFile, 3, 1, 42)
	pvB := GenFilePVWithSeedAndIdx(keyFile, 3, 1, 42)
	assert.Equal(t, pvA.GetAddress(), pvB.GetAddress())
}

func TestSignProposal(t *testing.T) {
	keyFile, cleanup := tempKeyFile(t)
	defer cleanup()

	chainID := "privval_test_chain"
	pv := NewFilePV(bls.GenPrivKey(), keyFile)

	block := types.MakeBlock(1, types.Txs{types.Tx("tx1")})
	block.Fill(chainID, 1, 0, []byte{}, nil, nil, time.Now())
	block.Hash()

	proposal := types.NewProposal(1, 0, 0, block)
	require.NoError(t, pv.SignProposal(chainID, proposal))

	pub, err := pv.GetPubKey()
	require.NoError(t, err)
	assert.NoError(t, proposal.Verify(chainID, pub))
}
