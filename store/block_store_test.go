package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmrand "github.com/tendermint/tendermint/libs/rand"

	"github.com/tendermint/tendermint/libs/log"
	memdb "github.com/tendermint/tm-db/memdb"

	"chainbft/types"
)

func newTestStore() *BlockStore {
	return NewKVStoreWithDB(memdb.NewDB(), log.TestingLogger())
}

func makeTestBlock(height int64, lastBlockHash []byte) *types.Block {
	block := types.MakeBlock(height, types.Txs{types.Tx(fmt.Sprintf("tx-at-%d", height))})
	block.Fill("block_store_test", height, 0, lastBlockHash, nil, nil, time.Now())
	block.Hash()
	return block
}

func makeTestCommit(block *types.Block) *types.Commit {
	return &types.Commit{
		Height:    block.Height,
		Round:     0,
		BlockHash: block.Hash(),
		Signatures: []types.CommitSig{
			{ValidatorAddress: types.Address(tmrand.Bytes(20)), ValidatorIndex: 0, Signature: tmrand.Bytes(64)},
			{ValidatorAddress: types.Address(tmrand.Bytes(20)), ValidatorIndex: 1, Signature: tmrand.Bytes(64)},
			{ValidatorAddress: types.Address(tmrand.Bytes(20)), ValidatorIndex: 2, Signature: tmrand.Bytes(64)},
		},
	}
}

func TestBlockStoreSaveLoad(t *testing.T) {
	bs := newTestStore()
	assert.EqualValues(t, 0, bs.Height(), "空库高度是0")
	assert.Nil(t, bs.LoadBlock(1))
	assert.Nil(t, bs.LoadCommit(1))

	block := makeTestBlock(1, tmrand.Bytes(32))
	commit := makeTestCommit(block)
	require.NoError(t, bs.SaveBlock(block, commit))

	assert.EqualValues(t, 1, bs.Height())

	loaded := bs.LoadBlock(1)
	require.NotNil(t, loaded)
	assert.Equal(t, block.Hash(), loaded.Hash())
	assert.Equal(t, block.Txs, loaded.Txs)

	loadedCommit := bs.LoadCommit(1)
	require.NotNil(t, loadedCommit)
	assert.Equal(t, commit.BlockHash, loadedCommit.BlockHash)
	assert.Equal(t, len(commit.Signatures), len(loadedCommit.Signatures))
}

func TestBlockStoreNonContiguous(t *testing.T) {
	bs := newTestStore()

	block1 := makeTestBlock(1, tmrand.Bytes(32))
	require.NoError(t, bs.SaveBlock(block1, makeTestCommit(block1)))

	// 跳过高度2直接存高度3
	block3 := makeTestBlock(3, block1.Hash())
	err := bs.SaveBlock(block3, makeTestCommit(block3))
	assert.ErrorIs(t, err, ErrNonContiguousSave)
	assert.EqualValues(t, 1, bs.Height(), "失败的写入不应该推进高度")
	assert.Nil(t, bs.LoadBlock(3))

	block2 := makeTestBlock(2, block1.Hash())
	require.NoError(t, bs.SaveBlock(block2, makeTestCommit(block2)))
	assert.EqualValues(t, 2, bs.Height())
}

func TestBlockStoreNilArgs(t *testing.T) {
	bs := newTestStore()
	block := makeTestBlock(1, tmrand.Bytes(32))
	assert.Error(t, bs.SaveBlock(nil, makeTestCommit(block)))
	assert.Error(t, bs.SaveBlock(block, nil))
}

// 重新打开同一个db恢复已提交高度
func TestBlockStoreReopen(t *testing.T) {
	db := memdb.NewDB()
	bs := NewKVStoreWithDB(db, log.TestingLogger())

	last := tmrand.Bytes(32)
	for h := int64(1); h <= 3; h++ {
		block := makeTestBlock(h, last)
		require.NoError(t, bs.SaveBlock(block, makeTestCommit(block)))
		last = block.Hash()
	}

	reopened := NewKVStoreWithDB(db, log.TestingLogger())
	assert.EqualValues(t, 3, reopened.Height())
	require.NotNil(t, reopened.LoadBlock(3))
	assert.Equal(t, bs.LoadBlock(3).Hash(), reopened.LoadBlock(3).Hash())
}
