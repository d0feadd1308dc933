package state

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	memdb "github.com/tendermint/tm-db/memdb"

	mempl "chainbft/mempool"
	"chainbft/store"
	"chainbft/types"
)

const execTestChainID = "executor_test"

func newExecutorTestSuite(t *testing.T) (BlockExecutor, *mempl.ListMempool, *store.BlockStore, State) {
	cfg := config.ResetTestRoot("executor_test")
	t.Cleanup(func() { os.RemoveAll(cfg.RootDir) })

	logger := log.TestingLogger()

	mem := mempl.NewListMempool(cfg.Mempool, 1)
	mem.SetLogger(logger)

	blockStore := store.NewKVStoreWithDB(memdb.NewDB(), logger)

	exec := NewBlockExecutor(blockStore, mem)
	exec.SetLogger(logger)

	vals := make([]*types.Validator, 4)
	for i := range vals {
		vals[i], _ = types.RandValidator()
	}
	state := MakeState(execTestChainID, types.NewValidatorSet(vals), time.Now())

	return exec, mem, blockStore, state
}

func commitFor(block *types.Block) *types.Commit {
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

func TestCreateProposal(t *testing.T) {
	exec, mem, _, state := newExecutorTestSuite(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, mem.CheckTx(types.Tx(fmt.Sprintf("tx=%d", i)), mempl.TxInfo{}))
	}

	block := exec.CreateProposal(state, 1, 0)
	require.NotNil(t, block)

	assert.Equal(t, execTestChainID, block.ChainID)
	assert.EqualValues(t, 1, block.Height)
	assert.Equal(t, 3, len(block.Txs), "提案应该按到达顺序打包mempool的交易")
	assert.Equal(t, state.LastBlockHash, block.LastBlockHash)
	assert.Equal(t, state.Validators.Hash(), []byte(block.ValidatorsHash))
	assert.NotEmpty(t, block.ResultHash)
	assert.NotEmpty(t, block.Hash())

	// 组装提案不清理mempool，交易在提交前必须保留
	assert.Equal(t, 3, mem.Size())
}

func TestCreateProposalEmptyMempool(t *testing.T) {
	exec, _, _, state := newExecutorTestSuite(t)

	block := exec.CreateProposal(state, 1, 0)
	require.NotNil(t, block)
	assert.Equal(t, 0, len(block.Txs))
	assert.NotEmpty(t, block.Hash(), "空区块同样有确定的hash")
}

func TestApplyBlock(t *testing.T) {
	exec, mem, blockStore, state := newExecutorTestSuite(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, mem.CheckTx(types.Tx(fmt.Sprintf("tx=%d", i)), mempl.TxInfo{}))
	}

	block := exec.CreateProposal(state, 1, 0)
	commit := commitFor(block)

	newState, err := exec.ApplyBlock(state.Copy(), block, commit)
	require.NoError(t, err)

	assert.EqualValues(t, 1, newState.LastBlockHeight)
	assert.Equal(t, []byte(block.Hash()), []byte(newState.LastBlockHash))
	assert.Equal(t, commit, newState.LastCommit)

	// 区块和certificate已经落盘
	assert.EqualValues(t, 1, blockStore.Height())
	require.NotNil(t, blockStore.LoadBlock(1))
	require.NotNil(t, blockStore.LoadCommit(1))

	// 已提交交易从mempool清除
	assert.Equal(t, 0, mem.Size())
}

func TestApplyBlockChained(t *testing.T) {
	exec, _, blockStore, state := newExecutorTestSuite(t)

	cur := state
	for h := int64(1); h <= 3; h++ {
		block := exec.CreateProposal(cur, h, 0)
		next, err := exec.ApplyBlock(cur.Copy(), block, commitFor(block))
		require.NoError(t, err)
		cur = next
	}

	assert.EqualValues(t, 3, cur.LastBlockHeight)
	assert.EqualValues(t, 3, blockStore.Height())
}

func TestApplyBlockRejectsInvalid(t *testing.T) {
	exec, _, blockStore, state := newExecutorTestSuite(t)

	makeBlock := func(chainID string, height int64, lastHash []byte) *types.Block {
		block := types.MakeBlock(height, types.Txs{})
		block.Fill(chainID, height, 0, lastHash, nil, state.Validators.Hash(), time.Now())
		block.ResultHash = block.Data.Hash()
		block.Hash()
		return block
	}

	cases := []struct {
		name  string
		block *types.Block
	}{
		{"wrong chain id", makeBlock("other-chain", 1, state.LastBlockHash)},
		{"wrong height", makeBlock(execTestChainID, 2, state.LastBlockHash)},
		{"does not extend chain", makeBlock(execTestChainID, 1, tmrand.Bytes(32))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := exec.ApplyBlock(state.Copy(), tc.block, commitFor(tc.block))
			assert.Error(t, err)
		})
	}

	t.Run("commit does not certify block", func(t *testing.T) {
		block := makeBlock(execTestChainID, 1, state.LastBlockHash)
		other := types.MakeBlock(1, types.Txs{types.Tx("different")})
		other.Fill(execTestChainID, 1, 0, state.LastBlockHash, nil, state.Validators.Hash(), time.Now())
		other.Hash()
		_, err := exec.ApplyBlock(state.Copy(), block, commitFor(other))
		assert.Error(t, err)

		_, err = exec.ApplyBlock(state.Copy(), block, nil)
		assert.Error(t, err)
	})

	// 所有失败的提交都不允许落盘
	assert.EqualValues(t, 0, blockStore.Height())
}
