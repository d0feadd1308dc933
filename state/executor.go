package state

import (
	"bytes"
	"time"

	"chainbft/mempool"
	"chainbft/store"
	"chainbft/types"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
)

// 一个提案打包的交易上限
const maxProposalTxs = 500

// BlockExecutor 负责组装提案区块和提交已达成quorum的区块
type BlockExecutor interface {
	// CreateProposal 从mempool按照交易到达的顺序打包交易，
	// 返回头信息已填好、待proposer签名的区块
	CreateProposal(state State, height int64, round int32) *types.Block

	// ApplyBlock 提交一个携带合法quorum certificate的区块：
	// 持久化(block, commit)，清理mempool，返回推进后的新state
	// 持久化失败时返回error，caller必须视为致命错误
	ApplyBlock(state State, block *types.Block, commit *types.Commit) (State, error)

	SetLogger(logger log.Logger)
}

func NewBlockExecutor(store store.Store, mempool mempool.Mempool) BlockExecutor {
	return &blockExecutor{
		store:   store,
		mempool: mempool,
	}
}

type blockExecutor struct {
	store   store.Store
	mempool mempool.Mempool

	logger log.Logger
}

// SetLogger implements BlockExecutor
func (exec *blockExecutor) SetLogger(logger log.Logger) {
	exec.logger = logger
}

// CreateProposal implements BlockExecutor
func (exec *blockExecutor) CreateProposal(state State, height int64, round int32) *types.Block {
	txs := exec.mempool.ReapMaxTxs(maxProposalTxs)

	block := types.MakeBlock(height, txs)
	block.Fill(
		state.ChainID,
		height,
		round,
		state.LastBlockHash,
		nil, // proposer地址由consensus填
		state.Validators.Hash(),
		time.Now(),
	)
	// 应用执行是黑盒，结果hash用交易merkle root占位，保证所有节点一致
	block.ResultHash = block.Data.Hash()
	block.Hash()

	return block
}

// ApplyBlock implements BlockExecutor
func (exec *blockExecutor) ApplyBlock(state State, block *types.Block, commit *types.Commit) (State, error) {
	if err := exec.validateBlock(state, block); err != nil {
		return state, ErrInvalidBlock(err)
	}
	if commit == nil || !bytes.Equal(commit.BlockHash, block.Hash()) {
		return state, ErrInvalidBlock(errors.New("commit does not certify block"))
	}

	// 持久化必须先于高度推进，写失败绝不能静默跳过
	if err := exec.store.SaveBlock(block, commit); err != nil {
		return state, errors.Wrapf(err, "persist block at height %d", block.Height)
	}

	// committed交易从mempool中删去
	exec.mempool.Lock()
	if err := exec.mempool.Update(block.Height, block.Txs); err != nil {
		exec.logger.Error("update mempool failed", "err", err, "height", block.Height)
	}
	exec.mempool.Unlock()

	exec.logger.Info("committed block", "height", block.Height, "hash", block.Hash(), "txs", len(block.Txs))

	state.LastBlockHeight = block.Height
	state.LastBlockHash = block.Hash()
	state.LastBlockTime = time.Now()
	state.LastCommit = commit
	state.LastResultsHash = block.ResultHash

	return state, nil
}

// validateBlock 区块必须恰好延长本地链
func (exec *blockExecutor) validateBlock(state State, block *types.Block) error {
	if err := block.ValidateBasic(); err != nil {
		return err
	}
	if block.ChainID != state.ChainID {
		return errors.Errorf("wrong chain id %q, expected %q", block.ChainID, state.ChainID)
	}

	expectedHeight := state.LastBlockHeight + 1
	if state.LastBlockHeight == 0 {
		expectedHeight = state.InitialHeight
	}
	if block.Height != expectedHeight {
		return errors.Errorf("wrong height %d, expected %d", block.Height, expectedHeight)
	}

	if !bytes.Equal(block.LastBlockHash, state.LastBlockHash) {
		return errors.Errorf("block does not extend chain: last hash %X, expected %X",
			block.LastBlockHash, state.LastBlockHash)
	}
	return nil
}
