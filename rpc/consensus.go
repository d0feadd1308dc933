package rpc

import (
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"chainbft/types"
)

type ResultStatus struct {
	Height      int64  `json:"height"`
	Round       int32  `json:"round"`
	Step        string `json:"step"`
	Proposer    string `json:"proposer"`
	LockedRound int32  `json:"locked_round"`

	LatestBlockHeight int64            `json:"latest_block_height"`
	LatestBlockHash   tmbytes.HexBytes `json:"latest_block_hash"`
}

type ResultBlock struct {
	Height int64        `json:"height"`
	Block  *types.Block `json:"block"`
}

type ResultCommit struct {
	Height int64         `json:"height"`
	Commit *types.Commit `json:"commit"`
}

// Status 返回共识当前所处的height/round/step和最近提交的区块
func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	rs := env.Consensus.GetRoundState()

	result := &ResultStatus{
		Height:            rs.Height,
		Round:             rs.Round,
		Step:              rs.Step.String(),
		LockedRound:       rs.LockedRound,
		LatestBlockHeight: env.BlockStore.Height(),
	}
	if rs.Proposer != nil {
		result.Proposer = rs.Proposer.Address.String()
	}
	if block := env.BlockStore.LoadBlock(result.LatestBlockHeight); block != nil {
		result.LatestBlockHash = block.Hash()
	}
	return result, nil
}

// Block 按高度查询已提交的区块，height<=0表示最新区块
func Block(ctx *rpctypes.Context, height int64) (*ResultBlock, error) {
	height, err := normalizeHeight(height)
	if err != nil {
		return nil, err
	}

	block := env.BlockStore.LoadBlock(height)
	if block == nil {
		return nil, fmt.Errorf("block at height %d not found", height)
	}
	return &ResultBlock{Height: height, Block: block}, nil
}

// Commit 按高度查询区块对应的quorum certificate
func Commit(ctx *rpctypes.Context, height int64) (*ResultCommit, error) {
	height, err := normalizeHeight(height)
	if err != nil {
		return nil, err
	}

	commit := env.BlockStore.LoadCommit(height)
	if commit == nil {
		return nil, fmt.Errorf("commit at height %d not found", height)
	}
	return &ResultCommit{Height: height, Commit: commit}, nil
}

func normalizeHeight(height int64) (int64, error) {
	latest := env.BlockStore.Height()
	if height <= 0 {
		return latest, nil
	}
	if height > latest {
		return 0, fmt.Errorf("height %d must be less than or equal to the current blockchain height %d", height, latest)
	}
	return height, nil
}
