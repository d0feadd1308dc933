package state

import (
	"time"

	"chainbft/types"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// State 最后一个区块提交后的系统状态
// 值语义，ApplyBlock在副本上产生新状态，原值不被修改
type State struct {
	// 初始设定值 const value
	ChainID       string
	InitialHeight int64

	// 当前高度生效的验证者集合，集合变更只发生在高度边界
	Validators *types.ValidatorSet

	// 最后提交的区块的信息
	LastBlockHeight int64
	LastBlockHash   tmbytes.HexBytes
	LastBlockTime   time.Time // 提交的时间 - 物理时间

	// 最后提交区块的quorum certificate
	LastCommit *types.Commit

	// 最后提交区块的执行结果hash
	LastResultsHash tmbytes.HexBytes
}

// MakeGenesisState 根据创世文件构造初始状态
func MakeGenesisState(genDoc *types.GenesisDoc) (State, error) {
	if err := genDoc.ValidateAndComplete(); err != nil {
		return State{}, err
	}

	genesisBlock := types.MakeGenesisBlock(genDoc.ChainID, genDoc.GenesisTime)

	return State{
		ChainID:         genDoc.ChainID,
		InitialHeight:   genDoc.InitialHeight,
		Validators:      genDoc.ValidatorSet(),
		LastBlockHeight: 0,
		LastBlockHash:   genesisBlock.Hash(),
		LastBlockTime:   genDoc.GenesisTime,
		LastResultsHash: []byte{},
	}, nil
}

// MakeState 测试和工具使用的直接构造入口
func MakeState(chainID string, vals *types.ValidatorSet, genesisTime time.Time) State {
	genesisBlock := types.MakeGenesisBlock(chainID, genesisTime)
	return State{
		ChainID:         chainID,
		InitialHeight:   1,
		Validators:      vals,
		LastBlockHeight: 0,
		LastBlockHash:   genesisBlock.Hash(),
		LastBlockTime:   genesisTime,
		LastResultsHash: []byte{},
	}
}

// Copy 返回当前state的拷贝副本
// 验证者集合本身不可变，共享引用是安全的
func (state State) Copy() State {
	newState := State{
		ChainID:         state.ChainID,
		InitialHeight:   state.InitialHeight,
		Validators:      state.Validators,
		LastBlockHeight: state.LastBlockHeight,
		LastBlockHash:   make([]byte, len(state.LastBlockHash)),
		LastBlockTime:   state.LastBlockTime,
		LastCommit:      state.LastCommit,
		LastResultsHash: make([]byte, len(state.LastResultsHash)),
	}

	copy(newState.LastBlockHash, state.LastBlockHash)
	copy(newState.LastResultsHash, state.LastResultsHash)

	return newState
}

// IsEmpty 是否是未初始化的空状态
func (state State) IsEmpty() bool {
	return state.ChainID == ""
}
