package types

import (
	"fmt"
	"time"

	"chainbft/types"
)

//-----------------------------------------------------------------------------
// RoundStepType enum type

// RoundStepType enumerates the state of the consensus state machine
type RoundStepType uint8

// RoundStepType
const (
	RoundStepNewHeight     = RoundStepType(0x01) // 上一个高度提交完成，等待进入新高度
	RoundStepNewRound      = RoundStepType(0x02) // 准备进入新的一轮
	RoundStepPropose       = RoundStepType(0x03) // 等待proposer的提案
	RoundStepPrevote       = RoundStepType(0x04) // 已发出prevote，等待prevote quorum
	RoundStepPrevoteWait   = RoundStepType(0x05) // 收到2f+1张prevote但没有多数，等待超时
	RoundStepPrecommit     = RoundStepType(0x06) // 已发出precommit，等待precommit quorum
	RoundStepPrecommitWait = RoundStepType(0x07) // 收到2f+1张precommit但没有多数，等待超时
	RoundStepCommit        = RoundStepType(0x08) // 达成quorum certificate，提交区块
)

func (rs RoundStepType) String() string {
	switch rs {
	case RoundStepNewHeight:
		return "RoundStepNewHeight"
	case RoundStepNewRound:
		return "RoundStepNewRound"
	case RoundStepPropose:
		return "RoundStepPropose"
	case RoundStepPrevote:
		return "RoundStepPrevote"
	case RoundStepPrevoteWait:
		return "RoundStepPrevoteWait"
	case RoundStepPrecommit:
		return "RoundStepPrecommit"
	case RoundStepPrecommitWait:
		return "RoundStepPrecommitWait"
	case RoundStepCommit:
		return "RoundStepCommit"
	default:
		return "RoundStepUnknown"
	}
}

// RoundState 状态机在当前(height, round)内的全部易变状态
// 只有consensus的事件循环会读写它，高度推进时整体丢弃重建
type RoundState struct {
	Height    int64         `json:"height"`
	Round     int32         `json:"round"`
	Step      RoundStepType `json:"step"`
	StartTime time.Time     `json:"start_time"`

	Validators *types.ValidatorSet `json:"validators"`
	Proposer   *types.Validator    `json:"proposer"` // 这一轮的指定proposer

	Proposal      *types.Proposal `json:"proposal"` // 这一轮收到的合法提案
	ProposalBlock *types.Block    `json:"proposal_block"`

	// 锁：在某一轮观察到对某个hash的prevote quorum后记录
	// 之后的轮次只能为锁定的hash投prevote，直到更高轮出现别的quorum
	LockedRound int32        `json:"locked_round"` // -1表示未锁定
	LockedBlock *types.Block `json:"locked_block"`

	Votes       *HeightVoteSet `json:"votes"`
	CommitRound int32          `json:"commit_round"` // 达成precommit quorum的轮次，-1表示尚未达成

	LastCommit *types.Commit `json:"last_commit"` // 上一个已提交高度的quorum certificate
}

func (rs *RoundState) StringShort() string {
	return fmt.Sprintf("RoundState{H:%v R:%v S:%v}",
		rs.Height, rs.Round, rs.Step)
}
