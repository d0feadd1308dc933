package consensus

import (
	"errors"
	"fmt"
	"time"

	cstype "chainbft/consensus/types"
	"chainbft/types"
	"github.com/tendermint/tendermint/p2p"
)

// Message 所有进入状态机的协议消息
type Message interface {
	ValidateBasic() error
}

// msgInfo 进入事件队列的消息，带上来源peer；本地产生的消息PeerID为空
type msgInfo struct {
	Msg    Message `json:"msg"`
	PeerID p2p.ID  `json:"peer_key"`
}

// ProposalMessage 提案消息
type ProposalMessage struct {
	Proposal *types.Proposal
}

func (m *ProposalMessage) ValidateBasic() error {
	if m == nil || m.Proposal == nil {
		return errors.New("empty proposal message")
	}
	return m.Proposal.ValidateBasic()
}

func (m *ProposalMessage) String() string {
	return fmt.Sprintf("[Proposal %v]", m.Proposal)
}

// VoteMessage 投票消息，prevote和precommit共用
type VoteMessage struct {
	Vote *types.Vote
}

func (m *VoteMessage) ValidateBasic() error {
	if m == nil || m.Vote == nil {
		return errors.New("empty vote message")
	}
	return m.Vote.ValidateBasic()
}

func (m *VoteMessage) String() string {
	return fmt.Sprintf("[Vote %v]", m.Vote)
}

// CommitMessage 已提交高度的quorum certificate，用于落后节点追赶
type CommitMessage struct {
	Commit *types.Commit
	Block  *types.Block
}

func (m *CommitMessage) ValidateBasic() error {
	if m == nil || m.Commit == nil {
		return errors.New("empty commit message")
	}
	if m.Block == nil {
		return errors.New("commit message had no block")
	}
	return m.Commit.ValidateBasic()
}

func (m *CommitMessage) String() string {
	return fmt.Sprintf("[Commit %v]", m.Commit)
}

//-----------------------------------------------------------------------------

// timeoutInfo 定时器事件，带(height, round, step)标签
// 标签和当前状态不匹配的到期事件直接丢弃
type timeoutInfo struct {
	Duration time.Duration        `json:"duration"`
	Height   int64                `json:"height"`
	Round    int32                `json:"round"`
	Step     cstype.RoundStepType `json:"step"`
}

func (ti timeoutInfo) String() string {
	return fmt.Sprintf("%v ; %d/%d %v", ti.Duration, ti.Height, ti.Round, ti.Step)
}
