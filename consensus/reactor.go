package consensus

import (
	"fmt"

	"chainbft/types"
	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
)

const (
	StateChannel    = byte(0x20)
	ProposalChannel = byte(0x21)
	VoteChannel     = byte(0x22)
	CommitChannel   = byte(0x23)

	maxMsgSize = 1048576 // 1MB
)

// ------ Event ------
// reactor监听的consensus广播事件
const (
	EventNewRound    = "NewRound"
	EventNewProposal = "NewProposal"
	EventNewVote     = "NewVote"
	EventCommit      = "Commit"
)

// CommitEvent 提交完成后向reactor和rpc广播的载荷
type CommitEvent struct {
	Commit *types.Commit `json:"commit"`
	Block  *types.Block  `json:"block"`
}

// ------- Reactor ------
type Reactor struct {
	p2p.BaseReactor

	peers *cmap.CMap

	consensus *ConsensusState
}

type ReactorOption func(*Reactor)

func NewReactor(cs *ConsensusState, options ...ReactorOption) *Reactor {
	conR := &Reactor{
		peers:     cmap.NewCMap(),
		consensus: cs,
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)

	for _, option := range options {
		option(conR)
	}

	return conR
}

func (conR *Reactor) OnStart() error {
	conR.Logger.Info("Consensus Reactor started.")

	conR.subscribeToBroadcastEvents()

	if err := conR.consensus.Start(); err != nil {
		return err
	}
	return nil
}

func (conR *Reactor) OnStop() {
	if err := conR.consensus.Stop(); err != nil {
		conR.Logger.Error("failed trying to stop consensus state", "error", err)
	}
}

// GetChannels implements Reactor
func (conR *Reactor) GetChannels() []*conn.ChannelDescriptor {
	return []*conn.ChannelDescriptor{
		{
			ID:                  StateChannel,
			Priority:            6,
			SendQueueCapacity:   100,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  ProposalChannel,
			Priority:            10,
			SendQueueCapacity:   100,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  VoteChannel,
			Priority:            7,
			SendQueueCapacity:   100,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  CommitChannel,
			Priority:            5,
			SendQueueCapacity:   100,
			RecvMessageCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) AddPeer(peer p2p.Peer) {
	conR.peers.Set(p2p.IDAddressString(peer.ID(), ""), peer)
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	conR.peers.Delete(p2p.IDAddressString(peer.ID(), ""))
}

// Receive 解析网络消息并投入consensus的事件队列
// 解析失败只记录日志，恶意字节串不会影响状态机
func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive", "src", src, "chID", chID, "bytes", msgBytes)
		return
	}

	switch chID {
	case VoteChannel:
		var vote types.Vote
		if err := tmjson.Unmarshal(msgBytes, &vote); err != nil {
			conR.Logger.Error("try to unmarshal vote failed", "err", err, "peer", src.ID())
			break
		}

		conR.Logger.Debug(fmt.Sprintf("Receive vote from %v", src.ID()), "vote", vote)
		conR.consensus.SendPeerMessage(&VoteMessage{Vote: &vote}, src.ID())

	case ProposalChannel:
		var proposal types.Proposal
		if err := tmjson.Unmarshal(msgBytes, &proposal); err != nil {
			conR.Logger.Error("try to unmarshal proposal failed", "err", err, "peer", src.ID())
			break
		}

		conR.Logger.Debug(fmt.Sprintf("Receive proposal from %v", src.ID()), "proposal", proposal)
		conR.consensus.SendPeerMessage(&ProposalMessage{Proposal: &proposal}, src.ID())

	case CommitChannel:
		var ev CommitEvent
		if err := tmjson.Unmarshal(msgBytes, &ev); err != nil {
			conR.Logger.Error("try to unmarshal commit failed", "err", err, "peer", src.ID())
			break
		}

		conR.consensus.SendPeerMessage(&CommitMessage{Commit: ev.Commit, Block: ev.Block}, src.ID())

	default:
		conR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
	}
}

// subscribeToBroadcastEvents 订阅consensus需要广播的消息
func (conR *Reactor) subscribeToBroadcastEvents() {
	const subscriber = "consensus-reactor"

	// 当consensus成功setProposal以后才会触发事件
	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventNewProposal, func(data events.EventData) {
		// consensus已经验证过提案的合法性，这里只要简单的广播即可
		conR.broadcastProposal(data.(*types.Proposal))
	})

	// 当consensus成功addVote以后才会触发事件
	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventNewVote, func(data events.EventData) {
		conR.broadcastVote(data.(*types.Vote))
	})

	// 提交完成后把quorum certificate转发给可能落后的节点
	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventCommit, func(data events.EventData) {
		conR.broadcastCommit(data.(*CommitEvent))
	})
}

func (conR *Reactor) broadcastProposal(proposal *types.Proposal) {
	pBytes, err := tmjson.Marshal(proposal)
	if err != nil {
		conR.Logger.Error("Marshal Proposal failed.", "err", err)
		return
	}
	conR.Logger.Debug("ready to broadcast Proposal", "proposal", proposal)
	conR.Switch.Broadcast(ProposalChannel, pBytes)
}

func (conR *Reactor) broadcastVote(vote *types.Vote) {
	vBytes, err := tmjson.Marshal(vote)
	if err != nil {
		conR.Logger.Error("Marshal Vote failed.", "err", err)
		return
	}
	conR.Logger.Debug("ready to broadcast Vote", "vote", vote)
	conR.Switch.Broadcast(VoteChannel, vBytes)
}

func (conR *Reactor) broadcastCommit(ev *CommitEvent) {
	cBytes, err := tmjson.Marshal(ev)
	if err != nil {
		conR.Logger.Error("Marshal Commit failed.", "err", err)
		return
	}
	conR.Switch.Broadcast(CommitChannel, cBytes)
}

// AddEventListener rpc等组件订阅consensus事件
func (conR *Reactor) AddEventListener(subscriber, event string, cb func(data events.EventData)) {
	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, event, cb)
}

// RemoveEventListener 取消subscriber的所有订阅
func (conR *Reactor) RemoveEventListener(subscriber string) {
	conR.consensus.eventSwitch.RemoveListener(subscriber)
}
