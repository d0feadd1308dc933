package consensus

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	cstype "chainbft/consensus/types"
	sm "chainbft/state"
	"chainbft/store"
	"chainbft/types"
	"github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
)

const (
	msgQueueSize = 1000

	// 下一个高度的消息最多缓存这么多条，再多的直接丢弃
	maxFutureMsgs = 256
)

// 共识状态机实现
// 所有round/vote/lock状态只由receiveRoutine这一个goroutine修改，
// 网络消息和定时器事件都先进入队列再被顺序消费
type ConsensusState struct {
	service.BaseService

	config *config.ConsensusConfig

	// 区块执行器 - 提交区块并推进系统状态
	blockExec sm.BlockExecutor

	// 区块存储器
	blockStore store.Store

	// 轮次定时器
	timeoutTicker TimeoutTicker

	// 入站消息校验
	verifier *Verifier

	// 共识内部状态
	mtx sync.Mutex
	cstype.RoundState
	state sm.State // 最后一个区块提交后的系统状态

	privVal  types.PrivValidator
	valIndex int32 // 本节点在验证者集合中的下标，-1表示不是验证者

	// 通信管道
	peerMsgQueue     chan msgInfo       // 来自其他节点的消息（提案、投票、commit）
	internalMsgQueue chan msgInfo       // 本节点产生的提案和投票
	eventSwitch      events.EventSwitch // consensus和reactor之间的事件模型

	// 方便测试重写逻辑
	decideProposal func(height int64, round int32) *types.Proposal

	// 下一个高度的消息的有界缓存，高度推进后重放
	futureMsgs []msgInfo

	metrics      *Metrics
	statusMetric *consensusMetric
}

type ConsensusOption func(*ConsensusState)

func NewDefaultConsensusState(
	config *config.ConsensusConfig,
	privVal types.PrivValidator,
	validators *types.ValidatorSet,
	blockExec sm.BlockExecutor,
	blockStore store.Store,
	state sm.State,
) *ConsensusState {
	cs := NewConsensusState(
		config,
		blockExec,
		blockStore,
		state,
		SetValidatorSet(validators),
		SetPrivValidator(privVal),
	)
	return cs
}

func NewConsensusState(
	config *config.ConsensusConfig,
	blockExec sm.BlockExecutor,
	blockStore store.Store,
	state sm.State,
	options ...ConsensusOption,
) *ConsensusState {
	cs := &ConsensusState{
		config:           config,
		blockExec:        blockExec,
		blockStore:       blockStore,
		timeoutTicker:    NewTimeoutTicker(),
		valIndex:         -1,
		peerMsgQueue:     make(chan msgInfo, msgQueueSize),
		internalMsgQueue: make(chan msgInfo, msgQueueSize),
		eventSwitch:      events.NewEventSwitch(),
		metrics:          NopMetrics(),
		statusMetric:     newConsensusMetric(),
	}
	cs.decideProposal = cs.defaultDecideProposal

	cs.verifier = NewVerifier(state.ChainID, state.LastBlockHeight+1, state.Validators)
	cs.updateToState(state)

	cs.BaseService = *service.NewBaseService(nil, "CONSENSUS", cs)

	for _, opt := range options {
		opt(cs)
	}

	return cs
}

func SetPrivValidator(privVal types.PrivValidator) ConsensusOption {
	return func(cs *ConsensusState) {
		if cs.Validators != nil && privVal != nil {
			pub, err := privVal.GetPubKey()
			if err == nil {
				cs.valIndex, _ = cs.Validators.GetByAddress(types.Address(pub.Address()))
			}
		}
		cs.privVal = privVal
	}
}

func SetValidatorSet(validatorSet *types.ValidatorSet) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.Validators = validatorSet
	}
}

func SetMetrics(metrics *Metrics) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.metrics = metrics
	}
}

func (cs *ConsensusState) SetLogger(logger log.Logger) {
	cs.Logger = logger
	if cs.timeoutTicker != nil {
		cs.timeoutTicker.SetLogger(logger)
	}
}

// StatusMetric 返回rpc使用的状态快照
func (cs *ConsensusState) StatusMetric() *consensusMetric {
	return cs.statusMetric
}

func (cs *ConsensusState) OnStart() error {
	if err := cs.eventSwitch.Start(); err != nil {
		return err
	}

	if err := cs.timeoutTicker.Start(); err != nil {
		return err
	}

	go cs.receiveRoutine()

	// 进入当前高度的第0轮
	cs.scheduleRound0()

	cs.Logger.Info("consensus receive routine started.")
	return nil
}

func (cs *ConsensusState) OnStop() {
	if err := cs.eventSwitch.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}

	if err := cs.timeoutTicker.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop timeoutTicker", "error", err)
	}
	cs.Logger.Info("consensus server stopped.")
}

// GetRoundState 返回当前轮状态的浅拷贝
func (cs *ConsensusState) GetRoundState() *cstype.RoundState {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	rs := cs.RoundState
	return &rs
}

// GetState 返回最后一次提交后的系统状态
func (cs *ConsensusState) GetState() sm.State {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.state.Copy()
}

//-----------------------------------------------------------------------------
// 消息入口

// SendPeerMessage reactor收到的网络消息从这里进入事件队列
func (cs *ConsensusState) SendPeerMessage(msg Message, peerID p2p.ID) {
	select {
	case cs.peerMsgQueue <- msgInfo{msg, peerID}:
	default:
		cs.Logger.Info("peer msg queue is full. Using a go-routine")
		go func() { cs.peerMsgQueue <- msgInfo{msg, peerID} }()
	}
}

// sendInternalMessage 本地产生的提案和投票走内部队列，PeerID为空
func (cs *ConsensusState) sendInternalMessage(mi msgInfo) {
	select {
	case cs.internalMsgQueue <- mi:
	default:
		cs.Logger.Info("internal msg queue is full. Using a go-routine")
		go func() { cs.internalMsgQueue <- mi }()
	}
}

// receiveRoutine 单消费者事件循环，唯一会修改RoundState的goroutine
func (cs *ConsensusState) receiveRoutine() {
	cs.Logger.Debug("consensus receive routine starts.")
	for {
		select {
		case <-cs.Quit():
			cs.Logger.Info("receiveRoutine quit.")
			return

		case mi := <-cs.peerMsgQueue:
			cs.handleMsg(mi)

		case mi := <-cs.internalMsgQueue:
			cs.handleMsg(mi)

		case ti := <-cs.timeoutTicker.Chan():
			cs.Logger.Debug("received timeout event", "timeout", ti)
			cs.handleTimeout(ti)
		}
	}
}

// handleMsg 根据不同的消息类型进行操作
// ProposalMessage / VoteMessage / CommitMessage
func (cs *ConsensusState) handleMsg(mi msgInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	msg, peerID := mi.Msg, mi.PeerID

	switch msg := msg.(type) {
	case *ProposalMessage:
		if err := cs.verifier.VerifyProposal(msg.Proposal); err != nil {
			cs.dropOrBuffer(mi, err)
			return
		}

		if err := cs.setProposal(msg.Proposal); err != nil {
			cs.Logger.Debug("set proposal failed.", "error", err, "proposal", msg.Proposal)
			return
		}

	case *VoteMessage:
		if err := cs.verifier.VerifyVote(msg.Vote); err != nil {
			cs.dropOrBuffer(mi, err)
			return
		}

		added, err := cs.tryAddVote(msg.Vote)
		if err != nil {
			cs.Logger.Debug("add vote failed.", "reason", err, "vote", msg.Vote)
			return
		}
		if added {
			// 向reactor转发该消息，只有正确加入voteset的投票才可以继续转发
			cs.eventSwitch.FireEvent(EventNewVote, msg.Vote)
		}

	case *CommitMessage:
		// 其他节点已经提交的证据，本节点落后时借此追赶
		if err := cs.tryApplyCommit(msg.Commit, msg.Block); err != nil {
			cs.Logger.Debug("apply commit message failed.", "error", err, "commit", msg.Commit)
		}

	default:
		cs.Logger.Error("unknown msgInfo type", "msg", msg, "peer", peerID)
	}
}

// dropOrBuffer 根据校验错误分类处理
// 未来高度的消息进入有界缓存，equivocation记录证据，其余静默丢弃
func (cs *ConsensusState) dropOrBuffer(mi msgInfo, err error) {
	switch {
	case errors.Is(err, ErrFutureHeight):
		// 只为下一个高度保留有界的缓存，更远的直接丢弃
		if msgHeight(mi.Msg) == cs.Height+1 && len(cs.futureMsgs) < maxFutureMsgs {
			cs.futureMsgs = append(cs.futureMsgs, mi)
		}
	case errors.Is(err, ErrEquivocation):
		// 证据保留在voteset/verifier里，处罚在共识核心之外
		cs.Logger.Info("equivocation detected", "msg", mi.Msg, "peer", mi.PeerID)
	case errors.Is(err, ErrStaleHeight):
		cs.Logger.Debug("stale message", "msg", mi.Msg)
	default:
		cs.Logger.Debug("invalid message rejected", "err", err, "peer", mi.PeerID)
	}
}

// replayFutureMessages 高度推进后把缓存的消息重新投入事件队列
func (cs *ConsensusState) replayFutureMessages() {
	if len(cs.futureMsgs) == 0 {
		return
	}
	msgs := cs.futureMsgs
	cs.futureMsgs = nil
	go func() {
		for _, mi := range msgs {
			cs.peerMsgQueue <- mi
		}
	}()
}

// handleTimeout 处理定时器到期事件，标签过期的直接丢弃
func (cs *ConsensusState) handleTimeout(ti timeoutInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	if ti.Height != cs.Height || ti.Round < cs.Round ||
		(ti.Round == cs.Round && ti.Step < cs.Step) {
		cs.Logger.Debug("ignoring tock because we are ahead", "timeout", ti, "state", cs.RoundState.StringShort())
		return
	}

	switch ti.Step {
	case cstype.RoundStepNewHeight:
		cs.enterNewRound(ti.Height, 0)
	case cstype.RoundStepPropose:
		// proposer超时没有提案，进入prevote阶段投nil
		cs.enterPrevote(ti.Height, ti.Round)
	case cstype.RoundStepPrevoteWait:
		cs.enterPrecommit(ti.Height, ti.Round)
	case cstype.RoundStepPrecommitWait:
		// 本轮没有达成任何quorum，带着锁进入下一轮
		cs.enterNewRound(ti.Height, ti.Round+1)
	default:
		cs.Logger.Error("unhandled timeout step", "timeout", ti)
	}
}

//-----------------------------------------------------------------------------
// 状态机转移函数
// 调用者必须持有cs.mtx

// updateToState 提交完成后重置到新高度的初始状态
// 所有轮次、投票和锁都在这里被丢弃
func (cs *ConsensusState) updateToState(state sm.State) {
	height := state.LastBlockHeight + 1
	if state.LastBlockHeight == 0 {
		height = state.InitialHeight
	}

	cs.state = state
	cs.Height = height
	cs.Round = 0
	cs.Step = cstype.RoundStepNewHeight
	cs.StartTime = time.Now()
	cs.Validators = state.Validators
	cs.Proposer = nil
	cs.Proposal = nil
	cs.ProposalBlock = nil
	cs.LockedRound = -1
	cs.LockedBlock = nil
	cs.CommitRound = -1
	cs.LastCommit = state.LastCommit
	cs.Votes = cstype.NewHeightVoteSet(state.ChainID, height, state.Validators)

	if cs.verifier != nil {
		cs.verifier.AdvanceHeight(height, state.Validators)
	}

	if cs.privVal != nil {
		pub, err := cs.privVal.GetPubKey()
		if err == nil {
			cs.valIndex, _ = cs.Validators.GetByAddress(types.Address(pub.Address()))
		}
	}

	cs.metrics.Height.Set(float64(height))
	cs.metrics.Validators.Set(float64(cs.Validators.Size()))
	cs.statusMetric.MarkHeight(height)

	cs.replayFutureMessages()
}

// scheduleRound0 提交后等待timeoutCommit再进入新高度的第0轮
func (cs *ConsensusState) scheduleRound0() {
	cs.timeoutTicker.ScheduleTimeout(timeoutInfo{
		Duration: cs.config.TimeoutCommit,
		Height:   cs.Height,
		Round:    0,
		Step:     cstype.RoundStepNewHeight,
	})
}

// enterNewRound 进入(height, round)
// round 0由新高度触发，更高的轮次由PrecommitWait超时触发
func (cs *ConsensusState) enterNewRound(height int64, round int32) {
	if cs.Height != height || round < cs.Round ||
		(cs.Round == round && cs.Step != cstype.RoundStepNewHeight) {
		cs.Logger.Debug("enterNewRound ignored: invalid args",
			"height", height, "round", round, "state", cs.RoundState.StringShort())
		return
	}

	cs.Logger.Info("enter new round", "height", height, "round", round)

	cs.Round = round
	cs.Step = cstype.RoundStepNewRound
	cs.Proposer = cs.Validators.Proposer(height, round)
	if round > 0 {
		// 换轮重新等待提案；锁保留
		cs.Proposal = nil
		cs.ProposalBlock = nil
	}
	cs.Votes.SetRound(round)

	cs.metrics.Rounds.Set(float64(round))
	cs.statusMetric.MarkRound(round)
	cs.statusMetric.MarkProposer(cs.Proposer.Address.String(), cs.isProposer())

	cs.eventSwitch.FireEvent(EventNewRound, &cs.RoundState)

	cs.enterPropose(height, round)
}

// enterPropose 如果本节点是这一轮的proposer则组装并广播提案
// 同时启动本轮的提案超时，超时时长随轮次指数退避
func (cs *ConsensusState) enterPropose(height int64, round int32) {
	if cs.Height != height || round < cs.Round ||
		(cs.Round == round && cstype.RoundStepPropose <= cs.Step) {
		return
	}

	cs.Step = cstype.RoundStepPropose

	cs.timeoutTicker.ScheduleTimeout(timeoutInfo{
		Duration: cs.config.Propose(round),
		Height:   height,
		Round:    round,
		Step:     cstype.RoundStepPropose,
	})

	if cs.isProposer() {
		proposal := cs.decideProposal(height, round)
		if proposal != nil {
			cs.sendInternalMessage(msgInfo{&ProposalMessage{Proposal: proposal}, ""})
			cs.Logger.Info("signed proposal", "height", height, "round", round, "proposal", proposal)
		}
	}

	// 可能已经提前收到了本轮的合法提案
	if cs.Proposal != nil {
		cs.enterPrevote(height, round)
	}
}

func (cs *ConsensusState) isProposer() bool {
	if cs.Proposer == nil || cs.valIndex < 0 {
		return false
	}
	addr, _ := cs.Validators.GetByIndex(cs.valIndex)
	return cs.Proposer.Address.Equal(types.Address(addr))
}

// defaultDecideProposal 从mempool组装区块并签名成提案
func (cs *ConsensusState) defaultDecideProposal(height int64, round int32) *types.Proposal {
	block := cs.blockExec.CreateProposal(cs.state, height, round)
	if block == nil {
		cs.Logger.Error("create proposal block failed")
		return nil
	}

	proposal := types.NewProposal(height, round, cs.valIndex, block)
	if err := cs.privVal.SignProposal(cs.state.ChainID, proposal); err != nil {
		cs.Logger.Error("sign proposal failed", "err", err)
		return nil
	}
	return proposal
}

// setProposal 接受一个已通过校验的提案
// 只接受当前(height, round)指定proposer的第一个提案，重放是no-op
func (cs *ConsensusState) setProposal(proposal *types.Proposal) error {
	if proposal.Height != cs.Height || proposal.Round != cs.Round {
		// 本高度更早/更晚轮次的提案，保留到voteset之外没有意义，直接忽略
		return fmt.Errorf("proposal for %d/%d, we are at %d/%d",
			proposal.Height, proposal.Round, cs.Height, cs.Round)
	}

	if cs.Proposal != nil {
		if bytes.Equal(cs.Proposal.BlockHash, proposal.BlockHash) {
			// 重放，幂等处理
			return nil
		}
		// verifier已经把同一proposer的冲突提案拦掉了，这里只可能是转发的旧消息
		return fmt.Errorf("proposal already set for %d/%d", cs.Height, cs.Round)
	}

	if cs.Proposer == nil {
		// 还停留在NewHeight，第0轮未开始
		return fmt.Errorf("round %d not entered yet", cs.Round)
	}

	// 必须来自这一轮的指定proposer
	expected, _ := cs.Validators.GetByAddress(cs.Proposer.Address)
	if proposal.ProposerIndex != expected {
		return fmt.Errorf("proposal from wrong proposer %d, expected %d",
			proposal.ProposerIndex, expected)
	}

	// 提案必须延长本地链
	if !bytes.Equal(proposal.Block.LastBlockHash, cs.state.LastBlockHash) {
		return fmt.Errorf("proposal block does not extend our chain")
	}

	cs.Proposal = proposal
	cs.ProposalBlock = proposal.Block
	cs.Logger.Info("set proposal success.", "height", cs.Height, "round", cs.Round, "proposer", cs.Proposer.Address)
	cs.statusMetric.MarkReceivedProposal(true)

	cs.eventSwitch.FireEvent(EventNewProposal, proposal)

	if cs.Step == cstype.RoundStepPropose {
		cs.enterPrevote(cs.Height, cs.Round)
	} else if cs.Step == cstype.RoundStepCommit {
		// quorum先于区块到达，补上区块后提交
		cs.tryFinalizeCommit()
	}
	return nil
}

// tryFinalizeCommit 已有precommit quorum但之前缺区块时的重试
func (cs *ConsensusState) tryFinalizeCommit() {
	if cs.CommitRound < 0 {
		return
	}
	commit := cs.Votes.Precommits(cs.CommitRound).MakeCommit()
	if commit == nil || cs.ProposalBlock == nil {
		return
	}
	if !bytes.Equal(cs.ProposalBlock.Hash(), commit.BlockHash) {
		return
	}
	cs.finalizeCommit(commit, cs.ProposalBlock)
}

// enterPrevote 广播本轮的prevote
// 锁优先于新提案；没有合法提案投nil
func (cs *ConsensusState) enterPrevote(height int64, round int32) {
	if cs.Height != height || round < cs.Round ||
		(cs.Round == round && cstype.RoundStepPrevote <= cs.Step) {
		return
	}

	cs.Step = cstype.RoundStepPrevote

	switch {
	case cs.LockedBlock != nil:
		// 已锁定，安全性优先于新提案
		cs.Logger.Info("prevote locked block", "height", height, "round", round, "locked", cs.LockedBlock.Hash())
		cs.signAddVote(types.PrevoteType, cs.LockedBlock.Hash())
	case cs.ProposalBlock != nil:
		cs.signAddVote(types.PrevoteType, cs.ProposalBlock.Hash())
	default:
		// 超时未收到提案
		cs.Logger.Info("prevote nil: no proposal", "height", height, "round", round)
		cs.signAddVote(types.PrevoteType, nil)
	}
}

// enterPrevoteWait 收到2f+1张prevote但没有形成多数，等待剩余投票
func (cs *ConsensusState) enterPrevoteWait(height int64, round int32) {
	if cs.Height != height || round < cs.Round ||
		(cs.Round == round && cstype.RoundStepPrevoteWait <= cs.Step) {
		return
	}

	cs.Step = cstype.RoundStepPrevoteWait
	cs.timeoutTicker.ScheduleTimeout(timeoutInfo{
		Duration: cs.config.Prevote(round),
		Height:   height,
		Round:    round,
		Step:     cstype.RoundStepPrevoteWait,
	})
}

// enterPrecommit 根据本轮prevote的结果广播precommit
// 对某个hash达成quorum则锁定并precommit它，否则precommit nil
func (cs *ConsensusState) enterPrecommit(height int64, round int32) {
	if cs.Height != height || round < cs.Round ||
		(cs.Round == round && cstype.RoundStepPrecommit <= cs.Step) {
		return
	}

	cs.Step = cstype.RoundStepPrecommit

	hash, ok := cs.Votes.Prevotes(round).TwoThirdsMajority()
	if !ok || len(hash) == 0 {
		// 没有非nil的prevote quorum
		cs.signAddVote(types.PrecommitType, nil)
		return
	}

	// quorum指向的区块必须在本地存在才能锁定
	if cs.ProposalBlock != nil && bytes.Equal(cs.ProposalBlock.Hash(), hash) {
		cs.LockedRound = round
		cs.LockedBlock = cs.ProposalBlock
		cs.statusMetric.MarkLocked(round)
		cs.Logger.Info("locked on block", "height", height, "round", round, "hash", hash)
		cs.signAddVote(types.PrecommitType, hash)
		return
	}
	if cs.LockedBlock != nil && bytes.Equal(cs.LockedBlock.Hash(), hash) {
		cs.LockedRound = round
		cs.statusMetric.MarkLocked(round)
		cs.signAddVote(types.PrecommitType, hash)
		return
	}

	// quorum的区块本地没有，无法为它背书
	cs.signAddVote(types.PrecommitType, nil)
}

// enterPrecommitWait 收到2f+1张precommit但没有形成多数，超时后进入下一轮
func (cs *ConsensusState) enterPrecommitWait(height int64, round int32) {
	if cs.Height != height || round < cs.Round ||
		(cs.Round == round && cstype.RoundStepPrecommitWait <= cs.Step) {
		return
	}

	cs.Step = cstype.RoundStepPrecommitWait
	cs.timeoutTicker.ScheduleTimeout(timeoutInfo{
		Duration: cs.config.Precommit(round),
		Height:   height,
		Round:    round,
		Step:     cstype.RoundStepPrecommitWait,
	})
}

//-----------------------------------------------------------------------------
// 投票

// signAddVote 签名自己的投票并投入内部队列
// 不是验证者的节点只观察不投票
func (cs *ConsensusState) signAddVote(voteType types.VoteType, hash []byte) {
	if cs.privVal == nil || cs.valIndex < 0 {
		return
	}

	addr, _ := cs.Validators.GetByIndex(cs.valIndex)
	vote := &types.Vote{
		Type:             voteType,
		Height:           cs.Height,
		Round:            cs.Round,
		BlockHash:        hash,
		Timestamp:        time.Now(),
		ValidatorAddress: types.Address(addr),
		ValidatorIndex:   cs.valIndex,
	}
	if err := cs.privVal.SignVote(cs.state.ChainID, vote); err != nil {
		cs.Logger.Error("sign vote failed", "err", err, "vote", vote)
		return
	}

	cs.sendInternalMessage(msgInfo{&VoteMessage{Vote: vote}, ""})
	cs.Logger.Debug("signed vote", "vote", vote)
}

// tryAddVote 将投票计入账本并触发可能的状态跃迁
// 重复投票返回(false, nil)，不会二次计票或二次广播
func (cs *ConsensusState) tryAddVote(vote *types.Vote) (added bool, err error) {
	if vote.Height != cs.Height {
		return false, fmt.Errorf("vote for height %d, we are at %d", vote.Height, cs.Height)
	}

	added, err = cs.Votes.AddVote(vote)
	if err != nil {
		if errors.Is(err, cstype.ErrConflictingVotes) {
			cs.Logger.Info("equivocating vote kept as evidence", "vote", vote)
		}
		return false, err
	}
	if !added {
		return false, nil
	}

	switch vote.Type {
	case types.PrevoteType:
		cs.handlePrevoteAdded(vote)
	case types.PrecommitType:
		cs.handlePrecommitAdded(vote)
	}

	return true, nil
}

// handlePrevoteAdded prevote计入后的跃迁判断
func (cs *ConsensusState) handlePrevoteAdded(vote *types.Vote) {
	prevotes := cs.Votes.Prevotes(vote.Round)

	// 更高轮次对另一个block hash形成quorum时解除本地的锁
	// nil quorum只说明那一轮没有可接受的提案，不代表锁上的区块失效
	if hash, ok := prevotes.TwoThirdsMajority(); ok && len(hash) > 0 {
		if cs.LockedBlock != nil &&
			cs.LockedRound < vote.Round &&
			!bytes.Equal(cs.LockedBlock.Hash(), hash) {
			cs.Logger.Info("unlocking: quorum for different block at later round",
				"locked_round", cs.LockedRound, "new_round", vote.Round)
			cs.LockedRound = -1
			cs.LockedBlock = nil
			cs.statusMetric.MarkLocked(-1)
		}
	}

	if vote.Round != cs.Round {
		return
	}

	switch {
	case prevotes.HasTwoThirdsMajority():
		if cs.Step <= cstype.RoundStepPrevoteWait {
			cs.enterPrecommit(cs.Height, cs.Round)
		}
	case prevotes.HasTwoThirdsAny():
		if cs.Step == cstype.RoundStepPrevote {
			cs.enterPrevoteWait(cs.Height, cs.Round)
		}
	}
}

// handlePrecommitAdded precommit计入后的跃迁判断
func (cs *ConsensusState) handlePrecommitAdded(vote *types.Vote) {
	precommits := cs.Votes.Precommits(vote.Round)

	if hash, ok := precommits.TwoThirdsMajority(); ok && len(hash) > 0 {
		cs.enterCommit(cs.Height, vote.Round)
		return
	}

	if vote.Round == cs.Round && precommits.HasTwoThirdsAny() {
		if hash, ok := precommits.TwoThirdsMajority(); ok && len(hash) == 0 {
			// precommit nil达成quorum，本轮已经不可能提交
			cs.enterNewRoundAfterNilQuorum(cs.Height, vote.Round)
			return
		}
		if cs.Step >= cstype.RoundStepPrecommit {
			cs.enterPrecommitWait(cs.Height, vote.Round)
		}
	}
}

func (cs *ConsensusState) enterNewRoundAfterNilQuorum(height int64, round int32) {
	if cs.Height != height || round != cs.Round {
		return
	}
	cs.enterNewRound(height, round+1)
}

//-----------------------------------------------------------------------------
// 提交

// enterCommit 本轮precommit达成了非nil的quorum certificate
func (cs *ConsensusState) enterCommit(height int64, commitRound int32) {
	if cs.Height != height || cs.Step == cstype.RoundStepCommit {
		return
	}

	cs.Step = cstype.RoundStepCommit
	cs.CommitRound = commitRound

	commit := cs.Votes.Precommits(commitRound).MakeCommit()
	if commit == nil {
		cs.Logger.Error("enterCommit without a commit-able quorum", "height", height, "round", commitRound)
		return
	}

	if cs.ProposalBlock == nil || !bytes.Equal(cs.ProposalBlock.Hash(), commit.BlockHash) {
		// quorum指向的区块本地还没有，等proposal或commit消息补上
		cs.Logger.Info("commit quorum reached but block missing", "hash", commit.BlockHash)
		return
	}

	cs.finalizeCommit(commit, cs.ProposalBlock)
}

// tryApplyCommit 使用其他节点转发的quorum certificate提交
// 自己投票不足或区块缺失时的追赶路径
func (cs *ConsensusState) tryApplyCommit(commit *types.Commit, block *types.Block) error {
	if commit.Height != cs.Height {
		return fmt.Errorf("commit for height %d, we are at %d", commit.Height, cs.Height)
	}
	if err := commit.VerifySignatures(cs.state.ChainID, cs.Validators); err != nil {
		return err
	}
	if !bytes.Equal(block.Hash(), commit.BlockHash) {
		return fmt.Errorf("commit certifies %X, block is %X", commit.BlockHash, block.Hash())
	}

	cs.Step = cstype.RoundStepCommit
	cs.CommitRound = commit.Round
	cs.finalizeCommit(commit, block)
	return nil
}

// finalizeCommit 原子地持久化(block, commit)并推进到下一个高度
// 持久化失败对本地节点是致命的：吞掉错误继续走会在重启后破坏安全性
func (cs *ConsensusState) finalizeCommit(commit *types.Commit, block *types.Block) {
	cs.Logger.Info("finalizing commit", "height", commit.Height, "round", commit.Round, "hash", commit.BlockHash)

	stateCopy := cs.state.Copy()
	newState, err := cs.blockExec.ApplyBlock(stateCopy, block, commit)
	if err != nil {
		panic(fmt.Sprintf("failed to apply committed block at height %d: %v", commit.Height, err))
	}

	cs.metrics.CommittedBlocks.Add(1)
	cs.metrics.BlockTxs.Set(float64(len(block.Txs)))
	cs.statusMetric.MarkCommitted(commit.Height, time.Now())

	cs.eventSwitch.FireEvent(EventCommit, &CommitEvent{Commit: commit, Block: block})

	cs.updateToState(newState)
	cs.scheduleRound0()
}

// msgHeight 提取消息声称的高度，未知类型返回0
func msgHeight(msg Message) int64 {
	switch m := msg.(type) {
	case *ProposalMessage:
		return m.Proposal.Height
	case *VoteMessage:
		return m.Vote.Height
	case *CommitMessage:
		return m.Commit.Height
	default:
		return 0
	}
}
