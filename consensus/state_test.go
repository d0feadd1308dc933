package consensus

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	memdb "github.com/tendermint/tm-db/memdb"

	cstype "chainbft/consensus/types"
	mempl "chainbft/mempool"
	sm "chainbft/state"
	"chainbft/store"
	"chainbft/types"
)

const stateTestChainID = "consensus_state_test"

type cleanup func()
type memplFunc func(mempool mempl.Mempool)

// newConsensusStateForTest 单节点状态机测试环境
// 本节点持有privVal，其余验证者的投票由测试代码签名后从peer队列注入
func newConsensusStateForTest(
	t *testing.T,
	vals *types.ValidatorSet,
	privVal types.PrivValidator,
	memplfunc ...memplFunc,
) (*ConsensusState, *store.BlockStore, cleanup) {
	cfg := config.ResetTestRoot("consensus_state_test")
	logger := log.TestingLogger()

	mem := mempl.NewListMempool(cfg.Mempool, 1)
	mem.SetLogger(logger)

	blockStore := store.NewKVStoreWithDB(memdb.NewDB(), logger)
	blockExec := sm.NewBlockExecutor(blockStore, mem)
	blockExec.SetLogger(logger)

	state := sm.MakeState(stateTestChainID, vals, time.Now())

	cs := NewDefaultConsensusState(cfg.Consensus, privVal, vals, blockExec, blockStore, state)
	cs.SetLogger(logger)

	for _, f := range memplfunc {
		f(mem)
	}

	return cs, blockStore, func() {
		if cs.IsRunning() {
			if err := cs.Stop(); err != nil {
				t.Log(err)
			}
		}
		os.RemoveAll(cfg.RootDir)
	}
}

// subscribe 注册事件监听，事件载荷进入带缓冲的channel
func subscribe(cs *ConsensusState, event string) <-chan events.EventData {
	ch := make(chan events.EventData, 32)
	cs.eventSwitch.AddListenerForEvent("test-"+event, event, func(data events.EventData) {
		select {
		case ch <- data:
		default:
		}
	})
	return ch
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func peerVote(t *testing.T, privVals []types.PrivValidator, valSet *types.ValidatorSet,
	valIndex int32, voteType types.VoteType, height int64, round int32, hash []byte) *types.Vote {
	addr, _ := valSet.GetByIndex(valIndex)
	vote := &types.Vote{
		Type:             voteType,
		Height:           height,
		Round:            round,
		BlockHash:        hash,
		Timestamp:        time.Now(),
		ValidatorAddress: types.Address(addr),
		ValidatorIndex:   valIndex,
	}
	require.NoError(t, privVals[valIndex].SignVote(stateTestChainID, vote))
	return vote
}

func peerProposal(t *testing.T, privVals []types.PrivValidator, vals *types.ValidatorSet,
	proposerIndex int32, height int64, round int32, lastBlockHash []byte, txs types.Txs) *types.Proposal {
	block := types.MakeBlock(height, txs)
	block.Fill(stateTestChainID, height, round, lastBlockHash, nil, vals.Hash(), time.Now())
	block.ResultHash = block.Data.Hash()
	block.Hash()
	proposal := types.NewProposal(height, round, proposerIndex, block)
	require.NoError(t, privVals[proposerIndex].SignProposal(stateTestChainID, proposal))
	return proposal
}

//-----------------------------------------------------------------------------

// 全体验证者在线时本节点作为proposer完成一个高度
func TestStateFullRoundCommit(t *testing.T) {
	vals, privVals := newTestValSet(4)

	// height 1 round 0的proposer是下标(1-1+0)%4=0的验证者
	cs, blockStore, clean := newConsensusStateForTest(t, vals, privVals[0], func(mem mempl.Mempool) {
		for i := 0; i < 5; i++ {
			require.NoError(t, mem.CheckTx(types.Tx(fmt.Sprintf("tx=%d", i)), mempl.TxInfo{}))
		}
	})
	defer clean()

	proposalCh := subscribe(cs, EventNewProposal)
	commitCh := subscribe(cs, EventCommit)

	require.NoError(t, cs.Start())

	var proposal *types.Proposal
	select {
	case data := <-proposalCh:
		proposal = data.(*types.Proposal)
	case <-time.After(5 * time.Second):
		t.Fatal("proposer never broadcast a proposal")
	}
	assert.EqualValues(t, 1, proposal.Height)
	assert.EqualValues(t, 0, proposal.ProposerIndex)
	assert.Equal(t, 5, len(proposal.Block.Txs), "proposal应该打包mempool里的全部交易")

	// 其余三个验证者依次prevote、precommit
	for _, idx := range []int32{1, 2, 3} {
		cs.SendPeerMessage(&VoteMessage{peerVote(t, privVals, vals, idx, types.PrevoteType, 1, 0, proposal.BlockHash)}, "peer")
	}
	for _, idx := range []int32{1, 2, 3} {
		cs.SendPeerMessage(&VoteMessage{peerVote(t, privVals, vals, idx, types.PrecommitType, 1, 0, proposal.BlockHash)}, "peer")
	}

	select {
	case data := <-commitCh:
		ev := data.(*CommitEvent)
		assert.EqualValues(t, 1, ev.Commit.Height)
		assert.Equal(t, proposal.BlockHash, ev.Block.Hash())
	case <-time.After(5 * time.Second):
		t.Fatal("block never committed")
	}

	waitFor(t, 5*time.Second, func() bool {
		return cs.GetState().LastBlockHeight == 1
	}, "state did not advance to height 1")
	assert.EqualValues(t, 1, blockStore.Height())
	require.NotNil(t, blockStore.LoadBlock(1))
	require.NotNil(t, blockStore.LoadCommit(1))

	// 下一个高度proposer轮换到下标(2-1+0)%4=1
	waitFor(t, 5*time.Second, func() bool {
		rs := cs.GetRoundState()
		return rs.Height == 2 && rs.Proposer != nil
	}, "did not enter round 0 of height 2")
	expected, _ := vals.GetByIndex(1)
	assert.Equal(t, types.Address(expected), cs.GetRoundState().Proposer.Address)
}

// f个验证者沉默时剩下的2f+1个仍然可以提交
func TestStateCommitWithFaultySilent(t *testing.T) {
	vals, privVals := newTestValSet(4)

	cs, _, clean := newConsensusStateForTest(t, vals, privVals[0], func(mem mempl.Mempool) {
		require.NoError(t, mem.CheckTx(types.Tx("single-tx"), mempl.TxInfo{}))
	})
	defer clean()

	proposalCh := subscribe(cs, EventNewProposal)
	commitCh := subscribe(cs, EventCommit)

	require.NoError(t, cs.Start())

	var proposal *types.Proposal
	select {
	case data := <-proposalCh:
		proposal = data.(*types.Proposal)
	case <-time.After(5 * time.Second):
		t.Fatal("proposer never broadcast a proposal")
	}

	// 验证者3全程沉默，quorum = 本节点 + 1 + 2
	for _, idx := range []int32{1, 2} {
		cs.SendPeerMessage(&VoteMessage{peerVote(t, privVals, vals, idx, types.PrevoteType, 1, 0, proposal.BlockHash)}, "peer")
	}
	for _, idx := range []int32{1, 2} {
		cs.SendPeerMessage(&VoteMessage{peerVote(t, privVals, vals, idx, types.PrecommitType, 1, 0, proposal.BlockHash)}, "peer")
	}

	select {
	case data := <-commitCh:
		assert.EqualValues(t, 1, data.(*CommitEvent).Commit.Height)
	case <-time.After(5 * time.Second):
		t.Fatal("block never committed with one silent validator")
	}
}

// 同一proposer同轮的第二个提案被拒绝，第一个保持生效
func TestStateEquivocatingProposal(t *testing.T) {
	vals, privVals := newTestValSet(4)

	// 本节点是验证者1，height 1的proposer是验证者0
	cs, _, clean := newConsensusStateForTest(t, vals, privVals[1])
	defer clean()

	proposalCh := subscribe(cs, EventNewProposal)

	require.NoError(t, cs.Start())

	// 等round 0真正开始再注入提案
	waitFor(t, 5*time.Second, func() bool {
		return cs.GetRoundState().Proposer != nil
	}, "round 0 never started")

	lastHash := cs.GetState().LastBlockHash
	first := peerProposal(t, privVals, vals, 0, 1, 0, lastHash, types.Txs{types.Tx("tx-a")})
	conflicting := peerProposal(t, privVals, vals, 0, 1, 0, lastHash, types.Txs{types.Tx("tx-b")})

	cs.SendPeerMessage(&ProposalMessage{first}, "peer")

	select {
	case data := <-proposalCh:
		assert.Equal(t, first.BlockHash, data.(*types.Proposal).BlockHash)
	case <-time.After(5 * time.Second):
		t.Fatal("first proposal never accepted")
	}

	cs.SendPeerMessage(&ProposalMessage{conflicting}, "peer")

	// 冲突提案被丢弃，生效的仍然是第一个
	time.Sleep(100 * time.Millisecond)
	rs := cs.GetRoundState()
	require.NotNil(t, rs.Proposal)
	assert.Equal(t, first.BlockHash, rs.Proposal.BlockHash)

	select {
	case <-proposalCh:
		t.Fatal("conflicting proposal should not fire a second event")
	default:
	}
}

// proposer沉默：提案超时后全体prevote nil，
// nil precommit quorum把所有节点推进到下一轮，且不携带任何锁
func TestStateProposeTimeoutAdvancesRound(t *testing.T) {
	vals, privVals := newTestValSet(4)

	// height 1的proposer是验证者0，本节点是验证者3，提案永远不会到来
	cs, _, clean := newConsensusStateForTest(t, vals, privVals[3])
	defer clean()

	voteCh := subscribe(cs, EventNewVote)

	require.NoError(t, cs.Start())

	// 本节点提案超时后prevote nil
	waitFor(t, 5*time.Second, func() bool {
		select {
		case data := <-voteCh:
			vote := data.(*types.Vote)
			return vote.Type == types.PrevoteType && vote.ValidatorIndex == 3 && len(vote.BlockHash) == 0
		default:
			return false
		}
	}, "node never prevoted nil after propose timeout")

	// 其余节点同样超时，注入它们的nil投票
	for _, idx := range []int32{1, 2} {
		cs.SendPeerMessage(&VoteMessage{peerVote(t, privVals, vals, idx, types.PrevoteType, 1, 0, nil)}, "peer")
	}
	for _, idx := range []int32{1, 2} {
		cs.SendPeerMessage(&VoteMessage{peerVote(t, privVals, vals, idx, types.PrecommitType, 1, 0, nil)}, "peer")
	}

	waitFor(t, 5*time.Second, func() bool {
		rs := cs.GetRoundState()
		return rs.Height == 1 && rs.Round == 1
	}, "nil precommit quorum did not advance the round")

	rs := cs.GetRoundState()
	assert.Nil(t, rs.LockedBlock, "没有达成prevote quorum，不应该有锁")
	assert.EqualValues(t, -1, rs.LockedRound)

	// round 1的proposer轮换到下标(1-1+1)%4=1
	expected, _ := vals.GetByIndex(1)
	assert.Equal(t, types.Address(expected), rs.Proposer.Address)
}

// 落后节点凭其他节点转发的quorum certificate直接提交追赶
func TestStateCatchupViaCommitMessage(t *testing.T) {
	vals, privVals := newTestValSet(4)

	cs, blockStore, clean := newConsensusStateForTest(t, vals, privVals[3])
	defer clean()

	commitCh := subscribe(cs, EventCommit)

	require.NoError(t, cs.Start())

	lastHash := cs.GetState().LastBlockHash
	proposal := peerProposal(t, privVals, vals, 0, 1, 0, lastHash, types.Txs{types.Tx("catchup-tx")})
	block := proposal.Block

	// 其余三个验证者的precommit构成quorum certificate
	voteSet := cstype.NewVoteSet(stateTestChainID, 1, 0, types.PrecommitType, vals)
	for _, idx := range []int32{0, 1, 2} {
		_, err := voteSet.AddVote(peerVote(t, privVals, vals, idx, types.PrecommitType, 1, 0, block.Hash()))
		require.NoError(t, err)
	}
	commit := voteSet.MakeCommit()
	require.NotNil(t, commit)

	cs.SendPeerMessage(&CommitMessage{Commit: commit, Block: block}, "peer")

	select {
	case data := <-commitCh:
		assert.EqualValues(t, 1, data.(*CommitEvent).Commit.Height)
	case <-time.After(5 * time.Second):
		t.Fatal("commit message did not trigger catch-up")
	}

	waitFor(t, 5*time.Second, func() bool {
		return blockStore.Height() == 1
	}, "catch-up did not persist the block")
	assert.EqualValues(t, 1, cs.GetState().LastBlockHeight)
}

// 下一个高度的投票先被缓存，高度推进后重放计票
func TestStateFutureVoteBuffered(t *testing.T) {
	vals, privVals := newTestValSet(4)

	cs, _, clean := newConsensusStateForTest(t, vals, privVals[0])
	defer clean()

	require.NoError(t, cs.Start())

	future := peerVote(t, privVals, vals, 1, types.PrevoteType, 2, 0, nil)
	cs.SendPeerMessage(&VoteMessage{future}, "peer")

	waitFor(t, 5*time.Second, func() bool {
		cs.mtx.Lock()
		defer cs.mtx.Unlock()
		return len(cs.futureMsgs) == 1
	}, "future vote was not buffered")

	// 太远的高度直接丢弃
	farFuture := peerVote(t, privVals, vals, 1, types.PrevoteType, 5, 0, nil)
	cs.SendPeerMessage(&VoteMessage{farFuture}, "peer")

	time.Sleep(50 * time.Millisecond)
	cs.mtx.Lock()
	buffered := len(cs.futureMsgs)
	cs.mtx.Unlock()
	assert.Equal(t, 1, buffered, "只有下一个高度的消息才进入缓存")
}

// 更高轮次的nil quorum不影响已有的锁，对另一个区块的quorum才解锁
func TestStateNilQuorumKeepsLock(t *testing.T) {
	vals, privVals := newTestValSet(4)

	cs, _, clean := newConsensusStateForTest(t, vals, privVals[0])
	defer clean()

	locked := types.MakeBlock(1, types.Txs{types.Tx("tx1")})
	locked.Fill(stateTestChainID, 1, 0, []byte("parent"), nil, vals.Hash(), time.Now())
	locked.Hash()

	cs.mtx.Lock()
	cs.LockedRound = 0
	cs.LockedBlock = locked
	cs.mtx.Unlock()

	// 第1轮三个nil prevote形成quorum
	for _, idx := range []int32{1, 2, 3} {
		vote := peerVote(t, privVals, vals, idx, types.PrevoteType, 1, 1, nil)
		_, err := cs.tryAddVote(vote)
		require.NoError(t, err)
	}
	require.True(t, cs.Votes.Prevotes(1).HasTwoThirdsMajority())
	assert.NotNil(t, cs.LockedBlock, "nil quorum不应该解锁")
	assert.EqualValues(t, 0, cs.LockedRound)

	// 第2轮对另一个区块形成quorum时才解锁
	other := types.MakeBlock(1, types.Txs{types.Tx("tx2")})
	other.Fill(stateTestChainID, 1, 2, []byte("parent"), nil, vals.Hash(), time.Now())
	other.Hash()
	for _, idx := range []int32{1, 2, 3} {
		vote := peerVote(t, privVals, vals, idx, types.PrevoteType, 1, 2, other.Hash())
		_, err := cs.tryAddVote(vote)
		require.NoError(t, err)
	}
	assert.Nil(t, cs.LockedBlock)
	assert.EqualValues(t, -1, cs.LockedRound)
}
