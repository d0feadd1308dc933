package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmrand "github.com/tendermint/tendermint/libs/rand"

	"chainbft/types"
)

const verifierChainID = "verifier_test_chain"

// ----- utility func -----

func newTestValSet(n int) (*types.ValidatorSet, []types.PrivValidator) {
	vals := make([]*types.Validator, n)
	privVals := make([]types.PrivValidator, n)
	for i := 0; i < n; i++ {
		vals[i], privVals[i] = types.RandValidator()
	}
	return types.NewValidatorSet(vals), privVals
}

func signedVote(t *testing.T, privVals []types.PrivValidator, valSet *types.ValidatorSet,
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
	require.NoError(t, privVals[valIndex].SignVote(verifierChainID, vote))
	return vote
}

func signedProposal(t *testing.T, privVals []types.PrivValidator,
	proposerIndex int32, height int64, round int32, txs types.Txs) *types.Proposal {
	block := types.MakeBlock(height, txs)
	block.Fill(verifierChainID, height, round, tmrand.Bytes(32), nil, nil, time.Now())
	proposal := types.NewProposal(height, round, proposerIndex, block)
	require.NoError(t, privVals[proposerIndex].SignProposal(verifierChainID, proposal))
	return proposal
}

// ----- tests -----

func TestVerifyVoteValid(t *testing.T) {
	valSet, privVals := newTestValSet(4)
	v := NewVerifier(verifierChainID, 1, valSet)

	vote := signedVote(t, privVals, valSet, 0, types.PrevoteType, 1, 0, tmrand.Bytes(32))
	assert.NoError(t, v.VerifyVote(vote))

	// 同一张票重复校验不是equivocation
	assert.NoError(t, v.VerifyVote(vote))
}

func TestVerifyVoteRejections(t *testing.T) {
	valSet, privVals := newTestValSet(4)
	v := NewVerifier(verifierChainID, 5, valSet)

	hash := tmrand.Bytes(32)

	t.Run("malformed", func(t *testing.T) {
		vote := signedVote(t, privVals, valSet, 0, types.PrevoteType, 5, 0, hash)
		vote.Signature = nil
		assert.ErrorIs(t, v.VerifyVote(vote), ErrMalformedMessage)
	})

	t.Run("stale height", func(t *testing.T) {
		vote := signedVote(t, privVals, valSet, 0, types.PrevoteType, 4, 0, hash)
		assert.ErrorIs(t, v.VerifyVote(vote), ErrStaleHeight)
	})

	t.Run("future height", func(t *testing.T) {
		vote := signedVote(t, privVals, valSet, 0, types.PrevoteType, 6, 0, hash)
		assert.ErrorIs(t, v.VerifyVote(vote), ErrFutureHeight)
	})

	t.Run("unknown validator index", func(t *testing.T) {
		vote := signedVote(t, privVals, valSet, 0, types.PrevoteType, 5, 0, hash)
		vote.ValidatorIndex = 42
		assert.ErrorIs(t, v.VerifyVote(vote), ErrUnknownValidator)
	})

	t.Run("address does not match index", func(t *testing.T) {
		vote := signedVote(t, privVals, valSet, 0, types.PrevoteType, 5, 0, hash)
		otherAddr, _ := valSet.GetByIndex(1)
		vote.ValidatorAddress = types.Address(otherAddr)
		assert.ErrorIs(t, v.VerifyVote(vote), ErrUnknownValidator)
	})

	t.Run("bad signature", func(t *testing.T) {
		vote := signedVote(t, privVals, valSet, 0, types.PrevoteType, 5, 0, hash)
		// 签名是另一个验证者伪造的
		vote2 := signedVote(t, privVals, valSet, 1, types.PrevoteType, 5, 0, hash)
		vote.Signature = vote2.Signature
		assert.ErrorIs(t, v.VerifyVote(vote), ErrBadSignature)
	})
}

func TestVerifyVoteEquivocation(t *testing.T) {
	valSet, privVals := newTestValSet(4)
	v := NewVerifier(verifierChainID, 1, valSet)

	first := signedVote(t, privVals, valSet, 0, types.PrevoteType, 1, 0, tmrand.Bytes(32))
	require.NoError(t, v.VerifyVote(first))

	// 同一验证者同轮同类型，不同hash
	second := signedVote(t, privVals, valSet, 0, types.PrevoteType, 1, 0, tmrand.Bytes(32))
	assert.ErrorIs(t, v.VerifyVote(second), ErrEquivocation)

	// 不同轮或不同类型不冲突
	otherRound := signedVote(t, privVals, valSet, 0, types.PrevoteType, 1, 1, tmrand.Bytes(32))
	assert.NoError(t, v.VerifyVote(otherRound))
	precommit := signedVote(t, privVals, valSet, 0, types.PrecommitType, 1, 0, tmrand.Bytes(32))
	assert.NoError(t, v.VerifyVote(precommit))
}

func TestVerifyProposal(t *testing.T) {
	valSet, privVals := newTestValSet(4)
	v := NewVerifier(verifierChainID, 1, valSet)

	proposal := signedProposal(t, privVals, 0, 1, 0, types.Txs{types.Tx("tx1")})
	assert.NoError(t, v.VerifyProposal(proposal))

	// 重放同一个提案是no-op
	assert.NoError(t, v.VerifyProposal(proposal))

	// 同一proposer同轮的第二个不同提案是equivocation，两个提案都要留作证据
	conflicting := signedProposal(t, privVals, 0, 1, 0, types.Txs{types.Tx("tx2")})
	assert.ErrorIs(t, v.VerifyProposal(conflicting), ErrEquivocation)

	evidence := v.ConflictingProposals()
	require.Len(t, evidence, 2)
	assert.Equal(t, proposal.BlockHash, evidence[0].BlockHash)
	assert.Equal(t, conflicting.BlockHash, evidence[1].BlockHash)

	// 高度推进后证据缓存清空
	v.AdvanceHeight(2, valSet)
	assert.Empty(t, v.ConflictingProposals())
}

func TestVerifyProposalRejections(t *testing.T) {
	valSet, privVals := newTestValSet(4)
	v := NewVerifier(verifierChainID, 3, valSet)

	t.Run("stale", func(t *testing.T) {
		p := signedProposal(t, privVals, 0, 2, 0, nil)
		assert.ErrorIs(t, v.VerifyProposal(p), ErrStaleHeight)
	})

	t.Run("future", func(t *testing.T) {
		p := signedProposal(t, privVals, 0, 4, 0, nil)
		assert.ErrorIs(t, v.VerifyProposal(p), ErrFutureHeight)
	})

	t.Run("unknown proposer", func(t *testing.T) {
		p := signedProposal(t, privVals, 0, 3, 0, nil)
		p.ProposerIndex = 99
		assert.ErrorIs(t, v.VerifyProposal(p), ErrUnknownValidator)
	})

	t.Run("tampered block", func(t *testing.T) {
		p := signedProposal(t, privVals, 0, 3, 0, nil)
		p.BlockHash = tmrand.Bytes(32)
		// hash与区块不再一致，结构校验直接拒绝
		assert.ErrorIs(t, v.VerifyProposal(p), ErrMalformedMessage)
	})
}

// 高度推进后旧的equivocation记录被清空
func TestVerifierAdvanceHeight(t *testing.T) {
	valSet, privVals := newTestValSet(4)
	v := NewVerifier(verifierChainID, 1, valSet)

	vote := signedVote(t, privVals, valSet, 0, types.PrevoteType, 1, 0, tmrand.Bytes(32))
	require.NoError(t, v.VerifyVote(vote))

	v.AdvanceHeight(2, valSet)
	assert.EqualValues(t, 2, v.Height())

	// 旧高度的投票现在是stale
	assert.ErrorIs(t, v.VerifyVote(vote), ErrStaleHeight)

	next := signedVote(t, privVals, valSet, 0, types.PrevoteType, 2, 0, tmrand.Bytes(32))
	assert.NoError(t, v.VerifyVote(next))
}
