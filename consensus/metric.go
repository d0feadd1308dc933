package consensus

import (
	"sync"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	jsoniter "github.com/json-iterator/go"
	gometrics "github.com/rcrowley/go-metrics"

	"chainbft/libs/utils"
)

// Metrics 共识进度的计量指标
// 默认全部discard，由node按需注入真实的后端
type Metrics struct {
	// 当前共识高度
	Height metrics.Gauge
	// 当前高度走到的轮次
	Rounds metrics.Gauge
	// 验证者集合的大小
	Validators metrics.Gauge
	// 已提交的区块总数
	CommittedBlocks metrics.Counter
	// 最近一个提交区块内的交易数
	BlockTxs metrics.Gauge
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Height:          discard.NewGauge(),
		Rounds:          discard.NewGauge(),
		Validators:      discard.NewGauge(),
		CommittedBlocks: discard.NewCounter(),
		BlockTxs:        discard.NewGauge(),
	}
}

//-----------------------------------------------------------------------------

// 用来计算commit间隔的滑动统计，只保留最近的样本
const recentIntervalSamples = 100

func newConsensusMetric() *consensusMetric {
	return &consensusMetric{
		LockedRound: -1,
		commitTimer: gometrics.NewTimer(),
	}
}

// consensusMetric rpc暴露的状态快照
type consensusMetric struct {
	mtx sync.RWMutex

	Height          int64     `json:"height"`
	Round           int32     `json:"round"`
	LockedRound     int32     `json:"locked_round"`
	ReceiveProposal bool      `json:"receive_proposal"`
	IsProposer      bool      `json:"is_proposer"`
	ProposerAddress string    `json:"proposer_address"`
	LastCommitted   int64     `json:"last_committed_height"`
	LastCommitTime  time.Time `json:"last_commit_time"`

	// commit间隔统计，单位秒
	CommitRate        float64 `json:"commit_rate_1m"`
	AvgCommitInterval float64 `json:"avg_commit_interval"`
	MaxCommitInterval float64 `json:"max_commit_interval"`
	MinCommitInterval float64 `json:"min_commit_interval"`

	commitTimer     gometrics.Timer
	recentIntervals []float64
}

func (cm *consensusMetric) JSONString() string {
	cm.mtx.RLock()
	defer cm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(cm)
	return s
}

func (cm *consensusMetric) MarkHeight(height int64) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.Height = height
	cm.Round = 0
	cm.ReceiveProposal = false
	cm.LockedRound = -1
}

func (cm *consensusMetric) MarkRound(round int32) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.Round = round
	cm.ReceiveProposal = false
}

func (cm *consensusMetric) MarkProposer(addr string, isProposer bool) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.ProposerAddress = addr
	cm.IsProposer = isProposer
}

func (cm *consensusMetric) MarkReceivedProposal(v bool) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.ReceiveProposal = v
}

func (cm *consensusMetric) MarkLocked(round int32) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.LockedRound = round
}

func (cm *consensusMetric) MarkCommitted(height int64, t time.Time) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()

	if !cm.LastCommitTime.IsZero() && t.After(cm.LastCommitTime) {
		interval := t.Sub(cm.LastCommitTime)
		cm.commitTimer.Update(interval)

		cm.recentIntervals = append(cm.recentIntervals, interval.Seconds())
		if len(cm.recentIntervals) > recentIntervalSamples {
			cm.recentIntervals = cm.recentIntervals[len(cm.recentIntervals)-recentIntervalSamples:]
		}
		cm.AvgCommitInterval = utils.Avg(cm.recentIntervals...)
		cm.MaxCommitInterval = utils.Max(cm.recentIntervals...)
		cm.MinCommitInterval = utils.Min(cm.recentIntervals...)
		cm.CommitRate = cm.commitTimer.Rate1()
	}

	cm.LastCommitted = height
	cm.LastCommitTime = t
}
