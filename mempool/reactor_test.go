package mempool

import (
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/mock"

	"chainbft/types"
)

// connect N mempool reactors through N switches
func makeAndConnectReactors(config *cfg.Config, n int) []*Reactor {
	reactors := make([]*Reactor, n)
	logger := log.TestingLogger()
	for i := 0; i < n; i++ {
		mempool, cleanup := newMempool()
		defer cleanup()

		reactors[i] = NewReactor(mempool)
		reactors[i].SetLogger(logger.With("validator", i))
	}

	p2p.MakeConnectedSwitches(config.P2P, n, func(i int, s *p2p.Switch) *p2p.Switch {
		s.AddReactor("MEMPOOL", reactors[i])
		return s
	}, p2p.Connect2Switches)
	return reactors
}

func stopReactors(t *testing.T, reactors []*Reactor) {
	for _, r := range reactors {
		if err := r.Stop(); err != nil {
			assert.NoError(t, err)
		}
	}
}

// 等待所有reactor的mempool收齐txs，且顺序一致
func waitForTxsOnReactors(t *testing.T, txs types.Txs, reactors []*Reactor) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for _, reactor := range reactors {
		for reactor.mempool.Size() < len(txs) {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %d txs, have %d", len(txs), reactor.mempool.Size())
			}
			time.Sleep(10 * time.Millisecond)
		}
		reaped := reactor.mempool.ReapMaxTxs(len(txs))
		for i, tx := range txs {
			assert.Equalf(t, tx, reaped[i], "tx #%d mismatch on reactor", i)
		}
	}
}

func ensureNoTxs(t *testing.T, reactor *Reactor, timeout time.Duration) {
	t.Helper()
	time.Sleep(timeout)
	assert.Zero(t, reactor.mempool.Size())
}

// 向节点a的mempool加入一组交易，节点b通过广播同样收到这些交易
func TestReactorBroadcastTxsMessage(t *testing.T) {
	config := cfg.TestConfig()

	const N = 2
	reactors := makeAndConnectReactors(config, N)
	defer stopReactors(t, reactors)

	txs := checkTxs(t, reactors[0].mempool, 100, UnknownPeerID)
	waitForTxsOnReactors(t, txs, reactors)
}

// 交易不会被原路发回给发送者
func TestReactorNoBroadcastToSender(t *testing.T) {
	config := cfg.TestConfig()

	const N = 2
	reactors := makeAndConnectReactors(config, N)
	defer stopReactors(t, reactors)

	const peerID = 1
	checkTxs(t, reactors[0].mempool, 100, peerID)
	ensureNoTxs(t, reactors[peerID], 100*time.Millisecond)
}

// 超过大小上限的交易不进入mempool，也不会被广播
func TestReactorMaxTxBytes(t *testing.T) {
	config := cfg.TestConfig()

	const N = 2
	reactors := makeAndConnectReactors(config, N)
	defer stopReactors(t, reactors)

	tx1 := types.Tx(tmrand.Bytes(config.Mempool.MaxTxBytes))
	require.NoError(t, reactors[0].mempool.CheckTx(tx1, TxInfo{SenderID: UnknownPeerID}))
	waitForTxsOnReactors(t, types.Txs{tx1}, reactors)

	reactors[0].mempool.Flush()
	reactors[1].mempool.Flush()

	tx2 := types.Tx(tmrand.Bytes(config.Mempool.MaxTxBytes + 1))
	require.Error(t, reactors[0].mempool.CheckTx(tx2, TxInfo{SenderID: UnknownPeerID}))
}

// reactor停止后broadcast routine全部退出
func TestBroadcastTxForPeerStopsWhenReactorStops(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	config := cfg.TestConfig()
	const N = 2
	reactors := makeAndConnectReactors(config, N)
	stopReactors(t, reactors)

	leaktest.CheckTimeout(t, 10*time.Second)()
}

func TestMempoolIDsBasic(t *testing.T) {
	ids := newMempoolIDs()

	peer := mock.NewPeer(net.IP{127, 0, 0, 1})

	ids.ReserveForPeer(peer)
	assert.EqualValues(t, 1, ids.GetForPeer(peer))
	ids.Reclaim(peer)

	ids.ReserveForPeer(peer)
	assert.EqualValues(t, 2, ids.GetForPeer(peer))
	ids.Reclaim(peer)
}

// 交易从未知peer进入时senderID是保留的0值
func TestReactorReceive(t *testing.T) {
	mempool, cleanup := newMempool()
	defer cleanup()

	reactor := NewReactor(mempool)
	reactor.SetLogger(log.TestingLogger())

	peer := mock.NewPeer(net.IP{127, 0, 0, 1})
	reactor.InitPeer(peer)

	tx := tmrand.Bytes(20)
	buf := append([]byte(nil), tx...)
	reactor.Receive(MempoolChannel, peer, buf)

	// 连接层会复用读缓冲，mempool里的交易不能跟着变
	for i := range buf {
		buf[i] = 0xff
	}

	require.Equal(t, 1, mempool.Size())
	reaped := mempool.ReapMaxTxs(1)
	assert.Equal(t, types.Tx(tx), reaped[0])
}
