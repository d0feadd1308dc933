package node

import (
	"fmt"
	"net/http"
	"strings"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	"github.com/tendermint/tendermint/version"

	"chainbft/consensus"
	"chainbft/libs/metric"
	"chainbft/mempool"
	"chainbft/privval"
	"chainbft/rpc"
	sm "chainbft/state"
	"chainbft/store"
	"chainbft/types"
)

type Provider func(*cfg.Config, log.Logger) (*Node, error)

// Node 把store、mempool、consensus和p2p组装成一个完整的共识节点
type Node struct {
	service.BaseService

	// config
	config     *cfg.Config
	genesisDoc *types.GenesisDoc

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch // p2p connections
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey // our node privkey

	// services
	blockStore       store.Store
	mempool          mempool.Mempool
	mempoolReactor   *mempool.Reactor
	consensusState   *consensus.ConsensusState
	consensusReactor *consensus.Reactor

	metricSet *metric.MetricSet

	rpcListenAddr string
	rpcStopFn     func()
}

type Option func(*Node)

func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", config.NodeKeyFile(), err)
	}

	return NewNode(config, nodeKey, logger)
}

func NewNode(config *cfg.Config, nodeKey *p2p.NodeKey, logger log.Logger, options ...Option) (*Node, error) {
	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, err
	}

	blockStore, err := store.NewKVStore("blockstore", config.DBDir(), logger.With("module", "store"))
	if err != nil {
		return nil, err
	}

	state, err := loadState(genDoc, blockStore)
	if err != nil {
		return nil, err
	}

	// mempool
	mem := mempool.NewListMempool(config.Mempool, state.LastBlockHeight)
	mem.SetLogger(logger.With("module", "mempool"))
	memReactor := mempool.NewReactor(mem)
	memReactor.SetLogger(logger.With("module", "mempool"))

	// block executor
	blockExec := sm.NewBlockExecutor(blockStore, mem)
	blockExec.SetLogger(logger.With("module", "state"))

	// private validator
	pv := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile())

	// consensus
	consensusState := consensus.NewDefaultConsensusState(
		config.Consensus,
		pv,
		state.Validators,
		blockExec,
		blockStore,
		state,
	)
	consensusState.SetLogger(logger.With("module", "consensus"))
	consensusReactor := consensus.NewReactor(consensusState)
	consensusReactor.SetLogger(logger.With("module", "consensus"))

	// metrics
	metricSet := metric.NewMetricSet()
	if err := metricSet.SetMetrics("consensus", consensusState.StatusMetric()); err != nil {
		return nil, err
	}
	if err := metricSet.SetMetrics("mempool", mem.StatusMetric()); err != nil {
		return nil, err
	}

	// p2p
	p2pLogger := logger.With("module", "p2p")
	nodeInfo, err := makeNodeInfo(config, nodeKey, genDoc.ChainID)
	if err != nil {
		return nil, err
	}
	transport := createTransport(nodeInfo, nodeKey)
	sw := createSwitch(config, transport, memReactor, consensusReactor, nodeInfo, nodeKey, p2pLogger)

	node := &Node{
		config:     config,
		genesisDoc: genDoc,

		transport: transport,
		sw:        sw,
		nodeInfo:  nodeInfo,
		nodeKey:   nodeKey,

		blockStore:       blockStore,
		mempool:          mem,
		mempoolReactor:   memReactor,
		consensusState:   consensusState,
		consensusReactor: consensusReactor,

		metricSet:     metricSet,
		rpcListenAddr: config.RPC.ListenAddress,
	}

	node.BaseService = *service.NewBaseService(logger, "Node", node)
	for _, option := range options {
		option(node)
	}

	return node, nil
}

// loadState 从genesis构造初始状态；
// block store里已有区块时接着最后提交的区块继续
func loadState(genDoc *types.GenesisDoc, blockStore store.Store) (sm.State, error) {
	state, err := sm.MakeGenesisState(genDoc)
	if err != nil {
		return sm.State{}, err
	}

	height := blockStore.Height()
	if height == 0 {
		return state, nil
	}

	block := blockStore.LoadBlock(height)
	commit := blockStore.LoadCommit(height)
	if block == nil || commit == nil {
		return sm.State{}, fmt.Errorf("block store at height %d is missing block or commit", height)
	}

	state.LastBlockHeight = height
	state.LastBlockHash = block.Hash()
	state.LastBlockTime = block.ProposalTime
	state.LastCommit = commit
	return state, nil
}

func createTransport(
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
) *p2p.MultiplexTransport {
	var (
		mConnConfig = conn.DefaultMConnConfig()
		transport   = p2p.NewMultiplexTransport(nodeInfo, *nodeKey, mConnConfig)
	)

	return transport
}

func createSwitch(config *cfg.Config,
	transport p2p.Transport,
	mempoolReactor *mempool.Reactor,
	consensusReactor *consensus.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(
		config.P2P,
		transport,
	)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("MEMPOOL", mempoolReactor)
	sw.AddReactor("CONSENSUS", consensusReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func makeNodeInfo(
	config *cfg.Config,
	nodeKey *p2p.NodeKey,
	chainID string,
) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(
			8, // global
			11,
			0,
		),
		DefaultNodeID: nodeKey.ID(),
		Network:       chainID,
		Version:       version.TMCoreSemVer,
		Channels: []byte{
			consensus.StateChannel,
			consensus.ProposalChannel,
			consensus.VoteChannel,
			consensus.CommitChannel,
			mempool.MempoolChannel,
		},
		Moniker: config.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "off",
			RPCAddress: config.RPC.ListenAddress,
		},
	}

	lAddr := config.P2P.ExternalAddress
	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}
	nodeInfo.ListenAddr = lAddr

	err := nodeInfo.Validate()
	return nodeInfo, err
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) BlockStore() store.Store {
	return n.blockStore
}

func (n *Node) ConsensusState() *consensus.ConsensusState {
	return n.consensusState
}

func (n *Node) Mempool() mempool.Mempool {
	return n.mempool
}

func (n *Node) OnStart() error {
	// start the transport
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// start the Switch，switch负责启动挂载的reactor
	if err := n.sw.Start(); err != nil {
		return err
	}

	if err := n.startRPC(); err != nil {
		return err
	}

	// 连接配置文件里的其他节点
	n.Logger.Info("dialing persistent peers", "peers", n.config.P2P.PersistentPeers)
	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}

	return nil
}

func (n *Node) startRPC() error {
	if n.rpcListenAddr == "" {
		return nil
	}

	rpc.SetEnvironment(&rpc.Environment{
		Mempool:     n.mempool,
		Consensus:   n.consensusState,
		ConsReactor: n.consensusReactor,
		BlockStore:  n.blockStore,
		MetricSet:   n.metricSet,
	})

	rpcLogger := n.Logger.With("module", "rpc")
	serverConfig := rpcserver.DefaultConfig()

	mux := http.NewServeMux()
	rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)
	mux.HandleFunc("/commits/ws", rpc.CommitStreamHandler(rpcLogger))

	listener, err := rpcserver.Listen(n.rpcListenAddr, serverConfig)
	if err != nil {
		return err
	}

	go func() {
		if err := rpcserver.Serve(listener, mux, rpcLogger, serverConfig); err != nil {
			rpcLogger.Error("rpc server stopped", "err", err)
		}
	}()
	n.rpcStopFn = func() { listener.Close() }

	return nil
}

func (n *Node) OnStop() {
	if n.rpcStopFn != nil {
		n.rpcStopFn()
	}

	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("error stopping switch", "err", err)
	}

	if err := n.transport.Close(); err != nil {
		n.Logger.Error("error closing transport", "err", err)
	}
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. If sep is empty, SplitAndTrim splits after each
// UTF-8 sequence. First part is equivalent to strings.SplitN with a count of
// -1.  also filter out empty strings, only return non-empty strings.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
