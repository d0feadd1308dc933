package rpc

import (
	jsoniter "github.com/json-iterator/go"

	"chainbft/consensus"
	"chainbft/libs/metric"
	"chainbft/mempool"
	"chainbft/store"
)

var (
	env  *Environment
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

func SetEnvironment(e *Environment) {
	env = e
}

type Environment struct {
	Mempool     mempool.Mempool
	Consensus   *consensus.ConsensusState
	ConsReactor *consensus.Reactor
	BlockStore  store.Store

	MetricSet *metric.MetricSet
}
