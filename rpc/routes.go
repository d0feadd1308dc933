package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpc.RPCFunc{
	// tx
	"broadcast_tx":        rpc.NewRPCFunc(BroadcastTxAsync, "tx"),
	"num_unconfirmed_txs": rpc.NewRPCFunc(NumUnconfirmedTxs, ""),

	// consensus & chain
	"status": rpc.NewRPCFunc(Status, ""),
	"block":  rpc.NewRPCFunc(Block, "height"),
	"commit": rpc.NewRPCFunc(Commit, "height"),

	// metrics
	"metrics": rpc.NewRPCFunc(JSONMetrics, "label"),
}
