package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	cfg "github.com/tendermint/tendermint/config"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"

	"chainbft/privval"
	"chainbft/types"
)

// InitFilesCmd 初始化单个节点需要的全部文件：
// 验证者私钥、节点通信密钥和创世文件
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a chainbft node",
	RunE:  initFiles,
}

func init() {
	InitFilesCmd.Flags().Int64Var(&seed, "seed", 1, "用来生成集群密钥的种子")
	InitFilesCmd.Flags().Int64Var(&idx, "idx", 1, "共识节点的编号，从1开始")
	InitFilesCmd.Flags().IntVar(&thres, "thres", 3, "门限签名阈值数")
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config)
}

func initFilesWithConfig(config *cfg.Config) error {
	// private validator
	privValKeyFile := config.PrivValidatorKeyFile()

	var pv *privval.FilePV
	if tmos.FileExists(privValKeyFile) {
		pv = privval.LoadFilePV(privValKeyFile)
		logger.Info("Found private validator", "keyFile", privValKeyFile)
	} else {
		pv = privval.GenFilePVWithSeedAndIdx(privValKeyFile, thres, idx, seed)
		pv.Save()
		logger.Info("Generated private validator", "keyFile", privValKeyFile)
	}

	nodeKeyFile := config.NodeKeyFile()
	if tmos.FileExists(nodeKeyFile) {
		logger.Info("Found node key", "path", nodeKeyFile)
	} else {
		if _, err := p2p.LoadOrGenNodeKey(nodeKeyFile); err != nil {
			return err
		}
		logger.Info("Generated node key", "path", nodeKeyFile)
	}

	// genesis file
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}

	pubKey, err := pv.GetPubKey()
	if err != nil {
		return fmt.Errorf("can't get pubkey: %w", err)
	}

	genDoc := types.GenesisDoc{
		ChainID:       fmt.Sprintf("test-chain-%v", tmrand.Str(6)),
		GenesisTime:   tmtime.Now(),
		InitialHeight: 1,
		Validators: []types.GenesisValidator{{
			Address: types.Address(pubKey.Address()),
			PubKey:  pubKey,
			Name:    fmt.Sprintf("validator-%v", idx),
		}},
	}

	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile)

	return nil
}
