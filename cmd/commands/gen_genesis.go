package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmtime "github.com/tendermint/tendermint/types/time"

	"chainbft/crypto/bls"
	"chainbft/crypto/threshold"
	"chainbft/types"
)

// GenGenesisCmd 为整个集群生成创世文件
// 每个验证者的公钥由同一个seed派生，和gen-validator对应
var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis",
	Aliases: []string{"gen_genesis"},
	Short:   "Generate a genesis file for the cluster",
	RunE:    genGenesisFile,
}

func init() {
	GenGenesisCmd.Flags().StringVar(&chainID, "chainID", "test-Chain", "链名，不指定则使用test-Chain")

	GenGenesisCmd.Flags().Int64Var(&seed, "seed", 1, "用来生成集群密钥的种子")
	GenGenesisCmd.MarkFlagRequired("seed")
	GenGenesisCmd.Flags().IntVar(&thres, "thres", 3, "门限签名阈值数")
	GenGenesisCmd.MarkFlagRequired("thres")
	GenGenesisCmd.Flags().IntVar(&clusterCount, "cluster-count", 4, "集群内验证者总数")
	GenGenesisCmd.MarkFlagRequired("cluster-count")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file, exit", "path", genFile)
		return nil
	}

	primaryPriv := bls.GenPrivKeyWithSeed(seed)
	poly := threshold.Master(primaryPriv, thres, seed)

	// 为每一个验证者生成公钥
	valList := make([]types.GenesisValidator, clusterCount)
	for id := 1; id <= clusterCount; id++ { // 从1开始编号
		priv, err := poly.GetValue(int64(id))
		if err != nil {
			return fmt.Errorf("生成第%v个验证者的公钥失败: %w", id, err)
		}
		pub := priv.PubKey()

		valList[id-1] = types.GenesisValidator{
			Address: types.Address(pub.Address()),
			PubKey:  pub,
			Name:    fmt.Sprintf("validator-%v", id),
		}
	}

	genDoc := types.GenesisDoc{
		ChainID:       chainID,
		GenesisTime:   tmtime.Now(),
		InitialHeight: 1,
		Validators:    valList,
	}

	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile)

	return nil
}
