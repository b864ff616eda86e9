package tools

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"theta-agents/internal/capability"
	"theta-agents/internal/config"
	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/llm"
	"theta-agents/internal/web3"
	"theta-agents/internal/workflow"
)

// deployTool 编译并部署合约到配置的 Theta 网络。
type deployTool struct {
	chain    config.ChainConfig
	compiler workflow.Compiler
	dial     ChainDialer
	log      *slog.Logger
}

func newDeployTool(chain config.ChainConfig, c workflow.Compiler, dial ChainDialer, log *slog.Logger) *deployTool {
	return &deployTool{chain: chain, compiler: c, dial: dial, log: log}
}

func (*deployTool) sealed() {}

func (*deployTool) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        config.CapabilityDeployContract,
		Description: "Compile Solidity source and deploy the named contract. Deployment spends funds and cannot be undone.",
		Parameters: objectSchema([]string{"source_code", "contract_name"}, map[string]any{
			"source_code":   stringProp("Complete Solidity source code."),
			"contract_name": stringProp("Name of the contract in the source to deploy."),
			"constructor_args": map[string]any{
				"type":        "array",
				"description": "Constructor arguments in declaration order. Large integers may be passed as decimal strings.",
				"items":       map[string]any{},
			},
		}),
	}
}

func (t *deployTool) Invoke(ctx context.Context, desc capability.Descriptor, args capability.Arguments) capability.Result {
	req := workflow.DeployRequest{
		Source:       args.String("source_code"),
		ContractName: args.String("contract_name"),
	}
	if req.Source == "" {
		return capability.Failed(desc.Name, xerrors.New(xerrors.CodeInvalidArgument, "缺少参数 source_code"))
	}
	if raw, ok := args["constructor_args"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return capability.Failed(desc.Name, xerrors.New(xerrors.CodeInvalidArgument, "constructor_args 必须是数组"))
		}
		req.ConstructorArgs = list
	}

	signer, err := walletSigner(desc)
	if err != nil {
		return capability.Failed(desc.Name, err)
	}
	network, err := web3.ResolveNetwork(t.chain.Network, t.chain.ChainID, desc.Endpoint)
	if err != nil {
		return capability.Failed(desc.Name, err)
	}
	gasPrice, ok := new(big.Int).SetString(strings.TrimSpace(t.chain.GasPriceWei), 10)
	if !ok {
		return capability.Failed(desc.Name, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("gas_price_wei 不是合法整数: %q", t.chain.GasPriceWei)))
	}

	backend, closeBackend, err := t.dial(ctx, network)
	if err != nil {
		return capability.Failed(desc.Name, err)
	}
	defer closeBackend()

	pipeline := workflow.NewContractPipeline(t.compiler, backend, signer,
		workflow.WithChainID(network.ChainID),
		workflow.WithGas(t.chain.GasLimit, gasPrice),
		workflow.WithReceiptWait(t.chain.ReceiptTimeout, t.chain.ReceiptInterval),
		workflow.WithContractLogger(t.log.With(slog.String("capability", desc.Name), slog.String("network", network.Name))),
	)
	deployment, run, err := pipeline.Deploy(ctx, req)
	report := runReport(run, deployment)
	report["network"] = network.Name
	if network.Explorer != "" && deployment.TxHash != "" {
		report["explorer_url"] = network.Explorer + "/txs/" + deployment.TxHash
	}
	if err != nil {
		return capability.FailedWith(desc.Name, report, err)
	}
	return capability.Succeeded(desc.Name, report)
}

// walletSigner 在首次使用时加载钱包私钥，并校验配置的公开地址。
func walletSigner(desc capability.Descriptor) (*web3.Signer, error) {
	if desc.Credentials.WalletPrivateKey == "" {
		return nil, xerrors.New(xerrors.CodeMissingCredential,
			fmt.Sprintf("能力 %s 需要配置 theta_wallet_private_key_env", desc.Name),
			xerrors.WithMetadata("capability", desc.Name))
	}
	signer, err := web3.NewSigner(desc.Credentials.WalletPrivateKey)
	if err != nil {
		return nil, err
	}
	if addr := desc.Credentials.WalletAddress; addr != "" {
		if err := signer.VerifyAddress(addr); err != nil {
			return nil, err
		}
	}
	return signer, nil
}
