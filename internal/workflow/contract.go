package workflow

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/compiler"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/web3"
	"theta-agents/pkg/logger"
)

// 合约部署流水线的阶段名。
const (
	StageCompile          = "compile"
	StageBuildTransaction = "build_transaction"
	StageSign             = "sign"
	StageBroadcast        = "broadcast"
	StageAwaitReceipt     = "await_receipt"
)

// Compiler 编译 Solidity 源码。
type Compiler interface {
	Compile(ctx context.Context, source string) (map[string]*compiler.Contract, error)
}

// TxSigner 持有部署账户的私钥。
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// DeployRequest 描述一次部署。
type DeployRequest struct {
	Source          string
	ContractName    string
	ConstructorArgs []any
}

// Deployment 是部署结果。交易哈希在广播后即写入，超时时也会返回。
type Deployment struct {
	ContractName    string `json:"contract_name"`
	ContractAddress string `json:"contract_address,omitempty"`
	TxHash          string `json:"tx_hash,omitempty"`
	From            string `json:"from,omitempty"`
	Nonce           uint64 `json:"nonce"`
	ChainID         string `json:"chain_id,omitempty"`
	GasLimit        uint64 `json:"gas_limit,omitempty"`
	BlockNumber     uint64 `json:"block_number,omitempty"`
	GasUsed         uint64 `json:"gas_used,omitempty"`
}

// DeployDefaults 是链参数的默认值。
var DeployDefaults = struct {
	GasLimit        uint64
	GasPrice        *big.Int
	ReceiptTimeout  time.Duration
	ReceiptInterval time.Duration
}{
	GasLimit:        3_000_000,
	GasPrice:        big.NewInt(4_000_000_000_000),
	ReceiptTimeout:  2 * time.Minute,
	ReceiptInterval: 2 * time.Second,
}

// ContractPipeline 执行 Compile → BuildTransaction → Sign → Broadcast →
// AwaitReceipt。
type ContractPipeline struct {
	compiler        Compiler
	backend         web3.Backend
	signer          TxSigner
	chainID         *big.Int
	gasLimit        uint64
	gasPrice        *big.Int
	receiptTimeout  time.Duration
	receiptInterval time.Duration
	log             *slog.Logger
}

// ContractOption 定制合约流水线。
type ContractOption func(*ContractPipeline)

// WithChainID 固定交易的 chain id；未设置时从 RPC 读取。
func WithChainID(id int64) ContractOption {
	return func(p *ContractPipeline) {
		if id > 0 {
			p.chainID = big.NewInt(id)
		}
	}
}

// WithGas 设置固定 gas 上限与 gas 价格。
func WithGas(limit uint64, price *big.Int) ContractOption {
	return func(p *ContractPipeline) {
		if limit > 0 {
			p.gasLimit = limit
		}
		if price != nil && price.Sign() > 0 {
			p.gasPrice = new(big.Int).Set(price)
		}
	}
}

// WithReceiptWait 设置等待回执的总时长与轮询间隔。
func WithReceiptWait(timeout, interval time.Duration) ContractOption {
	return func(p *ContractPipeline) {
		if timeout > 0 {
			p.receiptTimeout = timeout
		}
		if interval > 0 {
			p.receiptInterval = interval
		}
	}
}

// WithContractLogger 指定日志输出。
func WithContractLogger(log *slog.Logger) ContractOption {
	return func(p *ContractPipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// NewContractPipeline 构造合约部署流水线。
func NewContractPipeline(c Compiler, backend web3.Backend, signer TxSigner, opts ...ContractOption) *ContractPipeline {
	p := &ContractPipeline{
		compiler:        c,
		backend:         backend,
		signer:          signer,
		gasLimit:        DeployDefaults.GasLimit,
		gasPrice:        new(big.Int).Set(DeployDefaults.GasPrice),
		receiptTimeout:  DeployDefaults.ReceiptTimeout,
		receiptInterval: DeployDefaults.ReceiptInterval,
		log:             logger.Named("workflow.contract"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Deploy 编译并部署合约。返回的 Run 总是非空。
func (p *ContractPipeline) Deploy(ctx context.Context, req DeployRequest) (Deployment, *Run, error) {
	run := newRun("contract_deployment", p.log,
		StageCompile, StageBuildTransaction, StageSign, StageBroadcast, StageAwaitReceipt)
	out := Deployment{ContractName: strings.TrimSpace(req.ContractName)}

	var target *compiler.Contract
	if err := run.step(ctx, StageCompile, CodeCompilationFailed, func(ctx context.Context) (any, error) {
		if out.ContractName == "" {
			return nil, xerrors.New(CodeCompilationTargetMissing, "未指定要部署的合约名")
		}
		contracts, err := p.compiler.Compile(ctx, req.Source)
		if err != nil {
			return nil, err
		}
		c, err := selectContract(contracts, out.ContractName)
		if err != nil {
			return nil, err
		}
		target = c
		return map[string]int{"bytecode_bytes": len(common.FromHex(c.Code))}, nil
	}); err != nil {
		return out, run, err
	}

	var (
		tx      *types.Transaction
		chainID *big.Int
	)
	if err := run.step(ctx, StageBuildTransaction, CodeTransactionBuildFailed, func(ctx context.Context) (any, error) {
		data, err := deploymentData(target, req.ConstructorArgs)
		if err != nil {
			return nil, err
		}
		chainID = p.chainID
		if chainID == nil {
			id, err := p.backend.ChainID(ctx)
			if err != nil {
				return nil, xerrors.Wrap(CodeNonceFetchFailed, err, "读取 chain id 失败")
			}
			chainID = id
		}
		from := p.signer.Address()
		nonce, err := p.backend.PendingNonceAt(ctx, from)
		if err != nil {
			return nil, xerrors.Wrap(CodeNonceFetchFailed, err, fmt.Sprintf("读取账户 %s 的 nonce 失败", from.Hex()))
		}
		tx = types.NewContractCreation(nonce, big.NewInt(0), p.gasLimit, p.gasPrice, data)
		out.From = from.Hex()
		out.Nonce = nonce
		out.ChainID = chainID.String()
		out.GasLimit = p.gasLimit
		return map[string]any{"nonce": nonce, "chain_id": out.ChainID, "gas_limit": p.gasLimit}, nil
	}); err != nil {
		return out, run, err
	}

	var signed *types.Transaction
	if err := run.step(ctx, StageSign, CodeTransactionSigningFailed, func(context.Context) (any, error) {
		s, err := p.signer.SignTx(tx, chainID)
		if err != nil {
			return nil, xerrors.Wrap(CodeTransactionSigningFailed, err, "交易签名失败")
		}
		signed = s
		out.TxHash = s.Hash().Hex()
		return map[string]string{"tx_hash": out.TxHash}, nil
	}); err != nil {
		return out, run, err
	}

	if err := run.step(ctx, StageBroadcast, CodeBroadcastRejected, func(ctx context.Context) (any, error) {
		if err := p.backend.SendTransaction(ctx, signed); err != nil {
			return nil, xerrors.Wrap(CodeBroadcastRejected, err, "网络拒绝了部署交易",
				xerrors.WithMetadata("tx_hash", out.TxHash))
		}
		logger.Audit().Info("合约部署交易已广播",
			slog.String("contract", out.ContractName),
			slog.String("from", out.From),
			slog.String("tx_hash", out.TxHash),
			slog.Uint64("nonce", out.Nonce),
			slog.String("chain_id", out.ChainID))
		return map[string]string{"tx_hash": out.TxHash}, nil
	}); err != nil {
		return out, run, err
	}

	if err := run.step(ctx, StageAwaitReceipt, CodeReceiptTimeout, func(ctx context.Context) (any, error) {
		receipt, err := p.awaitReceipt(ctx, signed.Hash(), out)
		if err != nil {
			return nil, err
		}
		out.BlockNumber = receipt.BlockNumber.Uint64()
		out.GasUsed = receipt.GasUsed
		if receipt.Status != types.ReceiptStatusSuccessful {
			return nil, xerrors.New(CodeDeploymentReverted, "部署交易已上链但执行失败",
				xerrors.WithMetadata("tx_hash", out.TxHash),
				xerrors.WithMetadata("block_number", fmt.Sprint(out.BlockNumber)))
		}
		out.ContractAddress = receipt.ContractAddress.Hex()
		return map[string]string{"contract_address": out.ContractAddress}, nil
	}); err != nil {
		return out, run, err
	}

	logger.Audit().Info("合约部署完成",
		slog.String("contract", out.ContractName),
		slog.String("address", out.ContractAddress),
		slog.String("tx_hash", out.TxHash))
	return out, run, nil
}

// awaitReceipt 在预算内轮询回执。超时或取消时交易仍可能上链，返回的错误
// 带有交易哈希与预期合约地址。
func (p *ContractPipeline) awaitReceipt(ctx context.Context, hash common.Hash, out Deployment) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.receiptTimeout)
	defer cancel()

	expected := crypto.CreateAddress(common.HexToAddress(out.From), out.Nonce)
	ticker := time.NewTicker(p.receiptInterval)
	defer ticker.Stop()

	for {
		receipt, err := p.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !stdErrors.Is(err, gethcore.NotFound) && ctx.Err() == nil {
			p.log.Warn("查询交易回执失败", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			code := CodeReceiptTimeout
			msg := fmt.Sprintf("在 %s 内未获得交易回执，交易可能仍会上链", p.receiptTimeout)
			if stdErrors.Is(ctx.Err(), context.Canceled) {
				code = xerrors.CodeCanceled
				msg = "等待交易回执被取消，交易可能仍会上链"
			}
			return nil, xerrors.Wrap(code, ctx.Err(), msg,
				xerrors.WithMetadata("tx_hash", hash.Hex()),
				xerrors.WithMetadata("expected_contract_address", expected.Hex()))
		case <-ticker.C:
		}
	}
}

// selectContract 按完整键或 ":Name" 后缀匹配合约。
func selectContract(contracts map[string]*compiler.Contract, name string) (*compiler.Contract, error) {
	if c, ok := contracts[name]; ok && c != nil {
		return c, nil
	}
	var matches []string
	for key := range contracts {
		if strings.HasSuffix(key, ":"+name) {
			matches = append(matches, key)
		}
	}
	sort.Strings(matches)
	switch len(matches) {
	case 1:
		return contracts[matches[0]], nil
	case 0:
		available := make([]string, 0, len(contracts))
		for key := range contracts {
			available = append(available, key)
		}
		sort.Strings(available)
		return nil, xerrors.New(CodeCompilationTargetMissing,
			fmt.Sprintf("编译结果中没有合约 %s", name),
			xerrors.WithMetadata("available", strings.Join(available, ",")))
	default:
		return nil, xerrors.New(CodeCompilationTargetMissing,
			fmt.Sprintf("合约名 %s 有多个匹配: %s", name, strings.Join(matches, ",")))
	}
}

// deploymentData 拼接字节码与 ABI 编码后的构造参数。
func deploymentData(c *compiler.Contract, args []any) ([]byte, error) {
	bytecode := common.FromHex(c.Code)
	if len(bytecode) == 0 {
		return nil, xerrors.New(CodeTransactionBuildFailed, "合约没有可部署的字节码，可能是抽象合约或接口")
	}

	abiJSON, err := json.Marshal(c.Info.AbiDefinition)
	if err != nil {
		return nil, xerrors.Wrap(CodeTransactionBuildFailed, err, "序列化 ABI 失败")
	}
	parsed, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return nil, xerrors.Wrap(CodeTransactionBuildFailed, err, "解析 ABI 失败")
	}

	values, err := coerceArgs(parsed.Constructor.Inputs, args)
	if err != nil {
		return nil, xerrors.Wrap(CodeTransactionBuildFailed, err, "构造参数不匹配")
	}
	packed, err := parsed.Pack("", values...)
	if err != nil {
		return nil, xerrors.Wrap(CodeTransactionBuildFailed, err, "编码构造参数失败")
	}
	return append(bytecode, packed...), nil
}
