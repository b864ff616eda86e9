package workflow

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/compiler"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "theta-agents/internal/errors"
	"theta-agents/internal/web3"
)

const (
	testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	// 部署后返回一段只触发事件的运行时代码。
	simpleContractBin = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"
)

var tokenABI = []any{
	map[string]any{
		"type":            "constructor",
		"stateMutability": "nonpayable",
		"inputs": []any{
			map[string]any{"name": "name", "type": "string"},
			map[string]any{"name": "supply", "type": "uint256"},
			map[string]any{"name": "owner", "type": "address"},
		},
	},
}

type fakeCompiler struct {
	contracts map[string]*compiler.Contract
	err       error
	calls     int
}

func (f *fakeCompiler) Compile(context.Context, string) (map[string]*compiler.Contract, error) {
	f.calls++
	return f.contracts, f.err
}

func tokenCompiler() *fakeCompiler {
	return &fakeCompiler{contracts: map[string]*compiler.Contract{
		"<stdin>:Token":   {Code: simpleContractBin, Info: compiler.ContractInfo{AbiDefinition: tokenABI}},
		"<stdin>:Ownable": {Code: "0x", Info: compiler.ContractInfo{AbiDefinition: []any{}}},
	}}
}

type fakeBackend struct {
	mu        sync.Mutex
	calls     []string
	nonce     uint64
	nonceErr  error
	sendErr   error
	sent      *types.Transaction
	receipt   *types.Receipt
	receiptIn int
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	f.record("chain_id")
	return big.NewInt(365), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.record("nonce")
	return f.nonce, f.nonceErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.record("send")
	f.sent = tx
	return f.sendErr
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.record("receipt")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipt == nil || f.receiptIn > 0 {
		f.receiptIn--
		return nil, gethcore.NotFound
	}
	return f.receipt, nil
}

func testSigner(t *testing.T) *web3.Signer {
	t.Helper()
	s, err := web3.NewSigner(testKey)
	require.NoError(t, err)
	return s
}

func tokenRequest() DeployRequest {
	return DeployRequest{
		Source:          "contract Token {}",
		ContractName:    "Token",
		ConstructorArgs: []any{"Theta Cat", "1000000000000000000000", "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"},
	}
}

func fastReceipt() ContractOption {
	return WithReceiptWait(50*time.Millisecond, 2*time.Millisecond)
}

func TestContractPipelineDeploys(t *testing.T) {
	backend := &fakeBackend{nonce: 7, receiptIn: 2, receipt: &types.Receipt{
		Status:          types.ReceiptStatusSuccessful,
		ContractAddress: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		BlockNumber:     big.NewInt(99),
		GasUsed:         123456,
	}}
	signer := testSigner(t)

	out, run, err := NewContractPipeline(tokenCompiler(), backend, signer, WithChainID(365), fastReceipt()).
		Deploy(context.Background(), tokenRequest())
	require.NoError(t, err)

	assert.True(t, run.Succeeded())
	assert.Equal(t, common.HexToAddress("0xaa").Hex(), out.ContractAddress)
	assert.Equal(t, uint64(7), out.Nonce)
	assert.Equal(t, "365", out.ChainID)
	assert.Equal(t, uint64(99), out.BlockNumber)
	assert.Equal(t, []string{"nonce", "send", "receipt", "receipt", "receipt"}, backend.Calls())

	tx := backend.sent
	require.NotNil(t, tx)
	assert.Nil(t, tx.To())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, DeployDefaults.GasLimit, tx.Gas())
	assert.Equal(t, 0, tx.GasPrice().Cmp(DeployDefaults.GasPrice))
	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(365)), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)

	bytecode := common.FromHex(simpleContractBin)
	require.Greater(t, len(tx.Data()), len(bytecode))
	assert.Equal(t, bytecode, tx.Data()[:len(bytecode)])

	parsed, err := abi.JSON(jsonReader(t, tokenABI))
	require.NoError(t, err)
	values, err := parsed.Constructor.Inputs.Unpack(tx.Data()[len(bytecode):])
	require.NoError(t, err)
	assert.Equal(t, "Theta Cat", values[0])
	supply, _ := new(big.Int).SetString("1000000000000000000000", 10)
	assert.Equal(t, 0, supply.Cmp(values[1].(*big.Int)))
	assert.Equal(t, signer.Address(), values[2])
}

func TestContractPipelineMissingTargetNeverBuilds(t *testing.T) {
	backend := &fakeBackend{}
	req := tokenRequest()
	req.ContractName = "Crowdsale"

	_, run, err := NewContractPipeline(tokenCompiler(), backend, testSigner(t)).Deploy(context.Background(), req)
	require.Error(t, err)

	assert.Equal(t, CodeCompilationTargetMissing, xerrors.CodeOf(err))
	assert.Empty(t, backend.Calls())
	failed, _ := run.FailedStage()
	assert.Equal(t, StageCompile, failed.Name)
	assert.Equal(t, StagePending, run.Stages[1].Status)
}

func TestContractPipelineCompilerError(t *testing.T) {
	backend := &fakeBackend{}
	comp := &fakeCompiler{err: errors.New("ParserError")}

	_, _, err := NewContractPipeline(comp, backend, testSigner(t)).Deploy(context.Background(), tokenRequest())
	assert.Equal(t, CodeCompilationFailed, xerrors.CodeOf(err))
	assert.Empty(t, backend.Calls())
}

func TestContractPipelineAbstractContract(t *testing.T) {
	req := tokenRequest()
	req.ContractName = "Ownable"
	req.ConstructorArgs = nil

	backend := &fakeBackend{}
	_, _, err := NewContractPipeline(tokenCompiler(), backend, testSigner(t)).Deploy(context.Background(), req)
	assert.Equal(t, CodeTransactionBuildFailed, xerrors.CodeOf(err))
	assert.Empty(t, backend.Calls())
}

func TestContractPipelineBadConstructorArgs(t *testing.T) {
	req := tokenRequest()
	req.ConstructorArgs = []any{"Theta Cat", "lots"}

	_, _, err := NewContractPipeline(tokenCompiler(), &fakeBackend{}, testSigner(t)).Deploy(context.Background(), req)
	assert.Equal(t, CodeTransactionBuildFailed, xerrors.CodeOf(err))
}

func TestContractPipelineNonceFailure(t *testing.T) {
	backend := &fakeBackend{nonceErr: errors.New("connection refused")}

	_, run, err := NewContractPipeline(tokenCompiler(), backend, testSigner(t), WithChainID(365)).
		Deploy(context.Background(), tokenRequest())
	require.Error(t, err)

	assert.Equal(t, CodeNonceFetchFailed, xerrors.CodeOf(err))
	assert.Equal(t, []string{"nonce"}, backend.Calls())
	assert.Equal(t, StageCompile, run.LastConfirmed())
}

func TestContractPipelineBroadcastRejected(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("nonce too low")}

	out, run, err := NewContractPipeline(tokenCompiler(), backend, testSigner(t)).
		Deploy(context.Background(), tokenRequest())
	require.Error(t, err)

	assert.Equal(t, CodeBroadcastRejected, xerrors.CodeOf(err))
	assert.False(t, xerrors.IsIndeterminate(err))
	assert.NotEmpty(t, out.TxHash)
	assert.Equal(t, StageSign, run.LastConfirmed())
	assert.NotContains(t, backend.Calls(), "receipt")
}

func TestContractPipelineReceiptTimeoutIsIndeterminate(t *testing.T) {
	backend := &fakeBackend{}

	out, run, err := NewContractPipeline(tokenCompiler(), backend, testSigner(t), WithChainID(365), fastReceipt()).
		Deploy(context.Background(), tokenRequest())
	require.Error(t, err)

	assert.Equal(t, CodeReceiptTimeout, xerrors.CodeOf(err))
	assert.True(t, xerrors.IsIndeterminate(err))
	assert.Equal(t, StageBroadcast, run.LastConfirmed())

	coded, _ := xerrors.From(err)
	assert.Equal(t, out.TxHash, coded.Metadata()["tx_hash"])
	expected := crypto.CreateAddress(testSigner(t).Address(), 0)
	assert.Equal(t, expected.Hex(), coded.Metadata()["expected_contract_address"])
}

func TestContractPipelineReverted(t *testing.T) {
	backend := &fakeBackend{receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(5)}}

	_, run, err := NewContractPipeline(tokenCompiler(), backend, testSigner(t), WithChainID(365), fastReceipt()).
		Deploy(context.Background(), tokenRequest())
	assert.Equal(t, CodeDeploymentReverted, xerrors.CodeOf(err))
	assert.False(t, xerrors.IsIndeterminate(err))
	failed, _ := run.FailedStage()
	assert.Equal(t, StageAwaitReceipt, failed.Name)
}

// committingBackend 在发送交易后立即出块。
type committingBackend struct {
	simulated.Client
	sim *simulated.Backend
}

func (b committingBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := b.Client.SendTransaction(ctx, tx); err != nil {
		return err
	}
	b.sim.Commit()
	return nil
}

func TestContractPipelineOnSimulatedChain(t *testing.T) {
	signer := testSigner(t)
	balance, _ := new(big.Int).SetString("1000000000000000000000", 10)
	sim := simulated.NewBackend(types.GenesisAlloc{signer.Address(): {Balance: balance}})
	t.Cleanup(func() { _ = sim.Close() })

	comp := &fakeCompiler{contracts: map[string]*compiler.Contract{
		"<stdin>:Emitter": {Code: simpleContractBin, Info: compiler.ContractInfo{AbiDefinition: []any{}}},
	}}
	backend := committingBackend{Client: sim.Client(), sim: sim}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, run, err := NewContractPipeline(comp, backend, signer,
		WithGas(1_000_000, big.NewInt(10_000_000_000)),
		WithReceiptWait(5*time.Second, 10*time.Millisecond),
	).Deploy(ctx, DeployRequest{Source: "contract Emitter {}", ContractName: "Emitter"})
	require.NoError(t, err)
	require.True(t, run.Succeeded())

	assert.Equal(t, "1337", out.ChainID)
	assert.Equal(t, crypto.CreateAddress(signer.Address(), 0).Hex(), out.ContractAddress)

	code, err := sim.Client().CodeAt(ctx, common.HexToAddress(out.ContractAddress), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, code)
}
