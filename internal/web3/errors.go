package web3

import xerrors "theta-agents/internal/errors"

const (
	CodeInvalidPrivateKey xerrors.Code = "INVALID_PRIVATE_KEY"
	CodeAddressMismatch   xerrors.Code = "WALLET_ADDRESS_MISMATCH"
	CodeSigningFailed     xerrors.Code = "SIGNING_FAILED"
	CodeUnknownNetwork    xerrors.Code = "UNKNOWN_NETWORK"
	CodeRPCUnavailable    xerrors.Code = "RPC_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeInvalidPrivateKey, xerrors.Attributes{
		Message:  "invalid wallet private key",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryConfiguration,
		Alert:    true,
	})
	xerrors.Register(CodeAddressMismatch, xerrors.Attributes{
		Message:  "configured wallet address does not match the private key",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryConfiguration,
		Alert:    true,
	})
	xerrors.Register(CodeSigningFailed, xerrors.Attributes{
		Message:  "signing failed",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryInternal,
	})
	xerrors.Register(CodeUnknownNetwork, xerrors.Attributes{
		Message:  "unknown chain network",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryConfiguration,
	})
	xerrors.Register(CodeRPCUnavailable, xerrors.Attributes{
		Message:   "chain rpc unavailable",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryBackend,
		Retryable: true,
	})
}
