package web3

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "theta-agents/internal/errors"
)

// Signer holds a wallet private key. The key never leaves the struct: it is
// not exported, not logged and not serialised.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex encoded secp256k1 private key, with or without the
// 0x prefix.
func NewSigner(hexKey string) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, xerrors.New(xerrors.CodeMissingCredential, "未配置钱包私钥")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		// 不包裹原始错误，避免私钥片段出现在日志里。
		return nil, xerrors.New(CodeInvalidPrivateKey, "钱包私钥格式无效")
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the account derived from the key.
func (s *Signer) Address() common.Address {
	return s.address
}

// VerifyAddress checks a configured public address against the key. An
// empty expectation always matches.
func (s *Signer) VerifyAddress(expected string) error {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return nil
	}
	if !common.IsHexAddress(expected) || common.HexToAddress(expected) != s.address {
		return xerrors.New(CodeAddressMismatch,
			fmt.Sprintf("配置的钱包地址 %s 与私钥推导的地址 %s 不一致", expected, s.address.Hex()))
	}
	return nil
}

// SignText produces an EIP-191 personal_sign signature over msg with the
// recovery id in Ethereum's 27/28 form.
func (s *Signer) SignText(msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return nil, xerrors.Wrap(CodeSigningFailed, err, "消息签名失败")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignTx signs tx for the given chain with EIP-155 replay protection.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, xerrors.New(CodeSigningFailed, "交易签名缺少 chain id")
	}
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), s.key)
	if err != nil {
		return nil, xerrors.Wrap(CodeSigningFailed, err, "交易签名失败")
	}
	return signed, nil
}

// LogValue exposes only the address.
func (s *Signer) LogValue() slog.Value {
	return slog.StringValue(s.address.Hex())
}
