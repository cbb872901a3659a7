package api

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
)

// SignatureHeader 携带对请求体的 EIP-191 personal_sign 签名。
const SignatureHeader = "X-Relay-Signature"

// RecoverSigner 从 personal_sign 签名中恢复签名者地址。
// V 可以是 27/28，也可以是 0/1。
func RecoverSigner(body []byte, signature string) (common.Address, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return common.Address{}, xerrors.New(xerrors.CodeUnauthorized, "missing "+SignatureHeader)
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeUnauthorized, err, "signature is not hex")
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, xerrors.Newf(xerrors.CodeUnauthorized, "signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(body), sig)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeUnauthorized, err, "recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
