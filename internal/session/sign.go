package session

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature covers malformed and wrong-signer signatures alike.
var ErrInvalidSignature = errors.New("session: invalid signature")

// VerifySignature recovers the signer of an EIP-191 personal-sign message
// and compares it to the expected owner address. Smart-contract wallet
// owners sign session challenges with their controlling key, so plain
// ECDSA recovery applies here.
func VerifySignature(message, signature, ownerAddress string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != 65 {
		return ErrInvalidSignature
	}

	// Wallets emit v as 27/28; go-ethereum expects 0/1.
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return ErrInvalidSignature
	}

	recovered := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), ownerAddress) {
		return ErrInvalidSignature
	}
	return nil
}
