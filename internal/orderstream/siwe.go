package orderstream

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

const siweStatement = "Sign in to the proof-marketplace order stream."

// buildSIWEMessage renders an EIP-4361 Sign-In-With-Ethereum message for the
// order-relay's WebSocket auth handshake (spec.md §6's "X-Auth-Data").
func buildSIWEMessage(domain, address, uri, nonce string, chainID int64, issuedAt time.Time) string {
	return fmt.Sprintf(
		"%s wants you to sign in with your Ethereum account:\n%s\n\n%s\n\nURI: %s\nVersion: 1\nChain ID: %d\nNonce: %s\nIssued At: %s",
		domain, address, siweStatement, uri, chainID, nonce, issuedAt.UTC().Format(time.RFC3339),
	)
}

// signPersonalMessage signs msg with Ethereum's personal_sign prefix, the
// same crypto.Sign call the teacher's EIP-712 order signer uses applied to
// an EIP-712 typed-data hash, here applied to a personal-message hash.
func signPersonalMessage(msg string, key *ecdsa.PrivateKey) ([]byte, error) {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	hash := crypto.Keccak256Hash([]byte(prefixed))

	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign siwe message: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
