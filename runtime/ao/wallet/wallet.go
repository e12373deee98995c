// Package wallet manages the Arweave identity used to sign every submission.
// A fresh wallet is generated per server run unless a JWK key file is given.
package wallet

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/fluxmcp/flux/runtime/ao/ans104"
)

const keyBits = 4096

// Wallet is an RSA-4096 Arweave key. It is immutable after construction and
// safe for concurrent use as an ans104.Signer.
type Wallet struct {
	key   *rsa.PrivateKey
	owner []byte
}

// jwk is the JSON Web Key layout Arweave tooling reads and writes.
type jwk struct {
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	D   string `json:"d,omitempty"`
	P   string `json:"p,omitempty"`
	Q   string `json:"q,omitempty"`
	DP  string `json:"dp,omitempty"`
	DQ  string `json:"dq,omitempty"`
	QI  string `json:"qi,omitempty"`
}

var _ ans104.Signer = (*Wallet)(nil)

// Generate creates a new random wallet.
func Generate() (*Wallet, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate wallet: %w", err)
	}
	return fromKey(key)
}

// Load reads a JWK wallet file.
func Load(path string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}
	return FromJWK(data)
}

// FromJWK decodes a JWK private key.
func FromJWK(data []byte) (*Wallet, error) {
	var k jwk
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("decode wallet: %w", err)
	}
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	fields := map[string]string{"n": k.N, "e": k.E, "d": k.D, "p": k.P, "q": k.Q}
	ints := make(map[string]*big.Int, len(fields))
	for name, v := range fields {
		if v == "" {
			return nil, fmt.Errorf("wallet is missing %q", name)
		}
		raw, err := base64.RawURLEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("wallet field %q: %w", name, err)
		}
		ints[name] = new(big.Int).SetBytes(raw)
	}
	if !ints["e"].IsInt64() {
		return nil, errors.New("wallet exponent out of range")
	}
	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: ints["n"], E: int(ints["e"].Int64())},
		D:         ints["d"],
		Primes:    []*big.Int{ints["p"], ints["q"]},
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wallet: %w", err)
	}
	key.Precompute()
	return fromKey(key)
}

func fromKey(key *rsa.PrivateKey) (*Wallet, error) {
	if key.N.BitLen() != keyBits {
		return nil, fmt.Errorf("wallet must be %d bits, got %d", keyBits, key.N.BitLen())
	}
	owner := make([]byte, ans104.OwnerLength)
	key.N.FillBytes(owner)
	return &Wallet{key: key, owner: owner}, nil
}

// JWK encodes the wallet as a JSON Web Key.
func (w *Wallet) JWK() ([]byte, error) {
	if len(w.key.Primes) != 2 {
		return nil, errors.New("multi-prime keys are not supported")
	}
	enc := func(i *big.Int) string { return base64.RawURLEncoding.EncodeToString(i.Bytes()) }
	return json.Marshal(jwk{
		Kty: "RSA",
		N:   enc(w.key.N),
		E:   enc(big.NewInt(int64(w.key.E))),
		D:   enc(w.key.D),
		P:   enc(w.key.Primes[0]),
		Q:   enc(w.key.Primes[1]),
		DP:  enc(w.key.Precomputed.Dp),
		DQ:  enc(w.key.Precomputed.Dq),
		QI:  enc(w.key.Precomputed.Qinv),
	})
}

// Save writes the wallet as a JWK file readable only by the owner.
func (w *Wallet) Save(path string) error {
	data, err := w.JWK()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Owner returns the 512-byte modulus embedded in data items.
func (w *Wallet) Owner() []byte {
	return append([]byte(nil), w.owner...)
}

// Address returns the base64url sha256 of the owner.
func (w *Wallet) Address() string {
	sum := sha256.Sum256(w.owner)
	return ans104.EncodeID(sum[:])
}

// Sign produces an RSA-PSS (SHA-256, 32-byte salt) signature over message.
func (w *Wallet) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return rsa.SignPSS(rand.Reader, w.key, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: sha256.Size})
}

// Verify checks a signature produced by Sign against owner.
func Verify(owner, message, signature []byte) error {
	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(owner), E: 65537}
	digest := sha256.Sum256(message)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, &rsa.PSSOptions{SaltLength: sha256.Size})
}
