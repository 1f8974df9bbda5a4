package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// HeaderSignature carries "<address>:<signature>" where the signature is
	// an EIP-191 personal-message signature over the keccak hash of the raw
	// request body.
	HeaderSignature = "X-Flashbots-Signature"
	// HeaderAuthorization carries "<keyID>:<secretKey>", optionally with a
	// Bearer prefix.
	HeaderAuthorization = "Authorization"

	// MinKeyIterations is the PBKDF2 floor; stored records below it are
	// treated as corrupt rather than silently accepted.
	MinKeyIterations = 1000
	// KeyHashLength is the PBKDF2-SHA512 output size in bytes.
	KeyHashLength = 64
)

var (
	// ErrUnauthenticated means the request carried neither credential type.
	ErrUnauthenticated = errors.New("missing credentials")
	// ErrInvalidCredential covers unknown or mismatched key-pair credentials.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrInvalidSignature covers malformed, unrecoverable, or mismatched
	// body signatures.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrUnknownKey is returned by credential stores for absent key IDs.
	ErrUnknownKey = errors.New("unknown key")
)

// Credential is a stored key-pair record.
type Credential struct {
	KeyID      string
	Username   string
	Address    string
	Salt       []byte
	HashedKey  []byte
	Iterations int
}

// CredentialStore looks up key-pair records. Lookups are read-only.
type CredentialStore interface {
	GetByKeyID(ctx context.Context, keyID string) (*Credential, error)
}

// KeyProof is the identity fact derived from a valid key-pair credential.
type KeyProof struct {
	KeyID    string
	Username string
}

// SignerProof is the identity fact derived from a valid body signature.
type SignerProof struct {
	Address common.Address
}

// Identity is the set of proofs an authenticated request established. A
// request may carry both credential types; both are then verified and both
// facts populated rather than silently preferring one.
type Identity struct {
	Key    *KeyProof
	Signer *SignerProof
}

// Signed reports whether the request was authenticated by body signature,
// which is the flow subject to replay deduplication.
func (id Identity) Signed() bool {
	return id.Signer != nil
}

// RateKey is the rate-limit bucket for this identity. When both proofs are
// present the key proof wins: key IDs are operator-issued and scarcer than
// signing addresses.
func (id Identity) RateKey() string {
	switch {
	case id.Key != nil:
		return "key:" + id.Key.KeyID
	case id.Signer != nil:
		return "signer:" + strings.ToLower(id.Signer.Address.Hex())
	}
	return "anonymous"
}

// Gate authenticates requests against the two credential schemes.
type Gate struct {
	store CredentialStore
}

func NewGate(store CredentialStore) *Gate {
	return &Gate{store: store}
}

// Authenticate inspects the credential headers and verifies every scheme
// present. It runs before any request decoding; body is the exact raw bytes
// as received, since re-serialized JSON is not canonical.
func (g *Gate) Authenticate(ctx context.Context, r *http.Request, body []byte) (Identity, error) {
	sigHeader := strings.TrimSpace(r.Header.Get(HeaderSignature))
	keyHeader := strings.TrimSpace(r.Header.Get(HeaderAuthorization))
	if sigHeader == "" && keyHeader == "" {
		return Identity{}, ErrUnauthenticated
	}

	var id Identity
	if keyHeader != "" {
		proof, err := g.verifyKey(ctx, keyHeader)
		if err != nil {
			return Identity{}, err
		}
		id.Key = proof
	}
	if sigHeader != "" {
		proof, err := verifySignature(sigHeader, body)
		if err != nil {
			return Identity{}, err
		}
		id.Signer = proof
	}
	return id, nil
}

func (g *Gate) verifyKey(ctx context.Context, header string) (*KeyProof, error) {
	token := header
	if strings.HasPrefix(token, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	}
	keyID, secret, found := strings.Cut(token, ":")
	if !found || keyID == "" || secret == "" {
		return nil, fmt.Errorf("%w: malformed authorization header", ErrInvalidCredential)
	}
	if g.store == nil {
		return nil, fmt.Errorf("%w: key authentication not configured", ErrInvalidCredential)
	}
	cred, err := g.store.GetByKeyID(ctx, keyID)
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			return nil, fmt.Errorf("%w: unknown key", ErrInvalidCredential)
		}
		return nil, fmt.Errorf("lookup key %q: %w", keyID, err)
	}
	if cred.Iterations < MinKeyIterations || len(cred.HashedKey) != KeyHashLength || len(cred.Salt) == 0 {
		return nil, fmt.Errorf("credential record for key %q is corrupt", keyID)
	}
	derived := HashSecret(secret, cred.Salt, cred.Iterations)
	if subtle.ConstantTimeCompare(derived, cred.HashedKey) != 1 {
		return nil, fmt.Errorf("%w: secret mismatch", ErrInvalidCredential)
	}
	return &KeyProof{KeyID: cred.KeyID, Username: cred.Username}, nil
}

// HashSecret derives the stored key hash: PBKDF2-SHA512 over the secret with
// the record's salt.
func HashSecret(secret string, salt []byte, iterations int) []byte {
	if iterations < MinKeyIterations {
		iterations = MinKeyIterations
	}
	return pbkdf2.Key([]byte(secret), salt, iterations, KeyHashLength, sha512.New)
}

// SignBody produces the header signature value for a request body with the
// given key. Exposed for clients and tests; the verification path in
// verifySignature mirrors it exactly.
func SignBody(body []byte, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(signingHash(body), key)
	if err != nil {
		return "", err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return addr.Hex() + ":" + hexutil.Encode(sig), nil
}

func signingHash(body []byte) []byte {
	hashedBody := crypto.Keccak256Hash(body).Hex()
	return accounts.TextHash([]byte(hashedBody))
}

func verifySignature(header string, body []byte) (*SignerProof, error) {
	hint, sigValue, found := strings.Cut(header, ":")
	if !found {
		return nil, fmt.Errorf("%w: malformed signature header", ErrInvalidSignature)
	}
	hint = strings.TrimSpace(hint)
	if !common.IsHexAddress(hint) {
		return nil, fmt.Errorf("%w: identity hint is not an address", ErrInvalidSignature)
	}
	sig, err := hexutil.Decode(strings.TrimSpace(sigValue))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: signature must be %d bytes", ErrInvalidSignature, crypto.SignatureLength)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(signingHash(body), sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered == (common.Address{}) {
		return nil, fmt.Errorf("%w: recovered zero address", ErrInvalidSignature)
	}
	if recovered != common.HexToAddress(hint) {
		return nil, fmt.Errorf("%w: signer does not match identity hint", ErrInvalidSignature)
	}
	return &SignerProof{Address: recovered}, nil
}
