package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// SaltBytes is the number of random bytes in every password salt.
const SaltBytes = 32

// CryptoProvider is the single source of randomness and digests for the package.
type CryptoProvider interface {
	RandomBytes(n int) ([]byte, error)
	Digest(data []byte) ([]byte, error)
}

// SystemCrypto backs CryptoProvider with crypto/rand and SHA-256.
type SystemCrypto struct{}

func (SystemCrypto) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return buf, nil
}

func (SystemCrypto) Digest(data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// Hasher turns passwords into (hash, salt) pairs and checks them.
type Hasher interface {
	Hash(password string) (hash, salt string, err error)
	Verify(password, hash, salt string) bool
}

func newSalt(p CryptoProvider) (string, error) {
	salt, err := p.RandomBytes(SaltBytes)
	if err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	if len(salt) < SaltBytes {
		return "", fmt.Errorf("generate salt: short read (%d bytes)", len(salt))
	}
	return hex.EncodeToString(salt), nil
}

// DigestHasher hashes digest(password || salt) with the provider's digest.
type DigestHasher struct {
	provider CryptoProvider
}

// NewDigestHasher fails with ErrNoCryptoBackend rather than degrading to a weaker hash.
func NewDigestHasher(p CryptoProvider) (*DigestHasher, error) {
	if p == nil {
		return nil, ErrNoCryptoBackend
	}
	if err := probe(p); err != nil {
		return nil, err
	}
	return &DigestHasher{provider: p}, nil
}

func (h *DigestHasher) Hash(password string) (string, string, error) {
	salt, err := newSalt(h.provider)
	if err != nil {
		return "", "", err
	}
	sum, err := h.digest(password, salt)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(sum), salt, nil
}

func (h *DigestHasher) Verify(password, hash, salt string) bool {
	want, err := hex.DecodeString(hash)
	if err != nil || len(want) == 0 {
		return false
	}
	got, err := h.digest(password, salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

func (h *DigestHasher) digest(password, salt string) ([]byte, error) {
	buf := make([]byte, 0, len(password)+len(salt))
	buf = append(buf, password...)
	buf = append(buf, salt...)
	sum, err := h.provider.Digest(buf)
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	return sum, nil
}

// Argon2Params are the argon2id cost settings embedded in every hash.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	KeyLen      uint32
}

// DefaultArgon2Params matches the cost used for operator passwords.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Memory: 64 * 1024, Iterations: 2, Parallelism: 1, KeyLen: 32}
}

// Argon2Hasher stores "argon2id$m=..,t=..,p=..$<hex key>" with a separate hex salt.
type Argon2Hasher struct {
	provider CryptoProvider
	params   Argon2Params
}

func NewArgon2Hasher(p CryptoProvider, params Argon2Params) (*Argon2Hasher, error) {
	if p == nil {
		return nil, ErrNoCryptoBackend
	}
	if err := probe(p); err != nil {
		return nil, err
	}
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 || params.KeyLen == 0 {
		return nil, fmt.Errorf("%w: argon2 params must be positive", ErrInvalidInput)
	}
	return &Argon2Hasher{provider: p, params: params}, nil
}

func (h *Argon2Hasher) Hash(password string) (string, string, error) {
	salt, err := newSalt(h.provider)
	if err != nil {
		return "", "", err
	}
	p := h.params
	key := argon2.IDKey([]byte(password), []byte(salt), p.Iterations, p.Memory, p.Parallelism, p.KeyLen)
	return fmt.Sprintf("argon2id$m=%d,t=%d,p=%d$%s", p.Memory, p.Iterations, p.Parallelism, hex.EncodeToString(key)), salt, nil
}

func (h *Argon2Hasher) Verify(password, hash, salt string) bool {
	params, want, err := parseArgon2(hash)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), []byte(salt), params.Iterations, params.Memory, params.Parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

func parseArgon2(encoded string) (Argon2Params, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != "argon2id" {
		return Argon2Params{}, nil, errors.New("unsupported hash format")
	}
	var p Argon2Params
	for _, kv := range strings.Split(parts[1], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return Argon2Params{}, nil, errors.New("malformed hash params")
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Argon2Params{}, nil, fmt.Errorf("hash param %s: %w", k, err)
		}
		switch k {
		case "m":
			p.Memory = uint32(n)
		case "t":
			p.Iterations = uint32(n)
		case "p":
			if n == 0 || n > 255 {
				return Argon2Params{}, nil, errors.New("hash param p out of range")
			}
			p.Parallelism = uint8(n)
		}
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return Argon2Params{}, nil, errors.New("incomplete hash params")
	}
	key, err := hex.DecodeString(parts[2])
	if err != nil || len(key) == 0 {
		return Argon2Params{}, nil, errors.New("malformed hash key")
	}
	return p, key, nil
}

func probe(p CryptoProvider) error {
	if _, err := p.RandomBytes(1); err != nil {
		return fmt.Errorf("%w: %v", ErrNoCryptoBackend, err)
	}
	if _, err := p.Digest([]byte("probe")); err != nil {
		return fmt.Errorf("%w: %v", ErrNoCryptoBackend, err)
	}
	return nil
}
