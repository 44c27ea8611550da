package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

type (
	Scheme string

	// Hasher produces salted adaptive hashes.
	//
	// The hash string carries its own scheme, salt and cost, which means
	// a Hasher can verify hashes produced by any supported scheme regardless
	// of the one configured to produce new hashes.
	Hasher struct {
		scheme     Scheme
		bcryptCost int
		argon      argonParams
	}

	Option func(*Hasher)

	argonParams struct {
		time    uint32
		memory  uint32
		threads uint8
		keyLen  uint32
		saltLen int
	}
)

const (
	Bcrypt   = Scheme("bcrypt")
	Argon2id = Scheme("argon2id")

	argonPrefix = "$argon2id$"
)

var (
	errEmptyPassword = errors.New("password: empty plaintext")

	defaultArgon = argonParams{
		time:    1,
		memory:  64 * 1024,
		threads: 4,
		keyLen:  32,
		saltLen: 16,
	}
)

// WithBcryptCost changes the cost used when hashing with bcrypt.
func WithBcryptCost(cost int) Option {
	return func(h *Hasher) {
		h.bcryptCost = cost
	}
}

// WithArgon2Params changes the time/memory (KiB)/threads used by argon2id.
func WithArgon2Params(time, memory uint32, threads uint8) Option {
	return func(h *Hasher) {
		h.argon.time = time
		h.argon.memory = memory
		h.argon.threads = threads
	}
}

func New(scheme Scheme, opts ...Option) (*Hasher, error) {
	h := &Hasher{
		scheme:     scheme,
		bcryptCost: bcrypt.DefaultCost,
		argon:      defaultArgon,
	}
	for _, o := range opts {
		o(h)
	}
	switch h.scheme {
	case "":
		h.scheme = Bcrypt
	case Bcrypt, Argon2id:
	default:
		return nil, fmt.Errorf("password: unknown scheme %q", scheme)
	}
	if h.bcryptCost < bcrypt.MinCost || h.bcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("password: bcrypt cost %v outside [%v, %v]", h.bcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if h.argon.time == 0 || h.argon.memory == 0 || h.argon.threads == 0 {
		return nil, errors.New("password: argon2id parameters must be positive")
	}
	return h, nil
}

func (h *Hasher) Scheme() Scheme { return h.scheme }

func (h *Hasher) Hash(plain string) (string, error) {
	if len(plain) == 0 {
		return "", errEmptyPassword
	}
	if len(plain) > MaxLength {
		return "", CheckPolicy(plain)
	}
	switch h.scheme {
	case Argon2id:
		return h.hashArgon(plain)
	default:
		buf, err := bcrypt.GenerateFromPassword([]byte(plain), h.bcryptCost)
		if err != nil {
			return "", fmt.Errorf("password: unable to hash with bcrypt, cause %w", err)
		}
		return string(buf), nil
	}
}

// Verify reports whether plain matches hash. Malformed or unknown hashes
// never match.
func (h *Hasher) Verify(plain string, hash string) bool {
	switch {
	case strings.HasPrefix(hash, argonPrefix):
		return verifyArgon(plain, hash)
	case strings.HasPrefix(hash, "$2"):
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
	}
	return false
}

func (h *Hasher) hashArgon(plain string) (string, error) {
	salt := make([]byte, h.argon.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("password: unable to read salt, cause %w", err)
	}
	key := argon2.IDKey([]byte(plain), salt, h.argon.time, h.argon.memory, h.argon.threads, h.argon.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.argon.memory, h.argon.time, h.argon.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

func verifyArgon(plain, hash string) bool {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var p argonParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return false
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(expected) == 0 {
		return false
	}
	actual := argon2.IDKey([]byte(plain), salt, p.time, p.memory, p.threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(actual, expected) == 1
}
