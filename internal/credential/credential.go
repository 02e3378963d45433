// Package credential mints and verifies the short-lived access codes handed
// to a participant when it leaves the head of the queue.
package credential

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jawaracloud/admission-queue/internal/clock"
	"github.com/jawaracloud/admission-queue/internal/storage"
	"github.com/jawaracloud/admission-queue/pkg/models"
)

// Alphabet is the character set access codes are drawn from.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	DefaultLength = 8
	DefaultTTL    = 120 * time.Second

	// maxAttempts bounds collision retries when a generated code is taken.
	maxAttempts = 5
)

var (
	ErrCodeSpaceExhausted = errors.New("could not allocate an unused access code")
	ErrInvalidPass        = errors.New("invalid admission pass")
)

// Config configures an Issuer.
type Config struct {
	// TTL is how long a credential stays valid after issue.
	TTL time.Duration
	// Length is the number of characters in a code.
	Length int
	// PassSecret signs admission passes. Empty disables passes.
	PassSecret string
}

// Credential is a freshly minted access code.
type Credential struct {
	Code      string
	Pass      string
	ExpiresAt time.Time
}

// Issuer generates codes and persists them through a storage.Credentials.
type Issuer struct {
	store  storage.Credentials
	clock  clock.Clock
	cfg    Config
	secret []byte
}

// NewIssuer returns an Issuer. Zero config values take the package defaults.
func NewIssuer(store storage.Credentials, c clock.Clock, cfg Config) *Issuer {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Length <= 0 {
		cfg.Length = DefaultLength
	}
	if c == nil {
		c = clock.Real()
	}
	return &Issuer{
		store:  store,
		clock:  c,
		cfg:    cfg,
		secret: []byte(cfg.PassSecret),
	}
}

// GenerateCode returns n characters drawn uniformly from Alphabet.
func GenerateCode(n int) (string, error) {
	limit := big.NewInt(int64(len(Alphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		buf[i] = Alphabet[idx.Int64()]
	}
	return string(buf), nil
}

// Issue mints a code for participantID and stores it in both directions.
// A code already bound to someone else is never reused; a new one is drawn.
func (i *Issuer) Issue(ctx context.Context, participantID string) (*Credential, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := GenerateCode(i.cfg.Length)
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}

		ok, err := i.store.PutCredential(ctx, code, participantID, i.cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("store credential: %w", err)
		}
		if !ok {
			continue
		}

		cred := &Credential{Code: code, ExpiresAt: i.clock.Now().Add(i.cfg.TTL)}
		if len(i.secret) > 0 {
			pass, err := i.sign(participantID, code, cred.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("sign pass: %w", err)
			}
			cred.Pass = pass
		}
		return cred, nil
	}
	return nil, ErrCodeSpaceExhausted
}

func (i *Issuer) sign(participantID, code string, expires time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, models.AdmissionPass{
		ParticipantID: participantID,
		AccessCode:    code,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(i.clock.Now()),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	return token.SignedString(i.secret)
}

// CodeFromPass validates a signed pass and returns the access code it carries.
func (i *Issuer) CodeFromPass(pass string) (string, error) {
	if len(i.secret) == 0 {
		return "", ErrInvalidPass
	}
	token, err := jwt.ParseWithClaims(pass, &models.AdmissionPass{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidPass
	}
	claims := token.Claims.(*models.AdmissionPass)
	return claims.AccessCode, nil
}

// Resolve returns the participant a code is currently bound to. A code is
// only valid while the participant's own binding still points back at it,
// so re-issuing a credential retires the older code.
func (i *Issuer) Resolve(ctx context.Context, code string) (string, bool, error) {
	id, ok, err := i.store.LookupByCode(ctx, code)
	if err != nil || !ok {
		return "", false, err
	}
	current, ok, err := i.store.LookupByParticipant(ctx, id)
	if err != nil || !ok {
		return "", false, err
	}
	if current != code {
		return "", false, nil
	}
	return id, true, nil
}
