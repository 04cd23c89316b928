// Package tokens issues the single-use handoff tokens carried in pickup QR codes.
package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

const (
	nonceSize = 32
	keySize   = 32
)

// Issuer derives tokens from fresh randomness keyed with a server secret, so
// nothing public about an order (number, product, parties) predicts them.
type Issuer struct {
	key  []byte
	rand io.Reader
}

// NewIssuer uses secret as the hash key. An empty secret gets a random
// per-process key, which is fine because tokens are stored, not re-derived.
func NewIssuer(secret []byte) (*Issuer, error) {
	key := secret
	if len(key) == 0 {
		key = make([]byte, keySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("generate token key: %w", err)
		}
	}
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &Issuer{key: key, rand: rand.Reader}, nil
}

func (i *Issuer) Issue(orderID, sellerID, userID string, role domain.Role) (string, error) {
	if role != domain.RoleUser && role != domain.RoleSeller {
		return "", fmt.Errorf("%w: no token for role %q", domain.ErrValidation, role)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(i.rand, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	h, err := blake2b.New256(i.key)
	if err != nil {
		return "", fmt.Errorf("init hash: %w", err)
	}
	for _, part := range []string{orderID, sellerID, userID, string(role)} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(nonce)

	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}

type Pair struct {
	User   string
	Seller string
}

// IssuePair returns distinct user and seller tokens for one order.
func (i *Issuer) IssuePair(orderID, sellerID, userID string) (Pair, error) {
	user, err := i.Issue(orderID, sellerID, userID, domain.RoleUser)
	if err != nil {
		return Pair{}, err
	}
	for range 3 {
		seller, err := i.Issue(orderID, sellerID, userID, domain.RoleSeller)
		if err != nil {
			return Pair{}, err
		}
		if seller != user {
			return Pair{User: user, Seller: seller}, nil
		}
	}
	return Pair{}, fmt.Errorf("could not draw distinct tokens for order %s", orderID)
}
