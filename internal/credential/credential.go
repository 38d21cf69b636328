// Package credential issues and verifies the signed QR payloads presented at
// the door. A credential is an HS256 JWT split in two: the token (header and
// claims) and the detached signature.
package credential

import (
	"errors"
	"fmt"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"strings"
	"time"
)

type Kind string

const (
	KindTicket    Kind = "ticket"
	KindGuestPass Kind = "guest_pass"
)

var ErrInvalidCredential = errors.New("invalid credential")

type Claims struct {
	Kind Kind `json:"knd"`
	jwt.RegisteredClaims
}

type Subject struct {
	ID   string
	Kind Kind
}

type Signer struct {
	secret []byte
	issuer string
}

func NewSigner(secret, issuer string) *Signer {
	return &Signer{secret: []byte(secret), issuer: issuer}
}

func (s *Signer) Issue(subjectID string, kind Kind) (token, signature string, err error) {
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Subject:  subjectID,
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", err
	}
	i := strings.LastIndexByte(signed, '.')
	return signed[:i], signed[i+1:], nil
}

// Verify checks signature against token and returns the admitted subject.
func (s *Signer) Verify(token, signature string) (Subject, error) {
	if token == "" || signature == "" {
		return Subject{}, ErrInvalidCredential
	}
	var c Claims
	_, err := jwt.ParseWithClaims(token+"."+signature, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(s.issuer))
	if err != nil {
		return Subject{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if c.Subject == "" || (c.Kind != KindTicket && c.Kind != KindGuestPass) {
		return Subject{}, ErrInvalidCredential
	}
	return Subject{ID: c.Subject, Kind: c.Kind}, nil
}
