package store

import (
	"errors"
	"time"

	"libraryhub/internal/usertoken"
	"libraryhub/pkg/domain"
)

var (
	ErrTokenRevoked = errors.New("token revoked")
)

// SessionStore issues and resolves bearer tokens.
type SessionStore interface {
	NewSession(user domain.User) (string, usertoken.Claims, error)
	Resolve(token string) (usertoken.Claims, error)
	DeleteSession(token string) error
	// Inspect decodes a token without checking its lifetime or revocation.
	Inspect(token string) (usertoken.Claims, error)
}

// JWTSessionStore issues stateless HS256 tokens and checks them against a revoker.
type JWTSessionStore struct {
	codec   *usertoken.Codec
	revoker TokenRevoker
}

// NewJWTSessionStore builds the session store. revoker may be nil.
func NewJWTSessionStore(codec *usertoken.Codec, revoker TokenRevoker) *JWTSessionStore {
	return &JWTSessionStore{codec: codec, revoker: revoker}
}

// NewSession signs a token for user.
func (s *JWTSessionStore) NewSession(user domain.User) (string, usertoken.Claims, error) {
	return s.codec.Issue(user)
}

// Resolve verifies the token and rejects revoked ones.
func (s *JWTSessionStore) Resolve(token string) (usertoken.Claims, error) {
	claims, err := s.codec.Verify(token)
	if err != nil {
		return usertoken.Claims{}, err
	}
	if s.revoker == nil {
		return claims, nil
	}
	revoked, err := s.revoker.IsRevoked(claims.TokenID)
	if err != nil {
		return usertoken.Claims{}, err
	}
	if revoked {
		return usertoken.Claims{}, ErrTokenRevoked
	}
	if userRevoker, ok := s.revoker.(UserTokenRevoker); ok {
		cutoff, err := userRevoker.RevokedAfter(claims.UserUID)
		if err != nil {
			return usertoken.Claims{}, err
		}
		if !cutoff.IsZero() && !claims.IssuedAt.After(cutoff) {
			return usertoken.Claims{}, ErrTokenRevoked
		}
	}
	return claims, nil
}

// DeleteSession revokes the token until it expires. Invalid tokens are ignored.
func (s *JWTSessionStore) DeleteSession(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.codec.Verify(token)
	if err != nil {
		return nil
	}
	return s.revoker.Revoke(claims.TokenID, time.Until(claims.ExpiresAt))
}

func (s *JWTSessionStore) Inspect(token string) (usertoken.Claims, error) {
	return s.codec.Inspect(token)
}

// RevokeUserSessions revokes every session of userUID issued at or before cutoff.
func (s *JWTSessionStore) RevokeUserSessions(userUID string, cutoff time.Time) error {
	userRevoker, ok := s.revoker.(UserTokenRevoker)
	if !ok {
		return nil
	}
	return userRevoker.RevokeUser(userUID, cutoff)
}
