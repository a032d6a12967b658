package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"

	"github.com/joseph-ayodele/faxrelay/constants"
	"github.com/joseph-ayodele/faxrelay/internal/common"
	"github.com/joseph-ayodele/faxrelay/internal/entity"
)

// Claims identify the calling actor. The subject is the actor id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Authenticator issues and verifies HS256 actor tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes: %w", common.ErrInvalidInput)
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer}, nil
}

// Issue signs a token for actor valid for ttl.
func (a *Authenticator) Issue(actor entity.Actor, ttl time.Duration) (string, error) {
	if _, ok := constants.ParseRole(string(actor.Role)); !ok || actor.ID == "" {
		return "", fmt.Errorf("actor %q with role %q: %w", actor.ID, actor.Role, common.ErrInvalidInput)
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(actor.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses a bearer token into an actor.
func (a *Authenticator) Verify(token string) (entity.Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return entity.Actor{}, fmt.Errorf("invalid token: %w", errors.Join(common.ErrUnauthenticated, err))
	}
	role, ok := constants.ParseRole(claims.Role)
	if !ok || claims.Subject == "" {
		return entity.Actor{}, fmt.Errorf("token names no known role: %w", common.ErrUnauthenticated)
	}
	return entity.Actor{ID: claims.Subject, Role: role}, nil
}

// authenticate resolves the actor from the authorization metadata.
func (a *Authenticator) authenticate(ctx context.Context) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 {
		return ctx, fmt.Errorf("missing authorization: %w", common.ErrUnauthenticated)
	}
	scheme, token, ok := strings.Cut(values[0], " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ctx, fmt.Errorf("invalid authorization format: %w", common.ErrUnauthenticated)
	}
	actor, err := a.Verify(strings.TrimSpace(token))
	if err != nil {
		return ctx, err
	}
	return common.WithActor(ctx, actor), nil
}
