package realtime

import (
	"context"

	"github.com/noah-isme/gradesync-api/internal/middleware"
	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

// DefaultRole is assigned when a valid token carries no role claim.
const DefaultRole = middleware.RoleViewer

// Authenticator turns a credential presented over the realtime channel into a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (protocol.User, error)
}

// JWTAuthenticator verifies HS256 tokens signed with the API secret.
type JWTAuthenticator struct {
	Secret string
}

func (a JWTAuthenticator) Authenticate(_ context.Context, token string) (protocol.User, error) {
	claims, err := middleware.ParseToken(a.Secret, token)
	if err != nil {
		return protocol.User{}, err
	}
	role := claims.Role
	if role == "" {
		role = DefaultRole
	}
	return protocol.User{ID: claims.UserID, Role: role}, nil
}
