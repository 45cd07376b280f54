package wanthave

import (
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityFromToken reads the current user's id from the access token's
// user_id claim. The signature is not verified: the token was issued to this
// client and the backend verifies it on every request.
func IdentityFromToken(token string) (int64, error) {
	if token == "" {
		return 0, ErrNotAuthenticated
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, fmt.Errorf("parse access token: %w", err)
	}

	switch v := claims["user_id"].(type) {
	case float64:
		if v <= 0 || v != float64(int64(v)) {
			return 0, fmt.Errorf("access token user_id %v is not a valid id", v)
		}
		return int64(v), nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("access token user_id %q is not a valid id", v)
		}
		return id, nil
	case nil:
		return 0, fmt.Errorf("access token has no user_id claim")
	default:
		return 0, fmt.Errorf("access token user_id has unexpected type %T", v)
	}
}
