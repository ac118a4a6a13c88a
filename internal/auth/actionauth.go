package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ActionAuth implements jsruntime.AuthAdapter: the t.jwt and t.password
// surface an action sees. It is a distinct concern from JWTAuthenticator
// (jwt.go), which verifies inbound request tokens — this type lets an action
// itself mint and check tokens and hashed secrets.
type ActionAuth struct {
	signingKey []byte
	issuer     string
}

// NewActionAuth builds an ActionAuth from the same HMAC secret the inbound
// JWTAuthenticator validates against, so a token an action signs verifies
// against the gateway's own auth middleware.
func NewActionAuth(signingKey, issuer string) *ActionAuth {
	return &ActionAuth{signingKey: []byte(signingKey), issuer: issuer}
}

// SignJWT mints an HS256 token from the given claim map, stamping iat and,
// when absent, exp one hour out.
func (a *ActionAuth) SignJWT(claims map[string]interface{}) (string, error) {
	mapClaims := jwt.MapClaims{}
	for k, v := range claims {
		mapClaims[k] = v
	}
	now := time.Now()
	mapClaims["iat"] = now.Unix()
	if _, ok := mapClaims["exp"]; !ok {
		mapClaims["exp"] = now.Add(time.Hour).Unix()
	}
	if a.issuer != "" {
		mapClaims["iss"] = a.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims)
	return token.SignedString(a.signingKey)
}

// VerifyJWT parses and validates token, returning its claims as a plain
// map the action can inspect.
func (a *ActionAuth) VerifyJWT(token string) (map[string]interface{}, error) {
	opts := []jwt.ParserOption{}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.signingKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// HashPassword bcrypt-hashes plain at the library default cost.
func (a *ActionAuth) HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether plain matches hash, treating a mismatch
// as a plain false rather than an error.
func (a *ActionAuth) VerifyPassword(plain, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	if err == nil {
		return true, nil
	}
	if err == bcrypt.ErrMismatchedHashAndPassword {
		return false, nil
	}
	return false, err
}
