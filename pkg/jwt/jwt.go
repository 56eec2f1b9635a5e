package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token has expired")
	ErrWrongTokenType = errors.New("token is not an access token")
	ErrSigningKey     = errors.New("manager has no private key")
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims represents JWT claims issued to incident chat users.
type Claims struct {
	jwt.RegisteredClaims
	UserID    uint   `json:"user_id"`
	Username  string `json:"username"`
	TenantID  *uint  `json:"tenant_id,omitempty"`
	Staff     bool   `json:"is_staff,omitempty"`
	Superuser bool   `json:"is_superuser,omitempty"`
	Type      string `json:"type"` // "access" or "refresh"
}

// Identity is the subject a token is minted for.
type Identity struct {
	UserID    uint
	Username  string
	TenantID  *uint
	Staff     bool
	Superuser bool
}

// Manager signs and validates RS256 tokens. A manager built from a public
// key only can validate but not sign.
type Manager struct {
	privateKey      *rsa.PrivateKey
	publicKey       *rsa.PublicKey
	accessDuration  time.Duration
	refreshDuration time.Duration
	issuer          string
	now             func() time.Time
}

// NewManager creates a manager with a freshly generated RSA key pair.
func NewManager(accessDuration, refreshDuration time.Duration, issuer string) (*Manager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return newManager(privateKey, &privateKey.PublicKey, accessDuration, refreshDuration, issuer), nil
}

// NewManagerFromPEM builds a manager from PEM encoded keys. privatePEM may be
// empty for verify-only managers; publicPEM may be empty when privatePEM is set.
func NewManagerFromPEM(privatePEM, publicPEM []byte, accessDuration, refreshDuration time.Duration, issuer string) (*Manager, error) {
	var (
		priv *rsa.PrivateKey
		pub  *rsa.PublicKey
		err  error
	)

	if len(privatePEM) > 0 {
		priv, err = jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		pub = &priv.PublicKey
	}
	if len(publicPEM) > 0 {
		pub, err = jwt.ParseRSAPublicKeyFromPEM(publicPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
	}
	if pub == nil {
		return nil, errors.New("jwt: no key material provided")
	}

	return newManager(priv, pub, accessDuration, refreshDuration, issuer), nil
}

func newManager(priv *rsa.PrivateKey, pub *rsa.PublicKey, access, refresh time.Duration, issuer string) *Manager {
	return &Manager{
		privateKey:      priv,
		publicKey:       pub,
		accessDuration:  access,
		refreshDuration: refresh,
		issuer:          issuer,
		now:             time.Now,
	}
}

// GenerateTokenPair creates access and refresh tokens for id.
func (m *Manager) GenerateTokenPair(id Identity) (accessToken, refreshToken string, err error) {
	accessToken, err = m.sign(id, TypeAccess, m.accessDuration)
	if err != nil {
		return "", "", err
	}
	refreshToken, err = m.sign(Identity{UserID: id.UserID}, TypeRefresh, m.refreshDuration)
	if err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}

// GenerateAccessToken creates a single access token valid for ttl.
func (m *Manager) GenerateAccessToken(id Identity, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = m.accessDuration
	}
	return m.sign(id, TypeAccess, ttl)
}

// ValidateToken validates any token signed by this manager and returns its claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, ErrInvalidToken
		}
		return m.publicKey, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if m.issuer != "" && claims.Issuer != m.issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateAccessToken validates a token and requires it to be an access token.
func (m *Manager) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeAccess {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// PrivateKeyPEM returns the PKCS#1 encoded private key.
func (m *Manager) PrivateKeyPEM() ([]byte, error) {
	if m.privateKey == nil {
		return nil, ErrSigningKey
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(m.privateKey),
	}), nil
}

// PublicKeyPEM returns the PKIX encoded public key.
func (m *Manager) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(m.publicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func (m *Manager) sign(id Identity, typ string, ttl time.Duration) (string, error) {
	if m.privateKey == nil {
		return "", ErrSigningKey
	}

	now := m.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatUint(uint64(id.UserID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:    id.UserID,
		Username:  id.Username,
		TenantID:  id.TenantID,
		Staff:     id.Staff,
		Superuser: id.Superuser,
		Type:      typ,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(m.privateKey)
}
