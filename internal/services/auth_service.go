package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"request-network/internal/apperrors"
	"request-network/internal/models"
)

const tokenIssuer = "request-network"

type AuthService struct {
	db     *gorm.DB
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthService(db *gorm.DB, secret string, ttl time.Duration) *AuthService {
	return &AuthService{db: db, secret: []byte(secret), ttl: ttl, now: time.Now}
}

type Claims struct {
	UserID      string `json:"user_id"`
	ProfileType string `json:"profile_type"`
	IsAdmin     bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Login checks the password of an active principal and issues a token.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, *models.Principal, error) {
	var p models.Principal
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, invalidCredentials()
	} else if err != nil {
		return "", nil, fmt.Errorf("load principal: %w", err)
	}
	if !s.CheckPassword(password, p.HashedPassword) {
		return "", nil, invalidCredentials()
	}
	if !p.IsActive {
		return "", nil, apperrors.New(apperrors.KindUnauthorized, "account_suspended", "account is suspended")
	}

	token, err := s.GenerateToken(&p)
	if err != nil {
		return "", nil, err
	}
	return token, &p, nil
}

func invalidCredentials() error {
	return &apperrors.Error{
		Kind:    apperrors.KindUnauthorized,
		Code:    "invalid_credentials",
		Message: "invalid username or password",
		Err:     apperrors.ErrUnauthorized,
	}
}

func (s *AuthService) GenerateToken(p *models.Principal) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID:      p.ID,
		ProfileType: p.ProfileType,
		IsAdmin:     p.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   p.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", apperrors.ErrUnauthorized)
	}

	var revoked int64
	if err := s.db.Model(&models.RevokedToken{}).Where("token_id = ?", claims.ID).Count(&revoked).Error; err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked > 0 {
		return nil, fmt.Errorf("%w: token has been revoked", apperrors.ErrUnauthorized)
	}

	return claims, nil
}

// RevokeToken blacklists the token until it would have expired anyway.
func (s *AuthService) RevokeToken(tokenString string) error {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return err
	}

	revoked := models.RevokedToken{
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	return s.db.Create(&revoked).Error
}

// PurgeRevokedTokens removes blacklist rows for tokens that have expired.
func (s *AuthService) PurgeRevokedTokens(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", s.now()).Delete(&models.RevokedToken{})
	return res.RowsAffected, res.Error
}

func (s *AuthService) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func (s *AuthService) CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// EncryptSecret seals data with a key derived from the signing secret. It
// protects credentials stored in the database, such as the FTP password.
func (s *AuthService) EncryptSecret(data string) (string, error) {
	gcm, err := s.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(data), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

func (s *AuthService) DecryptSecret(encrypted string) (string, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encrypted)
	if err != nil {
		return "", err
	}

	gcm, err := s.aead()
	if err != nil {
		return "", err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (s *AuthService) aead() (cipher.AEAD, error) {
	key := sha256.Sum256(s.secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
