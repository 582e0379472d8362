package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend-salesrephub/internal/db"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRefreshInvalid     = errors.New("refresh token invalid")
)

var validate = validator.New()

var (
	hashPasswordFn    = bcrypt.GenerateFromPassword
	parseWithClaimsFn = jwt.ParseWithClaims
	signTokenFn       = (*Service).sign
)

type Service struct {
	secret []byte
	db     db.Querier
}

type Claims struct {
	OperatorID string `json:"operator_id"`
	jwt.RegisteredClaims
}

func NewService(secret string, db db.Querier) *Service {
	return &Service{
		secret: []byte(secret),
		db:     db,
	}
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (Operator, TokenResponse, error) {
	if err := validate.Struct(req); err != nil {
		return Operator{}, TokenResponse{}, err
	}
	hash, err := hashPasswordFn([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return Operator{}, TokenResponse{}, err
	}

	op := Operator{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: string(hash),
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO operators (id, email, name, password_hash)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at, updated_at
	`, op.ID, op.Email, op.Name, op.PasswordHash)
	if err := row.Scan(&op.CreatedAt, &op.UpdatedAt); err != nil {
		return Operator{}, TokenResponse{}, err
	}

	tokens, err := s.GenerateTokens(ctx, op.ID)
	if err != nil {
		return Operator{}, TokenResponse{}, err
	}
	return op, tokens, nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (Operator, TokenResponse, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, email, name, password_hash, created_at, updated_at
		FROM operators WHERE email = $1
	`, req.Email)

	var op Operator
	if err := row.Scan(&op.ID, &op.Email, &op.Name, &op.PasswordHash, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return Operator{}, TokenResponse{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		return Operator{}, TokenResponse{}, ErrInvalidCredentials
	}

	tokens, err := s.GenerateTokens(ctx, op.ID)
	if err != nil {
		return Operator{}, TokenResponse{}, err
	}
	return op, tokens, nil
}

func (s *Service) GenerateTokens(ctx context.Context, operatorID string) (TokenResponse, error) {
	access, err := signTokenFn(s, operatorID, accessTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	refresh, err := signTokenFn(s, operatorID, refreshTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	if err := s.saveRefreshToken(ctx, refresh, operatorID, refreshTokenTTL); err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTokenTTL.Seconds()),
	}, nil
}

func (s *Service) ValidateRefreshToken(ctx context.Context, token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", err
	}

	operatorID, expiresAt, err := s.lookupRefreshToken(ctx, token)
	if err != nil || operatorID != claims.OperatorID || time.Now().After(expiresAt) {
		return "", ErrRefreshInvalid
	}
	return claims.OperatorID, nil
}

func (s *Service) ValidateAccessToken(token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", err
	}
	return claims.OperatorID, nil
}

// RevokeRefreshToken marks token unusable. Revoking twice reports
// ErrRefreshInvalid.
func (s *Service) RevokeRefreshToken(ctx context.Context, token string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE token = $1 AND revoked_at IS NULL
	`, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRefreshInvalid
	}
	return nil
}

// RotateRefreshToken exchanges a valid refresh token for a new pair.
func (s *Service) RotateRefreshToken(ctx context.Context, token string) (TokenResponse, error) {
	operatorID, err := s.ValidateRefreshToken(ctx, token)
	if errors.Is(err, ErrRefreshInvalid) {
		return TokenResponse{}, err
	}
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%w: %v", ErrRefreshInvalid, err)
	}
	if err := s.RevokeRefreshToken(ctx, token); err != nil {
		return TokenResponse{}, err
	}
	return s.GenerateTokens(ctx, operatorID)
}

func (s *Service) GetOperator(ctx context.Context, id string) (Operator, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, email, name, password_hash, created_at, updated_at
		FROM operators WHERE id = $1
	`, id)
	var op Operator
	if err := row.Scan(&op.ID, &op.Email, &op.Name, &op.PasswordHash, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return Operator{}, err
	}
	return op, nil
}

func (s *Service) signToken(operatorID string, ttl time.Duration) (string, error) {
	return signTokenFn(s, operatorID, ttl)
}

func (s *Service) sign(operatorID string, ttl time.Duration) (string, error) {
	claims := Claims{
		OperatorID: operatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) parseToken(token string) (*Claims, error) {
	parsed, err := parseWithClaimsFn(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func (s *Service) saveRefreshToken(ctx context.Context, token, operatorID string, ttl time.Duration) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO refresh_tokens (id, operator_id, token, expires_at)
		VALUES ($1,$2,$3,$4)
	`, uuid.NewString(), operatorID, token, time.Now().Add(ttl))
	return err
}

func (s *Service) lookupRefreshToken(ctx context.Context, token string) (string, time.Time, error) {
	row := s.db.QueryRow(ctx, `
		SELECT operator_id, expires_at
		FROM refresh_tokens
		WHERE token = $1 AND revoked_at IS NULL
	`, token)
	var operatorID string
	var expiresAt time.Time
	if err := row.Scan(&operatorID, &expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return operatorID, expiresAt, nil
}
