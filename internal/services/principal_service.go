package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"gorm.io/gorm"

	"request-network/internal/apperrors"
	"request-network/internal/models"
)

// PrincipalService manages the principal directory.
type PrincipalService struct {
	db   *gorm.DB
	auth *AuthService
}

func NewPrincipalService(db *gorm.DB, auth *AuthService) *PrincipalService {
	return &PrincipalService{db: db, auth: auth}
}

type CreatePrincipalInput struct {
	Username    string `json:"username" binding:"required"`
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	ProfileType string `json:"profile_type"`
	IsAdmin     bool   `json:"is_admin"`
}

type PrincipalFilter struct {
	ProfileType string
	Active      *bool
	Limit       int
	Offset      int
}

func (s *PrincipalService) Get(ctx context.Context, id string) (*models.Principal, error) {
	var p models.Principal
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("principal")
	}
	if err != nil {
		return nil, fmt.Errorf("load principal: %w", err)
	}
	return &p, nil
}

func (s *PrincipalService) List(ctx context.Context, f PrincipalFilter) ([]models.Principal, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Principal{})
	if f.ProfileType != "" {
		q = q.Where("profile_type = ?", f.ProfileType)
	}
	if f.Active != nil {
		q = q.Where("is_active = ?", *f.Active)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count principals: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.Principal
	if err := q.Order("created_at").Limit(limit).Offset(f.Offset).Find(&out).Error; err != nil {
		return nil, 0, fmt.Errorf("list principals: %w", err)
	}
	return out, total, nil
}

func (s *PrincipalService) Create(ctx context.Context, in CreatePrincipalInput) (*models.Principal, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return nil, apperrors.Validation("invalid_username", "username is required")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, apperrors.Validation("invalid_email", "email address is malformed")
	}
	if len(in.Password) < 8 {
		return nil, apperrors.Validation("weak_password", "password must be at least 8 characters")
	}
	if in.ProfileType == "" {
		in.ProfileType = "user"
	}

	var pt models.ProfileType
	err := s.db.WithContext(ctx).First(&pt, "name = ?", in.ProfileType).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Validation("unknown_profile_type", fmt.Sprintf("profile type %q does not exist", in.ProfileType))
	} else if err != nil {
		return nil, fmt.Errorf("load profile type: %w", err)
	}

	var taken int64
	if err := s.db.WithContext(ctx).Model(&models.Principal{}).
		Where("username = ? OR email = ?", in.Username, in.Email).
		Count(&taken).Error; err != nil {
		return nil, fmt.Errorf("check principal uniqueness: %w", err)
	}
	if taken > 0 {
		return nil, apperrors.Conflict("principal_exists", "username or email already registered")
	}

	hash, err := s.auth.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	p := &models.Principal{
		Username:       in.Username,
		Email:          in.Email,
		HashedPassword: hash,
		ProfileType:    pt.Name,
		IsActive:       true,
		IsAdmin:        in.IsAdmin,
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, fmt.Errorf("create principal: %w", err)
	}
	return p, nil
}

// EnsureAdmin creates in as an administrator unless an active admin already
// exists. It reports whether a principal was created.
func (s *PrincipalService) EnsureAdmin(ctx context.Context, in CreatePrincipalInput) (bool, error) {
	var admins int64
	if err := s.db.WithContext(ctx).Model(&models.Principal{}).
		Where("is_admin = ? AND is_active = ?", true, true).
		Count(&admins).Error; err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	if admins > 0 {
		return false, nil
	}
	in.IsAdmin = true
	if in.ProfileType == "" {
		in.ProfileType = "admin"
	}
	if _, err := s.Create(ctx, in); err != nil {
		return false, err
	}
	return true, nil
}

// SetActive suspends or reactivates a principal.
func (s *PrincipalService) SetActive(ctx context.Context, id string, active bool) (*models.Principal, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(p).Update("is_active", active).Error; err != nil {
		return nil, fmt.Errorf("update principal: %w", err)
	}
	p.IsActive = active
	return p, nil
}
