package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"request-network/internal/apperrors"
	"request-network/internal/models"
)

var profileNamePattern = regexp.MustCompile(`^[a-z0-9_-]{1,50}$`)

type ProfileTypeInput struct {
	Name                string `json:"name"`
	Description         string `json:"description"`
	DailyRequestLimit   *int   `json:"daily_request_limit"`
	MonthlyRequestLimit *int   `json:"monthly_request_limit"`
	IsActive            *bool  `json:"is_active"`
}

// normalizeProfileName case-folds name so that uniqueness does not depend
// on spelling.
func normalizeProfileName(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if !profileNamePattern.MatchString(n) {
		return "", apperrors.Validation("invalid_profile_name", "profile type name must match [a-z0-9_-] and be at most 50 characters")
	}
	return n, nil
}

func validateLimit(field string, v *int) error {
	if v != nil && *v < 0 {
		return apperrors.Validation("invalid_limit", fmt.Sprintf("%s must not be negative", field))
	}
	return nil
}

func (r *Registry) ListProfileTypes(ctx context.Context) ([]models.ProfileType, error) {
	var out []models.ProfileType
	if err := r.db.WithContext(ctx).Order("is_builtin DESC, name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list profile types: %w", err)
	}
	return out, nil
}

func (r *Registry) GetProfileType(ctx context.Context, name string) (*models.ProfileType, error) {
	return loadProfileType(r.db.WithContext(ctx), strings.ToLower(strings.TrimSpace(name)))
}

func loadProfileType(db *gorm.DB, name string) (*models.ProfileType, error) {
	var pt models.ProfileType
	err := db.First(&pt, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("profile type")
	}
	if err != nil {
		return nil, fmt.Errorf("load profile type: %w", err)
	}
	return &pt, nil
}

func (r *Registry) CreateProfileType(ctx context.Context, in ProfileTypeInput) (*models.ProfileType, error) {
	name, err := normalizeProfileName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := validateLimit("daily_request_limit", in.DailyRequestLimit); err != nil {
		return nil, err
	}
	if err := validateLimit("monthly_request_limit", in.MonthlyRequestLimit); err != nil {
		return nil, err
	}

	pt := &models.ProfileType{
		Name:                name,
		Description:         in.Description,
		DailyRequestLimit:   in.DailyRequestLimit,
		MonthlyRequestLimit: in.MonthlyRequestLimit,
		IsActive:            in.IsActive == nil || *in.IsActive,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.ProfileType{}).Where("name = ?", name).Count(&n).Error; err != nil {
			return fmt.Errorf("check profile type name: %w", err)
		}
		if n > 0 {
			return apperrors.Conflict("name_taken", fmt.Sprintf("profile type %q already exists", name))
		}
		return tx.Create(pt).Error
	})
	if err != nil {
		return nil, err
	}
	return pt, nil
}

// UpdateProfileType replaces the editable fields of a profile type. Renaming
// carries principals and grants over to the new name; built-in types keep
// their name.
func (r *Registry) UpdateProfileType(ctx context.Context, name string, in ProfileTypeInput) (*models.ProfileType, error) {
	if err := validateLimit("daily_request_limit", in.DailyRequestLimit); err != nil {
		return nil, err
	}
	if err := validateLimit("monthly_request_limit", in.MonthlyRequestLimit); err != nil {
		return nil, err
	}

	var out *models.ProfileType
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pt, err := loadProfileType(tx, strings.ToLower(strings.TrimSpace(name)))
		if err != nil {
			return err
		}

		newName := pt.Name
		if strings.TrimSpace(in.Name) != "" {
			if newName, err = normalizeProfileName(in.Name); err != nil {
				return err
			}
		}
		if newName != pt.Name {
			if pt.IsBuiltin {
				return apperrors.New(apperrors.KindUnprocessable, "builtin_immutable", apperrors.ErrBuiltinImmutable.Error())
			}
			if err := renameProfileType(tx, pt, newName); err != nil {
				return err
			}
		}

		updates := map[string]interface{}{
			"description":           in.Description,
			"daily_request_limit":   in.DailyRequestLimit,
			"monthly_request_limit": in.MonthlyRequestLimit,
		}
		if in.IsActive != nil {
			updates["is_active"] = *in.IsActive
		}
		if err := tx.Model(&models.ProfileType{}).Where("name = ?", newName).Updates(updates).Error; err != nil {
			return fmt.Errorf("update profile type: %w", err)
		}

		out, err = loadProfileType(tx, newName)
		return err
	})
	return out, err
}

func renameProfileType(tx *gorm.DB, pt *models.ProfileType, newName string) error {
	var n int64
	if err := tx.Model(&models.ProfileType{}).Where("name = ?", newName).Count(&n).Error; err != nil {
		return fmt.Errorf("check profile type name: %w", err)
	}
	if n > 0 {
		return apperrors.Conflict("name_taken", fmt.Sprintf("profile type %q already exists", newName))
	}

	renamed := *pt
	renamed.Name = newName
	if err := tx.Create(&renamed).Error; err != nil {
		return fmt.Errorf("create renamed profile type: %w", err)
	}
	if err := tx.Model(&models.Principal{}).Where("profile_type = ?", pt.Name).Update("profile_type", newName).Error; err != nil {
		return fmt.Errorf("move principals: %w", err)
	}
	if err := tx.Model(&models.ProfileTypeAccess{}).Where("profile_type = ?", pt.Name).Update("profile_type", newName).Error; err != nil {
		return fmt.Errorf("move grants: %w", err)
	}
	return tx.Delete(&models.ProfileType{}, "name = ?", pt.Name).Error
}

// DeleteProfileType removes an unused, non built-in profile type.
func (r *Registry) DeleteProfileType(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pt, err := loadProfileType(tx, strings.ToLower(strings.TrimSpace(name)))
		if err != nil {
			return err
		}
		if pt.IsBuiltin {
			return apperrors.New(apperrors.KindUnprocessable, "builtin_immutable", apperrors.ErrBuiltinImmutable.Error())
		}

		var principals, grants int64
		if err := tx.Model(&models.Principal{}).Where("profile_type = ?", pt.Name).Count(&principals).Error; err != nil {
			return fmt.Errorf("count principals: %w", err)
		}
		if err := tx.Model(&models.ProfileTypeAccess{}).Where("profile_type = ?", pt.Name).Count(&grants).Error; err != nil {
			return fmt.Errorf("count grants: %w", err)
		}
		if principals > 0 || grants > 0 {
			e := apperrors.Conflict("profile_type_in_use", fmt.Sprintf("profile type %q is still referenced", pt.Name))
			e.Details = map[string]interface{}{"principals": principals, "grants": grants}
			return e
		}
		return tx.Delete(pt).Error
	})
}

type ProfileAccessInput struct {
	ProfileType         string `json:"profile_type"`
	MaxRequestsPerDay   *int   `json:"max_requests_per_day"`
	MaxRequestsPerMonth *int   `json:"max_requests_per_month"`
	IsActive            *bool  `json:"is_active"`
	// InheritDefaults fills unset limits from the profile type's defaults.
	InheritDefaults bool `json:"inherit_defaults"`
}

type UserAccessInput struct {
	UserID             string `json:"user_id"`
	MaxRequestsPerHour *int   `json:"max_requests_per_hour"`
	IsActive           *bool  `json:"is_active"`
}

func (r *Registry) ListProfileAccess(ctx context.Context, requestTypeID string) ([]models.ProfileTypeAccess, error) {
	var out []models.ProfileTypeAccess
	err := r.db.WithContext(ctx).Where("request_type_id = ?", requestTypeID).Order("profile_type").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list profile access: %w", err)
	}
	return out, nil
}

// UpsertProfileAccess creates or replaces the single grant of a profile type
// on a request type.
func (r *Registry) UpsertProfileAccess(ctx context.Context, requestTypeID string, in ProfileAccessInput) (*models.ProfileTypeAccess, error) {
	if err := validateLimit("max_requests_per_day", in.MaxRequestsPerDay); err != nil {
		return nil, err
	}
	if err := validateLimit("max_requests_per_month", in.MaxRequestsPerMonth); err != nil {
		return nil, err
	}

	var out models.ProfileTypeAccess
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadRequestType(tx, requestTypeID); err != nil {
			return err
		}
		pt, err := loadProfileType(tx, strings.ToLower(strings.TrimSpace(in.ProfileType)))
		if err != nil {
			return err
		}

		daily, monthly := in.MaxRequestsPerDay, in.MaxRequestsPerMonth
		if in.InheritDefaults {
			if daily == nil {
				daily = pt.DailyRequestLimit
			}
			if monthly == nil {
				monthly = pt.MonthlyRequestLimit
			}
		}

		err = tx.Where("profile_type = ? AND request_type_id = ?", pt.Name, requestTypeID).First(&out).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load profile access: %w", err)
		}
		out.ProfileType = pt.Name
		out.RequestTypeID = requestTypeID
		out.MaxRequestsPerDay = daily
		out.MaxRequestsPerMonth = monthly
		out.IsActive = in.IsActive == nil || *in.IsActive
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Registry) DeleteProfileAccess(ctx context.Context, requestTypeID, profileType string) error {
	res := r.db.WithContext(ctx).
		Where("request_type_id = ? AND profile_type = ?", requestTypeID, strings.ToLower(profileType)).
		Delete(&models.ProfileTypeAccess{})
	if res.Error != nil {
		return fmt.Errorf("delete profile access: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("profile access")
	}
	return nil
}

func (r *Registry) ListUserAccess(ctx context.Context, requestTypeID string) ([]models.UserRequestAccess, error) {
	var out []models.UserRequestAccess
	err := r.db.WithContext(ctx).Where("request_type_id = ?", requestTypeID).Order("user_id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list user access: %w", err)
	}
	return out, nil
}

// UpsertUserAccess creates or replaces a principal's override on a request
// type. An inactive override revokes access regardless of profile grants.
func (r *Registry) UpsertUserAccess(ctx context.Context, requestTypeID string, in UserAccessInput) (*models.UserRequestAccess, error) {
	if err := validateLimit("max_requests_per_hour", in.MaxRequestsPerHour); err != nil {
		return nil, err
	}

	var out models.UserRequestAccess
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadRequestType(tx, requestTypeID); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&models.Principal{}).Where("id = ?", in.UserID).Count(&n).Error; err != nil {
			return fmt.Errorf("check principal: %w", err)
		}
		if n == 0 {
			return apperrors.NotFound("principal")
		}

		err := tx.Where("user_id = ? AND request_type_id = ?", in.UserID, requestTypeID).First(&out).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load user access: %w", err)
		}
		out.UserID = in.UserID
		out.RequestTypeID = requestTypeID
		out.MaxRequestsPerHour = in.MaxRequestsPerHour
		out.IsActive = in.IsActive == nil || *in.IsActive
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Registry) DeleteUserAccess(ctx context.Context, requestTypeID, userID string) error {
	res := r.db.WithContext(ctx).
		Where("request_type_id = ? AND user_id = ?", requestTypeID, userID).
		Delete(&models.UserRequestAccess{})
	if res.Error != nil {
		return fmt.Errorf("delete user access: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("user access")
	}
	return nil
}
