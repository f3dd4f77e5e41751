package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"request-network/internal/apperrors"
	"request-network/internal/models"
	"request-network/internal/quota"
)

// Deny reasons.
const (
	DenyTypeInactive    = "type_inactive"
	DenyRevoked         = "revoked"
	DenyNoGrant         = "no_grant"
	DenyProfileInactive = "profile_inactive"
)

// Decision is the outcome of Authorize. A denial is a normal value, not an
// error.
type Decision struct {
	Allowed bool         `json:"allowed"`
	Reason  string       `json:"reason,omitempty"`
	Source  string       `json:"source,omitempty"`
	Limits  quota.Limits `json:"limits"`
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// AccessPolicy decides whether a principal may invoke a request type and
// under which limits.
type AccessPolicy struct {
	db *gorm.DB
}

func NewAccessPolicy(db *gorm.DB) *AccessPolicy {
	return &AccessPolicy{db: db}
}

// Authorize resolves, first match wins: an inactive request type, the
// principal's override row, the profile type's grant. The hourly limit comes
// from the override row and the daily and monthly limits from the profile
// grant, so an override does not lift profile-level caps.
func (p *AccessPolicy) Authorize(ctx context.Context, principal *models.Principal, requestTypeID string) (Decision, error) {
	db := p.db.WithContext(ctx)

	var rt models.RequestType
	err := db.Select("id", "is_active").First(&rt, "id = ?", requestTypeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Decision{}, apperrors.NotFound("request type")
	} else if err != nil {
		return Decision{}, fmt.Errorf("load request type: %w", err)
	}
	if !rt.IsActive {
		return deny(DenyTypeInactive), nil
	}

	grant, err := p.profileGrant(db, principal.ProfileType, requestTypeID)
	if err != nil {
		return Decision{}, err
	}

	var override models.UserRequestAccess
	err = db.Where("user_id = ? AND request_type_id = ?", principal.ID, requestTypeID).First(&override).Error
	switch {
	case err == nil:
		if !override.IsActive {
			return deny(DenyRevoked), nil
		}
		d := Decision{Allowed: true, Source: "user", Limits: quota.Limits{PerHour: override.MaxRequestsPerHour}}
		if grant != nil && grant.IsActive {
			d.Limits.PerDay = grant.MaxRequestsPerDay
			d.Limits.PerMonth = grant.MaxRequestsPerMonth
		}
		return d, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return Decision{}, fmt.Errorf("load user access: %w", err)
	}

	if grant == nil || !grant.IsActive {
		return deny(DenyNoGrant), nil
	}

	var pt models.ProfileType
	err = db.Select("name", "is_active").First(&pt, "name = ?", principal.ProfileType).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !pt.IsActive) {
		return deny(DenyProfileInactive), nil
	} else if err != nil {
		return Decision{}, fmt.Errorf("load profile type: %w", err)
	}

	return Decision{
		Allowed: true,
		Source:  "profile",
		Limits: quota.Limits{
			PerDay:   grant.MaxRequestsPerDay,
			PerMonth: grant.MaxRequestsPerMonth,
		},
	}, nil
}

func (p *AccessPolicy) profileGrant(db *gorm.DB, profileType, requestTypeID string) (*models.ProfileTypeAccess, error) {
	var grant models.ProfileTypeAccess
	err := db.Where("profile_type = ? AND request_type_id = ?", profileType, requestTypeID).First(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile access: %w", err)
	}
	return &grant, nil
}
