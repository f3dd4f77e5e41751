package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"request-network/internal/apperrors"
	"request-network/internal/models"
	"request-network/internal/querytemplate"
	"request-network/internal/testhelpers"
)

func flightParams() []ParameterInput {
	return []ParameterInput{
		{Name: "origin", Type: models.ParamString, Required: true, Validation: json.RawMessage(`{"pattern":"^[A-Z]{3}$"}`)},
		{Name: "destination", Type: models.ParamString, Required: true},
		{Name: "max_price", Type: models.ParamNumber},
	}
}

func TestCreateRequestTypeValidatesSchema(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.CreateRequestType(ctx, RequestTypeInput{
		Name:       "flights",
		Parameters: []ParameterInput{{Name: "a", Type: "string"}, {Name: "a", Type: "number"}},
	})
	assert.Equal(t, "duplicate_parameter", apperrors.Code(err))

	_, err = f.registry.CreateRequestType(ctx, RequestTypeInput{
		Name:       "flights",
		Parameters: []ParameterInput{{Name: "a", Type: "uuid"}},
	})
	assert.Equal(t, "invalid_parameter_type", apperrors.Code(err))

	_, err = f.registry.CreateRequestType(ctx, RequestTypeInput{
		Name:          "flights",
		Parameters:    flightParams(),
		QueryTemplate: json.RawMessage(`{"match":{"to":"{{dest}}"}}`),
	})
	assert.Equal(t, "undeclared_placeholder", apperrors.Code(err))

	var n int64
	require.NoError(t, f.db.Model(&models.RequestType{}).Count(&n).Error)
	assert.Zero(t, n)

	rt, err := f.registry.CreateRequestType(ctx, RequestTypeInput{Name: "flights", Parameters: flightParams()})
	require.NoError(t, err)
	assert.True(t, rt.IsActive)
	assert.Equal(t, 1, rt.Version)
	assert.Equal(t, 100, rt.MaxItemsPerRequest)

	_, err = f.registry.CreateRequestType(ctx, RequestTypeInput{Name: "flights"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))
}

func TestConfigureQueryRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rt, err := f.registry.CreateRequestType(ctx, RequestTypeInput{Name: "flights", Parameters: flightParams()})
	require.NoError(t, err)

	template := json.RawMessage(`{"query":{"bool":{"must":[
		{"term":{"origin":"{{origin}}"}},
		{"term":{"destination":"{{ destination }}"}},
		{"range":{"price":{"lte":"{{max_price}}"}}}]}}}`)
	_, err = f.registry.ConfigureQuery(ctx, rt.ID, template)
	require.NoError(t, err)

	stored, err := f.registry.GetRequestType(ctx, rt.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)

	placeholders, err := querytemplate.Placeholders(stored.QueryTemplate)
	require.NoError(t, err)
	declared := make([]string, len(stored.Parameters))
	for i, p := range stored.Parameters {
		declared[i] = p.Name
	}
	assert.ElementsMatch(t, declared, placeholders)
	assert.Equal(t, []string{"origin", "destination", "max_price"}, declared)
}

func TestConfigureQueryRejectsUndeclared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt, err := f.registry.CreateRequestType(ctx, RequestTypeInput{
		Name:          "flights",
		Parameters:    flightParams(),
		QueryTemplate: json.RawMessage(`{"term":{"origin":"{{origin}}"}}`),
	})
	require.NoError(t, err)

	_, err = f.registry.ConfigureQuery(ctx, rt.ID, json.RawMessage(`{"term":{"cabin":"{{cabin}}"}}`))
	require.Error(t, err)
	assert.Equal(t, 400, apperrors.HTTPStatus(err))

	stored, err := f.registry.GetRequestType(ctx, rt.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"term":{"origin":"{{origin}}"}}`, string(stored.QueryTemplate))
	assert.Equal(t, 1, stored.Version)
}

func TestConfigureParametersKeepsTemplateResolvable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt, err := f.registry.CreateRequestType(ctx, RequestTypeInput{
		Name:          "flights",
		Parameters:    flightParams(),
		QueryTemplate: json.RawMessage(`{"term":{"origin":"{{origin}}"}}`),
	})
	require.NoError(t, err)

	_, err = f.registry.ConfigureParameters(ctx, rt.ID, []ParameterInput{{Name: "destination", Type: "string"}})
	assert.Equal(t, "undeclared_placeholder", apperrors.Code(err))

	updated, err := f.registry.ConfigureParameters(ctx, rt.ID, []ParameterInput{
		{Name: "cabin", Type: "string"},
		{Name: "origin", Type: "string", Required: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	stored, err := f.registry.GetRequestType(ctx, rt.ID)
	require.NoError(t, err)
	require.Len(t, stored.Parameters, 2)
	assert.Equal(t, "cabin", stored.Parameters[0].Name)
	assert.Equal(t, "origin", stored.Parameters[1].Name)
}

func TestDeleteRequestTypeSoftDeactivatesWhenReferenced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unused := testhelpers.CreateRequestType(t, f.db, "unused", searchTemplate, searchParams()...)
	used := testhelpers.CreateRequestType(t, f.db, "used", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.failedRequest(t, u.ID, used.ID, time.Now())

	deactivated, err := f.registry.DeleteRequestType(ctx, unused.ID)
	require.NoError(t, err)
	assert.False(t, deactivated)
	_, err = f.registry.GetRequestType(ctx, unused.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	deactivated, err = f.registry.DeleteRequestType(ctx, used.ID)
	require.NoError(t, err)
	assert.True(t, deactivated)
	stored, err := f.registry.GetRequestType(ctx, used.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestListRequestTypesFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.registry.CreateRequestType(ctx, RequestTypeInput{Name: "a", IsPublic: true})
	require.NoError(t, err)
	b, err := f.registry.CreateRequestType(ctx, RequestTypeInput{Name: "b"})
	require.NoError(t, err)
	_, err = f.registry.SetActive(ctx, b.ID, false)
	require.NoError(t, err)

	all, err := f.registry.ListRequestTypes(ctx, RequestTypeFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := f.registry.ListRequestTypes(ctx, RequestTypeFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].Name)

	public, err := f.registry.ListRequestTypes(ctx, RequestTypeFilter{PublicOnly: true})
	require.NoError(t, err)
	assert.Len(t, public, 1)
}

func TestBuiltinProfileTypesAreProtected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.UpdateProfileType(ctx, "basic", ProfileTypeInput{Name: "starter"})
	require.Error(t, err)
	assert.Equal(t, 422, apperrors.HTTPStatus(err))
	assert.Equal(t, "builtin_immutable", apperrors.Code(err))

	err = f.registry.DeleteProfileType(ctx, "premium")
	assert.Equal(t, 422, apperrors.HTTPStatus(err))

	// Editing limits is allowed.
	pt, err := f.registry.UpdateProfileType(ctx, "basic", ProfileTypeInput{DailyRequestLimit: testhelpers.IntPtr(5)})
	require.NoError(t, err)
	assert.Equal(t, "basic", pt.Name)
	require.NotNil(t, pt.DailyRequestLimit)
	assert.Equal(t, 5, *pt.DailyRequestLimit)
}

func TestProfileTypeLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pt, err := f.registry.CreateProfileType(ctx, ProfileTypeInput{Name: " Partner ", DailyRequestLimit: testhelpers.IntPtr(50)})
	require.NoError(t, err)
	assert.Equal(t, "partner", pt.Name)
	assert.True(t, pt.IsActive)

	_, err = f.registry.CreateProfileType(ctx, ProfileTypeInput{Name: "PARTNER"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))

	_, err = f.registry.CreateProfileType(ctx, ProfileTypeInput{Name: "bad name!"})
	assert.Equal(t, "invalid_profile_name", apperrors.Code(err))

	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "partner")
	_, err = f.registry.UpsertProfileAccess(ctx, rt.ID, ProfileAccessInput{ProfileType: "partner", InheritDefaults: true})
	require.NoError(t, err)

	err = f.registry.DeleteProfileType(ctx, "partner")
	assert.Equal(t, "profile_type_in_use", apperrors.Code(err))

	renamed, err := f.registry.UpdateProfileType(ctx, "partner", ProfileTypeInput{Name: "reseller", DailyRequestLimit: testhelpers.IntPtr(50)})
	require.NoError(t, err)
	assert.Equal(t, "reseller", renamed.Name)

	var moved models.Principal
	require.NoError(t, f.db.First(&moved, "id = ?", u.ID).Error)
	assert.Equal(t, "reseller", moved.ProfileType)

	grants, err := f.registry.ListProfileAccess(ctx, rt.ID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "reseller", grants[0].ProfileType)
	require.NotNil(t, grants[0].MaxRequestsPerDay)
	assert.Equal(t, 50, *grants[0].MaxRequestsPerDay)
}

func TestUpsertProfileAccessKeepsOneRowPerPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)

	_, err := f.registry.UpsertProfileAccess(ctx, rt.ID, ProfileAccessInput{ProfileType: "basic", MaxRequestsPerDay: testhelpers.IntPtr(2)})
	require.NoError(t, err)
	inactive := false
	g, err := f.registry.UpsertProfileAccess(ctx, rt.ID, ProfileAccessInput{ProfileType: "basic", MaxRequestsPerMonth: testhelpers.IntPtr(30), IsActive: &inactive})
	require.NoError(t, err)
	assert.False(t, g.IsActive)
	assert.Nil(t, g.MaxRequestsPerDay)

	grants, err := f.registry.ListProfileAccess(ctx, rt.ID)
	require.NoError(t, err)
	assert.Len(t, grants, 1)

	_, err = f.registry.UpsertProfileAccess(ctx, rt.ID, ProfileAccessInput{ProfileType: "nope"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	_, err = f.registry.UpsertProfileAccess(ctx, rt.ID, ProfileAccessInput{ProfileType: "basic", MaxRequestsPerDay: testhelpers.IntPtr(-1)})
	assert.Equal(t, "invalid_limit", apperrors.Code(err))

	require.NoError(t, f.registry.DeleteProfileAccess(ctx, rt.ID, "basic"))
	assert.True(t, apperrors.IsKind(f.registry.DeleteProfileAccess(ctx, rt.ID, "basic"), apperrors.KindNotFound))
}

func TestUpsertUserAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")

	_, err := f.registry.UpsertUserAccess(ctx, rt.ID, UserAccessInput{UserID: "ghost"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	row, err := f.registry.UpsertUserAccess(ctx, rt.ID, UserAccessInput{UserID: u.ID, MaxRequestsPerHour: testhelpers.IntPtr(4)})
	require.NoError(t, err)
	assert.True(t, row.IsActive)

	_, err = f.registry.UpsertUserAccess(ctx, rt.ID, UserAccessInput{UserID: u.ID, MaxRequestsPerHour: testhelpers.IntPtr(8)})
	require.NoError(t, err)

	rows, err := f.registry.ListUserAccess(ctx, rt.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 8, *rows[0].MaxRequestsPerHour)

	require.NoError(t, f.registry.DeleteUserAccess(ctx, rt.ID, u.ID))
}
