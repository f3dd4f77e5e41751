// Package quota tracks per-principal, per-request-type consumption counters
// and enforces hourly, daily and monthly limits.
//
// Periods use fixed UTC calendar boundaries: a clock hour, a calendar day
// and a calendar month. Counters reset lazily because the period is part of
// the counter key; nothing runs in the background to zero them.
package quota

import (
	"context"
	"fmt"
	"time"
)

type Scope string

const (
	ScopeHour  Scope = "hour"
	ScopeDay   Scope = "day"
	ScopeMonth Scope = "month"
)

// Scopes in the order they are checked.
var Scopes = []Scope{ScopeHour, ScopeDay, ScopeMonth}

// Limits holds the resolved limit per scope. A nil limit is unlimited.
type Limits struct {
	PerHour  *int `json:"per_hour"`
	PerDay   *int `json:"per_day"`
	PerMonth *int `json:"per_month"`
}

func (l Limits) For(s Scope) *int {
	switch s {
	case ScopeHour:
		return l.PerHour
	case ScopeDay:
		return l.PerDay
	case ScopeMonth:
		return l.PerMonth
	}
	return nil
}

// Reservation is the outcome of Reserve. When Reserved is false, Scope,
// Limit and Current describe the first exhausted scope and no counter was
// changed.
type Reservation struct {
	Reserved bool
	Scope    Scope
	Limit    int64
	Current  int64
}

// Ledger reserves one unit of quota for every configured scope at once.
// Reserve must be linearizable per (principal, request type). Units are
// never refunded.
type Ledger interface {
	Reserve(ctx context.Context, principalID, requestTypeID string, limits Limits) (Reservation, error)
	Usage(ctx context.Context, principalID, requestTypeID string) (map[Scope]int64, error)
}

// PeriodKey returns the period identifier of t for scope s.
func PeriodKey(s Scope, t time.Time) string {
	t = t.UTC()
	switch s {
	case ScopeHour:
		return t.Format("2006010215")
	case ScopeDay:
		return t.Format("20060102")
	default:
		return t.Format("200601")
	}
}

// PeriodEnd returns the instant the period containing t ends.
func PeriodEnd(s Scope, t time.Time) time.Time {
	t = t.UTC()
	switch s {
	case ScopeHour:
		return t.Truncate(time.Hour).Add(time.Hour)
	case ScopeDay:
		return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	}
}

type check struct {
	scope  Scope
	limit  int64
	period string
	ttl    time.Duration
}

func checksFor(limits Limits, now time.Time) []check {
	var out []check
	for _, s := range Scopes {
		l := limits.For(s)
		if l == nil {
			continue
		}
		out = append(out, check{
			scope:  s,
			limit:  int64(*l),
			period: PeriodKey(s, now),
			ttl:    PeriodEnd(s, now).Sub(now) + time.Minute,
		})
	}
	return out
}

func counterKey(principalID, requestTypeID string, s Scope, period string) string {
	// The hash tag keeps all scopes of one pair on the same cluster slot.
	return fmt.Sprintf("quota:{%s:%s}:%s:%s", principalID, requestTypeID, s, period)
}
