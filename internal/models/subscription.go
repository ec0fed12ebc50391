package models

import (
	"math"
	"time"
)

type PlanKind string

const (
	PlanTrial   PlanKind = "trial"
	Plan30Days  PlanKind = "30days"
	Plan90Days  PlanKind = "90days"
	Plan365Days PlanKind = "365days"
)

// Plan is a catalog entry. Price is in whole roubles.
type Plan struct {
	Kind  PlanKind `json:"kind"`
	Title string   `json:"title"`
	Days  int      `json:"days"`
	Price int      `json:"price"`
}

var planCatalog = []Plan{
	{Kind: PlanTrial, Title: "Free trial", Days: 3, Price: 0},
	{Kind: Plan30Days, Title: "1 month", Days: 30, Price: 150},
	{Kind: Plan90Days, Title: "3 months", Days: 90, Price: 350},
	{Kind: Plan365Days, Title: "1 year", Days: 365, Price: 1100},
}

// Plans returns a copy of the plan catalog.
func Plans() []Plan {
	out := make([]Plan, len(planCatalog))
	copy(out, planCatalog)
	return out
}

// LookupPlan finds a plan by kind.
func LookupPlan(kind string) (Plan, bool) {
	for _, p := range planCatalog {
		if string(p.Kind) == kind {
			return p, true
		}
	}
	return Plan{}, false
}

func (k PlanKind) IsTrial() bool { return k == PlanTrial }

// Subscription is a time-bounded entitlement of one user.
type Subscription struct {
	ID          int64
	UserID      int64
	Kind        PlanKind
	StartDate   time.Time
	EndDate     time.Time
	IsActive    bool
	ServersUsed []int64
	CreatedAt   time.Time
}

// ActiveAt reports whether the subscription grants access at t.
func (s *Subscription) ActiveAt(t time.Time) bool {
	return s.IsActive && t.Before(s.EndDate)
}

// DaysRemaining is the number of started days left at t, never negative.
func (s *Subscription) DaysRemaining(t time.Time) int {
	left := s.EndDate.Sub(t)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}

// SubscriptionStatus is the read model returned by status queries.
type SubscriptionStatus struct {
	SubscriptionKind PlanKind   `json:"subscription_kind,omitempty"`
	DaysRemaining    int        `json:"days_remaining"`
	Active           bool       `json:"active"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	SubscriptionLink string     `json:"subscription_link,omitempty"`
}
