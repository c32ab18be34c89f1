package lifecycle

import (
	"time"

	"enrollment-service/internal/models"
)

// Coverage durations offered by the portal, in months.
var validDurations = map[int]bool{1: true, 3: true, 6: true, 12: true}

// Dates are the coverage milestones of a health plan.
type Dates struct {
	Start      time.Time
	End        time.Time
	Expiration time.Time
	Renewal    time.Time
	Activation time.Time
}

// PlanDates computes coverage dates for a plan starting at now.
func PlanDates(now time.Time, durationMonths int) Dates {
	if !validDurations[durationMonths] {
		durationMonths = 1
	}
	now = now.UTC()
	expiration := now.AddDate(1, 0, 0)
	return Dates{
		Start:      now,
		End:        now.AddDate(0, durationMonths, 0),
		Expiration: expiration,
		Renewal:    expiration.AddDate(0, -1, 0),
		Activation: now.AddDate(0, 0, 1),
	}
}

// Apply copies the dates onto hp.
func (d Dates) Apply(hp *models.HealthPlan) {
	start, end, exp, renew, act := d.Start, d.End, d.Expiration, d.Renewal, d.Activation
	hp.StartDate = &start
	hp.EndDate = &end
	hp.ExpirationDate = &exp
	hp.RenewalDate = &renew
	hp.ActivationDate = &act
}
