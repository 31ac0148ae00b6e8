package limiter

import (
	"fmt"
	"time"

	"gatekeeper/internal/models"
)

// Escalate maps violation counts to the resulting ban state. It is a pure
// function so the state machine can be tested without storage.
//
// Thresholds are evaluated from highest severity to lowest; the first match
// wins. Counts are inclusive of the violation just recorded. When current
// is an active ban with a later expiry than the computed one, current wins:
// bans never shorten.
//
// Returns nil when no threshold is met and no active ban exists.
func Escalate(cfg models.EscalationConfig, current *models.Ban, v1h, v24h int, now time.Time) *models.Ban {
	var candidate *models.Ban

	switch {
	case v24h >= cfg.DailyThreshold:
		candidate = &models.Ban{
			Until:          now.Add(cfg.DailyBan),
			Level:          models.BanLevelDaily,
			Reason:         fmt.Sprintf("%d+ violations in 24 hours (total: %d)", cfg.DailyThreshold, v24h),
			ViolationCount: v24h,
		}
	case v1h >= cfg.SevereThreshold:
		candidate = &models.Ban{
			Until:          now.Add(cfg.SevereBan),
			Level:          models.BanLevelSevere,
			Reason:         fmt.Sprintf("%d+ violations in 1 hour (total: %d)", cfg.SevereThreshold, v1h),
			ViolationCount: v1h,
		}
	case v1h >= cfg.HourlyThreshold:
		candidate = &models.Ban{
			Until:          now.Add(cfg.HourlyBan),
			Level:          models.BanLevelHourly,
			Reason:         fmt.Sprintf("%d+ violations in 1 hour (total: %d)", cfg.HourlyThreshold, v1h),
			ViolationCount: v1h,
		}
	}

	if candidate == nil {
		if current.Active(now) {
			return current
		}
		return nil
	}
	if current.Active(now) && !candidate.Until.After(current.Until) {
		return current
	}
	return candidate
}
