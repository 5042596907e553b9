package businessday

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"lealta/venue-service/internal/models"
)

// lateNightEnd marks end times that belong to the next calendar morning.
const lateNightEnd = 6 * 60

// DailyItem is content published for one weekday of the commercial week.
// Times are local "HH:MM" strings; empty means unbounded.
type DailyItem struct {
	Weekday     string `json:"dia"`
	StartTime   string `json:"hora_inicio,omitempty"`
	EndTime     string `json:"hora_termino,omitempty"`
	PublishTime string `json:"hora_publicacion,omitempty"`
	Active      *bool  `json:"activo,omitempty"`
}

// IsVisible reports whether item should be shown at instant at, given the
// commercial day that contains at.
func IsVisible(item DailyItem, day models.CommercialDay, at time.Time) (bool, error) {
	if item.Active != nil && !*item.Active {
		return false, nil
	}
	if !strings.EqualFold(item.Weekday, day.Weekday) {
		return false, nil
	}

	loc, err := time.LoadLocation(day.Timezone)
	if err != nil {
		return false, fmt.Errorf("timezone %q: %w", day.Timezone, err)
	}
	local := at.In(loc)
	current := local.Hour()*60 + local.Minute()
	cutover := day.CutoverHour*60 + day.CutoverMinute

	// after midnight but before cutover the item of the previous date is
	// still running, only its end time matters
	if current >= cutover {
		start := cutover
		switch {
		case item.StartTime != "":
			if start, err = clockMinutes(item.StartTime); err != nil {
				return false, err
			}
		case item.PublishTime != "":
			if start, err = clockMinutes(item.PublishTime); err != nil {
				return false, err
			}
		}
		if current < start {
			return false, nil
		}
	}

	if item.EndTime == "" {
		return true, nil
	}
	end, err := clockMinutes(item.EndTime)
	if err != nil {
		return false, err
	}
	if end < lateNightEnd {
		if current < lateNightEnd {
			return current < end, nil
		}
		return true, nil
	}
	return current < end, nil
}

func clockMinutes(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	return h*60 + m, nil
}
