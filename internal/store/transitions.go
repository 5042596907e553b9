package store

import "lealta/venue-service/internal/models"

var transitionMap = map[string][]string{
	"confirm":  {models.ReservationPending},
	"check_in": {models.ReservationConfirmed},
	"admit":    {models.ReservationCheckedIn},
	"complete": {models.ReservationCheckedIn},
	"cancel":   {models.ReservationPending, models.ReservationConfirmed, models.ReservationCheckedIn},
	"no_show":  {models.ReservationPending, models.ReservationConfirmed},
}

var reservationTargets = map[string]string{
	"confirm":  models.ReservationConfirmed,
	"check_in": models.ReservationCheckedIn,
	"admit":    models.ReservationCheckedIn,
	"complete": models.ReservationCompleted,
	"cancel":   models.ReservationCancelled,
	"no_show":  models.ReservationNoShow,
}

var campaignTransitionMap = map[string][]string{
	"launch":   {models.CampaignDraft},
	"pause":    {models.CampaignRunning},
	"resume":   {models.CampaignPaused},
	"cancel":   {models.CampaignDraft, models.CampaignRunning, models.CampaignPaused},
	"complete": {models.CampaignRunning},
	"fail":     {models.CampaignRunning},
}

var campaignTargets = map[string]string{
	"launch":   models.CampaignRunning,
	"pause":    models.CampaignPaused,
	"resume":   models.CampaignRunning,
	"cancel":   models.CampaignCancelled,
	"complete": models.CampaignCompleted,
	"fail":     models.CampaignFailed,
}

// StaleStatuses are the reservation states the sweep closes out.
var StaleStatuses = transitionMap["no_show"]

func ValidTransition(action, fromStatus string) bool {
	return allowed(transitionMap, action, fromStatus)
}

func ReservationTarget(action string) string {
	return reservationTargets[action]
}

func ValidCampaignTransition(action, fromStatus string) bool {
	return allowed(campaignTransitionMap, action, fromStatus)
}

func CampaignTarget(action string) string {
	return campaignTargets[action]
}

func allowed(table map[string][]string, action, fromStatus string) bool {
	statuses, ok := table[action]
	if !ok {
		return false
	}
	for _, status := range statuses {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// FromStatuses lists the states an action may start from.
func FromStatuses(action string) []string {
	return transitionMap[action]
}

func CampaignFromStatuses(action string) []string {
	return campaignTransitionMap[action]
}
