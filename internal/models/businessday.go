package models

import "time"

type BusinessDaySettings struct {
	TenantID      string    `json:"tenant_id"`
	CutoverHour   int       `json:"cutover_hour"`
	CutoverMinute int       `json:"cutover_minute"`
	Timezone      string    `json:"timezone"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type CommercialDay struct {
	TenantID      string    `json:"tenant_id"`
	Date          string    `json:"date"`
	Weekday       string    `json:"weekday"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Timezone      string    `json:"timezone"`
	CutoverHour   int       `json:"cutover_hour"`
	CutoverMinute int       `json:"cutover_minute"`
	Defaulted     bool      `json:"defaulted"`
}
