// Package compliance holds the messaging policy checks applied before a
// campaign is accepted and before each recipient is sent to.
package compliance

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/nyaruka/phonenumbers"
)

const (
	DefaultRegion    = "EC"
	MaxMessageLength = 4096
	minPhoneDigits   = 10
	maxPhoneDigits   = 15
)

var ErrInvalidPhone = errors.New("invalid phone number")

var optOutKeywords = []string{"STOP", "PARAR", "CANCELAR", "NO", "BAJA", "SALIR"}

var prohibitedContent = []string{
	"gratis 100%", "sin costo alguno", "premio garantizado",
	"ganador seleccionado", "has sido elegido",
	"préstamo inmediato", "crédito fácil", "dinero rápido",
	"inversión garantizada", "rendimientos asegurados",
	"cura milagrosa", "tratamiento definitivo", "pérdida de peso garantizada",
	"última oportunidad", "solo hoy", "expira en minutos",
	"click aquí ahora", "no te lo pierdas", "oferta irrepetible",
}

// NormalizePhone returns the E.164 digits of a number, without the plus.
// National numbers are read as Ecuadorian; numbers that are not valid there
// are retried as international numbers written without the plus.
func NormalizePhone(raw string) (string, error) {
	num, err := phonenumbers.Parse(raw, DefaultRegion)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		num, err = phonenumbers.Parse("+"+digitsOf(raw), "")
	}
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	digits := strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+")
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return digits, nil
}

func digitsOf(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsOptOut reports whether an inbound message asks to stop messages.
func IsOptOut(message string) bool {
	upper := strings.ToUpper(strings.TrimSpace(message))
	for _, keyword := range optOutKeywords {
		if upper == keyword || strings.HasPrefix(upper, keyword+" ") {
			return true
		}
	}
	return false
}

type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CheckContent returns the blocking problems of a message body.
func CheckContent(body string) []Issue {
	var issues []Issue
	if strings.TrimSpace(body) == "" {
		issues = append(issues, Issue{Code: "EMPTY_MESSAGE", Message: "message body is empty"})
	}
	if n := len([]rune(body)); n > MaxMessageLength {
		issues = append(issues, Issue{Code: "MSG_TOO_LONG", Message: fmt.Sprintf("message has %d characters, limit is %d", n, MaxMessageLength)})
	}
	lower := strings.ToLower(body)
	for _, phrase := range prohibitedContent {
		if strings.Contains(lower, phrase) {
			issues = append(issues, Issue{Code: "PROHIBITED_CONTENT", Message: fmt.Sprintf("prohibited phrase %q", phrase)})
		}
	}
	return issues
}

// Warnings are advisory findings that do not block a campaign.
func Warnings(body string) []string {
	var warnings []string
	letters, upper := 0, 0
	for _, r := range body {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters > 0 && float64(upper)/float64(letters) > 0.3 {
		warnings = append(warnings, "excessive uppercase")
	}
	lower := strings.ToLower(body)
	for _, short := range []string{"bit.ly", "tinyurl", "shorturl"} {
		if strings.Contains(lower, short) {
			warnings = append(warnings, "shortened url")
			break
		}
	}
	return warnings
}

// SendWindow is the local time-of-day range in which messages may go out.
// A window with Start == End is always open.
type SendWindow struct {
	Start    int
	End      int
	Location *time.Location
}

func NewSendWindow(startHour, startMinute, endHour, endMinute int, loc *time.Location) SendWindow {
	if loc == nil {
		loc = time.UTC
	}
	return SendWindow{Start: startHour*60 + startMinute, End: endHour*60 + endMinute, Location: loc}
}

func (w SendWindow) Disabled() bool {
	return w.Start == w.End
}

func (w SendWindow) Open(at time.Time) bool {
	if w.Disabled() {
		return true
	}
	local := at.In(w.location())
	minute := local.Hour()*60 + local.Minute()
	if w.Start < w.End {
		return minute >= w.Start && minute < w.End
	}
	return minute >= w.Start || minute < w.End
}

// NextOpen returns at when the window is open, otherwise the next opening.
func (w SendWindow) NextOpen(at time.Time) time.Time {
	if w.Open(at) {
		return at
	}
	local := at.In(w.location())
	y, m, d := local.Date()
	opening := time.Date(y, m, d, w.Start/60, w.Start%60, 0, 0, w.location())
	if !opening.After(at) {
		opening = time.Date(y, m, d+1, w.Start/60, w.Start%60, 0, 0, w.location())
	}
	return opening
}

func (w SendWindow) location() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}
