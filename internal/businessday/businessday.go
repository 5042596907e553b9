package businessday

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lealta/venue-service/internal/logger"
	"lealta/venue-service/internal/models"

	"go.uber.org/zap"
)

const (
	DefaultCutoverHour = 4
	DefaultTimezone    = "America/Guayaquil"
)

var weekdays = [...]string{"domingo", "lunes", "martes", "miercoles", "jueves", "viernes", "sabado"}

// WeekdayName returns the lowercase Spanish day name used by daily content.
func WeekdayName(day time.Weekday) string {
	return weekdays[day]
}

type SettingsSource interface {
	GetBusinessDaySettings(ctx context.Context, tenantID string) (models.BusinessDaySettings, bool, error)
}

type Defaults struct {
	CutoverHour   int
	CutoverMinute int
	Timezone      string
}

type Resolver struct {
	source     SettingsSource
	defaults   Defaults
	defaultLoc *time.Location
	now        func() time.Time
	log        *logger.Logger

	mu          sync.Mutex
	cacheMinute int64
	cache       map[cacheKey]models.CommercialDay
}

type cacheKey struct {
	tenantID string
	minute   int64
}

type Option func(*Resolver)

// WithClock replaces time.Now, used when the caller passes no instant.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func WithLogger(log *logger.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

func NewResolver(source SettingsSource, defaults Defaults, opts ...Option) (*Resolver, error) {
	if defaults.Timezone == "" {
		defaults.Timezone = DefaultTimezone
	}
	if err := validateClock(defaults.CutoverHour, defaults.CutoverMinute); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(defaults.Timezone)
	if err != nil {
		return nil, fmt.Errorf("default timezone: %w", err)
	}
	r := &Resolver{
		source:     source,
		defaults:   defaults,
		defaultLoc: loc,
		now:        time.Now,
		log:        logger.Nop(),
		cache:      make(map[cacheKey]models.CommercialDay),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ResolveCommercialDay maps an instant (now when at is nil) to the tenant's
// commercial day. Lookup failures fall back to the defaults and are only
// logged; the error is reserved for a cancelled context.
func (r *Resolver) ResolveCommercialDay(ctx context.Context, tenantID string, at *time.Time) (models.CommercialDay, error) {
	if err := ctx.Err(); err != nil {
		return models.CommercialDay{}, err
	}
	wall := r.now()
	instant := wall
	if at != nil {
		instant = *at
	}
	key := cacheKey{tenantID: tenantID, minute: instant.Unix() / 60}

	if day, ok := r.cached(wall, key); ok {
		return day, nil
	}

	settings, found := r.lookup(ctx, tenantID)
	day := r.ComputeFor(tenantID, settings, found, instant)

	r.mu.Lock()
	r.cache[key] = day
	r.mu.Unlock()
	return day, nil
}

// cached drops every entry once the wall-clock minute moves on.
func (r *Resolver) cached(wall time.Time, key cacheKey) (models.CommercialDay, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	minute := wall.Unix() / 60
	if minute != r.cacheMinute {
		r.cacheMinute = minute
		r.cache = make(map[cacheKey]models.CommercialDay)
		return models.CommercialDay{}, false
	}
	day, ok := r.cache[key]
	return day, ok
}

func (r *Resolver) lookup(ctx context.Context, tenantID string) (models.BusinessDaySettings, bool) {
	if r.source == nil || tenantID == "" {
		return models.BusinessDaySettings{}, false
	}
	settings, found, err := r.source.GetBusinessDaySettings(ctx, tenantID)
	if err != nil {
		r.log.WarnContext(ctx, "business day settings lookup failed, using defaults",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return models.BusinessDaySettings{}, false
	}
	return settings, found
}

// ComputeFor resolves the commercial day from already loaded settings.
// Invalid settings are replaced by the defaults.
func (r *Resolver) ComputeFor(tenantID string, settings models.BusinessDaySettings, found bool, instant time.Time) models.CommercialDay {
	if found {
		loc, err := settingsLocation(settings)
		if err == nil {
			return Compute(tenantID, settings.CutoverHour, settings.CutoverMinute, loc, instant, false)
		}
		r.log.Warn("invalid business day settings, using defaults",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return Compute(tenantID, r.defaults.CutoverHour, r.defaults.CutoverMinute, r.defaultLoc, instant, true)
}

// Boundary is the start instant of the tenant's commercial day containing now.
func (r *Resolver) Boundary(ctx context.Context, tenantID string, now time.Time) (time.Time, error) {
	day, err := r.ResolveCommercialDay(ctx, tenantID, &now)
	if err != nil {
		return time.Time{}, err
	}
	return day.Start, nil
}

// DefaultBoundary applies the default settings to now.
func (r *Resolver) DefaultBoundary(now time.Time) time.Time {
	return r.ComputeFor("", models.BusinessDaySettings{}, false, now).Start
}

func (r *Resolver) Now() time.Time {
	return r.now()
}

// Compute is the pure commercial-day function. Before the cutover the
// commercial date is the previous local date. Boundaries are built with
// time.Date in loc so DST shifts are honoured.
func Compute(tenantID string, cutoverHour, cutoverMinute int, loc *time.Location, instant time.Time, defaulted bool) models.CommercialDay {
	local := instant.In(loc)
	y, m, d := local.Date()
	if local.Hour()*60+local.Minute() < cutoverHour*60+cutoverMinute {
		y, m, d = time.Date(y, m, d-1, 12, 0, 0, 0, loc).Date()
	}
	start := time.Date(y, m, d, cutoverHour, cutoverMinute, 0, 0, loc)
	end := time.Date(y, m, d+1, cutoverHour, cutoverMinute, 0, 0, loc)
	date := time.Date(y, m, d, 12, 0, 0, 0, loc)

	return models.CommercialDay{
		TenantID:      tenantID,
		Date:          date.Format("2006-01-02"),
		Weekday:       WeekdayName(date.Weekday()),
		Start:         start,
		End:           end,
		Timezone:      loc.String(),
		CutoverHour:   cutoverHour,
		CutoverMinute: cutoverMinute,
		Defaulted:     defaulted,
	}
}

// ValidateSettings checks the ranges and the IANA zone id.
func ValidateSettings(settings models.BusinessDaySettings) error {
	_, err := settingsLocation(settings)
	return err
}

func settingsLocation(settings models.BusinessDaySettings) (*time.Location, error) {
	if err := validateClock(settings.CutoverHour, settings.CutoverMinute); err != nil {
		return nil, err
	}
	if settings.Timezone == "" {
		return nil, fmt.Errorf("timezone is required")
	}
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", settings.Timezone, err)
	}
	return loc, nil
}

func validateClock(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("cutover hour must be 0-23, got %d", hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("cutover minute must be 0-59, got %d", minute)
	}
	return nil
}
