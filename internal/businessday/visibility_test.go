package businessday

import (
	"testing"
	"time"
)

func TestIsVisible(t *testing.T) {
	loc, err := time.LoadLocation("America/Guayaquil")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	inactive := false
	lateShow := DailyItem{Weekday: "miercoles", StartTime: "20:00", EndTime: "02:00"}

	tests := []struct {
		name string
		item DailyItem
		at   time.Time
		want bool
	}{
		{"during evening", lateShow, time.Date(2025, 11, 26, 21, 0, 0, 0, loc), true},
		{"before start", lateShow, time.Date(2025, 11, 26, 19, 0, 0, 0, loc), false},
		{"after midnight before end", lateShow, time.Date(2025, 11, 27, 1, 0, 0, 0, loc), true},
		{"after midnight past end", lateShow, time.Date(2025, 11, 27, 3, 0, 0, 0, loc), false},
		{"next commercial day", lateShow, time.Date(2025, 11, 27, 21, 0, 0, 0, loc), false},
		{"inactive", DailyItem{Weekday: "miercoles", Active: &inactive}, time.Date(2025, 11, 26, 12, 0, 0, 0, loc), false},
		{"publish time gates start", DailyItem{Weekday: "miercoles", PublishTime: "10:00"}, time.Date(2025, 11, 26, 9, 0, 0, 0, loc), false},
		{"no times after cutover", DailyItem{Weekday: "Miercoles"}, time.Date(2025, 11, 26, 4, 0, 0, 0, loc), true},
		{"regular end", DailyItem{Weekday: "miercoles", EndTime: "18:00"}, time.Date(2025, 11, 26, 18, 0, 0, 0, loc), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			day := Compute("t1", 4, 0, loc, tt.at, false)
			got, err := IsVisible(tt.item, day, tt.at)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestIsVisibleRejectsBadTimes(t *testing.T) {
	loc, _ := time.LoadLocation("America/Guayaquil")
	at := time.Date(2025, 11, 26, 12, 0, 0, 0, loc)
	day := Compute("t1", 4, 0, loc, at, false)
	if _, err := IsVisible(DailyItem{Weekday: "miercoles", StartTime: "25:00"}, day, at); err == nil {
		t.Fatalf("expected error for invalid start time")
	}
}
