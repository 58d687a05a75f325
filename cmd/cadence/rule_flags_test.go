package main

import (
	"slices"
	"testing"
	"time"
)

func TestRuleFlagsSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      ruleFlags
		wantErr bool
		days    []int
	}{
		{name: "weekly mondays", in: ruleFlags{frequency: "weekly", at: "09:00", weekdays: "mon"}, days: []int{1}},
		{name: "custom", in: ruleFlags{frequency: "CUSTOM", interval: 10}},
		{name: "custom without interval", in: ruleFlags{frequency: "CUSTOM"}, wantErr: true},
		{name: "none with time", in: ruleFlags{frequency: "NONE", at: "10:00"}, wantErr: true},
		{name: "bad weekday", in: ruleFlags{frequency: "WEEKLY", weekdays: "funday"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			spec, err := tt.in.spec()
			if (err != nil) != tt.wantErr {
				t.Fatalf("spec() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && !slices.Equal(spec.PreferredWeekdays, tt.days) {
				t.Fatalf("weekdays = %v, want %v", spec.PreferredWeekdays, tt.days)
			}
		})
	}
}

func TestParseDay(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+2", 2*3600)
	got, err := parseDay("2024-03-01", loc)
	if err != nil || !got.Equal(time.Date(2024, time.March, 1, 0, 0, 0, 0, loc)) {
		t.Fatalf("parseDay = %v, %v", got, err)
	}
	got, err = parseDay("2024-03-01 14:30", loc)
	if err != nil || got.Hour() != 14 || got.Minute() != 30 {
		t.Fatalf("parseDay with time = %v, %v", got, err)
	}
	if _, err := parseDay("tomorrow", loc); err == nil {
		t.Fatal("expected error")
	}
}
