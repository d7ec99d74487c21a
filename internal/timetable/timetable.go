// Package timetable provides the prayer-time source from a local YAML
// timetable file. How the times were computed is not this core's concern.
package timetable

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mksalih/salahguard/internal/domain"
)

// file is the on-disk timetable layout.
type file struct {
	Timezone string `yaml:"timezone"`
	Days     []day  `yaml:"days"`
}

type day struct {
	Date    string `yaml:"date"` // 2006-01-02
	Fajr    string `yaml:"fajr"` // 15:04
	Dhuhr   string `yaml:"dhuhr"`
	Asr     string `yaml:"asr"`
	Maghrib string `yaml:"maghrib"`
	Isha    string `yaml:"isha"`
}

// YAMLSource implements domain.PrayerTimeSource over a timetable file.
// The file is re-read on every call so an updated timetable takes effect
// at the next re-plan.
type YAMLSource struct {
	path string
}

// NewYAMLSource creates a timetable source for the given file.
func NewYAMLSource(path string) *YAMLSource {
	return &YAMLSource{path: path}
}

// Occurrences returns prayer times between from and from+days, ascending.
func (s *YAMLSource) Occurrences(from time.Time, days int) ([]domain.Occurrence, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timetable: %w", err)
	}

	var tt file
	if err := yaml.Unmarshal(raw, &tt); err != nil {
		return nil, fmt.Errorf("failed to parse timetable: %w", err)
	}

	loc := time.Local
	if tt.Timezone != "" {
		loc, err = time.LoadLocation(tt.Timezone)
		if err != nil {
			return nil, fmt.Errorf("bad timetable timezone %q: %w", tt.Timezone, err)
		}
	}

	until := from.AddDate(0, 0, days)
	var occurrences []domain.Occurrence
	for _, d := range tt.Days {
		date, err := time.ParseInLocation("2006-01-02", d.Date, loc)
		if err != nil {
			return nil, fmt.Errorf("bad timetable date %q: %w", d.Date, err)
		}

		entries := []struct {
			prayer domain.PrayerName
			hhmm   string
		}{
			{domain.PrayerFajr, d.Fajr},
			{domain.PrayerDhuhr, d.Dhuhr},
			{domain.PrayerAsr, d.Asr},
			{domain.PrayerMaghrib, d.Maghrib},
			{domain.PrayerIsha, d.Isha},
		}
		for _, e := range entries {
			if e.hhmm == "" {
				continue
			}
			hm, err := time.Parse("15:04", e.hhmm)
			if err != nil {
				return nil, fmt.Errorf("bad %s time %q on %s: %w", e.prayer, e.hhmm, d.Date, err)
			}
			at := time.Date(date.Year(), date.Month(), date.Day(),
				hm.Hour(), hm.Minute(), 0, 0, loc)
			if at.Before(from) || !at.Before(until) {
				continue
			}
			occurrences = append(occurrences, domain.Occurrence{Prayer: e.prayer, At: at})
		}
	}

	sort.Slice(occurrences, func(i, j int) bool {
		return occurrences[i].At.Before(occurrences[j].At)
	})
	return occurrences, nil
}

// Ensure YAMLSource implements domain.PrayerTimeSource.
var _ domain.PrayerTimeSource = (*YAMLSource)(nil)
