// Package settings holds the operator-tunable knobs read by the pipeline:
// which sources to scrape, per-source thresholds and cycle intervals.
package settings

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"automemer/internal/classify"
)

const (
	DefaultSource                = "me_irl"
	DefaultFetchLimit            = 50
	DefaultScrapeIntervalMinutes = 10
	DefaultPostIntervalMinutes   = 60
	DefaultGlobalThreshold       = 1000

	// MaxIntervalMinutes keeps intervals below one day.
	MaxIntervalMinutes = 1439
	MaxFetchLimit      = 100
)

var (
	ErrUnknownSource   = errors.New("unknown source")
	ErrDuplicateSource = errors.New("source already configured")
	ErrInvalidInterval = errors.New("interval out of range")
	ErrInvalidName     = errors.New("invalid source name")
)

type Settings struct {
	Sources               []string       `json:"sources"`
	Thresholds            map[string]int `json:"thresholds"`
	ScrapeIntervalMinutes int            `json:"scrape_interval_minutes"`
	PostIntervalMinutes   int            `json:"post_interval_minutes"`
	FetchLimit            int            `json:"fetch_limit,omitempty"`
}

func Default() Settings {
	return Settings{
		Sources:               []string{DefaultSource},
		Thresholds:            map[string]int{classify.GlobalKey: DefaultGlobalThreshold},
		ScrapeIntervalMinutes: DefaultScrapeIntervalMinutes,
		PostIntervalMinutes:   DefaultPostIntervalMinutes,
		FetchLimit:            DefaultFetchLimit,
	}
}

// Fallback is used when settings cannot be loaded: a single source and the
// conservative fetch limit.
func Fallback(source string) Settings {
	s := Default()
	if n := normalizeName(source); n != "" {
		s.Sources = []string{n}
	}
	return s
}

// Normalize lowercases source names and threshold keys, drops duplicates
// and fills zero-valued fields with defaults.
func (s Settings) Normalize() Settings {
	out := s.Clone()
	seen := map[string]struct{}{}
	srcs := make([]string, 0, len(out.Sources))
	for _, name := range out.Sources {
		n := normalizeName(name)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		srcs = append(srcs, n)
	}
	sort.Strings(srcs)
	out.Sources = srcs

	th := make(map[string]int, len(out.Thresholds))
	for k, v := range out.Thresholds {
		if n := normalizeName(k); n != "" {
			th[n] = v
		}
	}
	out.Thresholds = th

	if out.ScrapeIntervalMinutes <= 0 {
		out.ScrapeIntervalMinutes = DefaultScrapeIntervalMinutes
	}
	if out.PostIntervalMinutes <= 0 {
		out.PostIntervalMinutes = DefaultPostIntervalMinutes
	}
	if out.FetchLimit <= 0 {
		out.FetchLimit = DefaultFetchLimit
	}
	return out
}

func (s Settings) Validate() error {
	if err := checkInterval("scrape_interval_minutes", s.ScrapeIntervalMinutes); err != nil {
		return err
	}
	if err := checkInterval("post_interval_minutes", s.PostIntervalMinutes); err != nil {
		return err
	}
	if s.FetchLimit < 1 || s.FetchLimit > MaxFetchLimit {
		return fmt.Errorf("fetch_limit must be between 1 and %d", MaxFetchLimit)
	}
	for k, v := range s.Thresholds {
		if v < 0 {
			return fmt.Errorf("threshold %q must be >= 0", k)
		}
	}
	return nil
}

func (s Settings) Clone() Settings {
	out := s
	out.Sources = append([]string(nil), s.Sources...)
	out.Thresholds = make(map[string]int, len(s.Thresholds))
	for k, v := range s.Thresholds {
		out.Thresholds[k] = v
	}
	return out
}

func (s Settings) HasSource(name string) bool {
	n := normalizeName(name)
	for _, x := range s.Sources {
		if x == n {
			return true
		}
	}
	return false
}

func (s *Settings) AddSource(name string) error {
	n := normalizeName(name)
	if n == "" || strings.ContainsAny(n, " /") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if s.HasSource(n) {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, n)
	}
	s.Sources = append(s.Sources, n)
	sort.Strings(s.Sources)
	return nil
}

func (s *Settings) RemoveSource(name string) error {
	n := normalizeName(name)
	for i, x := range s.Sources {
		if x == n {
			s.Sources = append(s.Sources[:i], s.Sources[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownSource, n)
}

// SetThreshold sets the threshold for source, or the global one when source
// is empty or "global".
func (s *Settings) SetThreshold(source string, v int) error {
	if v < 0 {
		return fmt.Errorf("threshold must be >= 0")
	}
	key := thresholdKey(source)
	if s.Thresholds == nil {
		s.Thresholds = map[string]int{}
	}
	s.Thresholds[key] = v
	return nil
}

// ClearThreshold removes a per-source override. The global threshold cannot
// be cleared.
func (s *Settings) ClearThreshold(source string) error {
	key := thresholdKey(source)
	if key == classify.GlobalKey {
		return errors.New("the global threshold cannot be removed")
	}
	if _, ok := s.Thresholds[key]; !ok {
		return fmt.Errorf("%w: no threshold for %s", ErrUnknownSource, key)
	}
	delete(s.Thresholds, key)
	return nil
}

func (s *Settings) SetScrapeInterval(minutes int) error {
	if err := checkInterval("scrape interval", minutes); err != nil {
		return err
	}
	s.ScrapeIntervalMinutes = minutes
	return nil
}

func (s *Settings) SetPostInterval(minutes int) error {
	if err := checkInterval("post interval", minutes); err != nil {
		return err
	}
	s.PostIntervalMinutes = minutes
	return nil
}

func checkInterval(name string, minutes int) error {
	if minutes < 1 || minutes > MaxIntervalMinutes {
		return fmt.Errorf("%w: %s must be between 1 and %d minutes, got %d", ErrInvalidInterval, name, MaxIntervalMinutes, minutes)
	}
	return nil
}

func thresholdKey(source string) string {
	k := normalizeName(source)
	if k == "" {
		return classify.GlobalKey
	}
	return k
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "/r/")
	s = strings.TrimPrefix(s, "r/")
	return s
}
