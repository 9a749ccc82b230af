package settings

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	s := Settings{
		Sources:    []string{"Dank", " me_irl ", "r/dank", ""},
		Thresholds: map[string]int{"GLOBAL": 10, "Dank": 3},
	}.Normalize()

	if len(s.Sources) != 2 || s.Sources[0] != "dank" || s.Sources[1] != "me_irl" {
		t.Fatalf("Sources = %v", s.Sources)
	}
	if s.Thresholds["global"] != 10 || s.Thresholds["dank"] != 3 {
		t.Fatalf("Thresholds = %v", s.Thresholds)
	}
	if s.ScrapeIntervalMinutes != DefaultScrapeIntervalMinutes || s.FetchLimit != DefaultFetchLimit {
		t.Fatalf("defaults not applied: %+v", s)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestIntervalBounds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		minutes int
		ok      bool
	}{
		{0, false}, {1, true}, {30, true}, {1439, true}, {1440, false}, {-5, false},
	}
	for _, tt := range tests {
		s := Default()
		err := s.SetScrapeInterval(tt.minutes)
		if (err == nil) != tt.ok {
			t.Fatalf("SetScrapeInterval(%d) err = %v, want ok=%v", tt.minutes, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidInterval) {
			t.Fatalf("error not ErrInvalidInterval: %v", err)
		}
		err = s.SetPostInterval(tt.minutes)
		if (err == nil) != tt.ok {
			t.Fatalf("SetPostInterval(%d) err = %v, want ok=%v", tt.minutes, err, tt.ok)
		}
	}
}

func TestSourceMutations(t *testing.T) {
	t.Parallel()
	s := Default()
	if err := s.AddSource("R/Dankmemes"); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if err := s.AddSource("dankmemes"); !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("duplicate AddSource err = %v", err)
	}
	if err := s.AddSource("  "); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("empty AddSource err = %v", err)
	}
	if !s.HasSource("DANKMEMES") {
		t.Fatal("HasSource should ignore case")
	}
	if err := s.RemoveSource("dankmemes"); err != nil {
		t.Fatalf("RemoveSource: %v", err)
	}
	if err := s.RemoveSource("dankmemes"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("second RemoveSource err = %v", err)
	}
}

func TestThresholdMutations(t *testing.T) {
	t.Parallel()
	s := Default()
	if err := s.SetThreshold("", 5); err != nil || s.Thresholds["global"] != 5 {
		t.Fatalf("global SetThreshold: %v %v", err, s.Thresholds)
	}
	if err := s.SetThreshold("Foo", 7); err != nil || s.Thresholds["foo"] != 7 {
		t.Fatalf("SetThreshold(Foo): %v %v", err, s.Thresholds)
	}
	if err := s.ClearThreshold("foo"); err != nil {
		t.Fatalf("ClearThreshold: %v", err)
	}
	if err := s.ClearThreshold("global"); err == nil {
		t.Fatal("clearing global should fail")
	}
	if err := s.SetThreshold("foo", -1); err == nil {
		t.Fatal("negative threshold should fail")
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	a := Default()
	b := a.Clone()
	b.Sources[0] = "changed"
	b.Thresholds["global"] = 1
	if a.Sources[0] != DefaultSource || a.Thresholds["global"] != DefaultGlobalThreshold {
		t.Fatal("Clone shares state with the original")
	}
}
