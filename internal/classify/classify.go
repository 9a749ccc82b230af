// Package classify decides whether an item's score clears the threshold for
// its source.
package classify

import "strings"

// GlobalKey is the threshold applied to sources without their own entry.
const GlobalKey = "global"

// Threshold returns the threshold that applies to source: the source's own
// entry if present, otherwise the global one. Lookups ignore case.
func Threshold(source string, thresholds map[string]int) (int, bool) {
	if v, ok := lookup(strings.ToLower(strings.TrimSpace(source)), thresholds); ok {
		return v, true
	}
	return lookup(GlobalKey, thresholds)
}

// IsPostable reports whether score meets the threshold for source.
// With no source entry and no global entry nothing is postable.
func IsPostable(source string, score int, thresholds map[string]int) bool {
	th, ok := Threshold(source, thresholds)
	if !ok {
		return false
	}
	return score >= th
}

// Exceeds reports whether score is strictly above the threshold for source.
// Drains post only what exceeds it; IsPostable admits candidates.
func Exceeds(source string, score int, thresholds map[string]int) bool {
	th, ok := Threshold(source, thresholds)
	return ok && score > th
}

func lookup(key string, thresholds map[string]int) (int, bool) {
	if key == "" {
		return 0, false
	}
	if v, ok := thresholds[key]; ok {
		return v, true
	}
	for k, v := range thresholds {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return 0, false
}
