package media

import (
	"sort"
	"time"
)

// Filter selects entries to pull. The zero Filter selects everything.
type Filter struct {
	// Kind limits the selection to photos or videos. Live photo videos
	// follow their still image and are never selected on their own.
	Kind  Kind
	Since time.Time
	// Limit keeps only the newest Limit entries when positive.
	Limit int
}

// Apply returns the selected entries in their original order.
func (f Filter) Apply(entries []*Entry) []*Entry {
	var ret []*Entry
	for _, e := range entries {
		if f.Kind != Unknown {
			if e.Kind != f.Kind {
				continue
			}
			if f.Kind == Video && e.IsLivePhotoVideo() {
				continue
			}
		}
		if !f.Since.IsZero() && e.Created.Before(f.Since) {
			continue
		}
		ret = append(ret, e)
	}

	if f.Limit > 0 && len(ret) > f.Limit {
		ret = newest(ret, f.Limit)
	}
	return ret
}

// newest keeps the n most recently created entries, counting a live photo
// once, without reordering.
func newest(entries []*Entry, n int) []*Entry {
	listed := make(map[*Entry]bool, len(entries))
	for _, e := range entries {
		listed[e] = true
	}
	follows := func(e *Entry) bool {
		return e.IsLivePhotoVideo() && listed[e.Companion]
	}

	var primaries []*Entry
	for _, e := range entries {
		if !follows(e) {
			primaries = append(primaries, e)
		}
	}
	if len(primaries) <= n {
		return entries
	}
	sort.SliceStable(primaries, func(i, j int) bool {
		return primaries[i].Created.After(primaries[j].Created)
	})
	keep := make(map[*Entry]bool, n)
	for _, e := range primaries[:n] {
		keep[e] = true
	}

	var ret []*Entry
	for _, e := range entries {
		if keep[e] || (follows(e) && keep[e.Companion]) {
			ret = append(ret, e)
		}
	}
	return ret
}
