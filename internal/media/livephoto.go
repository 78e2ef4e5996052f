package media

import (
	"path"
	"strings"
)

// PairLivePhotos cross-links live photo halves: entries sharing a path
// without extension (case-insensitive) that hold exactly one still image and
// exactly one .mov. Other members of the group stay unlinked. It returns the
// number of pairs linked.
func PairLivePhotos(entries []*Entry) int {
	groups := make(map[string][]*Entry)
	var order []string
	for _, e := range entries {
		key := strings.ToLower(strings.TrimSuffix(e.Path, path.Ext(e.Path)))
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	pairs := 0
	for _, key := range order {
		var still, mov *Entry
		stills, movs := 0, 0
		for _, e := range groups[key] {
			switch {
			case e.Kind == Photo:
				still = e
				stills++
			case strings.EqualFold(path.Ext(e.Name), ".mov"):
				mov = e
				movs++
			}
		}
		if stills != 1 || movs != 1 {
			continue
		}
		still.Companion = mov
		mov.Companion = still
		pairs++
	}
	return pairs
}
