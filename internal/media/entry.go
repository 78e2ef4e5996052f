// Package media enumerates the camera roll of a device.
package media

import (
	"encoding/json"
	"path"
	"strings"
	"time"
)

// Kind classifies an entry by file extension.
type Kind int

const (
	Unknown Kind = iota
	Photo
	Video
)

func (k Kind) String() string {
	switch k {
	case Photo:
		return "photo"
	case Video:
		return "video"
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

var extensions = map[string]Kind{
	".jpg":  Photo,
	".jpeg": Photo,
	".heic": Photo,
	".heif": Photo,
	".png":  Photo,
	".gif":  Photo,
	".tiff": Photo,
	".dng":  Photo,
	".mov":  Video,
	".mp4":  Video,
	".m4v":  Video,
	".avi":  Video,
	".3gp":  Video,
}

// Classify returns the kind of name by its extension, case-insensitively.
func Classify(name string) Kind {
	return extensions[strings.ToLower(path.Ext(name))]
}

// Entry is one file on the device.
type Entry struct {
	Path     string
	Name     string
	Size     int64
	Created  time.Time
	Modified time.Time
	Kind     Kind
	// Companion is the other half of a live photo.
	Companion *Entry
	// Preview holds the head bytes loaded by a PreviewCache.
	Preview []byte
}

// IsLivePhotoVideo reports whether e is the .mov half of a live photo.
func (e *Entry) IsLivePhotoVideo() bool {
	return e.Companion != nil && e.Kind == Video
}

func (e *Entry) String() string {
	return e.Path
}

// MarshalJSON writes the companion as a path since the two halves of a live
// photo point at each other.
func (e *Entry) MarshalJSON() ([]byte, error) {
	var companion string
	if e.Companion != nil {
		companion = e.Companion.Path
	}
	return json.Marshal(struct {
		Path      string    `json:"path"`
		Name      string    `json:"name"`
		Size      int64     `json:"size"`
		Created   time.Time `json:"created"`
		Modified  time.Time `json:"modified"`
		Kind      Kind      `json:"kind"`
		Companion string    `json:"companion,omitempty"`
	}{
		Path:      e.Path,
		Name:      e.Name,
		Size:      e.Size,
		Created:   e.Created,
		Modified:  e.Modified,
		Kind:      e.Kind,
		Companion: companion,
	})
}
