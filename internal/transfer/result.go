package transfer

import (
	"fmt"
	"strings"

	"github.com/blacktop/camroll/internal/media"
)

// Status is the outcome of a whole transfer job.
type Status int

const (
	Completed Status = iota
	CompletedWithErrors
	Cancelled
	Failed
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "Completed"
	case CompletedWithErrors:
		return "CompletedWithErrors"
	case Cancelled:
		return "Cancelled"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Progress is reported after every chunk of the file in flight.
type Progress struct {
	File       string
	BytesDone  int64
	BytesTotal int64
	FilesDone  int
	FilesTotal int
	// Speed is the smoothed rate in bytes/second.
	Speed  float64
	Status string
}

// Failure is one entry that could not be copied.
type Failure struct {
	Entry *media.Entry
	Err   error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: %v", f.Entry.Path, f.Err)
}

// Result summarizes a transfer job. A live photo counts once in Succeeded;
// a failed companion is recorded as a failure of its still image.
type Result struct {
	JobID     string
	Status    Status
	Succeeded int
	// Skipped counts entries already present at the destination. They are
	// included in Succeeded.
	Skipped int
	// Bytes is the number of bytes read from the device.
	Bytes    int64
	Failures []Failure
	// Collisions lists remote paths skipped because an earlier entry of the
	// same pull already used their destination name.
	Collisions []string
}

func (r *Result) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d succeeded (%d skipped), %d failed", r.Status, r.Succeeded, r.Skipped, len(r.Failures))
	for _, f := range r.Failures {
		sb.WriteString("\n  ")
		sb.WriteString(f.String())
	}
	for _, c := range r.Collisions {
		sb.WriteString("\n  name already used: ")
		sb.WriteString(c)
	}
	return sb.String()
}
