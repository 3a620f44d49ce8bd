package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
// The only legal transitions are queued -> in-progress -> {completed, failed}.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// JobKind is the closed set of work the worker knows how to dispatch.
type JobKind int

const (
	// KindOther covers any tag the worker has no dedicated handler for;
	// such jobs are marked completed without doing work.
	KindOther JobKind = iota
	KindImport
	KindConvert
)

// KindFromString maps the free-form job_type column onto a JobKind.
func KindFromString(jobType string) JobKind {
	switch jobType {
	case "import":
		return KindImport
	case "convert":
		return KindConvert
	default:
		return KindOther
	}
}

func (k JobKind) String() string {
	switch k {
	case KindImport:
		return "import"
	case KindConvert:
		return "convert"
	default:
		return "other"
	}
}

// Job is a unit of asynchronous work persisted in Postgres. ExternalID is the
// producer-assigned correlation key shared with the queue message; it is unique
// per store.
type Job struct {
	ID          int64      `json:"id"`
	ExternalID  string     `json:"jobId"`
	JobType     string     `json:"jobType"`
	OwnerID     int64      `json:"ownerId"`
	BookID      *int64     `json:"bookId,omitempty"`
	Status      string     `json:"status"`
	Progress    *int       `json:"progress,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Kind resolves the job's dispatch kind from its stored type tag.
func (j Job) Kind() JobKind {
	return KindFromString(j.JobType)
}

// CurrentProgress returns the recorded progress, defaulting to 0.
func (j Job) CurrentProgress() int {
	if j.Progress == nil {
		return 0
	}
	return *j.Progress
}

// Book is a library record created by the import pipeline.
type Book struct {
	ID               int64
	OwnerID          int64
	Title            string
	Authors          string
	OriginalFilename string
	FilePath         string
	FileSize         int64
	MimeType         string
	FileID           int64
	CoverPath        *string
	CoverFileID      *int64
	Publisher        *string
	ISBN             *string
	PublishedAt      *string
	Series           *string
	SeriesIndex      *int
	Tags             *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StoredFile is a content-addressed blob reference with a reference count.
// Two uploads with the same SHA-256 share one row and one stored object.
type StoredFile struct {
	ID          int64
	SHA256      string
	StoragePath string
	Size        int64
	RefCount    int
	CreatedAt   time.Time
}

// Format is an alternate stored rendition of a book, e.g. a converted file.
type Format struct {
	ID       int64
	BookID   int64
	Format   string
	FileID   int64
	FilePath string
	FileSize int64
}
