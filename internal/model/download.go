package model

// DownloadStatus is the server-side lifecycle state of a download job.
// The server may send values not listed here; they are kept verbatim.
type DownloadStatus string

const (
	StatusPreparing DownloadStatus = "PREPARING"
	StatusQueued    DownloadStatus = "QUEUED"
	StatusRestoring DownloadStatus = "RESTORING"
	StatusPaused    DownloadStatus = "PAUSED"
	StatusComplete  DownloadStatus = "COMPLETE"
	StatusExpired   DownloadStatus = "EXPIRED"
)

// Known reports whether s is one of the statuses this client understands.
func (s DownloadStatus) Known() bool {
	switch s {
	case StatusPreparing, StatusQueued, StatusRestoring, StatusPaused, StatusComplete, StatusExpired:
		return true
	}
	return false
}

// DownloadItem is an entity packaged by a download job.
type DownloadItem struct {
	ID         int64      `json:"id,omitempty"`
	EntityID   int64      `json:"entityId"`
	EntityType EntityType `json:"entityType"`
}

// DownloadJob is a server-tracked asynchronous packaging task.
type DownloadJob struct {
	ID            int64          `json:"id"`
	PreparedID    string         `json:"preparedId,omitempty"`
	FacilityName  string         `json:"facilityName"`
	FileName      string         `json:"fileName"`
	FullName      string         `json:"fullName"`
	UserName      string         `json:"userName"`
	Email         string         `json:"email,omitempty"`
	Transport     string         `json:"transport"`
	Size          int64          `json:"size"`
	Status        DownloadStatus `json:"status"`
	IsDeleted     bool           `json:"isDeleted"`
	IsEmailSent   bool           `json:"isEmailSent"`
	IsTwoLevel    bool           `json:"isTwoLevel"`
	CreatedAt     string         `json:"createdAt"`
	DownloadItems []DownloadItem `json:"downloadItems,omitempty"`
}

// Terminal reports whether the job can no longer make progress. Deleted and
// completed jobs are terminal whether or not they carry a prepared id.
func (j DownloadJob) Terminal() bool {
	return j.IsDeleted || j.Status == StatusComplete
}

// CloneJobs returns a copy of jobs that shares no backing array.
func CloneJobs(jobs []DownloadJob) []DownloadJob {
	if jobs == nil {
		return nil
	}
	out := make([]DownloadJob, len(jobs))
	copy(out, jobs)
	return out
}
