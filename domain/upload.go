package domain

// UploadStatus is the state of a queued file transfer.
type UploadStatus string

const (
	UploadQueued    UploadStatus = "queued"
	UploadUploading UploadStatus = "uploading"
	UploadDone      UploadStatus = "done"
	UploadError     UploadStatus = "error"
)

// CanTransition reports whether an upload may move from one status to
// another. Transitions are forward only, except error -> uploading on retry.
func (s UploadStatus) CanTransition(to UploadStatus) bool {
	switch s {
	case UploadQueued:
		return to == UploadUploading || to == UploadError
	case UploadUploading:
		return to == UploadDone || to == UploadError
	case UploadError:
		return to == UploadUploading
	default:
		return false
	}
}

// DefaultUploadCap is the largest file admitted to the upload queue.
const DefaultUploadCap int64 = 100 * 1024 * 1024
