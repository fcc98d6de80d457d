// Package models defines server-side data models persisted in the database.
package models

import "time"

// FileStatus is the lifecycle state of an uploaded file. The only allowed
// transitions are uploading→completed, uploading→cancelled and uploading→error.
type FileStatus string

const (
	FileStatusUploading FileStatus = "uploading"
	FileStatusCompleted FileStatus = "completed"
	FileStatusCancelled FileStatus = "cancelled"
	FileStatusError     FileStatus = "error"
)

// Terminal reports whether no further transition is allowed from s.
func (s FileStatus) Terminal() bool {
	return s != FileStatusUploading
}

// StorageKind says where the bytes of an uploaded file live.
type StorageKind string

const (
	StorageLocal       StorageKind = "local"
	StorageObjectStore StorageKind = "object-store"
)

// ParseStorageKind maps request values to a StorageKind. "s3" is accepted
// as an alias for the object store; anything else falls back to local.
func ParseStorageKind(v string) StorageKind {
	switch v {
	case string(StorageObjectStore), "s3", "s3store":
		return StorageObjectStore
	default:
		return StorageLocal
	}
}

// UploadedFile is the persistent record of one ingested file.
type UploadedFile struct {
	ID string `json:"id"`
	// ProjectID is empty when the upload is not bound to a project.
	ProjectID string     `json:"projectId,omitempty"`
	UploadID  string     `json:"uploadId,omitempty"`
	Name      string     `json:"name"`
	Size      int64      `json:"size"`
	MimeType  string     `json:"mimeType"`
	Status    FileStatus `json:"status"`

	StorageKind StorageKind `json:"storageKind"`
	// Location is a local path, a public reference or an object key,
	// depending on StorageKind.
	Location string `json:"location"`
	Bucket   string `json:"bucket,omitempty"`

	ContentHash string `json:"contentHash,omitempty"`
	LinkToken   string `json:"-"`

	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
