package models

import "time"

const (
	// ChecksumMD5 is used per chunk.
	ChecksumMD5 = "md5"
	// ChecksumSHA256 is used for whole files.
	ChecksumSHA256 = "sha256"
)

// FileMeta identifies a file offered for transfer.
type FileMeta struct {
	Name              string `json:"name"`
	Size              int64  `json:"size"`
	ChunkSize         int64  `json:"chunk_size"`
	ChecksumAlgorithm string `json:"checksum_algorithm"`
	FileChecksum      string `json:"file_checksum"`
	TransformTag      string `json:"transform_tag"`
}

// ResumeToken is the durable handle of one logical transfer. It may span
// several connections.
type ResumeToken struct {
	Token                string
	TransferID           string
	ClientID             string
	FileName             string
	TotalSize            int64
	ChunkSize            int64
	ChecksumAlgorithm    string
	ExpectedFileChecksum *string
	TransformTag         string
	TempPath             string
	IsCompleted          bool
	CreatedAt            time.Time
	LastActivity         time.Time
}

// ResumeChunk records one acknowledged chunk of a ResumeToken.
type ResumeChunk struct {
	ResumeToken   string
	ChunkIndex    int
	ChunkChecksum string
	CompletedAt   time.Time
}

// TransferCheckpoint is the sender's local record of a transfer so a restarted
// process reuses its transfer id and resume token.
type TransferCheckpoint struct {
	TransferID   string
	SourcePath   string
	FileName     string
	TotalSize    int64
	ChunkSize    int64
	ModifiedAt   int64
	FileChecksum string
	ResumeToken  string
	Target       string
	Completed    bool
	UpdatedAt    int64
}

// TransferResult is the single terminal outcome handed back to a caller.
type TransferResult struct {
	Success          bool
	TransferID       string
	BytesTransferred int64
	ChunksSent       int
	Duration         time.Duration
	Cancelled        bool
	Err              error
}
