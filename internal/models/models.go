package models

import (
	"sort"
	"time"
)

// FeedbackChannel is one video under review. ActiveAssetID is replaced, never
// edited, when a newer asset finishes encoding.
type FeedbackChannel struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"projectId"`
	Title         string    `json:"title,omitempty"`
	ActiveAssetID *string   `json:"activeAssetId,omitempty"`
	Revision      int64     `json:"revision"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type MemberRole string

const (
	RoleOwner    MemberRole = "owner"
	RoleReviewer MemberRole = "reviewer"
)

type ChannelMember struct {
	ChannelID string     `json:"channelId"`
	Identity  string     `json:"identity"`
	Role      MemberRole `json:"role"`
	AddedAt   time.Time  `json:"addedAt"`
}

type UploadStatus string

const (
	UploadInitiated  UploadStatus = "initiated"
	UploadInProgress UploadStatus = "in_progress"
	UploadCompleted  UploadStatus = "completed"
	UploadAborted    UploadStatus = "aborted"
	UploadExpired    UploadStatus = "expired"
)

// Open reports whether the session still accepts chunks.
func (s UploadStatus) Open() bool {
	return s == UploadInitiated || s == UploadInProgress
}

// ChunkRecord describes one committed chunk of an upload session.
type ChunkRecord struct {
	Index      int       `json:"index"`
	Digest     string    `json:"digest"`
	Size       int64     `json:"size"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type UploadSession struct {
	ID             string              `json:"id"`
	ChannelID      string              `json:"channelId"`
	Filename       string              `json:"filename"`
	TotalSize      int64               `json:"totalSize"`
	ChunkCount     int                 `json:"chunkCount"`
	ChunkSize      int64               `json:"chunkSize"`
	Received       map[int]ChunkRecord `json:"-"`
	Status         UploadStatus        `json:"status"`
	AssetID        *string             `json:"assetId,omitempty"`
	CreatedBy      string              `json:"createdBy"`
	CreatedAt      time.Time           `json:"createdAt"`
	LastActivityAt time.Time           `json:"lastActivityAt"`
}

// ExpectedChunkSize returns the number of bytes the chunk at index must hold.
// Every chunk is ChunkSize bytes except the last, which carries the remainder.
func (s UploadSession) ExpectedChunkSize(index int) int64 {
	if index < 0 || index >= s.ChunkCount {
		return 0
	}
	if index < s.ChunkCount-1 {
		return s.ChunkSize
	}
	return s.TotalSize - s.ChunkSize*int64(s.ChunkCount-1)
}

// ReceivedIndices lists the committed chunk indices in ascending order.
func (s UploadSession) ReceivedIndices() []int {
	indices := make([]int, 0, len(s.Received))
	for index := range s.Received {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

// MissingIndices lists the chunk indices that have not been committed yet.
func (s UploadSession) MissingIndices() []int {
	missing := make([]int, 0)
	for i := 0; i < s.ChunkCount; i++ {
		if _, ok := s.Received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Clone returns a deep copy so callers can mutate the result freely.
func (s UploadSession) Clone() UploadSession {
	out := s
	out.Received = make(map[int]ChunkRecord, len(s.Received))
	for k, v := range s.Received {
		out.Received[k] = v
	}
	if s.AssetID != nil {
		id := *s.AssetID
		out.AssetID = &id
	}
	return out
}

type EncodingStatus string

const (
	EncodingQueued     EncodingStatus = "queued"
	EncodingProcessing EncodingStatus = "processing"
	EncodingReady      EncodingStatus = "ready"
	EncodingFailed     EncodingStatus = "failed"
)

// MaxEncodingAttempts is the number of transcoder runs an asset gets before a
// failure becomes terminal.
const MaxEncodingAttempts = 2

type MediaAsset struct {
	ID                  string         `json:"id"`
	ChannelID           string         `json:"channelId"`
	UploadID            string         `json:"uploadId"`
	Filename            string         `json:"filename"`
	SourceLocator       string         `json:"sourceLocator"`
	SizeBytes           int64          `json:"sizeBytes"`
	Status              EncodingStatus `json:"status"`
	Attempts            int            `json:"attempts"`
	FailureReason       string         `json:"failureReason,omitempty"`
	PlaybackLocator     string         `json:"playbackLocator,omitempty"`
	DurationSeconds     *float64       `json:"durationSeconds,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
	ProcessingStartedAt *time.Time     `json:"processingStartedAt,omitempty"`
	ReadyAt             *time.Time     `json:"readyAt,omitempty"`
}

// Terminal reports whether the asset will not change state again.
func (a MediaAsset) Terminal() bool {
	return a.Status == EncodingReady || (a.Status == EncodingFailed && a.Attempts >= MaxEncodingAttempts)
}

type CommentKind string

const (
	CommentGeneral   CommentKind = "general"
	CommentTechnical CommentKind = "technical"
)

// Valid reports whether k is a known comment kind.
func (k CommentKind) Valid() bool {
	return k == CommentGeneral || k == CommentTechnical
}

// Comment is a timestamp-anchored annotation. Sequence is the channel ledger
// position assigned at creation; Revision is the ledger position of the most
// recent mutation and is what catch-up cursors compare against.
type Comment struct {
	ID              string      `json:"id"`
	ChannelID       string      `json:"channelId"`
	Author          string      `json:"author"`
	MediaTimestamp  float64     `json:"mediaTimestamp"`
	LogicalSequence int         `json:"logicalSequence"`
	Sequence        int64       `json:"sequence"`
	Revision        int64       `json:"revision"`
	Content         string      `json:"content"`
	Kind            CommentKind `json:"kind"`
	Deleted         bool        `json:"deleted"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	DeletedAt       *time.Time  `json:"deletedAt,omitempty"`
}

// Less orders comments by media timestamp then logical sequence.
func (c Comment) Less(other Comment) bool {
	if c.MediaTimestamp != other.MediaTimestamp {
		return c.MediaTimestamp < other.MediaTimestamp
	}
	return c.LogicalSequence < other.LogicalSequence
}

type PresenceEntry struct {
	Identity        string    `json:"identity"`
	ChannelID       string    `json:"channelId"`
	ConnectionID    string    `json:"connectionId"`
	Cursor          *float64  `json:"cursor,omitempty"`
	JoinedAt        time.Time `json:"joinedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}
