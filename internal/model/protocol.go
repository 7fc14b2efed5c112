package model

// MaxPushBatch is the maximum number of records in one push request
const MaxPushBatch = 100

// ChangeSet groups a batch of changes for one entity. Deletions are full
// records with Deleted set.
type ChangeSet struct {
	Created []Record `json:"created,omitempty"`
	Updated []Record `json:"updated,omitempty"`
	Deleted []Record `json:"deleted,omitempty"`
}

// Len returns the number of records in the change set
func (c ChangeSet) Len() int {
	return len(c.Created) + len(c.Updated) + len(c.Deleted)
}

// PushRequest is the body of POST /sync/push
type PushRequest struct {
	LastPulledAt int64                `json:"lastPulledAt"`
	Changes      map[Entity]ChangeSet `json:"changes,omitempty"`
}

// PushResponse acknowledges an entire push batch
type PushResponse struct {
	Accepted  bool  `json:"accepted"`
	Timestamp int64 `json:"timestamp"`
	Conflicts int   `json:"conflicts,omitempty"`
}

// PullRequest is the body of POST /sync/pull
type PullRequest struct {
	LastPulledAt int64    `json:"lastPulledAt"`
	Entities     []Entity `json:"entities,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

// PullChanges are the server changes for one entity
type PullChanges struct {
	Updated []Record `json:"updated,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
}

// PullResponse is one page of server changes
type PullResponse struct {
	Timestamp int64                  `json:"timestamp"`
	Changes   map[Entity]PullChanges `json:"changes,omitempty"`
	Conflicts []Conflict             `json:"conflicts,omitempty"`
	HasMore   bool                   `json:"hasMore,omitempty"`
}

// CompleteUploadRequest finalizes a chunked upload
type CompleteUploadRequest struct {
	TotalChunks int `json:"totalChunks"`
}

// CompleteUploadResponse returns the remote object reference
type CompleteUploadResponse struct {
	ObjectKey string `json:"objectKey"`
	Size      int64  `json:"size,omitempty"`
}

// ChunkHashHeader carries the hex sha256 of an uploaded chunk
const ChunkHashHeader = "X-Chunk-Sha256"
