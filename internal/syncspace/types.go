package syncspace

import (
	"time"
)

const (
	FlavourLocal = "local"
	FlavourCloud = "cloud"

	// RootDocPriority is assigned to the root document so workspace
	// identity resolves before any subdocument content.
	RootDocPriority = 100
)

type WorkspaceMetadata struct {
	ID      string `json:"id"`
	Flavour string `json:"flavour"`
}

type WorkspaceOptions struct {
	ID            string `json:"id"`
	PeerID        string `json:"peerId"`
	Type          string `json:"type"`
	ServerBaseURL string `json:"serverBaseUrl,omitempty"`
	DataDir       string `json:"dataDir,omitempty"`
	DSN           string `json:"dsn,omitempty"`
}

type DocRecord struct {
	DocID string `json:"docId"`
	Bin   []byte `json:"bin"`
}

type BlobRecord struct {
	Key       string    `json:"key"`
	Data      []byte    `json:"data"`
	Mime      string    `json:"mime"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

type ListedBlob struct {
	Key       string    `json:"key"`
	Mime      string    `json:"mime"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

type AwarenessUpdate struct {
	WorkspaceID string `json:"workspaceId"`
	PeerID      string `json:"peerId"`
	// Full marks a periodic full-state broadcast rather than a diff.
	Full    bool   `json:"full"`
	Payload []byte `json:"payload"`
}

type SyncState int

const (
	SyncStateNotLoaded SyncState = iota
	SyncStateLoading
	SyncStateSynced
	SyncStateError
)

func (s SyncState) String() string {
	switch s {
	case SyncStateNotLoaded:
		return "not-loaded"
	case SyncStateLoading:
		return "loading"
	case SyncStateSynced:
		return "synced"
	case SyncStateError:
		return "sync-error"
	default:
		return "unknown"
	}
}

type DocState struct {
	DocID     string    `json:"docId"`
	Root      bool      `json:"root"`
	State     SyncState `json:"state"`
	LastError string    `json:"lastError,omitempty"`
}

type BackendSpec struct {
	Name string           `json:"name"`
	Opts WorkspaceOptions `json:"opts"`
}

// WorkerInitOptions is the backend bundle passed once at engine start.
// Remotes lists remote-backend-group alternatives; the orchestrator uses
// the first group.
type WorkerInitOptions struct {
	Local   []BackendSpec   `json:"local"`
	Remotes [][]BackendSpec `json:"remotes"`
}

type WorkspaceProfile struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarKey string `json:"avatarKey,omitempty"`
	IsOwner   bool   `json:"isOwner"`
	IsAdmin   bool   `json:"isAdmin"`
	IsTeam    bool   `json:"isTeam"`
}

type RemoteWorkspace struct {
	ID          string `json:"id"`
	Initialized bool   `json:"initialized"`
}
