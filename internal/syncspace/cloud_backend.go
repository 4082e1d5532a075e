package syncspace

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CloudDocStorage reads and writes the document update log through the
// server's named-operation transport.
type CloudDocStorage struct {
	transport   Transport
	workspaceID string
}

func NewCloudDocStorage(transport Transport, opts WorkspaceOptions) *CloudDocStorage {
	return &CloudDocStorage{transport: transport, workspaceID: opts.ID}
}

func (s *CloudDocStorage) Name() string {
	return "cloud"
}

type cloudDocPayload struct {
	Bin *string `json:"bin"`
}

func (s *CloudDocStorage) GetDoc(ctx context.Context, docID string) (*DocRecord, error) {
	if docID == "" {
		return nil, ErrInvalidInput
	}
	data, err := s.transport.Call(ctx, "getDoc", map[string]any{
		"workspaceId": s.workspaceID,
		"docId":       docID,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var payload cloudDocPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode getDoc: %w", err)
	}
	if payload.Bin == nil {
		return nil, nil
	}
	bin, err := base64.StdEncoding.DecodeString(*payload.Bin)
	if err != nil {
		return nil, fmt.Errorf("decode getDoc payload: %w", err)
	}
	return &DocRecord{DocID: docID, Bin: bin}, nil
}

func (s *CloudDocStorage) PushDocUpdate(ctx context.Context, record DocRecord) error {
	if record.DocID == "" {
		return ErrInvalidInput
	}
	if len(record.Bin) == 0 {
		return nil
	}
	_, err := s.transport.Call(ctx, "pushDocUpdate", map[string]any{
		"workspaceId": s.workspaceID,
		"docId":       record.DocID,
		"bin":         base64.StdEncoding.EncodeToString(record.Bin),
	})
	return err
}

func (s *CloudDocStorage) Close() error {
	return nil
}

// CloudBlobStorage speaks the blob HTTP interface: GET by key returns
// the binary body, a 404-equivalent maps to not-found, and the
// last-modified header backfills createdAt.
type CloudBlobStorage struct {
	baseURL     string
	token       string
	workspaceID string
	httpClient  *http.Client
	maxSize     int64
}

func NewCloudBlobStorage(opts WorkspaceOptions, token string, httpClient *http.Client) *CloudBlobStorage {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CloudBlobStorage{
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.ServerBaseURL), "/"),
		token:       token,
		workspaceID: opts.ID,
		httpClient:  httpClient,
	}
}

func (s *CloudBlobStorage) Name() string {
	return "cloud"
}

func (s *CloudBlobStorage) SetMaxBlobSize(max int64) {
	s.maxSize = max
}

func (s *CloudBlobStorage) blobURL(key string) string {
	return fmt.Sprintf("%s/api/workspaces/%s/blobs/%s",
		s.baseURL, url.PathEscape(s.workspaceID), url.PathEscape(key))
}

func (s *CloudBlobStorage) do(req *http.Request) (*http.Response, error) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		return nil, unavailable("cloud", req.Method, err)
	}
	return resp, nil
}

func (s *CloudBlobStorage) Get(ctx context.Context, key string) (*BlobRecord, error) {
	if key == "" {
		return nil, ErrInvalidInput
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.blobURL(key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unavailable("cloud", "get", fmt.Errorf("status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable("cloud", "get", err)
	}
	createdAt := time.Time{}
	if lastModified := resp.Header.Get("Last-Modified"); lastModified != "" {
		if parsed, parseErr := http.ParseTime(lastModified); parseErr == nil {
			createdAt = parsed.UTC()
		}
	}
	return &BlobRecord{
		Key:       key,
		Data:      data,
		Mime:      resp.Header.Get("Content-Type"),
		Size:      int64(len(data)),
		CreatedAt: createdAt,
	}, nil
}

func (s *CloudBlobStorage) Set(ctx context.Context, record BlobRecord) error {
	if record.Key == "" {
		return ErrInvalidInput
	}
	if s.maxSize > 0 && int64(len(record.Data)) > s.maxSize {
		return ErrBlobTooLarge
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.blobURL(record.Key), bytes.NewReader(record.Data))
	if err != nil {
		return err
	}
	if record.Mime != "" {
		req.Header.Set("Content-Type", record.Mime)
	}
	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return unavailable("cloud", "set", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

func (s *CloudBlobStorage) Delete(ctx context.Context, key string, permanently bool) error {
	if key == "" {
		return ErrInvalidInput
	}
	target := s.blobURL(key)
	if permanently {
		target += "?permanent=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}
	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return unavailable("cloud", "delete", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

func (s *CloudBlobStorage) Release(ctx context.Context) error {
	target := fmt.Sprintf("%s/api/workspaces/%s/blobs/release", s.baseURL, url.PathEscape(s.workspaceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return err
	}
	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return unavailable("cloud", "release", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

func (s *CloudBlobStorage) List(ctx context.Context) ([]ListedBlob, error) {
	target := fmt.Sprintf("%s/api/workspaces/%s/blobs", s.baseURL, url.PathEscape(s.workspaceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unavailable("cloud", "list", fmt.Errorf("status %d", resp.StatusCode))
	}
	var listed []ListedBlob
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return nil, unavailable("cloud", "list", err)
	}
	return listed, nil
}

func (s *CloudBlobStorage) Close() error {
	return nil
}

// CloudAwarenessBackend broadcasts presence over a websocket. Lossy on
// purpose: a failed write is dropped, recovery comes from the periodic
// full-state broadcast.
type CloudAwarenessBackend struct {
	endpoint     string
	token        string
	workspaceID  string
	peerID       string
	fullInterval time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	local     []byte
	listeners map[int]func(AwarenessUpdate)
	nextID    int
	cancel    context.CancelFunc
}

func NewCloudAwarenessBackend(opts WorkspaceOptions, token string, fullInterval time.Duration) *CloudAwarenessBackend {
	if fullInterval <= 0 {
		fullInterval = 30 * time.Second
	}
	endpoint := strings.TrimRight(strings.TrimSpace(opts.ServerBaseURL), "/")
	endpoint = strings.Replace(endpoint, "https://", "wss://", 1)
	endpoint = strings.Replace(endpoint, "http://", "ws://", 1)
	return &CloudAwarenessBackend{
		endpoint:     fmt.Sprintf("%s/api/workspaces/%s/awareness", endpoint, url.PathEscape(opts.ID)),
		token:        token,
		workspaceID:  opts.ID,
		peerID:       opts.PeerID,
		fullInterval: fullInterval,
		listeners:    map[int]func(AwarenessUpdate){},
	}
}

func (a *CloudAwarenessBackend) Name() string {
	return "cloud"
}

func (a *CloudAwarenessBackend) Connect(ctx context.Context, localState []byte) error {
	header := http.Header{}
	if a.token != "" {
		header.Set("Authorization", "Bearer "+a.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, a.endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return unavailable("cloud", "awareness connect", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		cancel()
		_ = conn.Close()
		return ErrAlreadyStarted
	}
	a.conn = conn
	a.local = append([]byte(nil), localState...)
	a.cancel = cancel
	a.mu.Unlock()

	go a.readLoop()
	go a.fullBroadcastLoop(runCtx)

	return a.Broadcast(AwarenessUpdate{Full: true, Payload: localState})
}

func (a *CloudAwarenessBackend) Broadcast(update AwarenessUpdate) error {
	update.WorkspaceID = a.workspaceID
	update.PeerID = a.peerID
	a.mu.Lock()
	defer a.mu.Unlock()
	if update.Full {
		a.local = append([]byte(nil), update.Payload...)
	}
	if a.conn == nil {
		return nil
	}
	// A failed write is simply dropped; the next full-state broadcast
	// repairs whatever was missed.
	_ = a.conn.WriteJSON(update)
	return nil
}

func (a *CloudAwarenessBackend) Subscribe(fn func(AwarenessUpdate)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

func (a *CloudAwarenessBackend) readLoop() {
	for {
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			return
		}
		var update AwarenessUpdate
		if err := conn.ReadJSON(&update); err != nil {
			return
		}
		if update.PeerID == a.peerID {
			continue
		}
		a.mu.Lock()
		fns := make([]func(AwarenessUpdate), 0, len(a.listeners))
		for _, fn := range a.listeners {
			fns = append(fns, fn)
		}
		a.mu.Unlock()
		for _, fn := range fns {
			fn(update)
		}
	}
}

func (a *CloudAwarenessBackend) fullBroadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(a.fullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			local := append([]byte(nil), a.local...)
			a.mu.Unlock()
			_ = a.Broadcast(AwarenessUpdate{Full: true, Payload: local})
		}
	}
}

func (a *CloudAwarenessBackend) Close() error {
	a.mu.Lock()
	conn := a.conn
	cancel := a.cancel
	a.conn = nil
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
