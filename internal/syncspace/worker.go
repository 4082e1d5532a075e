package syncspace

import (
	"context"
	"sync"
)

type workerOp int

const (
	opAddDoc workerOp = iota
	opAddPriority
	opGetDoc
	opPushDoc
	opBlobGet
	opBlobSet
	opBlobDelete
	opBlobRelease
	opBlobList
	opAwareConnect
	opAwareBroadcast
	opAwareSubscribe
	opDocStates
	opRootState
)

type workerRequest struct {
	op          workerOp
	ctx         context.Context
	docID       string
	isRoot      bool
	weight      int
	docRecord   DocRecord
	blobKey     string
	blobRecord  BlobRecord
	permanently bool
	localState  []byte
	awareness   AwarenessUpdate
	awareFn     func(AwarenessUpdate)
	reply       chan workerResponse
}

type workerResponse struct {
	docRecord  *DocRecord
	blobRecord *BlobRecord
	blobs      []ListedBlob
	states     []DocState
	state      DocState
	unsub      func()
	err        error
}

// OrchestratorHandle joins the engine task and the sync worker task with
// channels. The worker goroutine is the only owner of the orchestrator
// and its backends; the engine side holds nothing but the channel ends,
// so the two sides never share mutable state.
type OrchestratorHandle struct {
	requests chan workerRequest
	states   chan DocState
	stopped  chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// StartOrchestratorHandle builds and starts an orchestrator, then spawns
// the worker goroutine serving requests against it.
func StartOrchestratorHandle(opts OrchestratorOptions) (*OrchestratorHandle, error) {
	orch, err := NewOrchestrator(opts)
	if err != nil {
		return nil, err
	}
	if err := orch.Start(); err != nil {
		return nil, err
	}
	h := &OrchestratorHandle{
		requests: make(chan workerRequest),
		states:   make(chan DocState, 64),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	unsubscribe := orch.SubscribeDocState(func(state DocState) {
		select {
		case h.states <- state:
		default:
		}
	})
	go h.serve(orch, unsubscribe)
	return h, nil
}

func (h *OrchestratorHandle) serve(orch *Orchestrator, unsubscribe func()) {
	defer close(h.done)
	defer close(h.states)
	doc := orch.Doc()
	blob := orch.Blob()
	awareness := orch.Awareness()
	for {
		select {
		case <-h.stopped:
			unsubscribe()
			orch.Stop()
			return
		case req := <-h.requests:
			req.reply <- dispatch(orch, doc, blob, awareness, req)
		}
	}
}

func dispatch(orch *Orchestrator, doc *DocFrontend, blob *BlobFrontend, awareness *AwarenessFrontend, req workerRequest) workerResponse {
	switch req.op {
	case opAddDoc:
		orch.AddDoc(req.docID, req.isRoot)
		return workerResponse{}
	case opAddPriority:
		orch.AddPriority(req.docID, req.weight)
		return workerResponse{}
	case opGetDoc:
		record, err := doc.GetDoc(req.ctx, req.docID)
		return workerResponse{docRecord: record, err: err}
	case opPushDoc:
		return workerResponse{err: doc.PushDocUpdate(req.ctx, req.docRecord)}
	case opBlobGet:
		record, err := blob.Get(req.ctx, req.blobKey)
		return workerResponse{blobRecord: record, err: err}
	case opBlobSet:
		return workerResponse{err: blob.Set(req.ctx, req.blobRecord)}
	case opBlobDelete:
		return workerResponse{err: blob.Delete(req.ctx, req.blobKey, req.permanently)}
	case opBlobRelease:
		return workerResponse{err: blob.Release(req.ctx)}
	case opBlobList:
		blobs, err := blob.List(req.ctx)
		return workerResponse{blobs: blobs, err: err}
	case opAwareConnect:
		return workerResponse{err: awareness.Connect(req.ctx, req.localState)}
	case opAwareBroadcast:
		return workerResponse{err: awareness.Broadcast(req.awareness)}
	case opAwareSubscribe:
		return workerResponse{unsub: awareness.Subscribe(req.awareFn)}
	case opDocStates:
		return workerResponse{states: orch.DocStates()}
	case opRootState:
		return workerResponse{state: orch.RootDocState()}
	default:
		return workerResponse{err: ErrInvalidInput}
	}
}

func (h *OrchestratorHandle) call(ctx context.Context, req workerRequest) (workerResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req.ctx = ctx
	req.reply = make(chan workerResponse, 1)
	select {
	case h.requests <- req:
	case <-h.stopped:
		return workerResponse{}, ErrNotInitialized
	case <-ctx.Done():
		return workerResponse{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return workerResponse{}, ctx.Err()
	}
}

func (h *OrchestratorHandle) AddDoc(docID string, isRoot bool) error {
	_, err := h.call(context.Background(), workerRequest{op: opAddDoc, docID: docID, isRoot: isRoot})
	return err
}

func (h *OrchestratorHandle) AddPriority(docID string, weight int) error {
	_, err := h.call(context.Background(), workerRequest{op: opAddPriority, docID: docID, weight: weight})
	return err
}

func (h *OrchestratorHandle) GetDoc(ctx context.Context, docID string) (*DocRecord, error) {
	resp, err := h.call(ctx, workerRequest{op: opGetDoc, docID: docID})
	if err != nil {
		return nil, err
	}
	return resp.docRecord, resp.err
}

func (h *OrchestratorHandle) PushDocUpdate(ctx context.Context, record DocRecord) error {
	resp, err := h.call(ctx, workerRequest{op: opPushDoc, docRecord: record})
	if err != nil {
		return err
	}
	return resp.err
}

func (h *OrchestratorHandle) GetBlob(ctx context.Context, key string) (*BlobRecord, error) {
	resp, err := h.call(ctx, workerRequest{op: opBlobGet, blobKey: key})
	if err != nil {
		return nil, err
	}
	return resp.blobRecord, resp.err
}

func (h *OrchestratorHandle) SetBlob(ctx context.Context, record BlobRecord) error {
	resp, err := h.call(ctx, workerRequest{op: opBlobSet, blobRecord: record})
	if err != nil {
		return err
	}
	return resp.err
}

func (h *OrchestratorHandle) DeleteBlob(ctx context.Context, key string, permanently bool) error {
	resp, err := h.call(ctx, workerRequest{op: opBlobDelete, blobKey: key, permanently: permanently})
	if err != nil {
		return err
	}
	return resp.err
}

func (h *OrchestratorHandle) ReleaseBlobs(ctx context.Context) error {
	resp, err := h.call(ctx, workerRequest{op: opBlobRelease})
	if err != nil {
		return err
	}
	return resp.err
}

func (h *OrchestratorHandle) ListBlobs(ctx context.Context) ([]ListedBlob, error) {
	resp, err := h.call(ctx, workerRequest{op: opBlobList})
	if err != nil {
		return nil, err
	}
	return resp.blobs, resp.err
}

func (h *OrchestratorHandle) ConnectAwareness(ctx context.Context, localState []byte) error {
	resp, err := h.call(ctx, workerRequest{op: opAwareConnect, localState: localState})
	if err != nil {
		return err
	}
	return resp.err
}

func (h *OrchestratorHandle) BroadcastAwareness(update AwarenessUpdate) error {
	resp, err := h.call(context.Background(), workerRequest{op: opAwareBroadcast, awareness: update})
	if err != nil {
		return err
	}
	return resp.err
}

func (h *OrchestratorHandle) SubscribeAwareness(fn func(AwarenessUpdate)) (func(), error) {
	resp, err := h.call(context.Background(), workerRequest{op: opAwareSubscribe, awareFn: fn})
	if err != nil {
		return nil, err
	}
	return resp.unsub, resp.err
}

func (h *OrchestratorHandle) DocStates() ([]DocState, error) {
	resp, err := h.call(context.Background(), workerRequest{op: opDocStates})
	if err != nil {
		return nil, err
	}
	return resp.states, resp.err
}

func (h *OrchestratorHandle) RootDocState() (DocState, error) {
	resp, err := h.call(context.Background(), workerRequest{op: opRootState})
	if err != nil {
		return DocState{}, err
	}
	return resp.state, resp.err
}

// DocStateEvents is the worker-to-engine notification channel. Delivery
// is lossy; DocStates remains the authoritative snapshot.
func (h *OrchestratorHandle) DocStateEvents() <-chan DocState {
	return h.states
}

// Stop shuts the worker down and waits for it to exit.
func (h *OrchestratorHandle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopped)
	})
	<-h.done
}
