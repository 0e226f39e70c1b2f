package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

// memRepo mirrors the conditional-update semantics of the SQL stores.
type memRepo struct {
	mu        sync.Mutex
	subs      map[string]*domain.Submission
	nextID    int64
	appendErr error
}

func newMemRepo() *memRepo {
	return &memRepo{subs: make(map[string]*domain.Submission)}
}

func (r *memRepo) add(sub domain.Submission) *domain.Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub.ID = r.nextID
	if sub.ExternalRef == "" {
		sub.ExternalRef = uuid.NewString()
	}
	if sub.PendingChunks == nil {
		sub.PendingChunks = []string{}
	}
	if sub.FinalizedOutputs == nil {
		sub.FinalizedOutputs = []string{}
	}
	r.subs[sub.ExternalRef] = &sub
	return cloneSub(&sub)
}

func (r *memRepo) snapshot(ref string) *domain.Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[ref]
	if !ok {
		return nil
	}
	return cloneSub(sub)
}

func cloneSub(sub *domain.Submission) *domain.Submission {
	out := *sub
	out.PendingChunks = append([]string{}, sub.PendingChunks...)
	out.FinalizedOutputs = append([]string{}, sub.FinalizedOutputs...)
	return &out
}

func missing(ref string) error {
	return domain.WrapError(domain.ErrSubmissionNotFound, "mem repo", fmt.Errorf("ref=%s", ref))
}

func (r *memRepo) Create(_ context.Context, sub *domain.Submission) error {
	created := r.add(*sub)
	sub.ID = created.ID
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id int64) (*domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.ID == id {
			return cloneSub(sub), nil
		}
	}
	return nil, domain.WrapError(domain.ErrSubmissionNotFound, "mem repo", fmt.Errorf("id=%d", id))
}

func (r *memRepo) GetByRef(_ context.Context, ref string) (*domain.Submission, error) {
	if sub := r.snapshot(ref); sub != nil {
		return sub, nil
	}
	return nil, missing(ref)
}

func (r *memRepo) ListCompleted(_ context.Context, limit int) ([]domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.Submission{}
	for _, sub := range r.subs {
		if sub.CompletedAt != nil {
			out = append(out, *cloneSub(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(*out[j].CompletedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) AppendPendingChunk(_ context.Context, ref, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	sub, ok := r.subs[ref]
	if !ok {
		return missing(ref)
	}
	if sub.Processing {
		return domain.WrapError(domain.ErrFinalizeInProgress, "mem repo", errRefBusy(ref))
	}
	if !sub.HasPending(name) {
		sub.PendingChunks = append(sub.PendingChunks, name)
	}
	return nil
}

func (r *memRepo) ClearPending(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[ref]
	if !ok {
		return missing(ref)
	}
	if sub.Processing {
		return domain.WrapError(domain.ErrFinalizeInProgress, "mem repo", errRefBusy(ref))
	}
	sub.PendingChunks = []string{}
	return nil
}

func (r *memRepo) BeginProcessing(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[ref]
	if !ok {
		return missing(ref)
	}
	if sub.Processing {
		return domain.WrapError(domain.ErrFinalizeInProgress, "mem repo", errRefBusy(ref))
	}
	now := time.Now().UTC()
	sub.Processing = true
	sub.ProcessingSince = &now
	return nil
}

func (r *memRepo) EndProcessing(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[ref]
	if !ok {
		return missing(ref)
	}
	sub.Processing = false
	sub.ProcessingSince = nil
	return nil
}

func (r *memRepo) CompleteFinalize(_ context.Context, ref, output string, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[ref]
	if !ok {
		return missing(ref)
	}
	sub.FinalizedOutputs = append(sub.FinalizedOutputs, output)
	sub.PendingChunks = []string{}
	sub.Processing = false
	sub.ProcessingSince = nil
	sub.CompletedAt = &completedAt
	return nil
}

func (r *memRepo) RemoveFinalizedOutput(_ context.Context, ref, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[ref]
	if !ok {
		return missing(ref)
	}
	if !sub.HasOutput(name) {
		return domain.WrapError(domain.ErrOutputNotFound, "mem repo", fmt.Errorf("name=%s", name))
	}
	kept := []string{}
	for _, output := range sub.FinalizedOutputs {
		if output != name {
			kept = append(kept, output)
		}
	}
	sub.FinalizedOutputs = kept
	if len(kept) == 0 {
		sub.CompletedAt = nil
	}
	return nil
}

func (r *memRepo) ResetStaleProcessing(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, sub := range r.subs {
		if sub.Processing && (sub.ProcessingSince == nil || sub.ProcessingSince.Before(before)) {
			sub.Processing = false
			sub.ProcessingSince = nil
			n++
		}
	}
	return n, nil
}

func (r *memRepo) Delete(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[ref]; !ok {
		return missing(ref)
	}
	delete(r.subs, ref)
	return nil
}

// memStore keeps files in maps keyed by fake paths.
type memStore struct {
	mu        sync.Mutex
	scratch   map[string]map[string][]byte
	outputs   map[string]map[string][]byte
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{
		scratch: make(map[string]map[string][]byte),
		outputs: make(map[string]map[string][]byte),
	}
}

func (s *memStore) put(ref, name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scratch[ref] == nil {
		s.scratch[ref] = make(map[string][]byte)
	}
	s.scratch[ref][name] = data
}

// writePath lets the fake engine create files by path.
func (s *memStore) writePath(p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) != 3 {
		return fmt.Errorf("bad fake path %q", p)
	}
	target := s.scratch
	if parts[0] == "out" {
		target = s.outputs
	}
	if target[parts[1]] == nil {
		target[parts[1]] = make(map[string][]byte)
	}
	target[parts[1]][parts[2]] = data
	return nil
}

func (s *memStore) scratchNames(ref string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := []string{}
	for name := range s.scratch[ref] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *memStore) hasScratch(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.scratch[ref]
	return ok
}

func (s *memStore) hasOutput(ref, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.outputs[ref][name]
	return ok
}

func (s *memStore) Append(_ context.Context, ref, name string, body io.Reader) (int64, error) {
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return int64(len(data)), domain.WrapError(domain.ErrIO, "mem store", err)
	}
	s.put(ref, name, data)
	return int64(len(data)), nil
}

func (s *memStore) List(_ context.Context, ref string) ([]string, error) {
	names := []string{}
	for _, name := range s.scratchNames(ref) {
		if domain.IsPlainName(name) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *memStore) Exists(ref, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.scratch[ref][name]
	return ok && domain.IsPlainName(name)
}

func (s *memStore) ChunkPath(ref, name string) string   { return "/scratch/" + ref + "/" + name }
func (s *memStore) ScratchPath(ref, name string) string { return "/scratch/" + ref + "/~" + name }
func (s *memStore) OutputPath(ref, name string) string  { return "/out/" + ref + "/" + name }

func (s *memStore) RemoveChunk(_ context.Context, ref, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scratch[ref], name)
	return nil
}

func (s *memStore) RemoveOutput(_ context.Context, ref, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outputs[ref], name)
	return nil
}

func (s *memStore) Purge(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scratch, ref)
	return nil
}

func (s *memStore) PurgeIntermediates(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.scratch[ref] {
		if strings.HasPrefix(name, domain.IntermediatePrefix) || strings.HasPrefix(name, ".part-") {
			delete(s.scratch[ref], name)
		}
	}
	return nil
}

func (s *memStore) RemoveAll(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scratch, ref)
	delete(s.outputs, ref)
	return nil
}

// fakeEngine writes placeholder files through memStore and can be told to
// fail or block.
type fakeEngine struct {
	store *memStore

	mu           sync.Mutex
	concatInputs [][]string
	transcodes   []domain.TranscodeOptions

	concatErr    error
	transcodeErr error
	// entered is closed when Concat starts; Concat then waits for release.
	entered     chan struct{}
	release     chan struct{}
	onTranscode func()
}

func (e *fakeEngine) Concat(ctx context.Context, inputs []string, output string) error {
	e.mu.Lock()
	e.concatInputs = append(e.concatInputs, append([]string{}, inputs...))
	e.mu.Unlock()

	if e.entered != nil {
		close(e.entered)
		select {
		case <-e.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// A failing concat still leaves a partial intermediate, as ffmpeg does.
	if err := e.store.writePath(output, []byte("merged")); err != nil {
		return err
	}
	return e.concatErr
}

func (e *fakeEngine) Transcode(_ context.Context, _, output string, opts domain.TranscodeOptions) error {
	e.mu.Lock()
	e.transcodes = append(e.transcodes, opts)
	e.mu.Unlock()

	if e.onTranscode != nil {
		e.onTranscode()
	}
	if err := e.store.writePath(output, []byte("partial")); err != nil {
		return err
	}
	return e.transcodeErr
}

type fakeNotifier struct {
	mu        sync.Mutex
	completed []domain.CompletionEvent
	links     []domain.LinkEvent
	err       error
}

func (n *fakeNotifier) NotifyCompleted(_ context.Context, event domain.CompletionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, event)
	return n.err
}

func (n *fakeNotifier) NotifyRecordingLink(_ context.Context, event domain.LinkEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links = append(n.links, event)
	return n.err
}

type fakeQueue struct {
	jobs []domain.FinalizeJob
	err  error
}

func (q *fakeQueue) PublishFinalize(_ context.Context, job domain.FinalizeJob) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) SubscribeFinalize(context.Context, func(context.Context, domain.FinalizeJob) error) error {
	return errors.New("not implemented")
}

// keyedGate is a minimal in-memory FinalizeGate and SubmissionLocker.
type keyedGate struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newKeyedGate() *keyedGate {
	return &keyedGate{held: make(map[string]chan struct{})}
}

func (g *keyedGate) TryLock(key string) (func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return nil, false
	}
	return g.acquire(key), true
}

func (g *keyedGate) Lock(ctx context.Context, key string) (func(), error) {
	for {
		g.mu.Lock()
		released, busy := g.held[key]
		if !busy {
			unlock := g.acquire(key)
			g.mu.Unlock()
			return unlock, nil
		}
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-released:
		}
	}
}

func (g *keyedGate) acquire(key string) func() {
	ch := make(chan struct{})
	g.held[key] = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
			close(ch)
		})
	}
}

type recordingObserver struct {
	mu                   sync.Mutex
	started              int
	outcomes             []string
	notificationFailures int
}

func (o *recordingObserver) StartFinalize() {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) FinishFinalize(outcome string, _ int, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) NotificationFailed(string) {
	o.mu.Lock()
	o.notificationFailures++
	o.mu.Unlock()
}
