package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/internal/engine"
	"inferd/internal/generator"
	"inferd/internal/manager"
	"inferd/pkg/types"
)

// Config wires a Service.
type Config struct {
	Manager   *manager.Manager
	Generator *generator.TextGenerator
	Logger    *zerolog.Logger
	Now       func() time.Time
}

// session is one conversation. sem serializes requests on it; fields other
// than lastUsed and cancel are only touched while sem is held.
type session struct {
	id    string
	sem   chan struct{}
	ctx   *manager.Context
	state generator.ContextState

	closed   bool
	lastUsed atomic.Int64

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func newSession(id string) *session {
	return &session{id: id, sem: make(chan struct{}, 1)}
}

func (ss *session) lock(ctx context.Context) error {
	select {
	case ss.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ss *session) tryLock() bool {
	select {
	case ss.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (ss *session) unlock() { <-ss.sem }

func (ss *session) setCancel(c context.CancelFunc) {
	ss.cancelMu.Lock()
	ss.cancel = c
	ss.cancelMu.Unlock()
}

// interrupt cancels the request currently running on the session, if any.
func (ss *session) interrupt() {
	ss.cancelMu.Lock()
	if ss.cancel != nil {
		ss.cancel()
	}
	ss.cancelMu.Unlock()
}

// Service serves generation requests against sessions.
type Service struct {
	mgr     *manager.Manager
	gen     *generator.TextGenerator
	log     zerolog.Logger
	now     func() time.Time
	started time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New constructs a Service. The manager's model may be loaded later;
// requests fail with ErrNotReady until it is.
func New(cfg Config) (*Service, error) {
	if cfg.Manager == nil || cfg.Generator == nil {
		return nil, errors.New("service: manager and generator are required")
	}
	s := &Service{
		mgr:      cfg.Manager,
		gen:      cfg.Generator,
		now:      cfg.Now,
		sessions: make(map[string]*session),
	}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	} else {
		s.log = zerolog.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.started = s.now()
	return s, nil
}

// Ready reports whether requests can be served.
func (s *Service) Ready() bool { return s.mgr.Ready() }

func validate(req types.GenerateRequest) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return invalidRequestError{msg: "prompt is required"}
	}
	if req.SessionID != "" {
		if err := manager.ValidateSessionID(req.SessionID); err != nil {
			return invalidRequestError{msg: err.Error()}
		}
	}
	if req.MaxTokens < 0 {
		return invalidRequestError{msg: "max_tokens must not be negative"}
	}
	if req.Temperature != nil && *req.Temperature < 0 {
		return invalidRequestError{msg: "temperature must not be negative"}
	}
	if req.TopP != nil && (*req.TopP <= 0 || *req.TopP > 1) {
		return invalidRequestError{msg: "top_p must be in (0, 1]"}
	}
	return nil
}

func generationRequest(req types.GenerateRequest) generator.GenerationRequest {
	return generator.GenerationRequest{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopTokens:  req.Stop,
		Seed:        req.Seed,
		Greedy:      req.Greedy,
	}
}

// begin validates req and returns its session locked, plus a context that
// DeleteSession and Close can cancel.
func (s *Service) begin(ctx context.Context, req types.GenerateRequest) (*session, context.Context, func(), error) {
	if err := validate(req); err != nil {
		return nil, nil, nil, err
	}
	if !s.mgr.Ready() {
		return nil, nil, nil, ErrNotReady
	}
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	sess, err := s.acquire(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	rctx, cancel := context.WithCancel(ctx)
	sess.setCancel(cancel)
	done := func() {
		sess.setCancel(nil)
		cancel()
		sess.lastUsed.Store(s.now().UnixNano())
		sess.unlock()
	}
	return sess, rctx, done, nil
}

// acquire returns the session locked, opening it on first use. A session
// closed while the caller waited for it (parked or deleted) is reopened.
func (s *Service) acquire(ctx context.Context, id string) (*session, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		sess, ok := s.sessions[id]
		if !ok {
			break
		}
		s.mu.Unlock()
		if err := sess.lock(ctx); err != nil {
			return nil, err
		}
		if !sess.closed {
			return sess, nil
		}
		sess.unlock()
	}
	sess := newSession(id)
	sess.tryLock()
	s.sessions[id] = sess
	s.mu.Unlock()

	if err := s.open(ctx, sess); err != nil {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		sess.closed = true
		sess.unlock()
		return nil, err
	}
	s.updateGauge()
	return sess, nil
}

// open gives sess a sequence slot and a context, restoring its saved cache
// when one exists. An unreadable cache is discarded.
func (s *Service) open(ctx context.Context, sess *session) error {
	if _, err := s.mgr.AssignSequence(sess.id); err != nil {
		if !manager.IsTooBusy(err) || !s.parkIdle(sess) {
			return err
		}
		if _, err := s.mgr.AssignSequence(sess.id); err != nil {
			return err
		}
	}
	c, err := s.mgr.CreateContext()
	if err != nil {
		s.mgr.ReleaseSequence(sess.id)
		return err
	}
	sess.ctx = c
	toks, err := s.mgr.LoadSessionKVCache(ctx, c, sess.id, "", 0)
	switch {
	case err != nil:
		s.log.Warn().Err(err).Str("session", sess.id).Msg("discarding unreadable session cache")
		if terr := c.Truncate(ctx, 0); terr != nil {
			_ = c.Close()
			s.mgr.ReleaseSequence(sess.id)
			return terr
		}
		sess.state.Reset()
	case toks != nil:
		sess.state.Restore(toks)
		s.log.Debug().Str("session", sess.id).Int("tokens", len(toks)).Msg("session restored from cache")
	}
	return nil
}

// parkIdle closes the least recently used idle session other than except.
// Its cache was saved after its last request, so it resumes from disk.
func (s *Service) parkIdle(except *session) bool {
	s.mu.Lock()
	cands := make([]*session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		if ss != except {
			cands = append(cands, ss)
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].lastUsed.Load() < cands[j].lastUsed.Load() })
	var victim *session
	for _, ss := range cands {
		if !ss.tryLock() {
			continue
		}
		if ss.closed || ss.ctx == nil {
			ss.unlock()
			continue
		}
		victim = ss
		delete(s.sessions, ss.id)
		break
	}
	s.mu.Unlock()
	if victim == nil {
		return false
	}
	s.closeLocked(victim)
	victim.unlock()
	sessionsParkedTotal.Inc()
	s.log.Debug().Str("session", victim.id).Msg("parked idle session")
	return true
}

// closeLocked frees the session's context and sequence slot. The caller
// holds sess.sem and has removed it from the map.
func (s *Service) closeLocked(sess *session) {
	if sess.closed {
		return
	}
	sess.closed = true
	if sess.ctx != nil {
		if err := sess.ctx.Close(); err != nil {
			s.log.Warn().Err(err).Str("session", sess.id).Msg("close context")
		}
	}
	s.mgr.ReleaseSequence(sess.id)
	s.updateGauge()
}

func (s *Service) updateGauge() {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	sessionsActive.Set(float64(n))
}

// drop removes a session whose context can no longer be used.
func (s *Service) drop(sess *session) {
	s.mu.Lock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()
	s.closeLocked(sess)
}

// persist saves the decoded part of seq as the session cache and records
// it as the session state. Save failures are logged only.
func (s *Service) persist(ctx context.Context, sess *session, prompt string, seq []engine.Token) {
	n := min(sess.state.CurrentPosition, len(seq))
	if n == 0 {
		return
	}
	kept := seq[:n]
	if err := s.mgr.SaveSessionKVCache(context.WithoutCancel(ctx), sess.ctx, sess.id, kept, "", s.mgr.MaxCacheFiles()); err != nil {
		s.log.Warn().Err(err).Str("session", sess.id).Msg("save session cache")
	}
	// The cache now ends with generated tokens whose logits are not current,
	// so the next request re-decodes at least its last prompt token.
	sess.state.Restore(kept)
	sess.state.PromptText = prompt
}

func (s *Service) afterError(sess *session, err error) {
	if generator.IsContextLock(err) {
		s.drop(sess)
	}
}

// Generate runs a batch generation on the request's session.
func (s *Service) Generate(ctx context.Context, req types.GenerateRequest) (resp *types.GenerateResponse, err error) {
	defer func() { observeRequest("batch", err) }()
	sess, rctx, done, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	defer done()

	out, err := s.gen.GenerateTextWithContext(rctx, sess.ctx, &sess.state, req.Prompt, generationRequest(req))
	if err != nil {
		s.afterError(sess, err)
		return nil, err
	}
	s.persist(ctx, sess, req.Prompt, out.CompleteTokenSequence)
	return &types.GenerateResponse{
		SessionID:       sess.id,
		Text:            out.Text,
		TokensGenerated: out.TokensGenerated,
		PromptTokens:    out.PromptTokens,
		GenerationMS:    out.GenerationTime.Milliseconds(),
		FinishReason:    out.FinishReason.Reason,
	}, nil
}

// Stream runs a streaming generation, handing each chunk to emit in order.
// The last chunk has Done set. When emit fails the generation stops and
// the emit error is returned.
func (s *Service) Stream(ctx context.Context, req types.GenerateRequest, emit func(types.StreamChunk) error) (err error) {
	defer func() { observeRequest("stream", err) }()
	sess, rctx, done, err := s.begin(ctx, req)
	if err != nil {
		return err
	}
	defer done()

	type result struct {
		res *generator.StreamResult
		err error
	}
	out := generator.NewChunkStream()
	resc := make(chan result, 1)
	go func() {
		res, err := s.gen.GenerateStreamWithContext(rctx, sess.ctx, &sess.state, req.Prompt, generationRequest(req), out)
		resc <- result{res: res, err: err}
	}()

	var emitErr error
	for c := range out.C() {
		if emitErr != nil {
			continue
		}
		chunk := types.StreamChunk{SessionID: sess.id, Text: c.Text, TokenCount: c.TokenCount, Done: c.IsComplete}
		if c.FinishReason != nil {
			chunk.FinishReason = c.FinishReason.Reason
		}
		if err := emit(chunk); err != nil {
			emitErr = err
			out.Close()
		}
	}
	r := <-resc
	if r.res != nil {
		s.persist(ctx, sess, req.Prompt, r.res.CompleteTokenSequence)
	}
	if emitErr != nil {
		return emitErr
	}
	if r.err != nil {
		s.afterError(sess, r.err)
		return r.err
	}
	return nil
}

// DeleteSession interrupts any request running on id, closes its context
// and deletes its saved cache.
func (s *Service) DeleteSession(ctx context.Context, id string) (types.DeleteSessionResponse, error) {
	resp := types.DeleteSessionResponse{SessionID: id}
	if err := manager.ValidateSessionID(id); err != nil {
		return resp, invalidRequestError{msg: err.Error()}
	}
	s.mu.Lock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if sess != nil {
		sess.interrupt()
		if err := sess.lock(context.WithoutCancel(ctx)); err != nil {
			return resp, err
		}
		resp.Closed = !sess.closed
		s.closeLocked(sess)
		sess.unlock()
	}
	resp.CacheDeleted = s.mgr.HasSessionKVCache(id, "")
	s.mgr.CleanupSession(id)
	s.log.Info().Str("session", id).Bool("closed", resp.Closed).Bool("cache_deleted", resp.CacheDeleted).Msg("session deleted")
	return resp, nil
}

// CacheEntries lists saved session caches, most recently used first.
func (s *Service) CacheEntries() []types.CacheEntry {
	entries := s.mgr.KVCacheEntries()
	out := make([]types.CacheEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.CacheEntry{
			SessionID:        e.SessionID,
			Path:             e.CacheFilePath,
			SizeBytes:        e.SizeBytes,
			LastAccessedUnix: e.LastAccessed.Unix(),
		})
	}
	return out
}

// Status summarizes the model and sessions.
func (s *Service) Status() types.StatusResponse {
	snap := s.mgr.Snapshot()
	now := s.now()
	st := types.StatusResponse{
		State:          string(snap.State),
		LastError:      snap.Err,
		MaxSessions:    s.mgr.MaxSequences(),
		CacheEntries:   s.CacheEntries(),
		UptimeSeconds:  int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
	if ls := snap.Stats; ls != nil {
		st.Model = &types.ModelStatus{
			ID:                 ls.ModelID,
			Path:               ls.ModelPath,
			Quant:              ls.Quant,
			SizeBytes:          int64(ls.SizeBytes),
			FootprintBytes:     ls.FootprintBytes,
			TrainContextLength: ls.TrainContextLength,
			ContextLength:      ls.ContextLength,
			LoadTimeMS:         ls.LoadTime.Milliseconds(),
			Attempts:           ls.Attempts,
			LoadedAtUnix:       ls.LoadedAt.Unix(),
		}
	}
	s.mu.Lock()
	st.ActiveSessions = len(s.sessions)
	s.mu.Unlock()
	return st
}

// Close interrupts running requests, closes every session and then the
// manager. Saved caches are kept.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := make([]*session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		open = append(open, ss)
	}
	s.sessions = map[string]*session{}
	s.mu.Unlock()

	for _, ss := range open {
		ss.interrupt()
		_ = ss.lock(context.Background())
		s.closeLocked(ss)
		ss.unlock()
	}
	return s.mgr.Close()
}
