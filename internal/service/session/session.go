// Package session runs the network side of one presentation build: content
// generation over the progress stream, the build request and the preview
// lookup.
package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ChaseRain/pptwizard/internal/infra/httpclient"
	"github.com/ChaseRain/pptwizard/internal/infra/limiter"
	"github.com/ChaseRain/pptwizard/internal/infra/logger"
	"github.com/ChaseRain/pptwizard/internal/service/backend"
	"github.com/ChaseRain/pptwizard/internal/service/outline"
	"github.com/ChaseRain/pptwizard/internal/service/stream"
	"github.com/ChaseRain/pptwizard/pkg/errors"
	"github.com/ChaseRain/pptwizard/pkg/util"
)

const (
	opGenerate = "generate"
	opBuild    = "build"
)

// Backend is the subset of the backend client a session drives.
type Backend interface {
	GenerateContent(ctx context.Context, r *httpclient.Request, templateID string, in backend.GenerateContentRequest, opts httpclient.Options) (*httpclient.Response, error)
	BuildFromData(ctx context.Context, r *httpclient.Request, templateID string, in backend.BuildRequest, opts httpclient.Options) (*backend.BuildResponse, error)
	PreviewURL(ctx context.Context, r *httpclient.Request, fileName string, opts httpclient.Options) (*backend.PreviewURLs, error)
	Download(ctx context.Context, r *httpclient.Request, fileURL string, opts httpclient.Options) (*httpclient.Response, error)
}

// ArtifactStore keeps a local copy of built files.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, fileName string, r io.Reader) (string, error)
}

type Options struct {
	// Request bounds content generation and the build call.
	Request httpclient.Options
	// Preview bounds the best-effort preview lookup and download.
	Preview httpclient.Options
	Limiter *limiter.Limiter
	Store   ArtifactStore
	Now     func() time.Time
}

type GenerateInput struct {
	TemplateID   string
	Query        string
	Context      string
	ContainerIDs []string
	UseRAG       bool
}

type BuildInput struct {
	TemplateID     string
	Outline        *outline.Outline
	OutputFilename string
}

// Artifact is a built presentation. It is replaced wholesale by every
// successful build.
type Artifact struct {
	FileURL     string `json:"fileUrl"`
	FileName    string `json:"fileName"`
	PreviewURL  string `json:"previewUrl,omitempty"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	LocalPath   string `json:"localPath,omitempty"`
}

// GenerationInfo describes the agent run that produced the outline.
type GenerationInfo struct {
	AgentType  string   `json:"agentType,omitempty"`
	Iterations int      `json:"iterations,omitempty"`
	ToolsUsed  []string `json:"toolsUsed,omitempty"`
	FileURL    string   `json:"fileUrl,omitempty"`
	FileName   string   `json:"fileName,omitempty"`
}

// Snapshot is a copy of the session state safe to hand to readers.
type Snapshot struct {
	Busy       bool            `json:"busy"`
	Operation  string          `json:"operation,omitempty"`
	Steps      []ProgressStep  `json:"steps"`
	Status     string          `json:"status,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
	Generation *GenerationInfo `json:"generation,omitempty"`
	Slides     []outline.Slide `json:"slides,omitempty"`
	Artifact   *Artifact       `json:"artifact,omitempty"`
}

type Session struct {
	id      string
	backend Backend
	client  *httpclient.Client
	opts    Options
	logger  *logger.Logger
	flights singleflight.Group

	mu sync.Mutex
	// attempt is bumped by every operation start and by Cancel. Work
	// stamped with an older value must not touch state.
	attempt    uint64
	busy       bool
	op         string
	request    *httpclient.Request
	stop       context.CancelFunc
	steps      []ProgressStep
	status     string
	warnings   []string
	generation *GenerationInfo
	outline    *outline.Outline
	artifact   *Artifact

	observerSeq int
	observers   map[int]func(Snapshot)
}

func New(id string, b Backend, client *httpclient.Client, opts Options, log *logger.Logger) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		id:        id,
		backend:   b,
		client:    client,
		opts:      opts,
		logger:    log.With("session_id", id),
		observers: make(map[int]func(Snapshot)),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Subscribe registers fn to receive a snapshot after every state change.
// fn runs on the goroutine that made the change and must not block.
func (s *Session) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	s.observerSeq++
	key := s.observerSeq
	s.observers[key] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, key)
		s.mu.Unlock()
	}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		Busy:      s.busy,
		Operation: s.op,
		Steps:     cloneSteps(s.steps),
		Status:    s.status,
		Slides:    s.outline.Slides(),
	}
	if len(s.warnings) > 0 {
		snap.Warnings = append([]string(nil), s.warnings...)
	}
	if s.generation != nil {
		g := *s.generation
		g.ToolsUsed = append([]string(nil), g.ToolsUsed...)
		snap.Generation = &g
	}
	if s.artifact != nil {
		a := *s.artifact
		snap.Artifact = &a
	}
	return snap
}

// Outline returns a copy of the current outline, nil before the first
// successful generation.
func (s *Session) Outline() *outline.Outline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outline.Clone()
}

func (s *Session) Artifact() *Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifact == nil {
		return nil
	}
	a := *s.artifact
	return &a
}

func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// SetElementText edits the outline in place. Edits are refused while an
// operation is running; unresolved ids are a silent no-op.
func (s *Session) SetElementText(slideIndex int, elementID, text string) (bool, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return false, errors.New(errors.ErrCodeBusy, "outline is locked while "+s.op+" is running")
	}
	changed := s.outline.SetElementText(slideIndex, elementID, text)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return changed, nil
}

func (s *Session) ClearElementText(slideIndex int, elementID string) (bool, error) {
	return s.SetElementText(slideIndex, elementID, "")
}

// Cancel aborts whatever is in flight. Safe to call repeatedly and when
// idle. Progress steps stay as last observed.
func (s *Session) Cancel() {
	s.mu.Lock()
	wasBusy := s.busy
	s.attempt++
	s.busy = false
	s.op = ""
	req, stop := s.request, s.stop
	s.request, s.stop = nil, nil
	s.mu.Unlock()

	s.flights.Forget(opGenerate)
	s.flights.Forget(opBuild)
	if stop != nil {
		stop()
	}
	if req != nil {
		req.Abort()
	}
	if wasBusy {
		s.logger.Info("operation cancelled")
		s.notify()
	}
}

// GenerateContent streams new slide content for templateID. Concurrent calls
// share the in-flight call and its outcome. On success the outline is
// replaced; on failure the previous outline is kept.
func (s *Session) GenerateContent(ctx context.Context, in GenerateInput) error {
	in.TemplateID = strings.TrimSpace(in.TemplateID)
	in.Query = strings.TrimSpace(in.Query)
	if in.TemplateID == "" {
		return errors.New(errors.ErrCodeValidation, "template id is required")
	}
	if in.Query == "" {
		return errors.New(errors.ErrCodeValidation, "query is required")
	}

	_, err, shared := s.flights.Do(opGenerate, func() (interface{}, error) {
		return nil, s.generate(ctx, in)
	})
	if shared {
		s.logger.Debug("joined in-flight content generation")
	}
	return err
}

// BuildPresentation sends in.Outline to the build endpoint and looks up its
// preview.
func (s *Session) BuildPresentation(ctx context.Context, in BuildInput) (*Artifact, error) {
	in.TemplateID = strings.TrimSpace(in.TemplateID)
	if in.TemplateID == "" {
		return nil, errors.New(errors.ErrCodeValidation, "template id is required")
	}
	if in.Outline.Len() == 0 {
		return nil, errors.New(errors.ErrCodeValidation, "outline is empty")
	}

	v, err, _ := s.flights.Do(opBuild, func() (interface{}, error) {
		return s.build(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

// begin claims the session for op. It returns the attempt id, a context that
// Cancel ends, and the request slot for the attempt. A caller whose context
// is already done is refused so a cancel that lands before the claim still
// wins.
func (s *Session) begin(ctx context.Context, op string) (uint64, context.Context, *httpclient.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return 0, nil, nil, errors.New(errors.ErrCodeBusy, "another operation is in progress: "+s.op)
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, nil, errors.Wrap(err, errors.ErrCodeCancelled, "operation cancelled before it started")
	}
	s.attempt++
	s.busy = true
	s.op = op
	s.request = s.client.NewRequest()
	ctx, s.stop = context.WithCancel(ctx)
	if op == opGenerate {
		s.steps = freshSteps()
		s.status = ""
		s.warnings = nil
	}
	return s.attempt, ctx, s.request, nil
}

// endAttempt drops the bookkeeping of the running attempt. Callers hold s.mu.
func (s *Session) endAttempt() {
	s.busy = false
	s.op = ""
	s.request = nil
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

func (s *Session) current(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt == id
}

// update applies fn to the state if id is still current and notifies
// observers when fn reports a change.
func (s *Session) update(id uint64, fn func() bool) bool {
	s.mu.Lock()
	if s.attempt != id {
		s.mu.Unlock()
		return false
	}
	changed := fn()
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return true
}

func (s *Session) notify() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	observers := make([]func(Snapshot), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

func errStale() error {
	return errors.New(errors.ErrCodeCancelled, "operation superseded")
}

// fail ends attempt id with err. A cancelled attempt only releases the
// session; any other failure also marks the running stage as failed.
func (s *Session) fail(id uint64, err error) error {
	cancelled := errors.Is(err, errors.ErrCodeCancelled)
	ok := s.update(id, func() bool {
		s.endAttempt()
		if !cancelled {
			failActive(s.steps)
		}
		return true
	})
	if !ok {
		return errStale()
	}
	if cancelled {
		s.logger.Info("operation cancelled", "error", err)
	} else {
		s.logger.Warn("operation failed", "code", errors.CodeOf(err), "error", err)
	}
	return err
}

func (s *Session) acquire(ctx context.Context) (func(), error) {
	release, err := s.opts.Limiter.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(err, errors.ErrCodeCancelled, "request cancelled")
		}
		return nil, errors.Wrap(err, errors.ErrCodeRateLimited, "rate limit exceeded")
	}
	return release, nil
}

func (s *Session) generate(ctx context.Context, in GenerateInput) error {
	id, ctx, req, err := s.begin(ctx, opGenerate)
	if err != nil {
		return err
	}
	s.notify()

	s.logger.Info("starting content generation",
		"template_id", in.TemplateID,
		"attempt", id,
	)

	release, err := s.acquire(ctx)
	if err != nil {
		return s.fail(id, err)
	}
	defer release()

	resp, err := s.backend.GenerateContent(ctx, req, in.TemplateID, backend.GenerateContentRequest{
		Query:        in.Query,
		Context:      in.Context,
		SessionID:    s.id,
		ContainerIDs: in.ContainerIDs,
		UseRAG:       in.UseRAG,
	}, s.opts.Request)
	if err != nil {
		return s.fail(id, err)
	}
	defer resp.Body.Close()

	var (
		slides    []outline.Slide
		gotSlides bool
		streamErr error
		info      GenerationInfo
	)
	readErr := stream.DecodeAll(resp.Body, func(ev stream.Event) bool {
		stage := -1
		switch e := ev.(type) {
		case stream.Start:
			stage = stageAnalyze
			info.AgentType = e.AgentType
		case stream.AgentThinking:
			stage = stageSearch
			s.setStatus(id, e.Message)
		case stream.OutlineGenerating:
			stage = stageGenerate
			s.setStatus(id, e.Message)
		case stream.OutlineReady:
			stage = stageMatch
		case stream.Complete:
			stage = stageFinalize
			if e.AgentType != "" {
				info.AgentType = e.AgentType
			}
			info.Iterations = e.Iterations
			info.ToolsUsed = e.ToolsUsed
			info.FileURL = e.FileURL
			info.FileName = e.FileName
			if e.HasSlides {
				slides, gotSlides = e.Slides, true
			}
		case stream.Result:
			stage = stageFinalize
			slides, gotSlides = e.Slides, true
		case stream.Status:
			s.setStatus(id, e.Message)
		case stream.Warning:
			s.addWarning(id, e.Message)
		case stream.Heartbeat:
			s.logger.Debug("heartbeat", "message", e.Message)
		case stream.Error:
			streamErr = errors.New(errors.ErrCodeBackend, e.Message)
			return false
		}
		if stage >= 0 {
			return s.update(id, func() bool { return advanceTo(s.steps, stage) })
		}
		return s.current(id)
	})

	if !s.current(id) {
		return errStale()
	}
	if readErr != nil {
		return s.fail(id, readErr)
	}
	if streamErr != nil {
		return s.fail(id, streamErr)
	}
	if !gotSlides || len(slides) == 0 {
		return s.fail(id, errors.New(errors.ErrCodeEmptyResult, "AI produced no content"))
	}
	o, err := outline.New(slides)
	if err != nil {
		return s.fail(id, errors.Wrap(err, errors.ErrCodeBackend, "backend returned an invalid outline"))
	}

	ok := s.update(id, func() bool {
		s.outline = o
		s.generation = &info
		completeAll(s.steps)
		s.endAttempt()
		return true
	})
	if !ok {
		return errStale()
	}

	s.logger.Info("content generation completed",
		"template_id", in.TemplateID,
		"slides", o.Len(),
	)
	return nil
}

func (s *Session) setStatus(id uint64, msg string) {
	if msg == "" {
		return
	}
	s.update(id, func() bool {
		s.status = msg
		return true
	})
}

func (s *Session) addWarning(id uint64, msg string) {
	if msg == "" {
		return
	}
	s.logger.Warn("backend warning", "message", msg)
	s.update(id, func() bool {
		s.warnings = append(s.warnings, msg)
		return true
	})
}

func (s *Session) build(ctx context.Context, in BuildInput) (*Artifact, error) {
	id, ctx, req, err := s.begin(ctx, opBuild)
	if err != nil {
		return nil, err
	}
	s.notify()

	fileName := in.OutputFilename
	if fileName == "" {
		fileName = util.OutputFilename(s.opts.Now())
	}
	s.logger.Info("starting presentation build",
		"template_id", in.TemplateID,
		"slides", in.Outline.Len(),
		"output", fileName,
	)

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, s.fail(id, err)
	}
	defer release()

	resp, err := s.backend.BuildFromData(ctx, req, in.TemplateID, backend.BuildRequest{
		Slides:         in.Outline.Slides(),
		OutputFilename: fileName,
	}, s.opts.Request)
	if err != nil {
		return nil, s.fail(id, err)
	}
	if !s.current(id) {
		return nil, errStale()
	}

	art := &Artifact{FileName: resp.FileName, FileURL: resp.FileURL}
	if art.FileURL == "" {
		art.FileURL = art.FileName
	}

	if err := s.lookupPreview(ctx, req, art); err != nil {
		if !s.current(id) {
			return nil, errStale()
		}
		s.logger.Warn("preview lookup failed, continuing without inline preview",
			"file_name", art.FileName,
			"error", err,
		)
	}
	if err := s.keepCopy(ctx, req, art); err != nil {
		if !s.current(id) {
			return nil, errStale()
		}
		s.logger.Warn("failed to keep a local copy", "file_name", art.FileName, "error", err)
	}

	result := *art
	ok := s.update(id, func() bool {
		s.artifact = art
		s.endAttempt()
		return true
	})
	if !ok {
		return nil, errStale()
	}

	s.logger.Info("presentation built",
		"file_name", art.FileName,
		"has_preview", art.PreviewURL != "",
	)
	return &result, nil
}

func (s *Session) lookupPreview(ctx context.Context, req *httpclient.Request, art *Artifact) error {
	urls, err := s.backend.PreviewURL(ctx, req, art.FileName, s.opts.Preview)
	if err != nil {
		return err
	}
	art.DownloadURL = urls.DirectURL
	art.PreviewURL = urls.GooglePreviewURL
	if art.PreviewURL == "" {
		art.PreviewURL = urls.DirectURL
	}
	return nil
}

func (s *Session) keepCopy(ctx context.Context, req *httpclient.Request, art *Artifact) error {
	if s.opts.Store == nil {
		return nil
	}
	src := art.DownloadURL
	if src == "" {
		src = art.FileURL
	}
	resp, err := s.backend.Download(ctx, req, src, s.opts.Preview)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	path, err := s.opts.Store.SaveArtifact(ctx, art.FileName, resp.Body)
	if err != nil {
		return err
	}
	art.LocalPath = path
	return nil
}
