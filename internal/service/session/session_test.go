package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChaseRain/pptwizard/internal/infra/auth"
	"github.com/ChaseRain/pptwizard/internal/infra/config"
	"github.com/ChaseRain/pptwizard/internal/infra/httpclient"
	"github.com/ChaseRain/pptwizard/internal/infra/limiter"
	"github.com/ChaseRain/pptwizard/internal/infra/logger"
	"github.com/ChaseRain/pptwizard/internal/service/backend"
	"github.com/ChaseRain/pptwizard/internal/service/outline"
	"github.com/ChaseRain/pptwizard/pkg/errors"
)

const happyStream = "data: {\"type\":\"start\",\"agentType\":\"ppt_agent\"}\n\n" +
	"data: {\"type\":\"agent_thinking\",\"message\":\"searching documents\"}\n\n" +
	"data: {\"type\":\"outline_generating\",\"message\":\"drafting\"}\n\n" +
	"data: {\"type\":\"outline_ready\"}\n\n" +
	"data: {\"type\":\"complete\",\"fileUrl\":\"x.pptx\",\"fileName\":\"x.pptx\"}\n\n"

const oneSlide = "data: {\"slides\":[{\"index\":1,\"role\":\"title\",\"elements\":[{\"id\":\"e1\",\"text\":\"Hello\"}]}]}\n\n"

var fastOpts = httpclient.Options{Timeout: 5 * time.Second, MaxRetries: 2, Backoff: 10 * time.Millisecond}

type fakeBackend struct {
	generate func(ctx context.Context, r *httpclient.Request) (*httpclient.Response, error)
	build    func(ctx context.Context, in backend.BuildRequest) (*backend.BuildResponse, error)
	preview  func(ctx context.Context, fileName string) (*backend.PreviewURLs, error)
	download func(ctx context.Context, fileURL string) (*httpclient.Response, error)

	generateCalls int32
	buildCalls    int32
}

func (f *fakeBackend) GenerateContent(ctx context.Context, r *httpclient.Request, templateID string, in backend.GenerateContentRequest, opts httpclient.Options) (*httpclient.Response, error) {
	atomic.AddInt32(&f.generateCalls, 1)
	return f.generate(ctx, r)
}

func (f *fakeBackend) BuildFromData(ctx context.Context, r *httpclient.Request, templateID string, in backend.BuildRequest, opts httpclient.Options) (*backend.BuildResponse, error) {
	atomic.AddInt32(&f.buildCalls, 1)
	return f.build(ctx, in)
}

func (f *fakeBackend) PreviewURL(ctx context.Context, r *httpclient.Request, fileName string, opts httpclient.Options) (*backend.PreviewURLs, error) {
	if f.preview == nil {
		return &backend.PreviewURLs{}, nil
	}
	return f.preview(ctx, fileName)
}

func (f *fakeBackend) Download(ctx context.Context, r *httpclient.Request, fileURL string, opts httpclient.Options) (*httpclient.Response, error) {
	return f.download(ctx, fileURL)
}

func bodyResponse(body string) *httpclient.Response {
	return &httpclient.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}
}

func newFakeSession(b *fakeBackend, opts Options) *Session {
	if opts.Request == (httpclient.Options{}) {
		opts.Request = fastOpts
	}
	client := httpclient.New(nil, nil, fastOpts, logger.NewNop())
	return New("s1", b, client, opts, logger.NewNop())
}

// newServerSession wires a session to a real backend client talking to handler.
func newServerSession(t *testing.T, handler http.Handler, rt http.RoundTripper) *Session {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	httpClient := srv.Client()
	if rt != nil {
		httpClient = &http.Client{Transport: rt}
	}
	client := httpclient.New(httpClient, auth.None{}, fastOpts, logger.NewNop())
	svc := backend.New(config.BackendConfig{
		BaseURL:             srv.URL,
		GenerateContentPath: "/templates/{id}/generate-content",
		BuildPath:           "/templates/{id}/build-from-data",
		PreviewURLPath:      "/preview-url/{fileName}",
	}, client, logger.NewNop())
	return New("s1", svc, client, Options{Request: fastOpts, Preview: fastOpts}, logger.NewNop())
}

func validInput() GenerateInput {
	return GenerateInput{TemplateID: "tpl-1", Query: "Quarterly review", UseRAG: true}
}

func statuses(steps []ProgressStep) []StepStatus {
	out := make([]StepStatus, len(steps))
	for i, st := range steps {
		out[i] = st.Status
	}
	return out
}

func TestGenerateContentHappyPath(t *testing.T) {
	var got backend.GenerateContentRequest
	s := newServerSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, happyStream+oneSlide)
	}), nil)

	require.NoError(t, s.GenerateContent(context.Background(), validInput()))

	snap := s.Snapshot()
	assert.False(t, snap.Busy)
	require.Len(t, snap.Steps, 5)
	for _, st := range snap.Steps {
		assert.Equal(t, StepCompleted, st.Status, st.ID)
	}
	assert.Equal(t, []string{"analyze", "search", "generate", "match", "finalize"},
		[]string{snap.Steps[0].ID, snap.Steps[1].ID, snap.Steps[2].ID, snap.Steps[3].ID, snap.Steps[4].ID})
	require.Len(t, snap.Slides, 1)
	assert.Equal(t, "Hello", snap.Slides[0].Elements[0].Text)
	assert.Equal(t, "ppt_agent", snap.Generation.AgentType)
	assert.Equal(t, "x.pptx", snap.Generation.FileName)
	assert.Equal(t, "drafting", snap.Status)

	assert.Equal(t, "Quarterly review", got.Query)
	assert.Equal(t, "s1", got.SessionID)
	assert.True(t, got.UseRAG)
}

func TestGenerateContentEmptySlides(t *testing.T) {
	for name, tail := range map[string]string{
		"empty list":  "data: {\"slides\":[]}\n\n",
		"no payload":  "",
		"inline none": "data: {\"type\":\"result\",\"slides\":null}\n\n",
	} {
		t.Run(name, func(t *testing.T) {
			s := newServerSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, happyStream+tail)
			}), nil)

			err := s.GenerateContent(context.Background(), validInput())

			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeEmptyResult), "got %v", err)
			snap := s.Snapshot()
			assert.False(t, snap.Busy)
			assert.Nil(t, snap.Slides)
			assert.Equal(t, []StepStatus{StepCompleted, StepCompleted, StepCompleted, StepCompleted, StepError}, statuses(snap.Steps))
		})
	}
}

func TestGenerateContentValidation(t *testing.T) {
	b := &fakeBackend{generate: func(ctx context.Context, r *httpclient.Request) (*httpclient.Response, error) {
		return bodyResponse(happyStream + oneSlide), nil
	}}
	s := newFakeSession(b, Options{})

	for _, in := range []GenerateInput{
		{TemplateID: "tpl-1", Query: ""},
		{TemplateID: "tpl-1", Query: "   "},
		{TemplateID: "", Query: "hello"},
	} {
		err := s.GenerateContent(context.Background(), in)
		assert.True(t, errors.Is(err, errors.ErrCodeValidation), "got %v", err)
	}
	assert.EqualValues(t, 0, atomic.LoadInt32(&b.generateCalls))
	assert.Nil(t, s.Snapshot().Steps)
}

func TestGenerateContentDuplicateCallIssuesOneRequest(t *testing.T) {
	var requests int32
	entered := make(chan struct{})
	release := make(chan struct{})
	s := newServerSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			close(entered)
		}
		<-release
		io.WriteString(w, happyStream+oneSlide)
	}), nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = s.GenerateContent(context.Background(), validInput())
	}()
	<-entered
	assert.True(t, s.Busy())

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = s.GenerateContent(context.Background(), validInput())
	}()
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.EqualValues(t, 1, atomic.LoadInt32(&requests))
}

func TestCancelDiscardsLateEvents(t *testing.T) {
	pr, pw := io.Pipe()
	b := &fakeBackend{generate: func(ctx context.Context, r *httpclient.Request) (*httpclient.Response, error) {
		return &httpclient.Response{StatusCode: 200, Body: pr}, nil
	}}
	s := newFakeSession(b, Options{})

	searching := make(chan struct{})
	var once sync.Once
	unsubscribe := s.Subscribe(func(snap Snapshot) {
		if len(snap.Steps) == 5 && snap.Steps[1].Status == StepInProgress {
			once.Do(func() { close(searching) })
		}
	})
	defer unsubscribe()

	errc := make(chan error, 1)
	go func() { errc <- s.GenerateContent(context.Background(), validInput()) }()

	go io.WriteString(pw, "data: {\"type\":\"start\"}\ndata: {\"type\":\"agent_thinking\"}\n")
	<-searching

	s.Cancel()
	atCancel := s.Snapshot()
	assert.False(t, atCancel.Busy)

	// the response keeps arriving after the cancellation point
	go func() {
		io.WriteString(pw, "data: {\"type\":\"outline_generating\"}\ndata: {\"type\":\"outline_ready\"}\n"+oneSlide)
		pw.Close()
	}()

	err := <-errc
	assert.True(t, errors.Is(err, errors.ErrCodeCancelled), "got %v", err)

	after := s.Snapshot()
	assert.Equal(t, atCancel.Steps, after.Steps)
	assert.Equal(t, []StepStatus{StepCompleted, StepInProgress, StepPending, StepPending, StepPending}, statuses(after.Steps))
	assert.Nil(t, after.Slides)
	assert.Equal(t, "", errors.UserMessage(err))
}

func TestCancelAbortsInFlightRequest(t *testing.T) {
	entered := make(chan struct{})
	s := newServerSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"type\":\"start\"}\n")
		w.(http.Flusher).Flush()
		close(entered)
		<-r.Context().Done()
	}), nil)

	errc := make(chan error, 1)
	go func() { errc <- s.GenerateContent(context.Background(), validInput()) }()
	<-entered
	s.Cancel()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, errors.ErrCodeCancelled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not stop after Cancel")
	}
	assert.False(t, s.Busy())

	// the session is immediately usable again
	assert.NotEqual(t, StepError, s.Snapshot().Steps[0].Status)
}

func TestCancelIsIdempotent(t *testing.T) {
	s := newFakeSession(&fakeBackend{generate: func(ctx context.Context, r *httpclient.Request) (*httpclient.Response, error) {
		return bodyResponse(happyStream + oneSlide), nil
	}}, Options{})

	s.Cancel()
	s.Cancel()
	assert.Equal(t, Snapshot{}, s.Snapshot())

	require.NoError(t, s.GenerateContent(context.Background(), validInput()))
	s.Cancel()
	once := s.Snapshot()
	s.Cancel()
	assert.Equal(t, once, s.Snapshot())
}

func TestGenerateContentRefusesDoneContext(t *testing.T) {
	b := &fakeBackend{generate: func(ctx context.Context, r *httpclient.Request) (*httpclient.Response, error) {
		return bodyResponse(happyStream + oneSlide), nil
	}}
	s := newFakeSession(b, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.GenerateContent(ctx, validInput())

	assert.True(t, errors.Is(err, errors.ErrCodeCancelled), "got %v", err)
	assert.Zero(t, atomic.LoadInt32(&b.generateCalls))
	assert.Equal(t, Snapshot{}, s.Snapshot())
}

func TestCancelWhileQueuedOnLimiter(t *testing.T) {
	lim := limiter.New(1, 0)
	held, err := lim.Acquire(context.Background())
	require.NoError(t, err)

	b := &fakeBackend{generate: func(ctx context.Context, r *httpclient.Request) (*httpclient.Response, error) {
		return bodyResponse(happyStream + oneSlide), nil
	}}
	s := newFakeSession(b, Options{Limiter: lim})

	errc := make(chan error, 1)
	go func() { errc <- s.GenerateContent(context.Background(), validInput()) }()
	require.Eventually(t, s.Busy, 5*time.Second, time.Millisecond)

	s.Cancel()
	held()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, errors.ErrCodeCancelled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("queued generation did not stop after Cancel")
	}
	assert.Zero(t, atomic.LoadInt32(&b.generateCalls))
	assert.Equal(t, 0, lim.InFlight())
	assert.Nil(t, s.Snapshot().Slides)
}

func TestRegenerateFailurePreservesOutline(t *testing.T) {
	var calls int32
	s := newServerSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			io.WriteString(w, happyStream+oneSlide)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"detail":"query rejected"}`)
	}), nil)

	require.NoError(t, s.GenerateContent(context.Background(), validInput()))
	_, err := s.SetElementText(1, "e1", "Edited")
	require.NoError(t, err)
	before := s.Outline()

	err = s.GenerateContent(context.Background(), validInput())
	require.Error(t, err)
	assert.Equal(t, "query rejected", errors.UserMessage(err))

	assert.True(t, before.Equal(s.Outline()))
	snap := s.Snapshot()
	assert.Equal(t, StepError, snap.Steps[0].Status)
	assert.Equal(t, StepPending, snap.Steps[1].Status)
}

type countingTransport struct {
	mu     sync.Mutex
	starts []time.Time
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.starts = append(c.starts, time.Now())
	c.mu.Unlock()
	return nil, stderrors.New("dial tcp: connection refused")
}

func TestGenerateContentRetriesTransportFailures(t *testing.T) {
	rt := &countingTransport{}
	s := newServerSession(t, http.NotFoundHandler(), rt)

	err := s.GenerateContent(context.Background(), validInput())

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNetwork), "got %v", err)
	require.Len(t, rt.starts, 3)
	for i := 1; i < 3; i++ {
		assert.GreaterOrEqual(t, rt.starts[i].Sub(rt.starts[i-1]), fastOpts.Backoff)
	}
	assert.Equal(t, StepError, s.Snapshot().Steps[0].Status)
	assert.False(t, s.Busy())
}

func TestGenerateContentStreamError(t *testing.T) {
	s := newFakeSession(&fakeBackend{generate: func(ctx context.Context, r *httpclient.Request) (*httpclient.Response, error) {
		return bodyResponse("data: {\"type\":\"start\"}\ndata: {\"type\":\"agent_thinking\"}\n" +
			"data: {\"type\":\"error\",\"message\":\"knowledge base offline\"}\n" + oneSlide), nil
	}}, Options{})

	err := s.GenerateContent(context.Background(), validInput())

	assert.True(t, errors.Is(err, errors.ErrCodeBackend))
	assert.Equal(t, "knowledge base offline", errors.UserMessage(err))
	snap := s.Snapshot()
	assert.Equal(t, []StepStatus{StepCompleted, StepError, StepPending, StepPending, StepPending}, statuses(snap.Steps))
	assert.Nil(t, snap.Slides)
}

func TestGenerateContentRecordsWarnings(t *testing.T) {
	s := newFakeSession(&fakeBackend{generate: func(ctx context.Context, r *httpclient.Request) (*httpclient.Response, error) {
		return bodyResponse("data: {\"type\":\"warning\",\"message\":\"few sources\"}\n" +
			"data: {\"type\":\"heartbeat\"}\n" + happyStream + oneSlide), nil
	}}, Options{})

	require.NoError(t, s.GenerateContent(context.Background(), validInput()))
	assert.Equal(t, []string{"few sources"}, s.Snapshot().Warnings)
}

func TestGenerateContentInvalidOutline(t *testing.T) {
	s := newFakeSession(&fakeBackend{generate: func(ctx context.Context, r *httpclient.Request) (*httpclient.Response, error) {
		return bodyResponse(happyStream + "data: {\"slides\":[{\"index\":1,\"elements\":[{\"id\":\"a\"},{\"id\":\"a\"}]}]}\n"), nil
	}}, Options{})

	err := s.GenerateContent(context.Background(), validInput())
	assert.True(t, errors.Is(err, errors.ErrCodeBackend), "got %v", err)
}

func generatedSession(t *testing.T, b *fakeBackend, opts Options) *Session {
	t.Helper()
	b.generate = func(ctx context.Context, r *httpclient.Request) (*httpclient.Response, error) {
		return bodyResponse(happyStream + oneSlide), nil
	}
	s := newFakeSession(b, opts)
	require.NoError(t, s.GenerateContent(context.Background(), validInput()))
	return s
}

func TestBuildPresentation(t *testing.T) {
	var sent backend.BuildRequest
	b := &fakeBackend{
		build: func(ctx context.Context, in backend.BuildRequest) (*backend.BuildResponse, error) {
			sent = in
			return &backend.BuildResponse{FileName: "deck.pptx"}, nil
		},
		preview: func(ctx context.Context, fileName string) (*backend.PreviewURLs, error) {
			assert.Equal(t, "deck.pptx", fileName)
			return &backend.PreviewURLs{GooglePreviewURL: "https://docs.google.com/x", DirectURL: "https://files/deck.pptx"}, nil
		},
	}
	s := generatedSession(t, b, Options{Now: func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }})
	_, err := s.SetElementText(1, "e1", "Edited title")
	require.NoError(t, err)

	art, err := s.BuildPresentation(context.Background(), BuildInput{TemplateID: "tpl-1", Outline: s.Outline()})
	require.NoError(t, err)

	assert.Equal(t, &Artifact{
		FileURL:     "deck.pptx",
		FileName:    "deck.pptx",
		PreviewURL:  "https://docs.google.com/x",
		DownloadURL: "https://files/deck.pptx",
	}, art)
	assert.Equal(t, art, s.Artifact())
	assert.Contains(t, sent.OutputFilename, "presentation_20260102_030405_")
	assert.Equal(t, "Edited title", sent.Slides[0].Elements[0].Text)
	assert.False(t, s.Busy())
}

func TestBuildPresentationPreviewIsBestEffort(t *testing.T) {
	b := &fakeBackend{
		build: func(ctx context.Context, in backend.BuildRequest) (*backend.BuildResponse, error) {
			return &backend.BuildResponse{FileName: "deck.pptx"}, nil
		},
		preview: func(ctx context.Context, fileName string) (*backend.PreviewURLs, error) {
			return nil, errors.HTTP(500, "preview service down")
		},
	}
	s := generatedSession(t, b, Options{})

	art, err := s.BuildPresentation(context.Background(), BuildInput{TemplateID: "tpl-1", Outline: s.Outline()})

	require.NoError(t, err)
	assert.Equal(t, "deck.pptx", art.FileName)
	assert.Empty(t, art.PreviewURL)
}

func TestBuildPresentationFailureKeepsOutline(t *testing.T) {
	b := &fakeBackend{build: func(ctx context.Context, in backend.BuildRequest) (*backend.BuildResponse, error) {
		return nil, errors.HTTP(502, "renderer crashed")
	}}
	s := generatedSession(t, b, Options{})
	_, err := s.SetElementText(1, "e1", "My edit")
	require.NoError(t, err)
	before := s.Outline()

	_, err = s.BuildPresentation(context.Background(), BuildInput{TemplateID: "tpl-1", Outline: s.Outline()})

	require.Error(t, err)
	assert.True(t, before.Equal(s.Outline()))
	assert.Nil(t, s.Artifact())
	assert.False(t, s.Busy())
}

func TestBuildPresentationValidation(t *testing.T) {
	b := &fakeBackend{}
	s := newFakeSession(b, Options{})

	_, err := s.BuildPresentation(context.Background(), BuildInput{TemplateID: "tpl-1"})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	o, _ := outline.New([]outline.Slide{{Index: 1}})
	_, err = s.BuildPresentation(context.Background(), BuildInput{Outline: o})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
	assert.EqualValues(t, 0, atomic.LoadInt32(&b.buildCalls))
}

type memStore struct {
	name string
	data string
}

func (m *memStore) SaveArtifact(ctx context.Context, fileName string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.name, m.data = fileName, string(data)
	return "/out/" + fileName, nil
}

func TestBuildPresentationKeepsLocalCopy(t *testing.T) {
	store := &memStore{}
	b := &fakeBackend{
		build: func(ctx context.Context, in backend.BuildRequest) (*backend.BuildResponse, error) {
			return &backend.BuildResponse{FileName: "deck.pptx"}, nil
		},
		preview: func(ctx context.Context, fileName string) (*backend.PreviewURLs, error) {
			return &backend.PreviewURLs{DirectURL: "/files/deck.pptx"}, nil
		},
		download: func(ctx context.Context, fileURL string) (*httpclient.Response, error) {
			assert.Equal(t, "/files/deck.pptx", fileURL)
			return bodyResponse("PK"), nil
		},
	}
	s := generatedSession(t, b, Options{Store: store})

	art, err := s.BuildPresentation(context.Background(), BuildInput{TemplateID: "tpl-1", Outline: s.Outline()})

	require.NoError(t, err)
	assert.Equal(t, "/out/deck.pptx", art.LocalPath)
	assert.Equal(t, "/files/deck.pptx", art.PreviewURL)
	assert.Equal(t, "PK", store.data)
}

func TestEditsRejectedWhileBusy(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	b := &fakeBackend{build: func(ctx context.Context, in backend.BuildRequest) (*backend.BuildResponse, error) {
		close(started)
		<-unblock
		return &backend.BuildResponse{FileName: "deck.pptx"}, nil
	}}
	s := generatedSession(t, b, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.BuildPresentation(context.Background(), BuildInput{TemplateID: "tpl-1", Outline: s.Outline()})
		done <- err
	}()
	<-started

	changed, err := s.SetElementText(1, "e1", "late edit")
	assert.False(t, changed)
	assert.True(t, errors.Is(err, errors.ErrCodeBusy))

	err = s.GenerateContent(context.Background(), validInput())
	assert.True(t, errors.Is(err, errors.ErrCodeBusy), "got %v", err)

	close(unblock)
	require.NoError(t, <-done)

	changed, err = s.SetElementText(1, "e1", "after build")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.ClearElementText(1, "missing")
	require.NoError(t, err)
	assert.False(t, changed)
}
