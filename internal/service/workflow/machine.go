// Package workflow drives a presentation wizard through its steps on top of a
// build session and keeps the live wizards of a process in a registry.
package workflow

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ChaseRain/pptwizard/internal/infra/logger"
	"github.com/ChaseRain/pptwizard/internal/service/outline"
	"github.com/ChaseRain/pptwizard/internal/service/session"
	"github.com/ChaseRain/pptwizard/pkg/errors"
)

type Step string

const (
	StepSetup             Step = "setup"
	StepGeneratingContent Step = "generating_content"
	StepEditor            Step = "editor"
	StepGeneratingPpt     Step = "generating_ppt"
	StepPreview           Step = "preview"
	// StepError is entered when the backend rejects the credentials; only
	// Reset leaves it.
	StepError  Step = "error"
	StepClosed Step = "closed"
)

// Session is the build session a machine drives.
type Session interface {
	ID() string
	GenerateContent(ctx context.Context, in session.GenerateInput) error
	BuildPresentation(ctx context.Context, in session.BuildInput) (*session.Artifact, error)
	Cancel()
	Outline() *outline.Outline
	SetElementText(slideIndex int, elementID, text string) (bool, error)
	ClearElementText(slideIndex int, elementID string) (bool, error)
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Snapshot)) func()
}

// View is what a wizard UI renders.
type View struct {
	ID         string           `json:"id"`
	Step       Step             `json:"step"`
	LastError  string           `json:"lastError,omitempty"`
	ErrorCode  string           `json:"errorCode,omitempty"`
	TemplateID string           `json:"templateId,omitempty"`
	Query      string           `json:"query,omitempty"`
	Session    session.Snapshot `json:"session"`
}

type Machine struct {
	session Session
	logger  *logger.Logger
	now     func() time.Time

	mu sync.Mutex
	// epoch changes whenever the wizard is moved out from under a running
	// operation (Cancel, Reset, Close). A returning call with an older epoch
	// leaves the step alone.
	epoch      uint64
	// stopOp ends the context of the running operation, if any.
	stopOp     context.CancelFunc
	step       Step
	input      session.GenerateInput
	lastErr    error
	lastActive time.Time

	observerSeq int
	observers   map[int]func(View)
	unsubscribe func()
}

func NewMachine(s Session, log *logger.Logger) *Machine {
	m := &Machine{
		session:   s,
		logger:    log.With("session_id", s.ID()),
		now:       time.Now,
		step:      StepSetup,
		observers: make(map[int]func(View)),
	}
	m.lastActive = m.now()
	m.unsubscribe = s.Subscribe(func(session.Snapshot) { m.notify() })
	return m
}

func (m *Machine) ID() string {
	return m.session.ID()
}

func (m *Machine) Step() Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step
}

// Outline returns a copy of the outline being edited.
func (m *Machine) Outline() *outline.Outline {
	return m.session.Outline()
}

func (m *Machine) View() View {
	m.mu.Lock()
	v := View{
		ID:         m.session.ID(),
		Step:       m.step,
		TemplateID: m.input.TemplateID,
		Query:      m.input.Query,
	}
	if m.lastErr != nil {
		v.LastError = errors.UserMessage(m.lastErr)
		v.ErrorCode = errors.CodeOf(m.lastErr)
	}
	m.mu.Unlock()

	v.Session = m.session.Snapshot()
	return v
}

// Subscribe registers fn to receive a view after every step or session
// change. fn must not block.
func (m *Machine) Subscribe(fn func(View)) (unsubscribe func()) {
	m.mu.Lock()
	m.observerSeq++
	key := m.observerSeq
	m.observers[key] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, key)
		m.mu.Unlock()
	}
}

func (m *Machine) notify() {
	m.mu.Lock()
	observers := make([]func(View), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()
	if len(observers) == 0 {
		return
	}

	v := m.View()
	for _, fn := range observers {
		fn(v)
	}
}

// idleSince reports when the wizard last saw an intent, and false while an
// operation is running.
func (m *Machine) idleSince() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.step == StepGeneratingContent || m.step == StepGeneratingPpt {
		return time.Time{}, false
	}
	return m.lastActive, true
}

func invalidTransition(intent string, from Step) error {
	return errors.New(errors.ErrCodeInvalidTransition, intent+" is not allowed in step "+string(from))
}

// enter moves from one of the allowed steps to next and returns the epoch
// the caller owns. A non-nil stop becomes the stop func of the new operation.
func (m *Machine) enter(intent string, stop context.CancelFunc, next Step, allowed ...Step) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.step
	ok := false
	for _, st := range allowed {
		if from == st {
			ok = true
			break
		}
	}
	if !ok {
		return 0, invalidTransition(intent, from)
	}
	m.epoch++
	m.step = next
	m.stopOp = stop
	m.lastErr = nil
	m.lastActive = m.now()
	return m.epoch, nil
}

// start is enter for intents that run a session operation. The returned
// context is ended by Cancel, Reset and Close, even before the session has
// picked the operation up.
func (m *Machine) start(ctx context.Context, intent string, next Step, allowed ...Step) (context.Context, context.CancelFunc, uint64, error) {
	opCtx, stop := context.WithCancel(ctx)
	epoch, err := m.enter(intent, stop, next, allowed...)
	if err != nil {
		stop()
		return nil, nil, 0, err
	}
	return opCtx, stop, epoch, nil
}

// interruptLocked bumps the epoch and hands back the stop func of the
// running operation for the caller to invoke after unlocking.
func (m *Machine) interruptLocked() context.CancelFunc {
	m.epoch++
	stop := m.stopOp
	m.stopOp = nil
	if stop == nil {
		stop = func() {}
	}
	return stop
}

// settle moves to next if epoch is still current. A failure other than
// cancellation is recorded for display; a 401 lands in StepError instead.
func (m *Machine) settle(epoch uint64, next Step, err error) bool {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return false
	}
	m.step = next
	m.stopOp = nil
	m.lastActive = m.now()
	if err != nil && !errors.Is(err, errors.ErrCodeCancelled) {
		m.lastErr = err
		if errors.StatusOf(err) == http.StatusUnauthorized {
			m.step = StepError
		}
	}
	m.mu.Unlock()

	m.notify()
	return true
}

// ConfirmTemplate starts content generation from Setup. It blocks until the
// generation settles: Editor on success, back to Setup on failure.
func (m *Machine) ConfirmTemplate(ctx context.Context, in session.GenerateInput) error {
	ctx, stop, epoch, err := m.start(ctx, "confirm template", StepGeneratingContent, StepSetup)
	if err != nil {
		return err
	}
	defer stop()
	m.mu.Lock()
	m.input = in
	m.mu.Unlock()
	m.notify()

	m.logger.Info("template confirmed", "template_id", in.TemplateID)
	return m.generate(ctx, epoch, in, StepSetup)
}

// Regenerate reruns content generation from Editor. A non-empty query
// replaces the previous one. The current outline is only replaced when the
// new generation succeeds; on failure the wizard returns to Editor.
func (m *Machine) Regenerate(ctx context.Context, query string) error {
	ctx, stop, epoch, err := m.start(ctx, "regenerate", StepGeneratingContent, StepEditor)
	if err != nil {
		return err
	}
	defer stop()
	m.mu.Lock()
	if q := strings.TrimSpace(query); q != "" {
		m.input.Query = q
	}
	in := m.input
	m.mu.Unlock()
	m.notify()

	m.logger.Info("regenerating content", "template_id", in.TemplateID)
	return m.generate(ctx, epoch, in, StepEditor)
}

func (m *Machine) generate(ctx context.Context, epoch uint64, in session.GenerateInput, onFailure Step) error {
	err := m.session.GenerateContent(ctx, in)
	if err != nil {
		if !m.settle(epoch, onFailure, err) {
			m.logger.Debug("generation settled after the wizard moved on", "error", err)
		}
		return err
	}
	if !m.settle(epoch, StepEditor, nil) {
		return errors.New(errors.ErrCodeCancelled, "wizard moved on before generation finished")
	}
	return nil
}

// ConfirmBuild renders the edited outline. Preview on success; Editor with the
// outline untouched on failure.
func (m *Machine) ConfirmBuild(ctx context.Context, outputFilename string) (*session.Artifact, error) {
	ctx, stop, epoch, err := m.start(ctx, "confirm build", StepGeneratingPpt, StepEditor)
	if err != nil {
		return nil, err
	}
	defer stop()
	m.mu.Lock()
	templateID := m.input.TemplateID
	m.mu.Unlock()
	m.notify()

	art, err := m.session.BuildPresentation(ctx, session.BuildInput{
		TemplateID:     templateID,
		Outline:        m.session.Outline(),
		OutputFilename: outputFilename,
	})
	if err != nil {
		m.settle(epoch, StepEditor, err)
		return nil, err
	}
	if !m.settle(epoch, StepPreview, nil) {
		return nil, errors.New(errors.ErrCodeCancelled, "wizard moved on before the build finished")
	}
	m.logger.Info("presentation ready", "file_name", art.FileName)
	return art, nil
}

// EditAgain returns from Preview to Editor.
func (m *Machine) EditAgain() error {
	if _, err := m.enter("edit again", nil, StepEditor, StepPreview); err != nil {
		return err
	}
	m.notify()
	return nil
}

// Cancel stops a running generation or build and puts the wizard back where
// the operation started. It is a no-op in any other step.
func (m *Machine) Cancel() {
	m.mu.Lock()
	switch m.step {
	case StepGeneratingContent:
		m.step = StepSetup
		if m.session.Outline().Len() > 0 {
			m.step = StepEditor
		}
	case StepGeneratingPpt:
		m.step = StepEditor
	default:
		m.mu.Unlock()
		return
	}
	stop := m.interruptLocked()
	m.lastActive = m.now()
	m.mu.Unlock()

	stop()
	m.session.Cancel()
	m.logger.Info("wizard operation cancelled")
	m.notify()
}

// Reset abandons whatever is running and starts over at Setup. It is the
// only way out of StepError. The session is cancelled before Setup is
// published so a new ConfirmTemplate cannot join the abandoned call.
func (m *Machine) Reset() error {
	m.mu.Lock()
	if m.step == StepClosed {
		m.mu.Unlock()
		return invalidTransition("reset", StepClosed)
	}
	stop := m.interruptLocked()
	m.mu.Unlock()

	stop()
	m.session.Cancel()

	m.mu.Lock()
	if m.step == StepClosed {
		m.mu.Unlock()
		return invalidTransition("reset", StepClosed)
	}
	// an intent that slipped in while the session was being cancelled
	late := m.stopOp != nil
	stop = m.interruptLocked()
	m.step = StepSetup
	m.lastErr = nil
	m.lastActive = m.now()
	m.mu.Unlock()

	if late {
		stop()
		m.session.Cancel()
	}
	m.notify()
	return nil
}

// Close ends the wizard. It always cancels the session and is safe to call
// more than once.
func (m *Machine) Close() {
	m.mu.Lock()
	stop := m.interruptLocked()
	closed := m.step == StepClosed
	m.step = StepClosed
	unsubscribe := m.unsubscribe
	m.mu.Unlock()

	stop()
	m.session.Cancel()
	if closed {
		return
	}

	m.logger.Info("wizard closed")
	m.notify()
	unsubscribe()
}

func (m *Machine) editable(intent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.step != StepEditor {
		return invalidTransition(intent, m.step)
	}
	m.lastActive = m.now()
	return nil
}

// SetElementText edits one element of the outline. Only accepted in Editor.
func (m *Machine) SetElementText(slideIndex int, elementID, text string) (bool, error) {
	if err := m.editable("edit"); err != nil {
		return false, err
	}
	return m.session.SetElementText(slideIndex, elementID, text)
}

func (m *Machine) ClearElementText(slideIndex int, elementID string) (bool, error) {
	if err := m.editable("clear"); err != nil {
		return false, err
	}
	return m.session.ClearElementText(slideIndex, elementID)
}
