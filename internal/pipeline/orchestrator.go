// Package pipeline turns one user submission into a recorded interaction:
// context building, the oracle round trip, optional diary persistence,
// history append and cache invalidation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/daybook/internal/cache"
	"github.com/kalambet/daybook/internal/composer"
	"github.com/kalambet/daybook/internal/gateway"
	"github.com/kalambet/daybook/internal/model"
	"github.com/kalambet/daybook/internal/oracle"
	"github.com/kalambet/daybook/internal/session"
)

const (
	defaultOracleTimeout  = 30 * time.Second
	defaultPersistTimeout = 15 * time.Second
	recentInteractions    = 3
	fallbackTitleRunes    = 30
)

// User-visible fallbacks.
const (
	FallbackResponse = "Sorry, I don't have a reply for that right now."
	DiarySavedSuffix = "\n\n(Saved to your diary.)"
)

// ErrBusy is returned when a submission arrives while another is running.
var ErrBusy = errors.New("another submission is in progress")

// ErrNoPrincipal marks a persistence attempt without a signed-in user. It is
// logged and the side effect is skipped.
var ErrNoPrincipal = errors.New("no authenticated principal")

// State is a step of the submission state machine.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateContextBuilt
	StateAwaitingOracle
	StateClassified
	StatePersistingSideEffect
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateContextBuilt:
		return "context_built"
	case StateAwaitingOracle:
		return "awaiting_oracle"
	case StateClassified:
		return "classified"
	case StatePersistingSideEffect:
		return "persisting_side_effect"
	case StateRecording:
		return "recording"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Oracle answers a chat turn.
type Oracle interface {
	Converse(ctx context.Context, message string, history []oracle.Message, principal string) (oracle.Response, error)
}

// DiaryWriter persists diaries. Implemented by gateway.Client.
type DiaryWriter interface {
	CreateDiary(ctx context.Context, principal string, d model.Diary) (model.Diary, error)
}

// History is the conversation store. Implemented by history.Store.
type History interface {
	Recent(p model.Principal, n int) []model.Interaction
	Append(p model.Principal, it model.Interaction) error
}

// DiaryCache is the cached diary collection. Implemented by
// cache.Cache[model.Diary].
type DiaryCache interface {
	Get(key cache.Key) cache.Snapshot[model.Diary]
	Invalidate(key cache.Key)
}

// Session supplies the principal and detects switches mid-flight.
// Implemented by session.Session.
type Session interface {
	Stamp() session.Stamp
	Valid(st session.Stamp) bool
}

// Deps wires an Orchestrator.
type Deps struct {
	Oracle   Oracle
	Diaries  DiaryWriter
	History  History
	Cache    DiaryCache
	Session  Session
	Composer *composer.Composer

	OracleTimeout  time.Duration
	PersistTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
	// OnTransition, when set, is called on every state change.
	OnTransition func(from, to State)
}

// Result describes a completed submission. A zero Result with a nil error
// means the submission was blank and nothing happened.
type Result struct {
	Interaction  model.Interaction
	Recorded     bool
	DiaryCreated *model.Diary
}

// Orchestrator runs one submission at a time.
type Orchestrator struct {
	deps Deps

	run sync.Mutex

	stateMu sync.Mutex
	state   State
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Composer == nil {
		deps.Composer = composer.New()
	}
	if deps.OracleTimeout <= 0 {
		deps.OracleTimeout = defaultOracleTimeout
	}
	if deps.PersistTimeout <= 0 {
		deps.PersistTimeout = defaultPersistTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{deps: deps}
}

// Submit processes text (or externalText when text is blank). Oracle and
// persistence failures are recovered into the reply; the only error
// returned is ErrBusy.
func (o *Orchestrator) Submit(ctx context.Context, text, externalText string) (Result, error) {
	message := strings.TrimSpace(text)
	if message == "" {
		message = strings.TrimSpace(externalText)
	}
	if message == "" {
		return Result{}, nil
	}

	if !o.run.TryLock() {
		return Result{}, ErrBusy
	}
	defer o.run.Unlock()
	defer o.transition(StateIdle)

	log := o.deps.Logger
	stamp := o.deps.Session.Stamp()
	p := stamp.Principal
	o.transition(StateSubmitting)

	built := o.deps.Composer.Build(o.deps.History.Recent(p, recentInteractions), o.recentDiaries(p))
	o.transition(StateContextBuilt)

	o.transition(StateAwaitingOracle)
	callCtx, cancel := context.WithTimeout(ctx, o.deps.OracleTimeout)
	resp, err := o.deps.Oracle.Converse(callCtx, message, o.deps.Composer.Messages(built), p.ID)
	cancel()

	var (
		result     Result
		reply      string
		categories = []string{}
	)
	if err != nil {
		log.Warn("orchestrator: oracle call failed", "principal", p.String(), "error", err)
		reply = oracleFailureReply(err)
	} else {
		o.transition(StateClassified)
		reply = resp.ResponseText

		if cl := resp.Classification; cl != nil {
			if cl.Label != "" {
				categories = append(categories, cl.Label)
			}
			log.Debug("orchestrator: classified",
				"category", string(cl.Category), "label", cl.Label, "confidence", cl.Confidence)

			if cl.IsDiary() {
				o.transition(StatePersistingSideEffect)
				created, err := o.persistDiary(ctx, p, message, cl.Diary)
				switch {
				case errors.Is(err, ErrNoPrincipal):
					log.Debug("orchestrator: skipping diary for unauthenticated principal")
				case err != nil:
					log.Warn("orchestrator: saving diary failed", "principal", p.String(), "error", err)
				default:
					result.DiaryCreated = &created
					reply += DiarySavedSuffix
				}
			}
		}
	}

	if strings.TrimSpace(reply) == "" {
		reply = FallbackResponse
	}

	o.transition(StateRecording)
	today := model.DateOf(o.deps.Now())
	it := model.Interaction{
		ID:         uuid.NewString(),
		Date:       today,
		Weekday:    today.Weekday().String(),
		UserInput:  message,
		Categories: categories,
		AIResponse: reply,
	}
	result.Interaction = it

	if o.deps.Session.Valid(stamp) {
		if err := o.deps.History.Append(p, it); err != nil {
			log.Warn("orchestrator: recording interaction failed", "principal", p.String(), "error", err)
		} else {
			result.Recorded = true
		}
	} else {
		log.Info("orchestrator: principal changed during submission, not recording", "principal", p.String())
	}

	if result.DiaryCreated != nil && o.deps.Cache != nil {
		o.deps.Cache.Invalidate(cache.Key{Principal: p.ID, Resource: cache.ResourceDiaries})
		o.deps.Cache.Invalidate(cache.Key{Principal: model.AllPrincipals, Resource: cache.ResourceDiaries})
	}
	return result, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(to State) {
	o.stateMu.Lock()
	from := o.state
	o.state = to
	o.stateMu.Unlock()
	if o.deps.OnTransition != nil && from != to {
		o.deps.OnTransition(from, to)
	}
}

// recentDiaries reads the cached diary list without waiting for a fetch.
func (o *Orchestrator) recentDiaries(p model.Principal) []model.Diary {
	if p.IsGuest() || o.deps.Cache == nil {
		return nil
	}
	snap := o.deps.Cache.Get(cache.Key{Principal: p.ID, Resource: cache.ResourceDiaries})
	return snap.Payload
}

// persistDiary fills missing fields from the raw input and today's date.
func (o *Orchestrator) persistDiary(ctx context.Context, p model.Principal, input string, data *oracle.DiaryData) (model.Diary, error) {
	if p.IsGuest() {
		return model.Diary{}, ErrNoPrincipal
	}

	d := model.Diary{
		Content: strings.TrimSpace(data.Content),
		Emotion: strings.TrimSpace(data.Mood),
		Title:   strings.TrimSpace(data.Title),
	}
	if d.Content == "" {
		d.Content = input
	}
	if d.Title == "" {
		d.Title = composer.Truncate(d.Content, fallbackTitleRunes)
	}
	if date, err := model.ParseDate(data.Date); err == nil && !date.IsZero() {
		d.Date = date
	} else {
		d.Date = model.DateOf(o.deps.Now())
	}

	pctx, cancel := context.WithTimeout(ctx, o.deps.PersistTimeout)
	defer cancel()
	created, err := o.deps.Diaries.CreateDiary(pctx, p.ID, d)
	if err != nil {
		return model.Diary{}, fmt.Errorf("creating diary: %w", err)
	}
	if created.ID == "" && created.Content == "" {
		created = d
	}
	return created, nil
}

func oracleFailureReply(err error) string {
	var reason string
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = "the assistant took too long to answer"
	case gateway.IsTransient(err):
		reason = "the assistant could not be reached"
	case gateway.IsMalformed(err):
		reason = "the assistant sent an unexpected response"
	default:
		reason = "something went wrong"
	}
	return fmt.Sprintf("Sorry, %s. Please try again in a moment.", reason)
}
