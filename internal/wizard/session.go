// Package wizard drives one user's way through the downscaling request flow:
// sign-in, region and dataset, output intent, index selection and launch.
//
// A Session owns all of its state. Every mutation publishes an immutable
// Snapshot to subscribers.
package wizard

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"odds/internal/external"
	"odds/internal/grid"
	"odds/internal/jobs"
	"odds/internal/params"
	"odds/internal/results"
	"odds/internal/types"
)

// Step is a wizard page.
type Step int

const (
	StepAuth Step = iota
	StepRegion
	StepIntent
	StepIndices
	StepSummary
)

var stepNames = [...]string{"authentication", "region", "intent", "indices", "summary"}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return "unknown"
	}
	return stepNames[s]
}

// MarshalText renders the step by name.
func (s Step) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

const maxNotices = 3

// Locator applies the location policy to a clicked point.
type Locator interface {
	Apply(ctx context.Context, p types.Point) (grid.Placement, error)
	InModelGrid(ctx context.Context, p types.Point, sel types.DatasetSelector, vars []types.Variable) (bool, error)
}

// Launcher records and enqueues a job request and returns its position in
// the queue.
type Launcher interface {
	Enqueue(ctx context.Context, req types.JobRequest) (position int, err error)
}

// Canceller stops a launched request. *jobs.Canceller satisfies it.
type Canceller interface {
	Cancel(ctx context.Context, requestID string) (jobs.CancelResult, error)
}

// Deps are the collaborators a Session needs.
type Deps struct {
	Locator  Locator
	Launcher Launcher
	// Canceller may be nil, which disables Cancel.
	Canceller Canceller
	// CancelCooldown holds launches after a cancel. Zero means 45s.
	CancelCooldown time.Duration
	Mailer         external.EmailProvider // nil disables confirmation email
	From           string
	Locs           params.Locations
	Clock          types.Clock
	Logger         *slog.Logger
	NewID          func() string
}

// Snapshot is a copy of the session state. It is never mutated after being
// published.
type Snapshot struct {
	ID        string                `json:"id"`
	Step      Step                  `json:"step"`
	Identity  *types.Identity       `json:"identity,omitempty"`
	Point     *types.Point          `json:"point,omitempty"`
	Subdomain *types.Subdomain      `json:"subdomain,omitempty"`
	Placement grid.Placement        `json:"placement"`
	Datasets  []types.Dataset       `json:"available_datasets"`
	Region    string                `json:"region"`
	Selector  types.DatasetSelector `json:"selector"`
	Variables []types.Variable      `json:"variables"`
	Intent    types.OutputIntent    `json:"output_intent"`
	Indices   []types.IndexRequest  `json:"indices"`
	Notices   []types.Notice        `json:"notices"`
	Launching bool                  `json:"launching"`
	LastJobID string                `json:"last_job_id,omitempty"`
	// CooldownUntil is when launching is allowed again after a cancel.
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`
	Version       int       `json:"version"`
}

// InScope lists the variables whose index groups are selectable: the chosen
// variables plus the multivariate group when both tasmax and tasmin are
// chosen.
func (s Snapshot) InScope() []types.Variable {
	return inScope(s.Variables)
}

func inScope(vars []types.Variable) []types.Variable {
	out := slices.Clone(vars)
	if slices.Contains(vars, types.VarTasmax) && slices.Contains(vars, types.VarTasmin) {
		out = append(out, types.GroupMultivar)
	}
	return out
}

type state struct {
	step      Step
	identity  *types.Identity
	point     *types.Point
	subdomain *types.Subdomain
	placement grid.Placement
	region    string
	selector  types.DatasetSelector
	variables []types.Variable
	intent    types.OutputIntent
	indices   []types.IndexRequest
	notices   []types.Notice
	launching bool
	lastJobID string
	cooldown  time.Time
	// insideBC is the BC placement of the last accepted point; nil before
	// the first one.
	insideBC *bool
	version  int
}

// Session is one user's wizard. It is safe for concurrent use.
type Session struct {
	id      string
	deps    Deps
	results *results.Aggregator
	logger  *slog.Logger

	mu     sync.Mutex
	st     state
	subs   map[int]func(Snapshot)
	nextID int
}

// NewSession starts a wizard at the authentication step. identity may be nil
// when the user has not signed in yet.
func NewSession(id string, identity *types.Identity, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.CancelCooldown <= 0 {
		deps.CancelCooldown = 45 * time.Second
	}
	s := &Session{
		id:      id,
		deps:    deps,
		results: results.New(deps.Locs),
		logger:  deps.Logger.With("session_id", id),
		subs:    make(map[int]func(Snapshot)),
	}
	s.st = state{
		step:     StepAuth,
		identity: identity,
		selector: types.DatasetSelector{Dataset: types.DatasetBlend},
		intent:   types.IntentIndices,
	}
	return s
}

// ID is the session identifier.
func (s *Session) ID() string { return s.id }

// Results holds the outputs this session can feed into index jobs.
func (s *Session) Results() *results.Aggregator { return s.results }

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	st := &s.st
	snap := Snapshot{
		ID:        s.id,
		Step:      st.step,
		Placement: st.placement,
		Datasets:  []types.Dataset{types.DatasetBlend, types.DatasetEnsemble},
		Region:    st.region,
		Selector:  st.selector,
		Variables: slices.Clone(st.variables),
		Intent:    st.intent,
		Indices:   slices.Clone(st.indices),
		Notices:   slices.Clone(st.notices),
		Launching: st.launching,
		LastJobID: st.lastJobID,
		Version:   st.version,
	}
	if st.cooldown.After(s.deps.Clock.Now()) {
		snap.CooldownUntil = st.cooldown
	}
	if st.identity != nil {
		id := *st.identity
		snap.Identity = &id
	}
	if st.point != nil {
		p := *st.point
		snap.Point = &p
		snap.Datasets = st.placement.Datasets()
	}
	if st.subdomain != nil {
		d := *st.subdomain
		snap.Subdomain = &d
	}
	return snap
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned func removes the subscription.
func (s *Session) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// commitLocked bumps the version and must be called with the lock held. The
// returned func publishes the new snapshot and must be called after
// unlocking.
func (s *Session) commitLocked() func() {
	s.st.version++
	snap := s.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return func() {
		for _, fn := range subs {
			fn(snap)
		}
	}
}

// update runs fn under the lock and publishes the result if fn changed
// anything. fn reports whether it did.
func (s *Session) update(fn func(st *state) (changed bool, err error)) error {
	s.mu.Lock()
	changed, err := fn(&s.st)
	var publish func()
	if changed {
		publish = s.commitLocked()
	}
	s.mu.Unlock()
	if publish != nil {
		publish()
	}
	return err
}

// notifyLocked records a user-facing message, keeping the most recent three.
func (s *Session) notifyLocked(level types.NoticeLevel, msg string) {
	s.st.notices = append(s.st.notices, types.Notice{Level: level, Message: msg, At: s.deps.Clock.Now()})
	if n := len(s.st.notices); n > maxNotices {
		s.st.notices = slices.Clone(s.st.notices[n-maxNotices:])
	}
}

// Notify records a user-facing message.
func (s *Session) Notify(level types.NoticeLevel, msg string) {
	_ = s.update(func(*state) (bool, error) {
		s.notifyLocked(level, msg)
		return true, nil
	})
}

// Authenticate attaches a signed-in identity.
func (s *Session) Authenticate(id types.Identity) {
	_ = s.update(func(st *state) (bool, error) {
		st.identity = &id
		return true, nil
	})
}
