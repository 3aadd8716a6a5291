package feature

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kokistudios/harness/internal/store"
	"github.com/kokistudios/harness/internal/tracker"
)

// Load reads the registry document. A missing document yields an empty
// list; an unparsable one returns an error matching store.ErrCorrupt.
func Load(s *store.Store) (*FeatureList, error) {
	var l FeatureList
	if err := s.ReadJSON(store.FeaturesFile, &l); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewList(nil), nil
		}
		return nil, err
	}
	if l.Features == nil {
		l.Features = []Feature{}
	}
	seen := make(map[string]bool, len(l.Features))
	for _, f := range l.Features {
		if seen[f.ID] {
			return nil, &store.CorruptError{Path: s.Path(store.FeaturesFile), Err: fmt.Errorf("duplicate feature id %q", f.ID)}
		}
		seen[f.ID] = true
	}
	return &l, nil
}

// Save rewrites the registry document. Created is preserved and Updated
// always moves forward.
func Save(s *store.Store, l *FeatureList) error {
	now := l.now()
	if !now.After(l.Updated) {
		now = l.Updated.Add(time.Microsecond)
	}
	if l.Created.IsZero() {
		l.Created = now
	}
	if l.Version == "" {
		l.Version = DocumentVersion
	}
	l.Updated = now
	return s.WriteJSON(store.FeaturesFile, l)
}

// Exists reports whether a registry document has been written.
func Exists(s *store.Store) bool {
	return s.Exists(store.FeaturesFile)
}

// UpdateResult describes the outcome of Registry.UpdateStatus.
type UpdateResult struct {
	Found   bool
	From    Status
	To      Status
	Feature Feature
	// Warning is set when the move was outside the lifecycle table but
	// was applied anyway.
	Warning string
}

// Registry serializes registry mutations across processes and mirrors
// them into the external tracker after the local write is durable.
type Registry struct {
	Store   *store.Store
	Tracker tracker.Tracker
	Logger  *log.Logger
	Strict  bool // reject transitions outside the lifecycle table
	Now     func() time.Time
}

// NewRegistry returns a Registry configured from s.Config.
func NewRegistry(s *store.Store, t tracker.Tracker, logger *log.Logger) *Registry {
	return &Registry{
		Store:   s,
		Tracker: t,
		Logger:  logger,
		Strict:  s.Config.Features.StrictTransitions,
		Now:     time.Now,
	}
}

// List loads the current registry without locking.
func (r *Registry) List() (*FeatureList, error) {
	l, err := Load(r.Store)
	if err != nil {
		return nil, err
	}
	l.Now = r.Now
	return l, nil
}

// Add registers a new pending feature. A tracker task is created after
// the feature is saved; tracker failure leaves ExternalTaskID empty.
func (r *Registry) Add(ctx context.Context, id, description, verification string) (*Feature, error) {
	var added Feature
	err := r.mutate(ctx, func(l *FeatureList) error {
		f, err := l.Add(id, description, verification)
		if err != nil {
			return err
		}
		added = *f
		return nil
	})
	if err != nil {
		return nil, err
	}

	taskID, err := r.tracker().Create(ctx, description)
	if err != nil {
		r.logger().Debug("tracker create skipped", "feature", added.ID, "err", err)
		return &added, nil
	}
	if taskID == "" {
		return &added, nil
	}

	err = r.mutate(ctx, func(l *FeatureList) error {
		f := l.Get(added.ID)
		if f == nil || f.ExternalTaskID != "" {
			return errSkip
		}
		f.ExternalTaskID = taskID
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		r.logger().Warn("failed to record tracker task", "feature", added.ID, "task", taskID, "err", err)
		return &added, nil
	}
	if err == nil {
		added.ExternalTaskID = taskID
	}
	return &added, nil
}

// Seed is one feature for Registry.Seed.
type Seed struct {
	ID           string
	Description  string
	Verification string
}

// Seed replaces the registry with seeds in a single locked save, so a
// rejected seed leaves the existing registry untouched. Tracker tasks are
// created afterwards and their ids recorded in one more save; tracker
// failure only leaves ExternalTaskID empty.
func (r *Registry) Seed(ctx context.Context, seeds []Seed) (*FeatureList, error) {
	l := NewList(r.Now)
	for _, sd := range seeds {
		if _, err := l.Add(sd.ID, sd.Description, sd.Verification); err != nil {
			return nil, err
		}
	}

	unlock, err := r.Store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	err = Save(r.Store, l)
	unlock()
	if err != nil {
		return nil, err
	}

	taskIDs := make(map[string]string)
	for _, f := range l.Features {
		taskID, err := r.tracker().Create(ctx, f.Description)
		if err != nil {
			r.logger().Debug("tracker create skipped", "feature", f.ID, "err", err)
			if errors.Is(err, tracker.ErrUnavailable) {
				break
			}
			continue
		}
		if taskID != "" {
			taskIDs[f.ID] = taskID
		}
	}
	if len(taskIDs) == 0 {
		return l, nil
	}

	err = r.mutate(ctx, func(cur *FeatureList) error {
		for id, taskID := range taskIDs {
			if f := cur.Get(id); f != nil && f.ExternalTaskID == "" {
				f.ExternalTaskID = taskID
			}
		}
		return nil
	})
	if err != nil {
		r.logger().Warn("failed to record tracker tasks", "err", err)
		return l, nil
	}
	for i := range l.Features {
		if taskID, ok := taskIDs[l.Features[i].ID]; ok {
			l.Features[i].ExternalTaskID = taskID
		}
	}
	return l, nil
}

// UpdateStatus moves a feature to status to. An unknown id yields
// Found=false and no error. Transitions outside the lifecycle table are
// applied with a warning unless Strict is set.
func (r *Registry) UpdateStatus(ctx context.Context, id string, to Status, output string) (UpdateResult, error) {
	res := UpdateResult{To: to}
	err := r.mutate(ctx, func(l *FeatureList) error {
		cur := l.Get(id)
		if cur == nil {
			return errSkip
		}
		res.Found = true
		res.From = cur.Status
		if err := CheckTransition(id, cur.Status, to); err != nil {
			if r.Strict {
				return err
			}
			r.logger().Warn("status transition outside lifecycle", "feature", id, "from", cur.Status, "to", to)
			res.Warning = err.Error()
		}
		l.UpdateStatus(id, to, output)
		res.Feature = *l.Get(id)
		return nil
	})
	if errors.Is(err, errSkip) {
		return res, nil
	}
	if err != nil {
		return res, err
	}

	r.mirror(ctx, res.Feature)
	return res, nil
}

// mirror pushes a committed status change to the tracker. Failures are
// logged only.
func (r *Registry) mirror(ctx context.Context, f Feature) {
	if f.ExternalTaskID == "" {
		return
	}
	var err error
	switch f.Status {
	case StatusVerified:
		err = r.tracker().Close(ctx, f.ExternalTaskID, fmt.Sprintf("Feature %s verified", f.ID))
	case StatusInProgress:
		err = r.tracker().UpdateStatus(ctx, f.ExternalTaskID, string(StatusInProgress))
	default:
		return
	}
	if err != nil {
		r.logger().Debug("tracker sync skipped", "feature", f.ID, "task", f.ExternalTaskID, "err", err)
	}
}

var errSkip = errors.New("skip save")

// mutate runs fn on a freshly loaded registry under the state lock and
// saves the result. fn returning errSkip aborts without writing.
func (r *Registry) mutate(ctx context.Context, fn func(*FeatureList) error) error {
	unlock, err := r.Store.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	l, err := r.List()
	if err != nil {
		return err
	}
	if err := fn(l); err != nil {
		return err
	}
	return Save(r.Store, l)
}

func (r *Registry) tracker() tracker.Tracker {
	if r.Tracker == nil {
		return tracker.Nop{}
	}
	return r.Tracker
}

func (r *Registry) logger() *log.Logger {
	if r.Logger == nil {
		return log.New(io.Discard)
	}
	return r.Logger
}
