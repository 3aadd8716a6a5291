package feature

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kokistudios/harness/internal/store"
)

// DocumentVersion is written to new registry documents.
const DocumentVersion = "1.0.0"

// ErrDuplicateID is returned when adding a feature whose id is taken.
var ErrDuplicateID = errors.New("feature already exists")

// Feature is a unit of trackable work. LastVerified and VerificationOutput
// are either both nil or both set.
type Feature struct {
	ID                 string     `json:"id"`
	Description        string     `json:"description"`
	Status             Status     `json:"status"`
	Verification       string     `json:"verification,omitempty"`
	ExternalTaskID     string     `json:"external_task_id,omitempty"`
	LastVerified       *time.Time `json:"last_verified,omitempty"`
	VerificationOutput *string    `json:"verification_output,omitempty"`
}

// UnmarshalJSON accepts the legacy beads_id field as external_task_id and
// zone-less last_verified stamps.
func (f *Feature) UnmarshalJSON(data []byte) error {
	type plain Feature
	aux := struct {
		*plain
		BeadsID      string           `json:"beads_id"`
		LastVerified *store.Timestamp `json:"last_verified"`
	}{plain: (*plain)(f)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	f.LastVerified = nil
	if aux.LastVerified != nil && !aux.LastVerified.IsZero() {
		t := aux.LastVerified.Time
		f.LastVerified = &t
	}
	if f.ID == "" {
		return fmt.Errorf("feature entry missing id")
	}
	if f.Status == "" {
		f.Status = StatusPending
	}
	if f.ExternalTaskID == "" {
		f.ExternalTaskID = aux.BeadsID
	}
	switch {
	case f.LastVerified != nil && f.VerificationOutput == nil:
		empty := ""
		f.VerificationOutput = &empty
	case f.LastVerified == nil && f.VerificationOutput != nil:
		f.VerificationOutput = nil
	}
	return nil
}

// Output returns the verification output, or "" when none was recorded.
func (f Feature) Output() string {
	if f.VerificationOutput == nil {
		return ""
	}
	return *f.VerificationOutput
}

// FeatureList is the registry document: an ordered set of features.
// Insertion order is the priority tie-breaker and is never rewritten.
type FeatureList struct {
	Version  string    `json:"version"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
	Features []Feature `json:"features"`

	Now func() time.Time `json:"-"`
}

// UnmarshalJSON accepts zone-less created and updated stamps.
func (l *FeatureList) UnmarshalJSON(data []byte) error {
	type plain FeatureList
	aux := struct {
		*plain
		Created store.Timestamp `json:"created"`
		Updated store.Timestamp `json:"updated"`
	}{plain: (*plain)(l)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	l.Created = aux.Created.Time
	l.Updated = aux.Updated.Time
	return nil
}

// NewList returns an empty registry document.
func NewList(now func() time.Time) *FeatureList {
	if now == nil {
		now = time.Now
	}
	t := now().UTC()
	return &FeatureList{
		Version:  DocumentVersion,
		Created:  t,
		Updated:  t,
		Features: []Feature{},
		Now:      now,
	}
}

func (l *FeatureList) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// Add appends a pending feature.
func (l *FeatureList) Add(id, description, verification string) (*Feature, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("feature id is required")
	}
	if l.Get(id) != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	l.Features = append(l.Features, Feature{
		ID:           id,
		Description:  description,
		Status:       StatusPending,
		Verification: verification,
	})
	return &l.Features[len(l.Features)-1], nil
}

// Get returns the feature with id, or nil.
func (l *FeatureList) Get(id string) *Feature {
	for i := range l.Features {
		if l.Features[i].ID == id {
			return &l.Features[i]
		}
	}
	return nil
}

// UpdateStatus sets a feature's status and returns its previous status.
// Entering verified or failed stamps LastVerified and stores output.
// ok is false when id is unknown.
func (l *FeatureList) UpdateStatus(id string, to Status, output string) (from Status, ok bool) {
	f := l.Get(id)
	if f == nil {
		return "", false
	}
	from = f.Status
	f.Status = to
	if to == StatusVerified || to == StatusFailed {
		t := l.now()
		out := output
		f.LastVerified = &t
		f.VerificationOutput = &out
	}
	return from, true
}

// Summary counts features per status. All five keys are always present.
func (l *FeatureList) Summary() map[Status]int {
	counts := make(map[Status]int, len(AllStatuses()))
	for _, st := range AllStatuses() {
		counts[st] = 0
	}
	for _, f := range l.Features {
		counts[f.Status]++
	}
	return counts
}

// AllVerified reports whether every feature, if any, is verified.
func (l *FeatureList) AllVerified() bool {
	for _, f := range l.Features {
		if f.Status != StatusVerified {
			return false
		}
	}
	return true
}

// Unverified returns features not yet verified, in registry order.
func (l *FeatureList) Unverified() []Feature {
	var out []Feature
	for _, f := range l.Features {
		if f.Status != StatusVerified {
			out = append(out, f)
		}
	}
	return out
}

// ImplementedUnverified returns features awaiting a verification run.
func (l *FeatureList) ImplementedUnverified() []Feature {
	return l.WithStatus(StatusImplemented)
}

// Failed returns features whose last verification failed.
func (l *FeatureList) Failed() []Feature {
	return l.WithStatus(StatusFailed)
}

// WithStatus returns features in status st, in registry order.
func (l *FeatureList) WithStatus(st Status) []Feature {
	var out []Feature
	for _, f := range l.Features {
		if f.Status == st {
			out = append(out, f)
		}
	}
	return out
}

// nextPriority is the order in which actionable statuses are worked.
var nextPriority = []Status{StatusInProgress, StatusPending, StatusImplemented}

// Next returns the highest-priority actionable feature, or nil.
func (l *FeatureList) Next() *Feature {
	for _, st := range nextPriority {
		for i := range l.Features {
			if l.Features[i].Status == st {
				f := l.Features[i]
				return &f
			}
		}
	}
	return nil
}
