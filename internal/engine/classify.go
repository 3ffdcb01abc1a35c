package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Classifier decides whether one item is selected for mutation.
type Classifier interface {
	Classify(ctx context.Context, item WorkItem) Decision
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, item WorkItem) Decision

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, item WorkItem) Decision {
	return f(ctx, item)
}

const timestampLayout = "2006-01-02T15:04:05"

// ParseTimestamp parses an ISO-8601 timestamp with any number of fractional
// second digits. Fractional seconds are dropped. Timestamps without a zone
// suffix are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) < len(timestampLayout) {
		return time.Time{}, fmt.Errorf("timestamp %q too short", s)
	}
	base, rest := s[:len(timestampLayout)], s[len(timestampLayout):]
	if strings.HasPrefix(rest, ".") {
		i := 1
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		rest = rest[i:]
	}
	switch rest {
	case "", "Z", "z":
		return time.ParseInLocation(timestampLayout, base, time.UTC)
	}
	t, err := time.Parse(timestampLayout+"Z07:00", base+rest)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ActivityCheck reports whether item had any activity since the given time.
type ActivityCheck func(ctx context.Context, item WorkItem, since time.Time) (bool, error)

// AgeClassifier selects items created before now minus Threshold that show
// no activity since that cutoff.
type AgeClassifier struct {
	// CreatedPath is the gjson path of the creation timestamp.
	// Defaults to "createdDate".
	CreatedPath string
	Threshold   time.Duration
	// Active is optional. When nil only the age is considered.
	Active ActivityCheck
	// Gate bounds the activity lookups.
	Gate *Gate
	Now  func() time.Time
}

// Classify implements Classifier.
func (c *AgeClassifier) Classify(ctx context.Context, item WorkItem) Decision {
	path := c.CreatedPath
	if path == "" {
		path = "createdDate"
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	raw := item.Get(path)
	if !raw.Exists() {
		return Ambiguous(item, "missing "+path, nil)
	}
	created, err := ParseTimestamp(raw.String())
	if err != nil {
		return Ambiguous(item, "unparseable "+path, err)
	}

	cutoff := now().UTC().Truncate(time.Second).Add(-c.Threshold)
	if !created.Before(cutoff) {
		return Exclude(item, fmt.Sprintf("created %s, within threshold", created.Format(time.DateOnly)))
	}
	if c.Active == nil {
		return Include(item, fmt.Sprintf("created %s", created.Format(time.DateOnly)))
	}

	var active bool
	err = c.Gate.do(ctx, func(ctx context.Context) error {
		var err error
		active, err = c.Active(ctx, item, cutoff)
		return err
	})
	if err != nil {
		return Ambiguous(item, "activity check failed", err)
	}
	if active {
		return Exclude(item, fmt.Sprintf("active since %s", cutoff.Format(time.DateOnly)))
	}
	return Include(item, fmt.Sprintf("created %s, no activity since %s",
		created.Format(time.DateOnly), cutoff.Format(time.DateOnly)))
}

// IdentityRule describes how identities are told apart. Group signatures are
// checked first and always win over human signatures.
type IdentityRule struct {
	UniqueNamePath string
	DescriptorPath string
	// ContainerPath, when set, names a boolean field marking groups. Only a
	// JSON true counts.
	ContainerPath           string
	UserMarkers             []string
	UserDescriptorPrefixes  []string
	GroupDescriptorPrefixes []string
}

// DefaultIdentityRule matches the shape of team member records.
func DefaultIdentityRule() IdentityRule {
	return IdentityRule{
		UniqueNamePath:          "identity.uniqueName",
		DescriptorPath:          "identity.descriptor",
		ContainerPath:           "identity.isContainer",
		UserMarkers:             []string{"@"},
		UserDescriptorPrefixes:  []string{"aad."},
		GroupDescriptorPrefixes: []string{"vssgp.", "aadgp.", "svc.", "s2s."},
	}
}

// IdentityClassifier selects identities that look like individual humans.
type IdentityClassifier struct {
	Rule IdentityRule
}

// Classify implements Classifier.
func (c *IdentityClassifier) Classify(_ context.Context, item WorkItem) Decision {
	r := c.Rule
	uniqueName := item.Get(r.UniqueNamePath)
	descriptor := item.Get(r.DescriptorPath)
	if !uniqueName.Exists() && !descriptor.Exists() {
		return Ambiguous(item, "no identity fields", nil)
	}

	if r.ContainerPath != "" && item.Get(r.ContainerPath).Type == gjson.True {
		return Exclude(item, "group identity (container)")
	}
	desc := strings.ToLower(descriptor.String())
	for _, prefix := range r.GroupDescriptorPrefixes {
		if strings.HasPrefix(desc, strings.ToLower(prefix)) {
			return Exclude(item, fmt.Sprintf("group identity (descriptor %s)", prefix))
		}
	}

	name := uniqueName.String()
	for _, marker := range r.UserMarkers {
		if marker != "" && strings.Contains(name, marker) {
			return Include(item, fmt.Sprintf("user identity (unique name contains %q)", marker))
		}
	}
	for _, prefix := range r.UserDescriptorPrefixes {
		if strings.HasPrefix(desc, strings.ToLower(prefix)) {
			return Include(item, fmt.Sprintf("user identity (descriptor %s)", prefix))
		}
	}
	return Exclude(item, "no user signature")
}

// LookupClassifier fetches a fuller record for the item and applies Match to
// it. The included item carries the fetched record as its Raw, so a mutator
// can work from the full document.
type LookupClassifier struct {
	Gate   *Gate
	Lookup func(ctx context.Context, item WorkItem) (json.RawMessage, error)
	Match  func(item WorkItem) (bool, string)
}

// Classify implements Classifier.
func (c *LookupClassifier) Classify(ctx context.Context, item WorkItem) Decision {
	var raw json.RawMessage
	err := c.Gate.do(ctx, func(ctx context.Context) error {
		var err error
		raw, err = c.Lookup(ctx, item)
		return err
	})
	if err != nil {
		return Ambiguous(item, "lookup failed", err)
	}

	full := item
	full.Raw = raw
	ok, reason := c.Match(full)
	if ok {
		return Include(full, reason)
	}
	return Exclude(full, reason)
}
