// Package tracker records which batch inputs have completed every stage.
//
// Completion is stored as zero-byte marker objects keyed
// <processed prefix>/<batch>/<input id>.processed. A marker's existence is
// the only record that an input is done; markers are never removed.
package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-set/v2"
	"github.com/pathomics/slidebatch/internal/objstore"
	"github.com/rs/zerolog/log"
)

// MarkerSuffix is appended to an input id to form its marker key.
const MarkerSuffix = ".processed"

// Item is one raw input object.
type Item struct {
	Key string // Full object key
	ID  string // Key relative to the batch source prefix
}

// Summary counts a batch's eligible inputs by state.
type Summary struct {
	Eligible  int
	Processed int
	Pending   int
	Ignored   int // Listed objects without a recognized extension
}

// Tracker computes unprocessed inputs and writes processed markers.
type Tracker struct {
	store        objstore.Store
	sourcePrefix string
	markerPrefix string
	extensions   []string
}

// New creates a Tracker for inputs under sourcePrefix with markers under
// markerPrefix. Only keys ending in one of extensions (case-insensitive) are
// eligible.
func New(store objstore.Store, sourcePrefix, markerPrefix string, extensions []string) *Tracker {
	exts := make([]string, 0, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	return &Tracker{
		store:        store,
		sourcePrefix: objstore.NormalizePrefix(sourcePrefix),
		markerPrefix: objstore.NormalizePrefix(markerPrefix),
		extensions:   exts,
	}
}

// MarkerKey returns the marker object key for item.
func (t *Tracker) MarkerKey(item Item) string {
	return t.markerPrefix + item.ID + MarkerSuffix
}

func (t *Tracker) eligible(key string) bool {
	lower := strings.ToLower(key)
	for _, e := range t.extensions {
		if strings.HasSuffix(lower, e) {
			return true
		}
	}
	return false
}

// inputs lists the eligible inputs in listing order, deduplicated.
func (t *Tracker) inputs(ctx context.Context) ([]Item, int, error) {
	keys, err := t.store.List(ctx, t.sourcePrefix)
	if err != nil {
		return nil, 0, fmt.Errorf("list inputs: %w", err)
	}

	seen := set.New[string](len(keys))
	items := make([]Item, 0, len(keys))
	ignored := 0
	for _, key := range keys {
		if !t.eligible(key) {
			ignored++
			continue
		}
		if !seen.Insert(key) {
			continue
		}
		items = append(items, Item{Key: key, ID: strings.TrimPrefix(key, t.sourcePrefix)})
	}
	return items, ignored, nil
}

// ProcessedIDs returns the ids of every input with a marker.
func (t *Tracker) ProcessedIDs(ctx context.Context) (*set.Set[string], error) {
	keys, err := t.store.List(ctx, t.markerPrefix)
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}

	ids := set.New[string](len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, MarkerSuffix) {
			continue
		}
		ids.Insert(strings.TrimSuffix(strings.TrimPrefix(key, t.markerPrefix), MarkerSuffix))
	}
	return ids, nil
}

// ComputeUnprocessed returns the eligible inputs without a marker, in listing order.
// Listing failures are returned rather than treated as "nothing processed".
func (t *Tracker) ComputeUnprocessed(ctx context.Context) ([]Item, error) {
	items, _, err := t.inputs(ctx)
	if err != nil {
		return nil, err
	}
	done, err := t.ProcessedIDs(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]Item, 0, len(items))
	for _, item := range items {
		if !done.Contains(item.ID) {
			pending = append(pending, item)
		}
	}

	log.Debug().
		Str("source", t.sourcePrefix).
		Int("eligible", len(items)).
		Int("processed", len(items)-len(pending)).
		Int("pending", len(pending)).
		Msg("Computed unprocessed inputs")
	return pending, nil
}

// MarkProcessed writes item's marker. Writing an existing marker again is harmless.
func (t *Tracker) MarkProcessed(ctx context.Context, item Item) error {
	key := t.MarkerKey(item)
	if err := t.store.PutEmpty(ctx, key); err != nil {
		return fmt.Errorf("mark %s processed: %w", item.ID, err)
	}
	log.Debug().Str("key", key).Msg("Wrote processed marker")
	return nil
}

// Status summarizes the batch without changing anything.
func (t *Tracker) Status(ctx context.Context) (Summary, error) {
	items, ignored, err := t.inputs(ctx)
	if err != nil {
		return Summary{}, err
	}
	done, err := t.ProcessedIDs(ctx)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{Eligible: len(items), Ignored: ignored}
	for _, item := range items {
		if done.Contains(item.ID) {
			s.Processed++
		}
	}
	s.Pending = s.Eligible - s.Processed
	return s, nil
}
