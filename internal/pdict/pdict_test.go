package pdict

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ghcoord/internal/errs"
	"github.com/roach88/ghcoord/internal/pulse"
	"github.com/roach88/ghcoord/internal/store"
	"github.com/roach88/ghcoord/internal/txn"
	"github.com/roach88/ghcoord/internal/value"
)

func newTestDict(t *testing.T) (*Dict, *pulse.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.Open(context.Background(), store.Options{
		Path: filepath.Join(t.TempDir(), "pdict.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := pulse.NewRegistry()
	return New(txn.NewRunner(s.DB(), logger), s.DB(), reg, logger), reg
}

// snapshots records the canonical JSON of each snapshot per subscriber.
type snapshots struct {
	mu   sync.Mutex
	seen map[string][]string
	wg   sync.WaitGroup
}

func newSnapshots(t *testing.T, cancel context.CancelFunc) *snapshots {
	s := &snapshots{seen: map[string][]string{}}
	t.Cleanup(func() {
		cancel()
		s.wg.Wait()
	})
	return s
}

func (s *snapshots) collect(ctx context.Context, t *testing.T, d *Dict, domain, item, key string) {
	s.mu.Lock()
	s.seen[key] = []string{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for snap, err := range d.Subscribe(ctx, domain, item) {
			if err != nil {
				t.Errorf("subscriber %s: %v", key, err)
				return
			}
			s.mu.Lock()
			s.seen[key] = append(s.seen[key], string(value.MustMarshalCanonical(snap)))
			s.mu.Unlock()
		}
	}()
}

func (s *snapshots) get() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.seen))
	for k, v := range s.seen {
		out[k] = append([]string{}, v...)
	}
	return out
}

func (s *snapshots) requireEventually(t *testing.T, want map[string][]string) {
	t.Helper()
	require.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Empty(c, cmp.Diff(want, s.get()))
	}, 2*time.Second, 5*time.Millisecond)
}

func (s *snapshots) requireStays(t *testing.T, want map[string][]string) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	if diff := cmp.Diff(want, s.get()); diff != "" {
		t.Fatalf("snapshots changed (-want +got):\n%s", diff)
	}
}

func TestDictSubscriptions(t *testing.T) {
	d, _ := newTestDict(t)
	ctx, cancel := context.WithCancel(context.Background())
	snaps := newSnapshots(t, cancel)

	snaps.collect(ctx, t, d, "d1", "i1", "k1")
	snaps.collect(ctx, t, d, "d1", "i1", "k2")
	snaps.collect(ctx, t, d, "d1", "i2", "d1-i2")
	snaps.collect(ctx, t, d, "d2", "i1", "d2-i1")

	want := map[string][]string{"k1": {"{}"}, "k2": {"{}"}, "d1-i2": {"{}"}, "d2-i1": {"{}"}}
	snaps.requireEventually(t, want)

	require.NoError(t, d.Update(ctx, "d1", "i1", value.MustParse(`{"hi":"there"}`)))
	want["k1"] = []string{"{}", `{"hi":"there"}`}
	want["k2"] = []string{"{}", `{"hi":"there"}`}
	snaps.requireEventually(t, want)

	// Redundant updates are collapsed out.
	require.NoError(t, d.Update(ctx, "d1", "i1", value.MustParse(`{"hi":"there"}`)))
	snaps.requireStays(t, want)

	// Inconsistent updates fail and change nothing.
	err := d.Update(ctx, "d1", "i1", value.MustParse(`{"hi":"oops"}`))
	require.True(t, errs.IsConflict(err), "got %v", err)
	snaps.requireStays(t, want)

	// A late subscriber starts from the latest snapshot.
	snaps.collect(ctx, t, d, "d1", "i1", "k3")
	want["k3"] = []string{`{"hi":"there"}`}
	snaps.requireEventually(t, want)

	require.NoError(t, d.Update(ctx, "d1", "i1", value.MustParse(`{"new":"data"}`)))
	for _, k := range []string{"k1", "k2", "k3"} {
		want[k] = append(want[k], `{"hi":"there","new":"data"}`)
	}
	snaps.requireEventually(t, want)

	err = d.Update(ctx, "d1", "i1", value.MustParse(`{"hi":"somewhere else"}`))
	require.True(t, errs.IsConflict(err), "got %v", err)

	// Other items are kept distinct.
	require.NoError(t, d.Update(ctx, "d2", "i1", value.MustParse(`{"another":"PDict"}`)))
	want["d2-i1"] = []string{"{}", `{"another":"PDict"}`}
	snaps.requireEventually(t, want)
}

func TestUpdate_ConflictLeavesValueUnchanged(t *testing.T) {
	d, _ := newTestDict(t)
	ctx := context.Background()

	require.NoError(t, d.Update(ctx, "gh", "pr-1", value.MustParse(`{"head":{"sha":"abc"},"state":"open"}`)))

	err := d.Update(ctx, "gh", "pr-1", value.MustParse(`{"head":{"sha":"def"},"labels":["x"]}`))
	require.True(t, errs.IsConflict(err), "got %v", err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "head.sha", e.Details["path"])

	var ue *value.UnifyError
	require.ErrorAs(t, err, &ue, "the unify failure is the cause")

	got, err := d.Get(ctx, "gh", "pr-1")
	require.NoError(t, err)
	assert.True(t, value.Equal(value.MustParse(`{"head":{"sha":"abc"},"state":"open"}`), got),
		"labels from the rejected fragment must not be stored: %v", got)
}

func TestUpdate_NumberConflict(t *testing.T) {
	d, _ := newTestDict(t)
	ctx := context.Background()

	require.NoError(t, d.Update(ctx, "ci", "sha", value.MustParse(`{"coverage":{"pct":87.5}}`)))
	require.NoError(t, d.Update(ctx, "ci", "sha", value.MustParse(`{"coverage":{"pct":87.50,"lines":1200.0}}`)))

	err := d.Update(ctx, "ci", "sha", value.MustParse(`{"coverage":{"pct":88.1}}`))
	require.True(t, errs.IsConflict(err), "got %v", err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "coverage.pct", e.Details["path"])

	got, err := d.Get(ctx, "ci", "sha")
	require.NoError(t, err)
	assert.True(t, value.Equal(value.MustParse(`{"coverage":{"pct":87.5,"lines":1200}}`), got), "got %v", got)
}

func TestUpdate_NonObjectFragment(t *testing.T) {
	d, _ := newTestDict(t)
	ctx := context.Background()

	for _, frag := range []value.Value{value.Int(1), value.String("x"), value.Array{}, nil} {
		err := d.Update(ctx, "d", "i", frag)
		assert.True(t, errs.IsConflict(err), "fragment %v: got %v", frag, err)
	}

	got, err := d.Get(ctx, "d", "i")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpdate_NestedMerge(t *testing.T) {
	d, _ := newTestDict(t)
	ctx := context.Background()

	require.NoError(t, d.Update(ctx, "d", "i", value.MustParse(`{"a":1,"sub":{"s1":2}}`)))
	require.NoError(t, d.Update(ctx, "d", "i", value.MustParse(`{"b":3,"sub":{"s2":4}}`)))

	got, err := d.Get(ctx, "d", "i")
	require.NoError(t, err)
	want := value.MustParse(`{"a":1,"b":3,"sub":{"s1":2,"s2":4}}`)
	assert.True(t, value.Equal(want, got), "got %v", got)
}

func TestUpdate_ConcurrentWritersConverge(t *testing.T) {
	d, _ := newTestDict(t)

	const writers = 12
	g, ctx := errgroup.WithContext(context.Background())
	for i := range writers {
		g.Go(func() error {
			frag := value.NewObject(
				value.P("shared", value.String("same")),
				value.P("checks", value.NewObject(
					value.P(fmt.Sprintf("check-%02d", i), value.Int(i)),
				)),
			)
			return d.Update(ctx, "gh", "suite-9", frag)
		})
	}
	require.NoError(t, g.Wait())

	got, err := d.Get(context.Background(), "gh", "suite-9")
	require.NoError(t, err)
	checks, ok := got["checks"].(value.Object)
	require.True(t, ok)
	assert.Len(t, checks, writers, "no fragment lost")
	assert.Equal(t, value.String("same"), got["shared"])
}

func TestUpdate_NoopStillPulses(t *testing.T) {
	d, reg := newTestDict(t)
	ctx := context.Background()

	p, release := reg.Acquire("d", "i")
	defer release()

	require.NoError(t, d.Update(ctx, "d", "i", value.Object{}))
	assert.Equal(t, uint64(1), p.Count())
}

func TestAwait(t *testing.T) {
	d, _ := newTestDict(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := make(chan value.Value, 1)
	errc := make(chan error, 1)
	go func() {
		v, err := d.Await(ctx, "gh", "suite-1", "conclusion.status")
		if err != nil {
			errc <- err
			return
		}
		result <- v
	}()

	require.NoError(t, d.Update(ctx, "gh", "suite-1", value.MustParse(`{"conclusion":{}}`)))
	require.NoError(t, d.Update(ctx, "gh", "suite-1", value.MustParse(`{"other":1}`)))
	require.NoError(t, d.Update(ctx, "gh", "suite-1", value.MustParse(`{"conclusion":{"status":"success"}}`)))

	select {
	case v := <-result:
		assert.Equal(t, value.String("success"), v)
	case err := <-errc:
		t.Fatalf("Await() failed: %v", err)
	case <-ctx.Done():
		t.Fatal("Await() did not return")
	}
}

func TestAwait_AlreadyPresent(t *testing.T) {
	d, _ := newTestDict(t)
	ctx := context.Background()

	require.NoError(t, d.Update(ctx, "d", "i", value.MustParse(`{"runs":[{"id":7}]}`)))
	v, err := d.Await(ctx, "d", "i", "runs.0.id")
	require.NoError(t, err)
	assert.Equal(t, value.Int(7), v)
}

func TestAwait_Cancelled(t *testing.T) {
	d, _ := newTestDict(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Await(ctx, "d", "i", "never")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribe_BreakReleases(t *testing.T) {
	d, reg := newTestDict(t)

	for snap, err := range d.Subscribe(context.Background(), "d", "i") {
		require.NoError(t, err)
		assert.Empty(t, snap)
		assert.Equal(t, 1, reg.Len())
		break
	}
	assert.Equal(t, 0, reg.Len())
}
