package reflector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/clusterpedia-io/reflector/pkg/reflector/internal/mockwatcher"
	"github.com/clusterpedia-io/reflector/pkg/reflector/state/memstore"
	"github.com/clusterpedia-io/reflector/pkg/reflector/watcher"
)

type object = *metav1.PartialObjectMetadata

func newObject(uid types.UID, rv string) object {
	return &metav1.PartialObjectMetadata{ObjectMeta: metav1.ObjectMeta{UID: uid, ResourceVersion: rv}}
}

func bookmark(rv string) object {
	return &metav1.PartialObjectMetadata{ObjectMeta: metav1.ObjectMeta{ResourceVersion: rv}}
}

// runUntilDone runs r in a goroutine and waits (bounded) for it to return,
// which every test here relies on by scripting the mock watcher to run dry
// after the scenario's sessions and return a plain (non-desync) error.
func runUntilDone(t *testing.T, r *Reflector[object]) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("reflector did not terminate")
		return nil
	}
}

func waitForWaiters(t *testing.T, clk *testingclock.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if clk.HasWaiters() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for reflector to register a timer")
}

func TestReflectorNormalFlow(t *testing.T) {
	store := memstore.New[object]()
	w := mockwatcher.New(
		mockwatcher.Step[object]{Events: []watcher.Response[object]{
			mockwatcher.Added(newObject("uid0", "10")),
			mockwatcher.Added(newObject("uid1", "15")),
		}},
		mockwatcher.Step[object]{Events: []watcher.Response[object]{
			mockwatcher.Modified(newObject("uid0", "20")),
			mockwatcher.Added(newObject("uid2", "25")),
		}},
		mockwatcher.Step[object]{Events: []watcher.Response[object]{
			mockwatcher.Bookmark(bookmark("50")),
		}},
		mockwatcher.Step[object]{Events: []watcher.Response[object]{
			mockwatcher.Deleted(newObject("uid2", "55")),
			mockwatcher.Modified(newObject("uid0", "60")),
		}},
	)

	r := New[object](Config{Name: "test"}, w, store, testingclock.NewFakeClock(time.Now()), nil)
	err := runUntilDone(t, r)

	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)

	require.Len(t, w.Options, 5)
	assert.Equal(t, "", w.Options[0].ResourceVersion)
	assert.Equal(t, "15", w.Options[1].ResourceVersion)
	assert.Equal(t, "25", w.Options[2].ResourceVersion)
	assert.Equal(t, "50", w.Options[3].ResourceVersion)

	assert.Len(t, store.List(), 2)
	uid0, ok := store.Get("uid0")
	require.True(t, ok)
	assert.Equal(t, "60", uid0.ResourceVersion)
	uid1, ok := store.Get("uid1")
	require.True(t, ok)
	assert.Equal(t, "15", uid1.ResourceVersion)
	_, ok = store.Get("uid2")
	assert.False(t, ok)
}

func TestReflectorDesyncMidFlight(t *testing.T) {
	store := memstore.New[object]()
	w := mockwatcher.New(
		mockwatcher.Step[object]{Events: []watcher.Response[object]{
			mockwatcher.Added(newObject("uid0", "10")),
			mockwatcher.Added(newObject("uid1", "15")),
		}},
		mockwatcher.Step[object]{Err: watcher.DesyncError(errors.New("410 Gone"))},
		mockwatcher.Step[object]{Events: []watcher.Response[object]{
			mockwatcher.Added(newObject("uid20", "1000")),
			mockwatcher.Added(newObject("uid21", "1005")),
		}},
		mockwatcher.Step[object]{Events: []watcher.Response[object]{
			mockwatcher.Modified(newObject("uid21", "1010")),
		}},
	)

	r := New[object](Config{Name: "test"}, w, store, testingclock.NewFakeClock(time.Now()), nil)
	err := runUntilDone(t, r)

	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)

	require.Len(t, w.Options, 5)
	assert.Equal(t, "15", w.Options[1].ResourceVersion, "the cursor before the desync should still be sent on the invocation that desyncs")
	assert.Equal(t, "", w.Options[2].ResourceVersion, "the cursor must be reset immediately after a desync")

	assert.Len(t, store.List(), 2)
	uid20, ok := store.Get("uid20")
	require.True(t, ok)
	assert.Equal(t, "1000", uid20.ResourceVersion)
	uid21, ok := store.Get("uid21")
	require.True(t, ok)
	assert.Equal(t, "1010", uid21.ResourceVersion)
	_, ok = store.Get("uid0")
	assert.False(t, ok, "resync must prune entries the new session doesn't reaffirm")
}

func TestReflectorEmptyRun(t *testing.T) {
	store := memstore.New[object]()
	w := mockwatcher.New(
		mockwatcher.Step[object]{Err: errors.New("connection refused")},
	)

	r := New[object](Config{Name: "test"}, w, store, testingclock.NewFakeClock(time.Now()), nil)
	err := runUntilDone(t, r)

	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Empty(t, store.List())
}

func TestReflectorSelectorPropagation(t *testing.T) {
	store := memstore.New[object]()
	w := mockwatcher.New(
		mockwatcher.Step[object]{Err: errors.New("stop")},
	)

	r := New[object](Config{
		Name:          "test",
		FieldSelector: "fields",
		LabelSelector: "labels",
	}, w, store, testingclock.NewFakeClock(time.Now()), nil)
	_ = runUntilDone(t, r)

	require.Len(t, w.Options, 1)
	opts := w.Options[0]
	assert.Equal(t, "fields", opts.FieldSelector)
	assert.Equal(t, "labels", opts.LabelSelector)
	assert.True(t, opts.AllowWatchBookmarks)
	assert.Nil(t, opts.TimeoutSeconds)
}

func TestReflectorDelayedDeleteLongDelayNeverFires(t *testing.T) {
	store := memstore.New[object]()
	require.NoError(t, store.Add(newObject("uidX", "5")))

	w := mockwatcher.New(
		mockwatcher.Step[object]{Events: []watcher.Response[object]{
			mockwatcher.Deleted(newObject("uidX", "6")),
		}},
		mockwatcher.Step[object]{Err: errors.New("stop")},
	)

	delay := 60000 * time.Second
	r := New[object](Config{Name: "test", DelayDeletesFor: &delay}, w, store, testingclock.NewFakeClock(time.Now()), nil)
	_ = runUntilDone(t, r)

	_, ok := store.Get("uidX")
	assert.True(t, ok, "a delete whose deadline never elapses must not be applied")
}

func TestReflectorDelayedDeleteClearedByDesync(t *testing.T) {
	store := memstore.New[object]()
	require.NoError(t, store.Add(newObject("uidX", "5")))

	w := mockwatcher.New(
		mockwatcher.Step[object]{Events: []watcher.Response[object]{
			mockwatcher.Deleted(newObject("uidX", "6")),
		}},
		mockwatcher.Step[object]{Err: watcher.DesyncError(errors.New("410 Gone"))},
		mockwatcher.Step[object]{Err: errors.New("stop")},
	)

	delay := time.Hour
	r := New[object](Config{Name: "test", DelayDeletesFor: &delay}, w, store, testingclock.NewFakeClock(time.Now()), nil)
	_ = runUntilDone(t, r)

	// The queued delete was cleared by the desync, not performed, and no
	// post-desync event touched uidX: it must still be exactly as it was
	// before the delete was ever scheduled.
	item, ok := store.Get("uidX")
	require.True(t, ok)
	assert.Equal(t, "5", item.ResourceVersion)
}

// orderedDeleteRecorder is a state.Writer that only records the order
// Delete is called in; Add/Update/Resync are no-ops. Used to verify FIFO
// drain order independent of whatever final-state shape a real store
// would settle into.
type orderedDeleteRecorder struct {
	mu      sync.Mutex
	deletes []types.UID
}

func (r *orderedDeleteRecorder) Add(object) error    { return nil }
func (r *orderedDeleteRecorder) Update(object) error { return nil }
func (r *orderedDeleteRecorder) Resync() error       { return nil }
func (r *orderedDeleteRecorder) Delete(item object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, item.GetUID())
	return nil
}
func (r *orderedDeleteRecorder) Snapshot() []types.UID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.UID(nil), r.deletes...)
}

// TestReflectorDropsEventWithNoResourceVersion covers the ordering spec.md
// §4.4 prescribes: an event whose object carries no resource version is
// dropped before dispatch, not applied to the writer and then merely
// excluded from the cursor commit.
func TestReflectorDropsEventWithNoResourceVersion(t *testing.T) {
	store := memstore.New[object]()
	w := mockwatcher.New(
		mockwatcher.Step[object]{Events: []watcher.Response[object]{
			mockwatcher.Added(newObject("uidNoRV", "")),
			mockwatcher.Added(newObject("uid1", "15")),
		}},
		mockwatcher.Step[object]{Err: errors.New("stop")},
	)

	r := New[object](Config{Name: "test"}, w, store, testingclock.NewFakeClock(time.Now()), nil)
	_ = runUntilDone(t, r)

	_, ok := store.Get("uidNoRV")
	assert.False(t, ok, "an event with no resource version must never reach the state writer")
	uid1, ok := store.Get("uid1")
	require.True(t, ok)
	assert.Equal(t, "15", uid1.ResourceVersion)

	require.Len(t, w.Options, 2)
	assert.Equal(t, "15", w.Options[1].ResourceVersion, "only the later event's version should have been committed")
}

func TestReflectorDelayedDeleteFiresAndOrdersFIFO(t *testing.T) {
	recorder := &orderedDeleteRecorder{}

	w := mockwatcher.New(
		mockwatcher.Step[object]{
			KeepOpen: true,
			Events: []watcher.Response[object]{
				mockwatcher.Deleted(newObject("uidA", "3")),
				mockwatcher.Deleted(newObject("uidB", "4")),
			},
		},
	)

	clk := testingclock.NewFakeClock(time.Now())
	delay := 5 * time.Second
	r := New[object](Config{Name: "test", DelayDeletesFor: &delay}, w, recorder, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	waitForWaiters(t, clk)
	clk.Step(6 * time.Second)

	require.Eventually(t, func() bool {
		return len(recorder.Snapshot()) == 2
	}, 5*time.Second, time.Millisecond, "both deletes should have drained once the deadline elapsed")
	assert.Equal(t, []types.UID{"uidA", "uidB"}, recorder.Snapshot())

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("reflector did not terminate after cancellation")
	}
}
