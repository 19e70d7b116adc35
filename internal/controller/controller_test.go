package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
	"github.com/mohammed-shakir/listing-overlay/internal/dataset"
	"github.com/mohammed-shakir/listing-overlay/internal/fetchevents"
	"github.com/mohammed-shakir/listing-overlay/internal/filter"
	"github.com/mohammed-shakir/listing-overlay/internal/render"
	"github.com/mohammed-shakir/listing-overlay/internal/upstream"
)

type call struct {
	loc  model.Location
	page int
	mode model.ReviewsCountMode
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []call
	perPage int
	hook    func(page int, tok model.SessionToken)
}

func (f *fakeFetcher) FetchPage(_ context.Context, loc model.Location, page int, tok model.SessionToken) []model.Listing {
	f.mu.Lock()
	f.calls = append(f.calls, call{loc: loc, page: page, mode: tok.Mode})
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(page, tok)
	}
	out := make([]model.Listing, 0, f.perPage)
	for i := range f.perPage {
		out = append(out, model.Listing{
			ID:           model.ListingID(fmt.Sprintf("%s-%d-%d", tok.Mode, page, i)),
			Latitude:     loc.Lat,
			Longitude:    loc.Lng,
			Review:       model.Float(4.5),
			ReviewsCount: model.Int(10),
			Bedroom:      model.Int(page % 3),
		})
	}
	return out
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeStaff struct {
	mu          sync.Mutex
	groups      []upstream.StaffGroup
	details     map[string]model.Listing
	groupCalls  int
	detailCalls int
}

func (s *fakeStaff) StaffGroups(context.Context) ([]upstream.StaffGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupCalls++
	return s.groups, nil
}

func (s *fakeStaff) PropertyDetails(_ context.Context, codes []string) ([]model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detailCalls++
	var out []model.Listing
	for _, c := range codes {
		if l, ok := s.details[c]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

type manualTimer struct{ stopped bool }

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
	fns    []func()
}

func (m *manualTimers) after(_ time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{}
	m.timers = append(m.timers, t)
	m.fns = append(m.fns, f)
	return t
}

// fire runs every timer that was not stopped.
func (m *manualTimers) fire() int {
	m.mu.Lock()
	var run []func()
	for i, t := range m.timers {
		if !t.stopped {
			t.stopped = true
			run = append(run, m.fns[i])
		}
	}
	m.mu.Unlock()
	for _, f := range run {
		f()
	}
	return len(run)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type cellMapper struct{}

func (cellMapper) CellFor(loc model.Location, _ int) (string, error) {
	b := loc.Bucket()
	return fmt.Sprintf("cell-%.2f-%.2f", b.Lat, b.Lng), nil
}

type recordingEvents struct {
	mu  sync.Mutex
	evs []fetchevents.Event
}

func (r *recordingEvents) Publish(ev fetchevents.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

type harness struct {
	ctl    *Controller
	fetch  *fakeFetcher
	staff  *fakeStaff
	sink   *render.Latest
	timers *manualTimers
	clk    *clock
	events *recordingEvents
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		fetch: &fakeFetcher{perPage: 3},
		staff: &fakeStaff{
			groups: []upstream.StaffGroup{
				{ID: "g1", Name: "North", Properties: []string{"A", "B"}},
				{ID: "g2", Name: "South", Properties: []string{"C"}},
				{ID: "g3", Name: "Empty"},
			},
			details: map[string]model.Listing{
				"A": {ID: "A", Latitude: 1, Longitude: 1, Bedroom: model.Int(2)},
				"B": {ID: "B", Latitude: 1, Longitude: 1, Bedroom: model.Int(3)},
				"C": {ID: "C", Latitude: 1, Longitude: 1, Bedroom: model.Int(1)},
			},
		},
		sink:   render.NewLatest(),
		timers: &manualTimers{},
		clk:    &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		events: &recordingEvents{},
	}
	h.ctl = New(Deps{
		Fetcher: h.fetch,
		Staff:   h.staff,
		Sink:    h.sink,
		Cells:   cellMapper{},
		Events:  h.events,
	}, Options{
		BatchSize: 2,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       h.clk.now,
		AfterFunc: h.timers.after,
		Sleep:     func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	t.Cleanup(h.ctl.Close)
	return h
}

func featureIDs(fc *model.FeatureCollection) []string {
	out := make([]string, 0, len(fc.Features))
	for _, f := range fc.Features {
		out = append(out, string(f.Properties.ID))
	}
	return out
}

var amsterdam = model.Location{Lat: 52.3676, Lng: 4.9041}

func TestRunFetchSequenceMergesAllPagesInOrder(t *testing.T) {
	h := newHarness(t)
	res, err := h.ctl.RunFetchSequence(context.Background(), amsterdam)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Completed || res.Pages != 6 || res.Added != 18 {
		t.Fatalf("result = %+v", res)
	}
	calls := h.fetch.snapshot()
	for i, c := range calls {
		if c.page != i || c.mode != model.ModeCurrent || c.loc != amsterdam {
			t.Fatalf("call %d = %+v", i, c)
		}
	}
	ids := featureIDs(h.ctl.Collection())
	if ids[0] != "current-0-0" || ids[17] != "current-5-2" {
		t.Fatalf("order = %v", ids)
	}
	fc, _ := h.sink.Current()
	if len(fc.Features) != 18 {
		t.Fatalf("renderer got %d features", len(fc.Features))
	}
	st := h.ctl.State()
	if st.Fetching || st.Features != 18 || st.ViewCell != "cell-52.37-4.90" {
		t.Fatalf("state = %+v", st)
	}
	if len(h.events.evs) != 1 || h.events.evs[0].Outcome != "completed" || h.events.evs[0].Bucket != "52.37_4.90" {
		t.Fatalf("events = %+v", h.events.evs)
	}
}

func TestRerunDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	_, _ = h.ctl.RunFetchSequence(context.Background(), amsterdam)
	res, err := h.ctl.RunFetchSequence(context.Background(), amsterdam)
	if err != nil || res.Added != 0 || h.ctl.State().Features != 18 {
		t.Fatalf("res=%+v err=%v features=%d", res, err, h.ctl.State().Features)
	}
}

func TestModeSwitchDiscardsPagesFromOldMode(t *testing.T) {
	h := newHarness(t)
	var once sync.Once
	h.fetch.hook = func(page int, tok model.SessionToken) {
		if tok.Mode == model.ModeCurrent && page == 2 {
			once.Do(func() {
				if err := h.ctl.SwitchReviewsCountMode(context.Background(), model.ModePrevious); err != nil {
					t.Error(err)
				}
			})
		}
	}

	_, err := h.ctl.RunFetchSequence(context.Background(), amsterdam)
	if !errors.Is(err, dataset.ErrSuperseded) {
		t.Fatalf("err = %v, want ErrSuperseded", err)
	}
	h.ctl.Wait()

	ids := featureIDs(h.ctl.Collection())
	if len(ids) != 18 {
		t.Fatalf("want the full previous-mode dataset, got %d: %v", len(ids), ids)
	}
	for _, id := range ids {
		if !strings.HasPrefix(id, "previous-") {
			t.Fatalf("feature %s from the old mode survived the switch", id)
		}
	}
	if st := h.ctl.State(); st.Mode != model.ModePrevious || st.Fetching {
		t.Fatalf("state = %+v", st)
	}
}

func TestModeSwitchSameModeIsNoop(t *testing.T) {
	h := newHarness(t)
	_, _ = h.ctl.RunFetchSequence(context.Background(), amsterdam)
	gen := h.ctl.State().Generation
	if err := h.ctl.SwitchReviewsCountMode(context.Background(), model.ModeCurrent); err != nil {
		t.Fatal(err)
	}
	if st := h.ctl.State(); st.Generation != gen || st.Features != 18 {
		t.Fatalf("no-op switch changed state: %+v", st)
	}
	if err := h.ctl.SwitchReviewsCountMode(context.Background(), "weekly"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestViewportMoveIsDebounced(t *testing.T) {
	h := newHarness(t)
	var last model.Location
	for i := range 3 {
		last = model.Location{Lat: 52.30 + float64(i)/10, Lng: 4.90}
		if err := h.ctl.OnViewportMove(last, 12); err != nil {
			t.Fatal(err)
		}
	}
	if n := h.timers.fire(); n != 1 {
		t.Fatalf("fired %d timers, want only the last", n)
	}
	h.ctl.Wait()

	calls := h.fetch.snapshot()
	if len(calls) != 6 {
		t.Fatalf("calls = %d, want one sequence", len(calls))
	}
	for _, c := range calls {
		if c.loc != last {
			t.Fatalf("fetched stale viewport %+v", c.loc)
		}
	}
}

func TestViewportMoveBelowZoomThreshold(t *testing.T) {
	h := newHarness(t)
	_ = h.ctl.OnViewportMove(amsterdam, 10)
	h.timers.fire()
	h.ctl.Wait()
	if n := h.fetch.callCount(); n != 0 {
		t.Fatalf("coarse zoom fetched %d pages", n)
	}
	if st := h.ctl.State(); st.Center == nil || st.Zoom != 10 {
		t.Fatalf("viewport not recorded: %+v", st)
	}
	if err := h.ctl.OnViewportMove(model.Location{Lat: 100}, 12); err == nil {
		t.Fatal("expected error for invalid location")
	}
}

func TestVariantSwitchSnapshotsAndRestores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.ctl.RunFetchSequence(ctx, amsterdam)

	h.clk.advance(time.Minute)
	if err := h.ctl.SwitchDatasetVariant(ctx, model.VariantInternal); err != nil {
		t.Fatal(err)
	}
	if diff := featureIDs(h.ctl.Collection()); len(diff) != 2 || diff[0] != "A" || diff[1] != "B" {
		t.Fatalf("internal dataset = %v", diff)
	}
	if st := h.ctl.State(); st.SelectedGroup != "g1" || st.CachedGroups != 1 {
		t.Fatalf("state = %+v", st)
	}
	if _, err := h.ctl.RunFetchSequence(ctx, amsterdam); !errors.Is(err, ErrNotDefaultVariant) {
		t.Fatalf("fetch in internal variant: %v", err)
	}

	h.clk.advance(time.Minute)
	if err := h.ctl.SwitchDatasetVariant(ctx, model.VariantDefault); err != nil {
		t.Fatal(err)
	}
	h.ctl.Wait()
	if got := h.ctl.State(); got.Features != 18 || got.CachedGroups != 0 {
		t.Fatalf("restore state = %+v", got)
	}
	if n := h.fetch.callCount(); n != 6 {
		t.Fatalf("fresh snapshot should avoid fetching, calls = %d", n)
	}

	h.clk.advance(time.Minute)
	_ = h.ctl.SwitchDatasetVariant(ctx, model.VariantInternal)
	if h.staff.detailCalls != 1 || h.staff.groupCalls != 1 {
		t.Fatalf("internal snapshot should be restored: details=%d groups=%d", h.staff.detailCalls, h.staff.groupCalls)
	}

	h.clk.advance(10 * time.Minute)
	_ = h.ctl.SwitchDatasetVariant(ctx, model.VariantDefault)
	h.ctl.Wait()
	if n := h.fetch.callCount(); n != 12 {
		t.Fatalf("stale snapshot should refetch, calls = %d", n)
	}
	if got := h.ctl.State().Features; got != 18 {
		t.Fatalf("features = %d", got)
	}
}

func TestSnapshotNotRestoredAcrossModes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.ctl.RunFetchSequence(ctx, amsterdam)

	if err := h.ctl.SwitchDatasetVariant(ctx, model.VariantInternal); err != nil {
		t.Fatal(err)
	}
	if err := h.ctl.SwitchReviewsCountMode(ctx, model.ModePrevious); err != nil {
		t.Fatal(err)
	}
	h.clk.advance(time.Minute)
	if err := h.ctl.SwitchDatasetVariant(ctx, model.VariantDefault); err != nil {
		t.Fatal(err)
	}
	h.ctl.Wait()

	ids := featureIDs(h.ctl.Collection())
	if len(ids) != 18 {
		t.Fatalf("features = %d, want a full refetch", len(ids))
	}
	for _, id := range ids {
		if !strings.HasPrefix(id, "previous-") {
			t.Fatalf("feature %s restored from a snapshot of the other mode", id)
		}
	}
	calls := h.fetch.snapshot()
	if len(calls) != 12 || calls[11].mode != model.ModePrevious {
		t.Fatalf("calls = %+v", calls)
	}

	// The refetched dataset is now the snapshot for the previous mode.
	_ = h.ctl.SwitchDatasetVariant(ctx, model.VariantInternal)
	_ = h.ctl.SwitchDatasetVariant(ctx, model.VariantDefault)
	h.ctl.Wait()
	if n := h.fetch.callCount(); n != 12 || h.ctl.State().Features != 18 {
		t.Fatalf("matching snapshot should be restored: calls=%d features=%d", n, h.ctl.State().Features)
	}
}

func TestModeSwitchInInternalKeepsStaffData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.ctl.SwitchDatasetVariant(ctx, model.VariantInternal); err != nil {
		t.Fatal(err)
	}
	gen := h.ctl.State().Generation

	if err := h.ctl.SwitchReviewsCountMode(ctx, model.ModePrevious); err != nil {
		t.Fatal(err)
	}
	h.ctl.Wait()

	if ids := featureIDs(h.ctl.Collection()); len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Fatalf("staff dataset = %v", ids)
	}
	st := h.ctl.State()
	if st.Mode != model.ModePrevious || st.Generation != gen || st.Variant != model.VariantInternal {
		t.Fatalf("state = %+v", st)
	}
	if n := h.fetch.callCount(); n != 0 {
		t.Fatalf("mode switch in internal variant fetched %d pages", n)
	}
	if fc, _ := h.sink.Current(); len(fc.Features) != 2 {
		t.Fatalf("renderer got %d features", len(fc.Features))
	}
}

func TestVariantSwitchDuringRefetchDropsDefaultPages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.ctl.RunFetchSequence(ctx, amsterdam)
	_ = h.ctl.SwitchDatasetVariant(ctx, model.VariantInternal)

	var once sync.Once
	h.fetch.hook = func(page int, tok model.SessionToken) {
		if page == 1 {
			once.Do(func() {
				if err := h.ctl.SwitchDatasetVariant(ctx, model.VariantInternal); err != nil {
					t.Error(err)
				}
			})
		}
	}
	h.clk.advance(10 * time.Minute)
	if err := h.ctl.SwitchDatasetVariant(ctx, model.VariantDefault); err != nil {
		t.Fatal(err)
	}
	h.ctl.Wait()

	if ids := featureIDs(h.ctl.Collection()); len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Fatalf("dataset after switching back = %v", ids)
	}
	if st := h.ctl.State(); st.Variant != model.VariantInternal || st.Fetching {
		t.Fatalf("state = %+v", st)
	}
}

func TestStaffGroupCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.ctl.SelectStaffGroup(ctx, "g1"); !errors.Is(err, ErrNotInternal) {
		t.Fatalf("select in default variant: %v", err)
	}
	_ = h.ctl.SwitchDatasetVariant(ctx, model.VariantInternal)
	for _, id := range []string{"g2", "g1", "g2"} {
		if err := h.ctl.SelectStaffGroup(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if h.staff.detailCalls != 2 {
		t.Fatalf("detail calls = %d, want 2", h.staff.detailCalls)
	}
	if ids := featureIDs(h.ctl.Collection()); len(ids) != 1 || ids[0] != "C" {
		t.Fatalf("dataset = %v", ids)
	}
	if err := h.ctl.SelectStaffGroup(ctx, "g3"); err != nil || h.ctl.State().Features != 0 {
		t.Fatalf("empty group: err=%v features=%d", err, h.ctl.State().Features)
	}
	if err := h.ctl.SelectStaffGroup(ctx, "nope"); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("unknown group: %v", err)
	}
	groups, _ := h.ctl.StaffGroups(ctx)
	if len(groups) != 3 || h.staff.groupCalls != 1 {
		t.Fatalf("groups loaded %d times", h.staff.groupCalls)
	}
}

func TestPredicatesDriveRenderer(t *testing.T) {
	h := newHarness(t)
	_, _ = h.ctl.RunFetchSequence(context.Background(), amsterdam)

	all, _ := h.sink.Current()
	if all != h.ctl.Collection() {
		t.Fatal("default predicates should hand the dataset itself to the renderer")
	}
	if err := h.ctl.SetBedroom(filter.Bedroom{N: 1}); err != nil {
		t.Fatal(err)
	}
	fc, _ := h.sink.Current()
	ids := featureIDs(fc)
	sort.Strings(ids)
	want := []string{"current-1-0", "current-1-1", "current-1-2", "current-4-0", "current-4-1", "current-4-2"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Fatalf("visible = %v", ids)
	}
	if err := h.ctl.SetRatingRange(4.6, 5); err != nil {
		t.Fatal(err)
	}
	if fc, _ := h.sink.Current(); len(fc.Features) != 0 {
		t.Fatalf("rating filter kept %d", len(fc.Features))
	}
	if err := h.ctl.SetRatingRange(3, 2); err == nil {
		t.Fatal("inverted range accepted")
	}
	if err := h.ctl.SetFilters(filter.Defaults()); err != nil {
		t.Fatal(err)
	}
	if st := h.ctl.State(); st.Visible != 18 || st.Filters.Bedroom != "all" {
		t.Fatalf("state = %+v", st)
	}
}

func TestSetOffset(t *testing.T) {
	h := newHarness(t)
	_, _ = h.ctl.RunFetchSequence(context.Background(), amsterdam)
	if err := h.ctl.SetOffset(0.002); err == nil {
		t.Fatal("offset above 0.001 accepted")
	}
	if err := h.ctl.SetOffset(0.001); err != nil {
		t.Fatal(err)
	}
	f := h.ctl.Collection().Features[0]
	if got := f.Geometry.Coordinates[0][2][0] - f.Centroid.Lng; got < 0.00099 || got > 0.00101 {
		t.Fatalf("ring not resized: dx=%v", got)
	}
	if h.ctl.State().Features != 18 {
		t.Fatal("resizing changed the dataset")
	}
}

func TestCellsInvalidatedReloadsVisibleArea(t *testing.T) {
	h := newHarness(t)
	_, _ = h.ctl.RunFetchSequence(context.Background(), amsterdam)

	if h.ctl.CellsInvalidated("cell-10.00-10.00") {
		t.Fatal("unrelated cell triggered a reload")
	}
	if !h.ctl.CellsInvalidated("cell-52.37-4.90") {
		t.Fatal("visible cell did not trigger a reload")
	}
	h.ctl.Wait()
	if n := h.fetch.callCount(); n != 12 {
		t.Fatalf("calls = %d, want a second full sequence", n)
	}
	if got := h.ctl.State().Features; got != 18 {
		t.Fatalf("features = %d after reload", got)
	}
}
