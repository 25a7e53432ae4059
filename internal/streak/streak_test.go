package streak

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/smartystreets/goconvey/convey"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
)

func days(rec Record, grace bool, ds ...domain.Day) (Record, []Change) {
	var changes []Change
	for _, d := range ds {
		var c Change
		rec, c = Advance(rec, d, grace)
		changes = append(changes, c)
	}
	return rec, changes
}

func TestAdvance(t *testing.T) {
	convey.Convey("Given a fresh record", t, func() {
		base := Record{UserID: "u"}

		convey.Convey("Three consecutive days build a streak of three", func() {
			rec, _ := days(base, false, 100, 101, 102)
			convey.So(rec.CurrentLength, convey.ShouldEqual, 3)
			convey.So(rec.LongestLength, convey.ShouldEqual, 3)
			convey.So(rec.ActiveDays, convey.ShouldEqual, 3)
		})

		convey.Convey("Skipping a day resets to one and keeps the longest", func() {
			rec, changes := days(base, false, 100, 101, 102, 104)
			convey.So(rec.CurrentLength, convey.ShouldEqual, 1)
			convey.So(rec.LongestLength, convey.ShouldEqual, 3)
			convey.So(changes[3], convey.ShouldEqual, Reset)
		})

		convey.Convey("Same-day events are no-ops", func() {
			rec, changes := days(base, false, 100, 100, 100)
			convey.So(rec.CurrentLength, convey.ShouldEqual, 1)
			convey.So(rec.ActiveDays, convey.ShouldEqual, 1)
			convey.So(changes[1], convey.ShouldEqual, Unchanged)
		})

		convey.Convey("Late events never rewind", func() {
			rec, changes := days(base, false, 100, 101, 99)
			convey.So(rec.CurrentLength, convey.ShouldEqual, 2)
			convey.So(rec.LastActiveDay, convey.ShouldEqual, domain.Day(101))
			convey.So(changes[2], convey.ShouldEqual, Late)
			convey.So(changes[2].Mutated(), convey.ShouldBeFalse)
		})

		convey.Convey("With grace a single missed day keeps the streak", func() {
			rec, changes := days(base, true, 100, 101, 103)
			convey.So(rec.CurrentLength, convey.ShouldEqual, 3)
			convey.So(rec.GraceUsedToday, convey.ShouldBeTrue)
			convey.So(rec.LastGraceDay, convey.ShouldEqual, domain.Day(103))
			convey.So(changes[2], convey.ShouldEqual, GraceExtended)

			convey.Convey("The flag clears on the next ordinary day", func() {
				rec, _ = Advance(rec, 104, true)
				convey.So(rec.GraceUsedToday, convey.ShouldBeFalse)
				convey.So(rec.CurrentLength, convey.ShouldEqual, 4)
			})

			convey.Convey("A second miss within a week resets", func() {
				rec, c := days(rec, true, 104, 106)
				convey.So(c[1], convey.ShouldEqual, Reset)
				convey.So(rec.CurrentLength, convey.ShouldEqual, 1)
				convey.So(rec.LongestLength, convey.ShouldEqual, 4)
			})

			convey.Convey("A miss a week later is forgiven again", func() {
				rec, c := days(rec, true, 104, 105, 106, 107, 108, 110)
				convey.So(c[5], convey.ShouldEqual, GraceExtended)
				convey.So(rec.CurrentLength, convey.ShouldEqual, 9)
			})
		})

		convey.Convey("Grace never covers a two-day gap", func() {
			rec, _ := days(base, true, 100, 101, 104)
			convey.So(rec.CurrentLength, convey.ShouldEqual, 1)
		})
	})
}

func TestAlive(t *testing.T) {
	rec, _ := days(Record{}, false, 200, 201)
	if !rec.Alive(201) || !rec.Alive(202) {
		t.Fatalf("streak should be alive today and tomorrow")
	}
	if rec.Alive(203) {
		t.Fatalf("streak should lapse after a missed day")
	}
}

type fixedZones map[string]int

func (z fixedZones) Offset(_ context.Context, userID string) (int, error) { return z[userID], nil }

func newTestAggregator(t *testing.T, zones Zones, opts ...Option) (*Aggregator, *miniredis.Miniredis, Mirror) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mirror := NewMemoryRepository()
	return NewAggregator(rdb, mirror, zones, opts...), mr, mirror
}

func TestAggregatorBucketsInUserTimezone(t *testing.T) {
	ctx := context.Background()
	agg, _, _ := newTestAggregator(t, fixedZones{"seoul": 9 * 60, "utc": 0})

	// 2024-03-01 20:00 UTC is already 2024-03-02 in Seoul
	evening := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)
	nextMorning := time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC)

	rec, _, err := agg.Record(ctx, Event{UserID: "seoul", At: evening})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	rec, change, err := agg.Record(ctx, Event{UserID: "seoul", At: nextMorning})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if change != Unchanged || rec.CurrentLength != 1 {
		t.Fatalf("both events fall on the same Seoul day, got %s len=%d", change, rec.CurrentLength)
	}

	_, _, _ = agg.Record(ctx, Event{UserID: "utc", At: evening})
	rec, change, _ = agg.Record(ctx, Event{UserID: "utc", At: nextMorning})
	if change != Extended || rec.CurrentLength != 2 {
		t.Fatalf("UTC user crossed midnight, got %s len=%d", change, rec.CurrentLength)
	}
}

func TestAggregatorConcurrentSameDayCountsOnce(t *testing.T) {
	ctx := context.Background()
	agg, _, _ := newTestAggregator(t, nil)
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := agg.Record(ctx, Event{UserID: "u", At: at}); err != nil {
				t.Errorf("Record: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, alive, err := agg.Get(ctx, "u", at)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.CurrentLength != 1 || rec.ActiveDays != 1 || !alive {
		t.Fatalf("expected a single counted day, got %+v alive=%v", rec, alive)
	}
}

func TestAggregatorRecoversFromMirror(t *testing.T) {
	ctx := context.Background()
	agg, mr, _ := newTestAggregator(t, nil)
	d1 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	_, _, _ = agg.Record(ctx, Event{UserID: "u", At: d1})
	_, _, _ = agg.Record(ctx, Event{UserID: "u", At: d1.Add(24 * time.Hour)})
	mr.FlushAll()

	rec, change, err := agg.Record(ctx, Event{UserID: "u", At: d1.Add(48 * time.Hour)})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if change != Extended || rec.CurrentLength != 3 {
		t.Fatalf("expected the mirrored streak to continue, got %s len=%d", change, rec.CurrentLength)
	}
}

func TestAggregatorGraceOption(t *testing.T) {
	ctx := context.Background()
	agg, _, _ := newTestAggregator(t, nil, WithGrace(true))
	d := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	_, _, _ = agg.Record(ctx, Event{UserID: "u", At: d})
	rec, change, _ := agg.Record(ctx, Event{UserID: "u", At: d.Add(48 * time.Hour)})
	if change != GraceExtended || rec.CurrentLength != 2 {
		t.Fatalf("expected grace, got %s len=%d", change, rec.CurrentLength)
	}
}
