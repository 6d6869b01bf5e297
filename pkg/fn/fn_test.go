package fn

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func TestResult(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Error("Ok result reports error")
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Errorf("Unwrap = (%v, %v)", v, err)
	}

	boom := errors.New("boom")
	e := Err[int](boom)
	if e.IsOk() || !e.IsErr() {
		t.Error("Err result reports ok")
	}
	if _, err := e.Unwrap(); !errors.Is(err, boom) {
		t.Errorf("Unwrap err = %v", err)
	}

	if _, err := Errf[int]("item %d", 7).Unwrap(); err == nil || err.Error() != "item 7" {
		t.Errorf("Errf err = %v", err)
	}
}

func TestCollect(t *testing.T) {
	vals, err := Collect([]Result[int]{Ok(1), Ok(2), Ok(3)}).Unwrap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vals) != 3 || vals[0] != 1 || vals[2] != 3 {
		t.Errorf("vals = %v", vals)
	}

	first := errors.New("first")
	r := Collect([]Result[int]{Ok(1), Err[int](first), Err[int](errors.New("second"))})
	if _, err := r.Unwrap(); !errors.Is(err, first) {
		t.Errorf("Collect err = %v, want the first error", err)
	}
}

func TestMap(t *testing.T) {
	got := Map([]int{1, 2, 3}, func(i int) string { return strconv.Itoa(i * 2) })
	want := []string{"2", "4", "6"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Map = %v, want %v", got, want)
		}
	}
}

func TestChunk(t *testing.T) {
	chunks := Chunk([]int{1, 2, 3, 4, 5}, 2)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %v, want 3", chunks)
	}
	if len(chunks[0]) != 2 || len(chunks[2]) != 1 {
		t.Errorf("chunk sizes wrong: %v", chunks)
	}
	if chunks[2][0] != 5 {
		t.Errorf("last chunk = %v", chunks[2])
	}

	if Chunk([]int{1}, 0) != nil {
		t.Error("Chunk with n=0 should be nil")
	}
	if len(Chunk([]int(nil), 3)) != 0 {
		t.Error("Chunk of empty input should be empty")
	}
}

func TestParMapResult_PreservesOrder(t *testing.T) {
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}
	results := ParMapResult(items, 8, func(i int) Result[int] { return Ok(i * i) })
	for i, r := range results {
		v, err := r.Unwrap()
		if err != nil || v != i*i {
			t.Fatalf("results[%d] = (%v, %v), want %d", i, v, err, i*i)
		}
	}
}

func TestParMapResult_BoundsConcurrency(t *testing.T) {
	const workers = 3
	var inFlight, peak atomic.Int32

	ParMapResult(make([]struct{}, 20), workers, func(struct{}) Result[struct{}] {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return Ok(struct{}{})
	})
	if p := peak.Load(); p > workers {
		t.Errorf("peak concurrency = %d, want <= %d", p, workers)
	}
}

func TestThen(t *testing.T) {
	ctx := context.Background()
	double := func(_ context.Context, i int) Result[int] { return Ok(i * 2) }
	str := func(_ context.Context, i int) Result[string] { return Ok(strconv.Itoa(i)) }

	v, err := Then(double, str)(ctx, 21).Unwrap()
	if err != nil || v != "42" {
		t.Errorf("Then = (%q, %v)", v, err)
	}

	boom := errors.New("boom")
	fail := func(_ context.Context, _ int) Result[int] { return Err[int](boom) }
	called := false
	spy := func(ctx context.Context, i int) Result[string] { called = true; return str(ctx, i) }
	if _, err := Then(fail, spy)(ctx, 1).Unwrap(); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if called {
		t.Error("second stage ran after first stage failed")
	}
}

func TestBatchStage(t *testing.T) {
	ctx := context.Background()
	stage := BatchStage(4, func(_ context.Context, i int) Result[int] { return Ok(i + 1) })

	vals, err := stage(ctx, []int{1, 2, 3}).Unwrap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vals[0] != 2 || vals[1] != 3 || vals[2] != 4 {
		t.Errorf("vals = %v", vals)
	}

	boom := errors.New("boom")
	failing := BatchStage(4, func(_ context.Context, i int) Result[int] {
		if i == 2 {
			return Err[int](boom)
		}
		return Ok(i)
	})
	if _, err := failing(ctx, []int{1, 2, 3}).Unwrap(); !errors.Is(err, boom) {
		t.Errorf("err = %v, want the failing item's error", err)
	}
}

func TestTracedStage(t *testing.T) {
	ctx := context.Background()
	ok := TracedStage("test.ok", func(_ context.Context, i int) Result[int] { return Ok(i) })
	if v, err := ok(ctx, 7).Unwrap(); err != nil || v != 7 {
		t.Errorf("traced = (%v, %v)", v, err)
	}

	boom := errors.New("boom")
	bad := TracedStage("test.err", func(_ context.Context, _ int) Result[int] { return Err[int](boom) })
	if _, err := bad(ctx, 7).Unwrap(); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}
