package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTask struct {
	closed atomic.Int32
	err    error
}

func (f *fakeTask) Close() error {
	f.closed.Add(1)
	return f.err
}

func TestRegistryBegin(t *testing.T) {
	r := NewRegistry()

	f, err := r.Begin("s1", "ws")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if f.Cancelled() {
		t.Error("new flag should be unset")
	}

	if _, err := r.Begin("s1", "ws"); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("second Begin() error = %v, want ErrDuplicateSession", err)
	}

	// A cancelled leftover is replaced by a fresh flag
	if err := r.Cancel("s1", SourceStop); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	f2, err := r.Begin("s1", "ws")
	if err != nil {
		t.Fatalf("Begin() after cancel error = %v", err)
	}
	if f2 == f || f2.Cancelled() {
		t.Error("Begin() after cancel should return a fresh unset flag")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistryCancel(t *testing.T) {
	r := NewRegistry()
	f, _ := r.Begin("s1", "ws")
	task := &fakeTask{}
	if err := r.Attach("s1", task); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	if err := r.Cancel("s1", SourceStop); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if !f.Cancelled() {
		t.Error("flag should be set after Cancel")
	}
	select {
	case <-f.Done():
	default:
		t.Error("Done() should be closed after Cancel")
	}
	if task.closed.Load() != 1 {
		t.Errorf("task closed %d times, want 1", task.closed.Load())
	}

	// Idempotent
	if err := r.Cancel("s1", SourceStop); err != nil {
		t.Errorf("second Cancel() error = %v", err)
	}
	if !f.Cancelled() {
		t.Error("flag should stay set")
	}

	// Unknown id is a no-op
	if err := r.Cancel("nope", SourceAdmin); err != nil {
		t.Errorf("Cancel(unknown) error = %v", err)
	}
}

func TestRegistryCancelTaskError(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Begin("s1", "stream")
	_ = r.Attach("s1", &fakeTask{err: errors.New("kill failed")})

	if err := r.Cancel("s1", SourceAdmin); err == nil {
		t.Error("Cancel() should surface the task close error")
	}
}

func TestRegistryAttachAfterCancel(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Begin("s1", "ws")
	_ = r.Cancel("s1", SourceStop)

	task := &fakeTask{}
	if err := r.Attach("s1", task); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if task.closed.Load() != 1 {
		t.Error("task attached to a cancelled session should be closed immediately")
	}

	ended := &fakeTask{}
	_ = r.Attach("gone", ended)
	if ended.closed.Load() != 1 {
		t.Error("task attached to an unknown session should be closed")
	}
}

func TestRegistryEndAndFinish(t *testing.T) {
	r := NewRegistry()
	r.End("absent") // no panic, no error

	old, _ := r.Begin("s1", "ws")
	_ = r.Cancel("s1", SourceStop)
	current, _ := r.Begin("s1", "ws")

	r.Finish("s1", old)
	if r.Len() != 1 {
		t.Fatal("Finish with a stale flag must not remove the replacement entry")
	}
	r.Finish("s1", current)
	if r.Len() != 0 {
		t.Errorf("Len() after Finish = %d, want 0", r.Len())
	}

	_, _ = r.Begin("s2", "ws")
	r.End("s2")
	if _, ok := r.Get("s2"); ok {
		t.Error("Get() after End should report missing")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Begin("a", "ws")
	time.Sleep(time.Millisecond)
	_, _ = r.Begin("b", "stream")
	_ = r.Attach("b", &fakeTask{})

	list := r.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("List() = %+v", list)
	}
	if !list[1].HasTask || list[1].Source != "stream" {
		t.Errorf("List()[1] = %+v", list[1])
	}
}

func TestRegistryReap(t *testing.T) {
	r := NewRegistry()
	f, _ := r.Begin("old", "ws")
	task := &fakeTask{}
	_ = r.Attach("old", task)

	time.Sleep(20 * time.Millisecond)
	_, _ = r.Begin("new", "ws")

	if n := r.Reap(10 * time.Millisecond); n != 1 {
		t.Errorf("Reap() = %d, want 1", n)
	}
	if !f.Cancelled() || task.closed.Load() != 1 {
		t.Error("reaped session should be cancelled and its task closed")
	}
	if _, ok := r.Get("new"); !ok {
		t.Error("fresh session should survive the reaper")
	}
	if n := r.Reap(0); n != 0 {
		t.Errorf("Reap(0) = %d, want 0 (disabled)", n)
	}
}

func TestStartReaperInvalidSpec(t *testing.T) {
	if _, err := StartReaper(NewRegistry(), "every now and then", time.Minute); err == nil {
		t.Error("StartReaper() expected error for invalid spec")
	}
}

func TestRegistryConcurrentBegin(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Begin("shared", "ws"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("concurrent Begin winners = %d, want 1", wins.Load())
	}
}

func TestFlagRun(t *testing.T) {
	f := NewFlag()

	ran, err := f.Run(func() error { return nil })
	if !ran || err != nil {
		t.Errorf("Run() = %v, %v; want true, nil", ran, err)
	}

	// Set waits for an in-flight Run
	inRun := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = f.Run(func() error {
			close(inRun)
			<-release
			return nil
		})
	}()
	<-inRun

	setDone := make(chan bool)
	go func() { setDone <- f.Set() }()

	select {
	case <-setDone:
		t.Fatal("Set() returned while Run was still emitting")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	if changed := <-setDone; !changed {
		t.Error("first Set() should report a change")
	}

	ran, _ = f.Run(func() error {
		t.Error("fn must not run after Set")
		return nil
	})
	if ran {
		t.Error("Run() after Set should report false")
	}
	if f.Set() {
		t.Error("second Set() should report no change")
	}
}

func TestRegistryStalledWriteDoesNotBlockOthers(t *testing.T) {
	r := NewRegistry()
	f, err := r.Begin("stuck", "stream")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	// A client write that never returns until released
	inRun := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go func() {
		_, _ = f.Run(func() error {
			close(inRun)
			<-release
			return nil
		})
	}()
	<-inRun

	// Cancel waits for the write; it must not hold the registry while doing so
	go func() { _ = r.Cancel("stuck", SourceAdmin) }()
	deadline := time.Now().Add(time.Second)
	for !f.Cancelled() {
		if time.Now().After(deadline) {
			t.Fatal("flag was not marked cancelled")
		}
		time.Sleep(time.Millisecond)
	}

	done := make(chan error, 1)
	go func() {
		if _, ok := r.Get("stuck"); !ok {
			done <- errors.New("Get(stuck) lost the entry")
			return
		}
		_ = r.List()
		_ = r.Reap(time.Hour)
		_, err := r.Begin("other", "ws")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("registry calls for another session: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("registry blocked by another session's stalled write")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}
