// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package hub

import (
	"fmt"
	"sync"
	"testing"

	"darkhold-go/internal/eventlog"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	store, err := eventlog.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(store)
}

type recordingSub struct {
	mu     sync.Mutex
	frames []string
}

func (r *recordingSub) send(frame string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recordingSub) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func TestEventIDsAreMonotonicAndContiguous(t *testing.T) {
	h := newTestHub(t)
	sub := &recordingSub{}
	if _, err := h.Subscribe("t1", nil, sub.send); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := h.Publish("t1", fmt.Sprintf(`{"n":%d}`, i)); err != nil {
			t.Fatal(err)
		}
	}
	frames := sub.snapshot()
	if len(frames) != 5 {
		t.Fatalf("got %d frames, want 5", len(frames))
	}
	for i, f := range frames {
		want := fmt.Sprintf("id: %d\n", i+1)
		if f[:len(want)] != want {
			t.Errorf("frame %d = %q, want prefix %q", i, f, want)
		}
	}
}

func TestTwoSubscribersSeeIdenticalSequence(t *testing.T) {
	h := newTestHub(t)
	sub1 := &recordingSub{}
	if _, err := h.Subscribe("t1", nil, sub1.send); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := h.Publish("t1", fmt.Sprintf(`{"n":%d}`, i)); err != nil {
			t.Fatal(err)
		}
	}

	sub2 := &recordingSub{}
	if _, err := h.Subscribe("t1", nil, sub2.send); err != nil {
		t.Fatal(err)
	}

	if _, err := h.Publish("t1", `{"n":3}`); err != nil {
		t.Fatal(err)
	}

	f1 := sub1.snapshot()
	f2 := sub2.snapshot()
	if len(f1) != 4 || len(f2) != 4 {
		t.Fatalf("sub1 got %d frames, sub2 got %d, want 4 each", len(f1), len(f2))
	}
	for i := range f1 {
		if f1[i] != f2[i] {
			t.Errorf("frame %d differs: sub1=%q sub2=%q", i, f1[i], f2[i])
		}
	}
}

func TestResumeFromLastEventIDDeliversOnlyTail(t *testing.T) {
	h := newTestHub(t)
	for i := 0; i < 5; i++ {
		if _, err := h.Publish("t1", fmt.Sprintf(`{"n":%d}`, i)); err != nil {
			t.Fatal(err)
		}
	}

	last := 3
	sub := &recordingSub{}
	if _, err := h.Subscribe("t1", &last, sub.send); err != nil {
		t.Fatal(err)
	}
	frames := sub.snapshot()
	if len(frames) != 2 {
		t.Fatalf("got %d replayed frames, want 2 (ids 4,5)", len(frames))
	}
	if frames[0][:5] != "id: 4" {
		t.Errorf("first replayed frame = %q, want id 4", frames[0])
	}
	if frames[1][:5] != "id: 5" {
		t.Errorf("second replayed frame = %q, want id 5", frames[1])
	}
}

func TestFailingSubscriberIsRemoved(t *testing.T) {
	h := newTestHub(t)
	calls := 0
	failing := func(string) error {
		calls++
		return fmt.Errorf("connection gone")
	}
	if _, err := h.Subscribe("t1", nil, failing); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Publish("t1", `{"n":1}`); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Publish("t1", `{"n":2}`); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("failing subscriber was invoked %d times, want exactly 1 (removed after first failure)", calls)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub(t)
	sub := &recordingSub{}
	subID, err := h.Subscribe("t1", nil, sub.send)
	if err != nil {
		t.Fatal(err)
	}
	h.Unsubscribe("t1", subID)
	if _, err := h.Publish("t1", `{"n":1}`); err != nil {
		t.Fatal(err)
	}
	if len(sub.snapshot()) != 0 {
		t.Error("unsubscribed subscriber still received an event")
	}
}
