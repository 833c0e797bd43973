package cron

import (
	"context"
	"testing"
	"time"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryStoresJobs(t *testing.T) {
	registry := NewRegistry()
	jobA := &stubJob{name: "a"}
	jobB := &stubJob{name: "b"}
	registry.Register(jobA, time.Minute)
	registry.Register(jobB, 0)
	registry.Register(nil, time.Second)
	entries := registry.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(entries))
	}
	if entries[0].Job != jobA || entries[1].Job != jobB {
		t.Fatalf("jobs returned out of order")
	}
	if entries[0].Interval != time.Minute {
		t.Fatalf("interval not kept: %s", entries[0].Interval)
	}
	// ensure caller cannot mutate internal slice
	entries[0].Job = nil
	if registry.Entries()[0].Job == nil {
		t.Fatalf("internal slice leaked")
	}
	if job, ok := registry.Lookup("b"); !ok || job != jobB {
		t.Fatalf("lookup failed")
	}
	if _, ok := registry.Lookup("c"); ok {
		t.Fatalf("lookup found unknown job")
	}
}
