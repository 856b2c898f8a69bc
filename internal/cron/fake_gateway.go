package cron

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/setfarm/engine/internal/models"
)

// FakeGateway is an in-memory Gateway for tests that don't want a real
// ticking scheduler. It implements the same four operations with no
// background goroutine.
type FakeGateway struct {
	mu   sync.Mutex
	jobs map[string]JobRef
}

// NewFakeGateway returns an empty in-memory gateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{jobs: make(map[string]JobRef)}
}

func (g *FakeGateway) CreateJob(ctx context.Context, spec JobSpec) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := "cronjob_" + uuid.NewString()
	g.jobs[id] = JobRef{ID: id, Name: spec.Name}
	return id, nil
}

func (g *FakeGateway) ListJobs(ctx context.Context) ([]JobRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]JobRef, 0, len(g.jobs))
	for _, j := range g.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (g *FakeGateway) DeleteJob(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.jobs[id]; !ok {
		return &models.NotFoundError{Entity: "cron_job", ID: id}
	}
	delete(g.jobs, id)
	return nil
}

func (g *FakeGateway) DeleteJobsByPrefix(ctx context.Context, prefix string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, j := range g.jobs {
		if strings.HasPrefix(j.Name, prefix) {
			delete(g.jobs, id)
			n++
		}
	}
	return n, nil
}
