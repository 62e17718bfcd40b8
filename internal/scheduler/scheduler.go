// Package scheduler records the deferred work the engine asks for: one-shot
// locked-stake finalization and the periodic auto-claim. The engine never
// waits on a task; a host loop reads Due tasks and submits them back as
// ordinary commands.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrTaskNotFound = errors.New("scheduler: task not found")
	ErrTaskExists   = errors.New("scheduler: task already scheduled")
	ErrInvalidRule  = errors.New("scheduler: invalid rule")
)

type Kind uint8

const (
	KindFinalizeLockedStake Kind = iota
	KindClaimStakes
)

func (k Kind) String() string {
	if k == KindClaimStakes {
		return "claim_stakes"
	}
	return "finalize_locked_stake"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "finalize_locked_stake":
		*k = KindFinalizeLockedStake
	case "claim_stakes":
		*k = KindClaimStakes
	default:
		return fmt.Errorf("scheduler: unknown kind %q", string(b))
	}
	return nil
}

// Intent is the command a task triggers.
type Intent struct {
	Kind    Kind   `json:"kind"`
	Owner   string `json:"owner"`
	Staking string `json:"staking"`
}

// CronRule fires every Every seconds from Start, at most Calls times.
type CronRule struct {
	Start int64  `json:"start"`
	Every int64  `json:"every"`
	Calls uint64 `json:"calls"`
}

type Task struct {
	ID             string `json:"id"`
	Intent         Intent `json:"intent"`
	NextRun        int64  `json:"next_run"`
	Every          int64  `json:"every,omitempty"`
	RemainingCalls uint64 `json:"remaining_calls,omitempty"`
	Paused         bool   `json:"paused"`
}

func (t *Task) IsCron() bool { return t.Every > 0 }

type Scheduler interface {
	ScheduleOneShot(id string, at int64, intent Intent) error
	ScheduleCron(id string, rule CronRule, intent Intent) error
	Pause(id string) error
	Resume(id string) error
}

// Memory keeps tasks in the engine state so they roll back and hash with it.
type Memory struct {
	tasks map[string]*Task
}

var _ Scheduler = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*Task)}
}

func (m *Memory) ScheduleOneShot(id string, at int64, intent Intent) error {
	if id == "" {
		return fmt.Errorf("%w: empty task id", ErrInvalidRule)
	}
	if _, ok := m.tasks[id]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, id)
	}
	m.tasks[id] = &Task{ID: id, Intent: intent, NextRun: at}
	return nil
}

func (m *Memory) ScheduleCron(id string, rule CronRule, intent Intent) error {
	if id == "" || rule.Every <= 0 || rule.Calls == 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidRule, rule)
	}
	if _, ok := m.tasks[id]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, id)
	}
	m.tasks[id] = &Task{
		ID:             id,
		Intent:         intent,
		NextRun:        rule.Start + rule.Every,
		Every:          rule.Every,
		RemainingCalls: rule.Calls,
	}
	return nil
}

func (m *Memory) Pause(id string) error {
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Paused = true
	return nil
}

func (m *Memory) Resume(id string) error {
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Paused = false
	return nil
}

// Cancel removes a task.
func (m *Memory) Cancel(id string) error {
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(m.tasks, id)
	return nil
}

// Fire records that a task ran at now. One-shots are removed; crons move
// to their next run and are removed once their covered calls are spent.
func (m *Memory) Fire(id string, now int64) error {
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !t.IsCron() {
		delete(m.tasks, id)
		return nil
	}
	for t.NextRun <= now {
		t.NextRun += t.Every
	}
	t.RemainingCalls--
	if t.RemainingCalls == 0 {
		delete(m.tasks, id)
	}
	return nil
}

func (m *Memory) Task(id string) (Task, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Due lists the unpaused tasks whose run time has come, oldest first.
func (m *Memory) Due(now int64) []Task {
	var out []Task
	for _, t := range m.tasks {
		if !t.Paused && t.NextRun <= now {
			out = append(out, *t)
		}
	}
	sortTasks(out)
	return out
}

// Tasks lists every task in run order.
func (m *Memory) Tasks() []Task {
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	sortTasks(out)
	return out
}

func (m *Memory) Clone() *Memory {
	c := NewMemory()
	for id, t := range m.tasks {
		cp := *t
		c.tasks[id] = &cp
	}
	return c
}

// Restore replaces every task, used when loading a snapshot.
func (m *Memory) Restore(tasks []Task) {
	m.tasks = make(map[string]*Task, len(tasks))
	for i := range tasks {
		t := tasks[i]
		m.tasks[t.ID] = &t
	}
}

func sortTasks(ts []Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].NextRun != ts[j].NextRun {
			return ts[i].NextRun < ts[j].NextRun
		}
		return ts[i].ID < ts[j].ID
	})
}
