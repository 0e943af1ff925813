package vigil

import (
	"context"
	"log/slog"
	"sync"
)

// SkillJob is the view of a scheduled job handed to a skill.
type SkillJob struct {
	ID     int64
	Name   string
	Config map[string]any
}

// SkillContext carries everything a skill execution receives. The
// context given to Execute doubles as the cancel signal: scheduler
// shutdown cancels it, and skills must observe it in sleeps and
// remote calls.
type SkillContext struct {
	Job SkillJob
	Log *slog.Logger
}

// SkillResult is the outcome of one skill execution. Success=false
// fails the job run and is retried per the job's policy. DisableJob
// additionally flips the job's enabled flag off; one-shot skills use
// it to retire themselves after doing their work.
type SkillResult struct {
	Success    bool
	Message    string
	DisableJob bool
}

// Skill is a long-running, config-driven unit of work the scheduler
// executes in place of a language-model run.
type Skill interface {
	Name() string
	Description() string

	// ConfigSchema describes the skill's expected config as a
	// JSON-schema-like map, surfaced by the list_skills tool.
	ConfigSchema() map[string]any

	Execute(ctx context.Context, sc SkillContext) (SkillResult, error)
}

// SkillRegistry maps skill names to registered skills.
type SkillRegistry struct {
	mu     sync.RWMutex
	order  []string
	skills map[string]Skill
}

// NewSkillRegistry creates an empty registry.
func NewSkillRegistry() *SkillRegistry {
	return &SkillRegistry{skills: make(map[string]Skill)}
}

// Register adds a skill. Registering an existing name replaces it.
func (r *SkillRegistry) Register(s Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.skills[s.Name()]; !ok {
		r.order = append(r.order, s.Name())
	}
	r.skills[s.Name()] = s
}

// Get returns the named skill, or false when it is not registered.
func (r *SkillRegistry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// List returns all registered skills in registration order.
func (r *SkillRegistry) List() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.skills[name])
	}
	return out
}
