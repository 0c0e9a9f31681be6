package taskgraph

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// Graph is an in-memory dependency graph over a tag's tasks. The file-backed
// store uses it to answer `waves` and `next` the way an external task store
// would.
type Graph struct {
	order []string         // insertion order, used for deterministic output
	tasks map[string]*Task // all tasks indexed by id
}

// NewGraph builds a graph from tasks, rejecting duplicate ids.
func NewGraph(tasks []Task) (*Graph, error) {
	g := &Graph{tasks: make(map[string]*Task, len(tasks))}
	for i := range tasks {
		if err := g.AddTask(tasks[i]); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// AddTask adds a copy of task to the graph.
func (g *Graph) AddTask(task Task) error {
	if task.ID == "" {
		return fmt.Errorf("task %q has an empty id", task.Title)
	}
	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}
	cp := task
	cp.DependsOn = append([]string(nil), task.DependsOn...)
	g.tasks[task.ID] = &cp
	g.order = append(g.order, task.ID)
	return nil
}

// Validate checks that every dependency exists and that the graph is acyclic.
// It returns task ids in a topological order.
func (g *Graph) Validate() ([]string, error) {
	for _, id := range g.order {
		for _, depID := range g.tasks[id].DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", id, depID)
			}
		}
	}

	var edges []toposort.Edge
	for _, id := range g.order {
		task := g.tasks[id]
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, id := range g.order {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// Waves groups tasks by dependency depth: a task with no dependencies is in
// wave 1, otherwise its wave is one more than its deepest dependency.
func (g *Graph) Waves() ([]Wave, error) {
	order, err := g.Validate()
	if err != nil {
		return nil, err
	}

	depth := make(map[string]int, len(order))
	maxDepth := 0
	for _, id := range order {
		d := 1
		for _, depID := range g.tasks[id].DependsOn {
			if depth[depID]+1 > d {
				d = depth[depID] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	waves := make([]Wave, maxDepth)
	for i := range waves {
		waves[i].Number = i + 1
	}
	for _, id := range g.order {
		w := &waves[depth[id]-1]
		w.TaskIDs = append(w.TaskIDs, id)
		w.Tasks = append(w.Tasks, cloneTask(g.tasks[id]))
	}
	return waves, nil
}

// NextReady returns the first pending task, by wave then insertion order,
// whose dependencies are all done. It returns nil when nothing is ready.
func (g *Graph) NextReady() (*Task, error) {
	waves, err := g.Waves()
	if err != nil {
		return nil, err
	}
	for _, w := range waves {
		for _, id := range w.TaskIDs {
			task := g.tasks[id]
			if task.Status != StatusPending {
				continue
			}
			if g.dependenciesDone(task) {
				cp := cloneTask(task)
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (g *Graph) dependenciesDone(task *Task) bool {
	for _, depID := range task.DependsOn {
		dep, ok := g.tasks[depID]
		if !ok || dep.Status != StatusDone {
			return false
		}
	}
	return true
}

// SetStatus applies a status transition, enforcing CanTransition.
func (g *Graph) SetStatus(id string, status Status) error {
	task, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	if !CanTransition(task.Status, status) {
		return fmt.Errorf("task %q: invalid transition %s -> %s", id, task.Status, status)
	}
	task.Status = status
	return nil
}

// Get returns a copy of the task with the given id.
func (g *Graph) Get(id string) (Task, bool) {
	task, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks in insertion order.
func (g *Graph) Tasks() []Task {
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, cloneTask(g.tasks[id]))
	}
	return out
}

// Stats counts the graph's tasks by status.
func (g *Graph) Stats() Stats {
	return StatsFor(g.Tasks())
}

func cloneTask(task *Task) Task {
	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	return cp
}
