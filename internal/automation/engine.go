package automation

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/providers"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

// Run-level warnings recorded on the log.
const (
	WarnEmptyGraph      = "empty_graph"
	WarnMaxStepsReached = "max_steps_reached"
)

// Queue creates jobs.
type Queue interface {
	CreateJob(ctx context.Context, jobType store.JobType, payload store.Payload) (int64, error)
}

// IOCSink persists indicators of compromise.
type IOCSink interface {
	CreateIOC(ctx context.Context, ioc store.IOC) (int64, error)
}

// Pivots is the subset of the provider client used by pivot nodes.
type Pivots interface {
	CrtshSubdomains(ctx context.Context, domain string) []string
	DomainsDBSearch(ctx context.Context, domain string, limit int) providers.DomainsDBResult
	BlockcypherAddressSummary(ctx context.Context, address string, limit int) map[string]any
	HoleheLookup(ctx context.Context, email string) map[string]any
}

// Step records one executed node.
type Step struct {
	Node       string   `json:"node"`
	Type       NodeType `json:"type"`
	Result     any      `json:"result"`
	DurationMS int64    `json:"duration_ms"`
}

// Log is the execution trace persisted on the run record.
type Log struct {
	Steps   []Step `json:"steps"`
	Final   any    `json:"final"`
	Warning string `json:"warning,omitempty"`
}

// Engine executes automation graphs.
type Engine struct {
	queue    Queue
	iocs     IOCSink
	pivots   Pivots
	client   *http.Client
	cfg      config.AutomationConfig
	logger   *zap.Logger
	registry map[NodeType]NodeHandler
}

// NewEngine wires an executor. A nil client gets a plain client; webhook
// requests carry their own timeout.
func NewEngine(queue Queue, iocs IOCSink, pivots Pivots, client *http.Client, cfg config.AutomationConfig, logger *zap.Logger) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 200
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 200
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	e := &Engine{
		queue:  queue,
		iocs:   iocs,
		pivots: pivots,
		client: client,
		cfg:    cfg,
		logger: logger.Named("automation"),
	}
	e.registry = e.handlers()
	return e
}

// Execute walks the graph breadth-first from its entry nodes (in-degree zero, or
// the first node when every node has an incoming edge). Each dequeued node runs
// once per dequeue; after it runs, every outgoing edge whose condition accepts the
// result enqueues its target. Cycles are bounded by MaxSteps.
//
// A handler error aborts the run and is returned together with the partial log.
func (e *Engine) Execute(ctx context.Context, g Graph, rc *RunContext) (Log, error) {
	log := Log{Steps: []Step{}}
	if len(g.Nodes) == 0 {
		log.Warning = WarnEmptyGraph
		return log, nil
	}

	nodes := make(map[string]Node, len(g.Nodes))
	indegree := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			continue
		}
		nodes[n.ID] = n
		indegree[n.ID] += 0
	}
	outgoing := make(map[string][]Edge)
	for _, edge := range g.Edges {
		outgoing[edge.From] = append(outgoing[edge.From], edge)
		if _, ok := nodes[edge.To]; ok {
			indegree[edge.To]++
		}
	}

	var queue []string
	entry := make(map[string]bool)
	for _, n := range g.Nodes {
		if _, ok := nodes[n.ID]; ok && indegree[n.ID] == 0 && !entry[n.ID] {
			entry[n.ID] = true
			queue = append(queue, n.ID)
		}
	}
	if len(queue) == 0 {
		queue = append(queue, g.Nodes[0].ID)
	}

	steps := 0
	for len(queue) > 0 && steps < e.cfg.MaxSteps {
		if err := ctx.Err(); err != nil {
			return log, err
		}
		id := queue[0]
		queue = queue[1:]
		node, ok := nodes[id]
		if !ok {
			continue
		}
		steps++

		start := time.Now()
		result, err := e.runNode(ctx, node, rc)
		if err != nil {
			e.logger.Warn("Automation node failed", zap.String("node", node.ID), zap.String("type", string(node.Type)), zap.Error(err))
			return log, err
		}
		log.Steps = append(log.Steps, Step{
			Node:       node.ID,
			Type:       node.Type,
			Result:     result,
			DurationMS: time.Since(start).Milliseconds(),
		})
		rc.Last = result

		for _, edge := range outgoing[id] {
			if EdgeAllows(edge.Condition, result) {
				queue = append(queue, edge.To)
			}
		}
	}
	if len(queue) > 0 && steps >= e.cfg.MaxSteps {
		log.Warning = WarnMaxStepsReached
	}
	log.Final = rc.Last
	return log, nil
}

func (e *Engine) runNode(ctx context.Context, node Node, rc *RunContext) (any, error) {
	handler, ok := e.registry[node.Type]
	if !ok {
		return map[string]any{"warning": WarnUnknownNodeType}, nil
	}
	cfg := node.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	return handler(ctx, cfg, rc)
}
