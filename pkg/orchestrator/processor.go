package orchestrator

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/aegismesh/aegis/pkg/audit"
)

// Executor runs a request against a resolved target: either the service
// name a ResponsibilityRouter selected, or one of the fallback target
// constants in fallback.go.
type Executor interface {
	Execute(ctx context.Context, target string, req UserRequest) (string, error)
}

var tracer = otel.Tracer("aegismesh/orchestrator")

// Processor implements the core process(request) algorithm of spec §4.13.
type Processor struct {
	router        *ResponsibilityRouter
	executor      Executor
	log           audit.Log
	responseCache *ResponseCache
}

// NewProcessor builds a Processor. router may be nil, in which case every
// request goes through the keyword/input-type fallback path.
func NewProcessor(router *ResponsibilityRouter, executor Executor, log audit.Log) *Processor {
	return &Processor{router: router, executor: executor, log: log}
}

// WithResponseCache enables step-1 memoization of results by request_id.
func (p *Processor) WithResponseCache(cache *ResponseCache) *Processor {
	p.responseCache = cache
	return p
}

// Process runs the full algorithm: optional response cache, responsibility
// determination (with discovery-on-empty and fallback-on-reject), or the
// keyword/input-type heuristic, then audits the outcome.
func (p *Processor) Process(ctx context.Context, req UserRequest) (string, error) {
	if p.responseCache != nil {
		if cached, ok := p.responseCache.Get(req.RequestID); ok {
			return cached, nil
		}
	}

	ctx, span := tracer.Start(ctx, "orchestrator.process")
	defer span.End()

	activeRequests.Inc()
	defer activeRequests.Dec()

	p.audit(ctx, audit.EventRequestReceived, req, nil)

	result, err := p.dispatch(ctx, req)
	if err != nil {
		requestsTotal.WithLabelValues("failed").Inc()
		p.audit(ctx, audit.EventRequestFailed, req, map[string]any{"error": err.Error()})
		return "", err
	}

	requestsTotal.WithLabelValues("completed").Inc()
	p.audit(ctx, audit.EventRequestCompleted, req, nil)

	if p.responseCache != nil {
		p.responseCache.Put(req.RequestID, result)
	}
	return result, nil
}

func (p *Processor) dispatch(ctx context.Context, req UserRequest) (string, error) {
	if p.router != nil {
		serviceName, err := p.router.Route(ctx, req)
		if err != nil {
			return "", err
		}
		return p.executor.Execute(ctx, serviceName, req)
	}
	return p.executor.Execute(ctx, fallbackTarget(req), req)
}

func (p *Processor) audit(ctx context.Context, eventType audit.EventType, req UserRequest, details map[string]any) {
	if p.log == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["request_id"] = req.RequestID
	details["input_type"] = req.InputType
	_, _ = p.log.Insert(ctx, eventType, req.UserID, "", details)
}

// ProcessOneFromQueue dequeues and processes a single request, returning
// ok=false if the queue was empty.
func (p *Processor) ProcessOneFromQueue(ctx context.Context, queue *RequestQueue) (result string, ok bool, err error) {
	req, dequeued := queue.Dequeue()
	if !dequeued {
		return "", false, nil
	}
	result, err = p.Process(ctx, req)
	return result, true, err
}

type parallelResult struct {
	value string
	err   error
}

// ProcessParallel runs every request in batch concurrently, preserving
// input order in the returned slice.
func (p *Processor) ProcessParallel(ctx context.Context, batch []UserRequest) ([]string, []error) {
	results := make([]parallelResult, len(batch))

	var wg sync.WaitGroup
	for i, req := range batch {
		wg.Add(1)
		go func(i int, req UserRequest) {
			defer wg.Done()
			value, err := p.Process(ctx, req)
			results[i] = parallelResult{value: value, err: err}
		}(i, req)
	}
	wg.Wait()

	values := make([]string, len(results))
	errs := make([]error, len(results))
	for i, r := range results {
		values[i] = r.value
		errs[i] = r.err
	}
	return values, errs
}
