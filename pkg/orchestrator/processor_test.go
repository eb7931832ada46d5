package orchestrator_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegismesh/aegis/pkg/audit"
	"github.com/aegismesh/aegis/pkg/capability"
	"github.com/aegismesh/aegis/pkg/orchestrator"
)

type recordingExecutor struct {
	calls int
}

func (e *recordingExecutor) Execute(_ context.Context, target string, req orchestrator.UserRequest) (string, error) {
	e.calls++
	return fmt.Sprintf("%s handled %q (%s)", target, req.Input, req.InputType), nil
}

func TestProcessWithoutRouterUsesKeywordFallback(t *testing.T) {
	log := audit.NewMemoryLog()
	exec := &recordingExecutor{}
	p := orchestrator.NewProcessor(nil, exec, log)

	result, err := p.Process(context.Background(), orchestrator.UserRequest{RequestID: "r1", Input: "hello", InputType: "text"})
	require.NoError(t, err)
	require.Contains(t, result, orchestrator.TargetLLM)

	count, _ := log.CountByType(context.Background(), audit.EventRequestReceived)
	require.Equal(t, 1, count)
	count, _ = log.CountByType(context.Background(), audit.EventRequestCompleted)
	require.Equal(t, 1, count)
}

func TestProcessFallbackImageRoutesToVision(t *testing.T) {
	exec := &recordingExecutor{}
	p := orchestrator.NewProcessor(nil, exec, nil)

	result, err := p.Process(context.Background(), orchestrator.UserRequest{RequestID: "r2", Input: "describe", InputType: "image"})
	require.NoError(t, err)
	require.Contains(t, result, orchestrator.TargetLLMVision)
}

func TestProcessFallbackAudioRoutesToSpeechToText(t *testing.T) {
	exec := &recordingExecutor{}
	p := orchestrator.NewProcessor(nil, exec, nil)

	result, err := p.Process(context.Background(), orchestrator.UserRequest{RequestID: "r3", Input: "any", InputType: "audio"})
	require.NoError(t, err)
	require.Contains(t, result, orchestrator.TargetSpeechText)
}

func TestProcessFallbackTranscribeKeywordRoutesToSpeechToText(t *testing.T) {
	exec := &recordingExecutor{}
	p := orchestrator.NewProcessor(nil, exec, nil)

	result, err := p.Process(context.Background(), orchestrator.UserRequest{RequestID: "r4", Input: "please transcribe this", InputType: "text"})
	require.NoError(t, err)
	require.Contains(t, result, orchestrator.TargetSpeechText)
}

func TestProcessResponseCacheReturnsCachedValueOnDuplicateRequest(t *testing.T) {
	exec := &recordingExecutor{}
	p := orchestrator.NewProcessor(nil, exec, nil).WithResponseCache(orchestrator.NewResponseCache(time.Minute))

	req := orchestrator.UserRequest{RequestID: "dup", Input: "hello", InputType: "text"}
	r1, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	r2, err := p.Process(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, r1, r2)
	require.Equal(t, 1, exec.calls)
}

func TestProcessOneFromQueueProcessesQueuedRequest(t *testing.T) {
	exec := &recordingExecutor{}
	p := orchestrator.NewProcessor(nil, exec, nil)
	queue := orchestrator.NewRequestQueue(10)
	require.NoError(t, queue.Enqueue(orchestrator.UserRequest{RequestID: "q1", Input: "hi", InputType: "text"}))

	result, ok, err := p.ProcessOneFromQueue(context.Background(), queue)
	require.True(t, ok)
	require.NoError(t, err)
	require.NotEmpty(t, result)
	require.Equal(t, 0, queue.Size())
}

func TestProcessOneFromQueueReportsEmptyQueue(t *testing.T) {
	p := orchestrator.NewProcessor(nil, &recordingExecutor{}, nil)
	_, ok, err := p.ProcessOneFromQueue(context.Background(), orchestrator.NewRequestQueue(10))
	require.False(t, ok)
	require.NoError(t, err)
}

func TestProcessParallelPreservesOrder(t *testing.T) {
	exec := &recordingExecutor{}
	p := orchestrator.NewProcessor(nil, exec, nil)

	batch := []orchestrator.UserRequest{
		{RequestID: "p0", Input: "msg 0", InputType: "text"},
		{RequestID: "p1", Input: "msg 1", InputType: "text"},
		{RequestID: "p2", Input: "msg 2", InputType: "text"},
	}
	results, errs := p.ProcessParallel(context.Background(), batch)
	require.Len(t, results, 3)
	for i, err := range errs {
		require.NoError(t, err)
		require.Contains(t, results[i], fmt.Sprintf("msg %d", i))
	}
}

type responsibilityFakeClient struct {
	cap    capability.Capability
	accept bool
}

func (f *responsibilityFakeClient) GetCapabilities(context.Context) (capability.Capability, error) {
	return f.cap, nil
}

func (f *responsibilityFakeClient) TakeResponsibility(_ context.Context, _ capability.TakeResponsibilityRequest) (capability.TakeResponsibilityResponse, error) {
	return capability.TakeResponsibilityResponse{Accepted: f.accept, Message: "no"}, nil
}

func (f *responsibilityFakeClient) ReturnResponsibility(context.Context, capability.ReturnResponsibilityRequest) (capability.ReturnResponsibilityResponse, error) {
	return capability.ReturnResponsibilityResponse{Acknowledged: true}, nil
}

func (f *responsibilityFakeClient) RejectResponsibility(context.Context, capability.RejectResponsibilityRequest) (capability.RejectResponsibilityResponse, error) {
	return capability.RejectResponsibilityResponse{Acknowledged: true}, nil
}

func TestProcessWithResponsibilityRoutesToHighestScoringService(t *testing.T) {
	cache := capability.NewCache()
	cache.Update("geri", "http://geri", capability.Capability{
		Purpose:                "LLM processing",
		ResponsibilityDomains:  []string{"text", "question"},
		ResponsibilityKeywords: []string{"explain"},
	})
	client := &responsibilityFakeClient{accept: true}
	manager := capability.NewManager(cache, func(string, string) (capability.ServiceClient, error) { return client, nil }, nil)

	router := orchestrator.NewResponsibilityRouter(manager)
	exec := &recordingExecutor{}
	p := orchestrator.NewProcessor(router, exec, nil)

	result, err := p.Process(context.Background(), orchestrator.UserRequest{RequestID: "e1", Input: "Can you explain how this works?", InputType: "text"})
	require.NoError(t, err)
	require.Contains(t, result, "geri")
}

func TestProcessWithResponsibilityEmptyCacheFailsNoServiceFound(t *testing.T) {
	cache := capability.NewCache()
	manager := capability.NewManager(cache, func(string, string) (capability.ServiceClient, error) {
		return nil, fmt.Errorf("no services configured")
	}, nil)

	router := orchestrator.NewResponsibilityRouter(manager)
	p := orchestrator.NewProcessor(router, &recordingExecutor{}, nil)

	_, err := p.Process(context.Background(), orchestrator.UserRequest{RequestID: "e2", Input: "hello", InputType: "text"})
	require.ErrorIs(t, err, orchestrator.ErrNoServiceFound)
}

func TestProcessWithResponsibilityFallsBackAfterRejection(t *testing.T) {
	cache := capability.NewCache()
	cache.Update("geri", "http://geri", capability.Capability{ResponsibilityDomains: []string{"text"}})
	cache.Update("thor", "http://thor", capability.Capability{ResponsibilityDomains: []string{"text"}})

	rejecting := &responsibilityFakeClient{accept: false}
	accepting := &responsibilityFakeClient{accept: true}
	manager := capability.NewManager(cache, func(name, _ string) (capability.ServiceClient, error) {
		if name == "geri" {
			return rejecting, nil
		}
		return accepting, nil
	}, nil)

	router := orchestrator.NewResponsibilityRouter(manager)
	exec := &recordingExecutor{}
	p := orchestrator.NewProcessor(router, exec, nil)

	result, err := p.Process(context.Background(), orchestrator.UserRequest{RequestID: "e3", Input: "text request", InputType: "text"})
	require.NoError(t, err)
	require.Contains(t, result, "thor")
}
