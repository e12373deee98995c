package flux

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/fluxmcp/flux/runtime/ao"
	"github.com/fluxmcp/flux/runtime/retry"
)

type stubSigner struct{}

func (stubSigner) Owner() []byte { return make([]byte, 512) }

func (stubSigner) Sign(msg []byte) ([]byte, error) {
	sum := sha256.Sum256(msg)
	return sum[:], nil
}

// fakeNetwork records submissions and answers fetches from a script.
type fakeNetwork struct {
	mu        sync.Mutex
	submitted []ao.MessageRequest
	spawned   []ao.SpawnRequest
	fetched   []time.Time
	submitAt  []time.Time
	submitErr error
	spawnErr  error
	// result computes the outcome of the n-th fetch (from 1) for a submission.
	result func(req ao.MessageRequest, attempt int) (ao.Outcome, error)
	attempts map[ao.MessageID]int
}

func newFakeNetwork(result func(req ao.MessageRequest, attempt int) (ao.Outcome, error)) *fakeNetwork {
	return &fakeNetwork{result: result, attempts: make(map[ao.MessageID]int)}
}

// answer returns a network whose results are always outcome.
func answer(outcome ao.Outcome) *fakeNetwork {
	return newFakeNetwork(func(ao.MessageRequest, int) (ao.Outcome, error) { return outcome, nil })
}

func (f *fakeNetwork) Submit(_ context.Context, req ao.MessageRequest) (ao.SubmittedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return ao.SubmittedMessage{}, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	f.submitAt = append(f.submitAt, time.Now())
	id := ao.MessageID(fmt.Sprintf("msg-%d", len(f.submitted)))
	return ao.SubmittedMessage{ID: id, Process: req.Process, Data: req.Data}, nil
}

func (f *fakeNetwork) Fetch(_ context.Context, msg ao.MessageID, process ao.ProcessID) (ao.Outcome, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, time.Now())
	f.attempts[msg]++
	attempt := f.attempts[msg]
	var req ao.MessageRequest
	for i, r := range f.submitted {
		if ao.MessageID(fmt.Sprintf("msg-%d", i+1)) == msg {
			req = r
		}
	}
	f.mu.Unlock()
	if req.Process != process {
		return nil, fmt.Errorf("message %s does not belong to %s", msg, process)
	}
	return f.result(req, attempt)
}

func (f *fakeNetwork) Spawn(_ context.Context, req ao.SpawnRequest) (ao.ProcessID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	f.spawned = append(f.spawned, req)
	return ao.ProcessID(fmt.Sprintf("process-%d", len(f.spawned))), nil
}

func (f *fakeNetwork) lastSubmission() ao.MessageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted[len(f.submitted)-1]
}

func fastPoll() retry.Config {
	return retry.Config{
		SettleDelay:       time.Millisecond,
		MaxAttempts:       4,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func newTestService(network ao.Network) *Service {
	cfg := DefaultConfig()
	cfg.Poll = fastPoll()
	return NewService(cfg, network, stubSigner{}, nil, nil)
}
