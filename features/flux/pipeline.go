package flux

import (
	"context"
	"time"

	"github.com/fluxmcp/flux/runtime/ao"
	"github.com/fluxmcp/flux/runtime/retry"
	"github.com/fluxmcp/flux/runtime/telemetry"
)

// ActionEval is the Action tag value that makes a process evaluate the
// message data as Lua.
const ActionEval = "Eval"

// Pipeline runs the message-execute-result exchange: submit a signed
// message, wait for the network to settle, then poll the compute unit until
// the correlated result is available.
type Pipeline struct {
	network ao.Network
	signer  ao.Signer
	poll    retry.Config
	logger  telemetry.Logger
}

// NewPipeline returns a pipeline submitting with signer over network.
func NewPipeline(network ao.Network, signer ao.Signer, poll retry.Config, logger telemetry.Logger) *Pipeline {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Pipeline{network: network, signer: signer, poll: poll, logger: logger}
}

// Eval submits code for evaluation. The Action=Eval tag precedes any caller
// tags.
func (p *Pipeline) Eval(ctx context.Context, process ao.ProcessID, code string, tags []ao.Tag) (ao.Outcome, error) {
	all := make([]ao.Tag, 0, len(tags)+1)
	all = append(all, ao.Tag{Name: "Action", Value: ActionEval})
	all = append(all, tags...)
	return p.Send(ctx, process, code, all)
}

// Send submits data with tags passed through unmodified and waits for its
// result.
func (p *Pipeline) Send(ctx context.Context, process ao.ProcessID, data string, tags []ao.Tag) (ao.Outcome, error) {
	msg, err := p.network.Submit(ctx, ao.MessageRequest{
		Process: process,
		Signer:  p.signer,
		Data:    data,
		Tags:    tags,
	})
	if err != nil {
		return nil, transportError("submit message", err)
	}
	p.logger.Debug(ctx, "message submitted", "process", string(process), "message", string(msg.ID))
	return p.Await(ctx, msg)
}

// Await polls for the result of a submitted message. Running out of poll
// budget yields a timeout service error.
func (p *Pipeline) Await(ctx context.Context, msg ao.SubmittedMessage) (ao.Outcome, error) {
	start := time.Now()
	var outcome ao.Outcome
	err := retry.Poll(ctx, p.poll, func(ctx context.Context) (bool, error) {
		o, err := p.network.Fetch(ctx, msg.ID, msg.Process)
		if err != nil {
			p.logger.Debug(ctx, "result not ready", "message", string(msg.ID), "error", err.Error())
			return false, err
		}
		outcome = o
		return true, nil
	})
	if err != nil {
		return nil, awaitError(msg.ID, err)
	}
	p.logger.Debug(ctx, "result fetched", "message", string(msg.ID), "elapsed", time.Since(start).String())
	return outcome, nil
}
