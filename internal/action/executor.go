// Package action implements the Action Executor (C7): it drives a rule
// match's ordered action list to completion against the wire, handling the
// asynchronous suspension points (delay, batch) without blocking the
// packet pump that produced the match.
package action

import (
	"log/slog"
	"time"

	"github.com/constellation-overwatch/arc-relay/internal/batch"
	"github.com/constellation-overwatch/arc-relay/internal/mavlink"
	"github.com/constellation-overwatch/arc-relay/internal/rules"
)

// Sink is anywhere a finished frame can be written: the router's single
// write-half, or the registry of connected GCS clients.
type Sink interface {
	Forward(frame []byte) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(frame []byte) error

func (f SinkFunc) Forward(frame []byte) error { return f(frame) }

// Engine is the subset of *rules.Engine the executor needs: building the
// typed ACK message and allocating its sequence number.
type Engine interface {
	BuildAckMessage(ack *rules.AckDescriptor) (mavlink.Message, error)
	NextAckSequence(systemID, componentID uint8) uint8
}

// Executor turns a rules.ProcessResult into bytes on the wire.
type Executor struct {
	codec      *mavlink.Codec
	aggregator *batch.Aggregator
	engine     Engine
}

// NewExecutor wires the codec, batch aggregator, and rule engine the
// executor needs to resolve Modify/Batch/Ack steps.
func NewExecutor(codec *mavlink.Codec, aggregator *batch.Aggregator, engine Engine) *Executor {
	return &Executor{codec: codec, aggregator: aggregator, engine: engine}
}

// Execute drives result's action list against sink. allowBatch gates the
// Batch action: per spec.md §4.6, only the direction a deployment actually
// aggregates on (typically GCS->Router) may batch; the other direction
// downgrades Batch to Forward with a warning, since there is no coherent
// notion of "reply once N GCS operators have spoken".
func (e *Executor) Execute(header mavlink.Header, msg mavlink.Message, originalFrame []byte, result rules.ProcessResult, sink Sink, ackSink Sink, allowBatch bool) {
	blocked := e.run(header, originalFrame, result.Actions, sink, allowBatch)
	if !blocked && result.Ack != nil {
		e.sendAck(ackSink, result.Ack)
	}
}

// run executes steps against frame in order. It returns true if the list
// was cut short by Block. Delay and Batch are suspension points: each owns
// the remainder of steps as its continuation and run returns immediately,
// resuming that continuation later (against whatever frame the suspended
// action eventually releases) instead of letting the loop fall through to
// it synchronously on the original frame.
func (e *Executor) run(header mavlink.Header, frame []byte, steps []rules.ActionStep, sink Sink, allowBatch bool) bool {
	forwarded := false

	for i, step := range steps {
		switch step.Kind {
		case rules.ActionForward:
			e.forward(sink, frame)
			forwarded = true

		case rules.ActionBlock:
			slog.Debug("message blocked by rule")
			return true

		case rules.ActionDelay:
			e.delay(header, sink, frame, step.Delay, steps[i+1:], allowBatch)
			return false

		case rules.ActionModify:
			encoded, err := e.codec.Encode(header, step.ModifiedMessage)
			if err != nil {
				slog.Warn("modify action: re-encode failed, keeping original frame", "error", err)
				continue
			}
			frame = encoded
			forwarded = false

		case rules.ActionBatch:
			if !allowBatch {
				slog.Warn("batch action not supported on this direction, forwarding instead", "key", step.BatchKey)
				e.forward(sink, frame)
				forwarded = true
				continue
			}
			e.batchStep(header, sink, frame, step, steps[i+1:], allowBatch)
			return false

		default:
			slog.Warn("unknown action step, forwarding", "kind", step.Kind)
			e.forward(sink, frame)
			forwarded = true
		}
	}

	if !forwarded {
		e.forward(sink, frame)
	}
	return false
}

func (e *Executor) forward(sink Sink, frame []byte) {
	if sink == nil {
		return
	}
	if err := sink.Forward(frame); err != nil {
		slog.Error("forward failed", "error", err)
	}
}

// delay suspends the remaining action list tail, resuming it against frame
// from a detached goroutine once d elapses. Actions after a delay never run
// synchronously on the pre-delay frame — they are replayed against the
// delayed frame itself once it actually exists on the wire.
func (e *Executor) delay(header mavlink.Header, sink Sink, frame []byte, d time.Duration, tail []rules.ActionStep, allowBatch bool) {
	slog.Info("message delayed", "duration", d, "tail_actions", len(tail))
	go func() {
		time.Sleep(d)
		e.run(header, frame, tail, sink, allowBatch)
		slog.Info("delayed message resumed", "duration", d)
	}()
}

// batchStep queues frame under step's key, capturing tail as the
// continuation to resume against every packet this key eventually releases
// — whether released here by threshold, or later by the aggregator's
// timeout path via ResumeBatchTimeout.
func (e *Executor) batchStep(header mavlink.Header, sink Sink, frame []byte, step rules.ActionStep, tail []rules.ActionStep, allowBatch bool) {
	systemID := header.SystemID
	if step.BatchSystemIDField != "" {
		if _, msg, err := e.codec.Decode(frame); err == nil {
			switch v := mavlink.ToStructured(msg)[step.BatchSystemIDField].(type) {
			case uint8:
				systemID = v
			case uint16:
				systemID = uint8(v)
			case uint32:
				systemID = uint8(v)
			default:
				slog.Warn("batch system id field missing or not an integer, using header system id", "field", step.BatchSystemIDField)
			}
		}
	}
	released, releasedTail, ok := e.aggregator.QueueOrRelease(step.BatchKey, systemID, frame, step.BatchCount, step.BatchTimeout, step.BatchTimeoutForward, tail)
	if !ok {
		return
	}
	for _, p := range released {
		e.resumeReleased(p.Data, releasedTail, sink, allowBatch)
	}
}

// resumeReleased decodes a packet that the aggregator released (either by
// threshold or by timeout) and resumes tail against it, rather than
// writing it straight to the wire — a released frame may still have
// Modify/Forward/Batch steps pending after the batch action that queued
// it.
func (e *Executor) resumeReleased(frame []byte, tail []rules.ActionStep, sink Sink, allowBatch bool) {
	header, _, err := e.codec.Decode(frame)
	if err != nil {
		slog.Warn("batch release: failed to decode queued frame, forwarding as-is", "error", err)
		e.forward(sink, frame)
		return
	}
	e.run(header, frame, tail, sink, allowBatch)
}

// ResumeBatchTimeout is the aggregator's timeout hook into the executor:
// each packet queued under a timed-out batch resumes the tail that was
// pending when that batch was created, exactly as a threshold release
// would. There is no ack sink on this path — acks are only ever built from
// the rule match that fired synchronously, not from a batch timeout.
func (e *Executor) ResumeBatchTimeout(packets []batch.Packet, tail []rules.ActionStep, sink Sink) {
	for _, p := range packets {
		e.resumeReleased(p.Data, tail, sink, true)
	}
}

func (e *Executor) sendAck(ackSink Sink, ack *rules.AckDescriptor) {
	if ackSink == nil {
		return
	}
	msg, err := e.engine.BuildAckMessage(ack)
	if err != nil {
		slog.Warn("failed to build ack message", "message_type", ack.MessageType, "error", err)
		return
	}
	seq := e.engine.NextAckSequence(ack.SourceSystem, ack.SourceComponent)
	ackHeader := mavlink.Header{
		SystemID:    ack.SourceSystem,
		ComponentID: ack.SourceComponent,
		Sequence:    seq,
		MessageID:   msg.ID(),
	}
	frame, err := e.codec.Encode(ackHeader, msg)
	if err != nil {
		slog.Warn("failed to encode ack frame", "message_type", ack.MessageType, "error", err)
		return
	}
	e.forward(ackSink, frame)
}
