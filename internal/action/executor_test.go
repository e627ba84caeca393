package action

import (
	"errors"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v2/pkg/dialects/common"

	"github.com/constellation-overwatch/arc-relay/internal/batch"
	"github.com/constellation-overwatch/arc-relay/internal/mavlink"
	"github.com/constellation-overwatch/arc-relay/internal/rules"
)

type fakeEngine struct {
	ack    mavlink.Message
	ackErr error
	seq    uint8
}

func (f *fakeEngine) BuildAckMessage(ack *rules.AckDescriptor) (mavlink.Message, error) {
	if f.ackErr != nil {
		return nil, f.ackErr
	}
	return f.ack, nil
}

func (f *fakeEngine) NextAckSequence(systemID, componentID uint8) uint8 {
	f.seq++
	return f.seq
}

type recordingSink struct {
	frames [][]byte
}

func (s *recordingSink) Forward(frame []byte) error {
	s.frames = append(s.frames, frame)
	return nil
}

func newTestExecutor(eng Engine) (*Executor, *mavlink.Codec, *mavlink.Catalog, *batch.Aggregator) {
	catalog := mavlink.NewCatalog(common.Dialect)
	codec := mavlink.NewCodec(catalog)
	agg := batch.NewAggregator(nil)
	return NewExecutor(codec, agg, eng), codec, catalog, agg
}

func testFrame(t *testing.T, codec *mavlink.Codec, catalog *mavlink.Catalog) (mavlink.Header, mavlink.Message, []byte) {
	t.Helper()
	msg := catalog.Wrap(&common.MessageHeartbeat{Type: 2, Autopilot: 3, BaseMode: 81, SystemStatus: 4, MavlinkVersion: 3})
	header := mavlink.Header{SystemID: 1, ComponentID: 1, Sequence: 0, MessageID: msg.ID()}
	frame, err := codec.Encode(header, msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return header, msg, frame
}

func TestExecutorForwardsFrame(t *testing.T) {
	ex, codec, catalog, _ := newTestExecutor(&fakeEngine{})
	header, msg, frame := testFrame(t, codec, catalog)
	sink := &recordingSink{}

	ex.Execute(header, msg, frame, rules.ProcessResult{Actions: []rules.ActionStep{{Kind: rules.ActionForward}}}, sink, nil, true)

	if len(sink.frames) != 1 {
		t.Fatalf("expected one forwarded frame, got %d", len(sink.frames))
	}
}

func TestExecutorBlockStopsProcessing(t *testing.T) {
	ex, codec, catalog, _ := newTestExecutor(&fakeEngine{})
	header, msg, frame := testFrame(t, codec, catalog)
	sink := &recordingSink{}

	ex.Execute(header, msg, frame, rules.ProcessResult{
		Actions: []rules.ActionStep{{Kind: rules.ActionBlock}, {Kind: rules.ActionForward}},
	}, sink, nil, true)

	if len(sink.frames) != 0 {
		t.Fatalf("expected block to suppress all forwarding, got %d frames", len(sink.frames))
	}
}

func TestExecutorModifyAloneStillForwards(t *testing.T) {
	ex, codec, catalog, _ := newTestExecutor(&fakeEngine{})
	header, msg, frame := testFrame(t, codec, catalog)
	sink := &recordingSink{}

	modified := catalog.Wrap(&common.MessageHeartbeat{Type: 9, Autopilot: 3, BaseMode: 81, SystemStatus: 4, MavlinkVersion: 3})
	ex.Execute(header, msg, frame, rules.ProcessResult{
		Actions: []rules.ActionStep{{Kind: rules.ActionModify, ModifiedMessage: modified}},
	}, sink, nil, true)

	if len(sink.frames) != 1 {
		t.Fatalf("expected a trailing modify-only action list to still forward, got %d frames", len(sink.frames))
	}
	_, gotMsg, err := codec.Decode(sink.frames[0])
	if err != nil {
		t.Fatalf("decode forwarded frame: %v", err)
	}
	tree := mavlink.ToStructured(gotMsg)
	if tree["Type"] != uint8(9) {
		t.Fatalf("expected forwarded frame to carry the modified payload, got %+v", tree)
	}
}

func TestExecutorDelayForwardsLater(t *testing.T) {
	ex, codec, catalog, _ := newTestExecutor(&fakeEngine{})
	header, msg, frame := testFrame(t, codec, catalog)
	sink := &recordingSink{}

	ex.Execute(header, msg, frame, rules.ProcessResult{
		Actions: []rules.ActionStep{{Kind: rules.ActionDelay, Delay: 10 * time.Millisecond}},
	}, sink, nil, true)

	if len(sink.frames) != 0 {
		t.Fatalf("expected no immediate forward for delay")
	}
	time.Sleep(50 * time.Millisecond)
	if len(sink.frames) != 1 {
		t.Fatalf("expected delayed frame to arrive, got %d", len(sink.frames))
	}
}

func TestExecutorDelayThenModifyAppliesToDelayedFrame(t *testing.T) {
	ex, codec, catalog, _ := newTestExecutor(&fakeEngine{})
	header, msg, frame := testFrame(t, codec, catalog)
	sink := &recordingSink{}

	modified := catalog.Wrap(&common.MessageHeartbeat{Type: 7, Autopilot: 3, BaseMode: 81, SystemStatus: 4, MavlinkVersion: 3})
	ex.Execute(header, msg, frame, rules.ProcessResult{
		Actions: []rules.ActionStep{
			{Kind: rules.ActionDelay, Delay: 10 * time.Millisecond},
			{Kind: rules.ActionModify, ModifiedMessage: modified},
		},
	}, sink, nil, true)

	if len(sink.frames) != 0 {
		t.Fatalf("expected no synchronous forward before the delay elapses")
	}
	time.Sleep(50 * time.Millisecond)
	if len(sink.frames) != 1 {
		t.Fatalf("expected exactly one frame once the delay resumes, got %d", len(sink.frames))
	}
	_, gotMsg, err := codec.Decode(sink.frames[0])
	if err != nil {
		t.Fatalf("decode delayed frame: %v", err)
	}
	tree := mavlink.ToStructured(gotMsg)
	if tree["Type"] != uint8(7) {
		t.Fatalf("expected modify to have applied to the delayed frame, got %+v", tree)
	}
}

func TestExecutorBatchDisallowedDowngradesToForward(t *testing.T) {
	ex, codec, catalog, _ := newTestExecutor(&fakeEngine{})
	header, msg, frame := testFrame(t, codec, catalog)
	sink := &recordingSink{}

	ex.Execute(header, msg, frame, rules.ProcessResult{
		Actions: []rules.ActionStep{{Kind: rules.ActionBatch, BatchKey: "k", BatchCount: 3}},
	}, sink, nil, false)

	if len(sink.frames) != 1 {
		t.Fatalf("expected batch-disallowed direction to forward instead, got %d frames", len(sink.frames))
	}
}

func TestExecutorBatchReleasesOnThreshold(t *testing.T) {
	ex, codec, catalog, _ := newTestExecutor(&fakeEngine{})
	header, msg, frame := testFrame(t, codec, catalog)
	sink := &recordingSink{}

	step := rules.ActionStep{Kind: rules.ActionBatch, BatchKey: "k", BatchCount: 1, BatchTimeout: time.Minute}
	ex.Execute(header, msg, frame, rules.ProcessResult{Actions: []rules.ActionStep{step}}, sink, nil, true)

	if len(sink.frames) != 1 {
		t.Fatalf("expected threshold-of-1 to release immediately, got %d frames", len(sink.frames))
	}
}

func TestExecutorBatchResumesTailOnRelease(t *testing.T) {
	ex, codec, catalog, _ := newTestExecutor(&fakeEngine{})
	header, msg, frame := testFrame(t, codec, catalog)
	sink := &recordingSink{}

	modified := catalog.Wrap(&common.MessageHeartbeat{Type: 5, Autopilot: 3, BaseMode: 81, SystemStatus: 4, MavlinkVersion: 3})
	ex.Execute(header, msg, frame, rules.ProcessResult{
		Actions: []rules.ActionStep{
			{Kind: rules.ActionBatch, BatchKey: "tail-k", BatchCount: 1, BatchTimeout: time.Minute},
			{Kind: rules.ActionModify, ModifiedMessage: modified},
		},
	}, sink, nil, true)

	if len(sink.frames) != 1 {
		t.Fatalf("expected released batch packet to forward once, got %d frames", len(sink.frames))
	}
	_, gotMsg, err := codec.Decode(sink.frames[0])
	if err != nil {
		t.Fatalf("decode released frame: %v", err)
	}
	tree := mavlink.ToStructured(gotMsg)
	if tree["Type"] != uint8(5) {
		t.Fatalf("expected the batch's tail action to have modified the released frame, got %+v", tree)
	}
}

func TestExecutorSendsAck(t *testing.T) {
	catalogForAck := mavlink.NewCatalog(common.Dialect)
	ackMsg := catalogForAck.Wrap(&common.MessageCommandAck{Command: 400, Result: 0})
	eng := &fakeEngine{ack: ackMsg}
	ex, codec, catalog, _ := newTestExecutor(eng)
	header, msg, frame := testFrame(t, codec, catalog)
	sink := &recordingSink{}
	ackSink := &recordingSink{}

	ex.Execute(header, msg, frame, rules.ProcessResult{
		Actions: []rules.ActionStep{{Kind: rules.ActionForward}},
		Ack:     &rules.AckDescriptor{MessageType: "COMMAND_ACK", SourceSystem: 1, SourceComponent: 1},
	}, sink, ackSink, true)

	if len(ackSink.frames) != 1 {
		t.Fatalf("expected one ack frame, got %d", len(ackSink.frames))
	}
	gotHeader, gotMsg, err := codec.Decode(ackSink.frames[0])
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if gotHeader.SystemID != 1 {
		t.Fatalf("unexpected ack header: %+v", gotHeader)
	}
	if gotMsg.Name() != "COMMAND_ACK" {
		t.Fatalf("expected COMMAND_ACK, got %s", gotMsg.Name())
	}
}

func TestExecutorSkipsAckOnBuildFailure(t *testing.T) {
	eng := &fakeEngine{ackErr: errors.New("boom")}
	ex, codec, catalog, _ := newTestExecutor(eng)
	header, msg, frame := testFrame(t, codec, catalog)
	ackSink := &recordingSink{}

	ex.Execute(header, msg, frame, rules.ProcessResult{
		Actions: []rules.ActionStep{{Kind: rules.ActionForward}},
		Ack:     &rules.AckDescriptor{MessageType: "COMMAND_ACK"},
	}, &recordingSink{}, ackSink, true)

	if len(ackSink.frames) != 0 {
		t.Fatalf("expected no ack frame on build failure, got %d", len(ackSink.frames))
	}
}
