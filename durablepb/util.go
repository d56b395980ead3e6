package durablepb

import (
	"strconv"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/luno/durable"
)

const (
	fieldInstanceID     = "instance_id"
	fieldExecutionID    = "execution_id"
	fieldSequenceNumber = "sequence_number"
	fieldEventType      = "event_type"
	fieldEvent          = "event"
	fieldSeconds        = "timestamp_seconds"
	fieldNanos          = "timestamp_nanos"
)

var ErrInvalidEnvelope = errors.New("invalid task message envelope", j.C("ERR_9d3c7a1e5f0b2846"))

// ProtoMarshal encodes a TaskMessage as a protobuf Struct so that queues can carry it as opaque bytes.
func ProtoMarshal(m *durable.TaskMessage) ([]byte, error) {
	pb, err := ToProto(m)
	if err != nil {
		return nil, err
	}

	return proto.Marshal(pb)
}

func ToProto(m *durable.TaskMessage) (*structpb.Struct, error) {
	event, err := durable.MarshalEvent(m.Event)
	if err != nil {
		return nil, err
	}

	ts := timestamppb.New(m.Event.Header().Timestamp)

	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			fieldInstanceID:     structpb.NewStringValue(m.Instance.InstanceID),
			fieldExecutionID:    structpb.NewStringValue(m.Instance.ExecutionID),
			fieldSequenceNumber: structpb.NewStringValue(strconv.FormatInt(m.SequenceNumber, 10)),
			fieldEventType:      structpb.NewNumberValue(float64(m.Event.Type())),
			fieldEvent:          structpb.NewStringValue(string(event)),
			fieldSeconds:        structpb.NewStringValue(strconv.FormatInt(ts.GetSeconds(), 10)),
			fieldNanos:          structpb.NewNumberValue(float64(ts.GetNanos())),
		},
	}, nil
}

// UnmarshalTaskMessage decodes bytes produced by ProtoMarshal.
func UnmarshalTaskMessage(b []byte) (*durable.TaskMessage, error) {
	var pb structpb.Struct
	err := proto.Unmarshal(b, &pb)
	if err != nil {
		return nil, err
	}

	return FromProto(&pb)
}

func FromProto(pb *structpb.Struct) (*durable.TaskMessage, error) {
	fields := pb.GetFields()

	raw, ok := fields[fieldEvent]
	if !ok {
		return nil, errors.Wrap(ErrInvalidEnvelope, "missing event")
	}

	event, err := durable.UnmarshalEvent([]byte(raw.GetStringValue()))
	if err != nil {
		return nil, err
	}

	if t := durable.EventType(fields[fieldEventType].GetNumberValue()); t != event.Type() {
		return nil, errors.Wrap(ErrInvalidEnvelope, "event type mismatch", j.MKV{
			"envelope": t.String(),
			"event":    event.Type().String(),
		})
	}

	var seq int64
	if s := fields[fieldSequenceNumber].GetStringValue(); s != "" {
		seq, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidEnvelope, "sequence number", j.MKV{"value": s})
		}
	}

	return &durable.TaskMessage{
		Instance: durable.Instance{
			InstanceID:  fields[fieldInstanceID].GetStringValue(),
			ExecutionID: fields[fieldExecutionID].GetStringValue(),
		},
		Event:          event,
		SequenceNumber: seq,
	}, nil
}

// Timestamp returns the event time recorded in the envelope without decoding the event.
func Timestamp(pb *structpb.Struct) (*timestamppb.Timestamp, error) {
	fields := pb.GetFields()

	seconds, err := strconv.ParseInt(fields[fieldSeconds].GetStringValue(), 10, 64)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidEnvelope, "timestamp seconds")
	}

	ts := &timestamppb.Timestamp{
		Seconds: seconds,
		Nanos:   int32(fields[fieldNanos].GetNumberValue()),
	}

	return ts, ts.CheckValid()
}
