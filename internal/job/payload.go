package job

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// protoEnvelope is the on-the-wire JSON shape used when a caller submits
// a protobuf payload. Data at rest is always valid JSON, as required by
// the queue's persistence contract; the envelope just carries base64
// protobuf bytes inside it.
type protoEnvelope struct {
	Format string `json:"format"`
	Data   string `json:"data"`
}

const envelopeFormatProtobuf = "protobuf"

// Marshal encodes v as the job Data field. Protobuf messages are
// wrapped in a JSON envelope so the stored bytes remain JSON; anything
// else is marshaled directly.
func Marshal(v interface{}) (json.RawMessage, error) {
	if msg, ok := v.(proto.Message); ok {
		raw, err := proto.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("job: marshal protobuf payload: %w", err)
		}
		envelope := protoEnvelope{
			Format: envelopeFormatProtobuf,
			Data:   base64.StdEncoding.EncodeToString(raw),
		}
		data, err := json.Marshal(envelope)
		if err != nil {
			return nil, fmt.Errorf("job: marshal protobuf envelope: %w", err)
		}
		return data, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("job: marshal payload: %w", err)
	}
	return data, nil
}

// NewWithProto creates a job whose payload is a protobuf message,
// stored at rest as a JSON envelope (see Marshal).
func NewWithProto(queueName string, payload proto.Message, opts Options, webhook *WebhookConfig) (*Job, error) {
	data, err := Marshal(payload)
	if err != nil {
		return nil, err
	}
	return New(queueName, data, opts, webhook), nil
}

// IsProtoEnvelope reports whether data is a protobuf envelope produced
// by Marshal, as opposed to a plain JSON payload.
func IsProtoEnvelope(data json.RawMessage) bool {
	var env protoEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	return env.Format == envelopeFormatProtobuf && env.Data != ""
}

// UnmarshalProto decodes a protobuf envelope produced by Marshal into msg.
func UnmarshalProto(data json.RawMessage, msg proto.Message) error {
	var env protoEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("job: decode protobuf envelope: %w", err)
	}
	if env.Format != envelopeFormatProtobuf {
		return fmt.Errorf("job: payload is not a protobuf envelope")
	}
	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return fmt.Errorf("job: decode protobuf envelope bytes: %w", err)
	}
	if err := proto.Unmarshal(raw, msg); err != nil {
		return fmt.Errorf("job: unmarshal protobuf payload: %w", err)
	}
	return nil
}

// Unmarshal decodes the job's Data into v, transparently unwrapping a
// protobuf envelope when v is a proto.Message.
func (j *Job) Unmarshal(v interface{}) error {
	if msg, ok := v.(proto.Message); ok && IsProtoEnvelope(j.Data) {
		return UnmarshalProto(j.Data, msg)
	}
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("job: unmarshal payload: %w", err)
	}
	return nil
}
