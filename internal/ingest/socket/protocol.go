package socket

import (
	"fmt"
	"strings"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown  Operation = 0
	OperationPut      Operation = 1
	OperationPutBatch Operation = 2
	OperationPing     Operation = 3
	OperationHealth   Operation = 4
	OperationStats    Operation = 5
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
)

type SocketRequest struct {
	RequestId string           `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string           `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32            `protobuf:"varint,3,opt,name=operation,proto3"`
	Put       *PutRequest      `protobuf:"bytes,4,opt,name=put,proto3"`
	PutBatch  *PutBatchRequest `protobuf:"bytes,5,opt,name=put_batch,json=putBatch,proto3"`
	Ping      *PingRequest     `protobuf:"bytes,6,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32           `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string          `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Put          *PutResponse    `protobuf:"bytes,4,opt,name=put,proto3"`
	Pong         *PongResponse   `protobuf:"bytes,5,opt,name=pong,proto3"`
	Health       *HealthResponse `protobuf:"bytes,6,opt,name=health,proto3"`
	Stats        *StatsResponse  `protobuf:"bytes,7,opt,name=stats,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

// DeviceMessage is one reading sent by a field device.
type DeviceMessage struct {
	DeviceKey    string            `protobuf:"bytes,1,opt,name=device_key,json=deviceKey,proto3"`
	Topic        string            `protobuf:"bytes,2,opt,name=topic,proto3"`
	Body         []byte            `protobuf:"bytes,3,opt,name=body,proto3"`
	Headers      map[string]string `protobuf:"bytes,4,rep,name=headers,proto3" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
	SentAtUnixMs int64             `protobuf:"varint,5,opt,name=sent_at_unix_ms,json=sentAtUnixMs,proto3"`
}

func (*DeviceMessage) Reset()         {}
func (*DeviceMessage) String() string { return "DeviceMessage" }
func (*DeviceMessage) ProtoMessage()  {}

type PutRequest struct {
	Message *DeviceMessage `protobuf:"bytes,1,opt,name=message,proto3"`
}

func (*PutRequest) Reset()         {}
func (*PutRequest) String() string { return "PutRequest" }
func (*PutRequest) ProtoMessage()  {}

type PutBatchRequest struct {
	Messages []*DeviceMessage `protobuf:"bytes,1,rep,name=messages,proto3"`
}

func (*PutBatchRequest) Reset()         {}
func (*PutBatchRequest) String() string { return "PutBatchRequest" }
func (*PutBatchRequest) ProtoMessage()  {}

// PutResponse reports how many messages of the request, in order, were queued.
type PutResponse struct {
	Accepted uint32 `protobuf:"varint,1,opt,name=accepted,proto3"`
}

func (*PutResponse) Reset()         {}
func (*PutResponse) String() string { return "PutResponse" }
func (*PutResponse) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

type StatsResponse struct {
	QueueDepth int64  `protobuf:"varint,1,opt,name=queue_depth,json=queueDepth,proto3"`
	Accepted   uint64 `protobuf:"varint,2,opt,name=accepted,proto3"`
	Rejected   uint64 `protobuf:"varint,3,opt,name=rejected,proto3"`
	Invalid    uint64 `protobuf:"varint,4,opt,name=invalid,proto3"`
}

func (*StatsResponse) Reset()         {}
func (*StatsResponse) String() string { return "StatsResponse" }
func (*StatsResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	switch Operation(req.Operation) {
	case OperationUnknown:
		return fmt.Errorf("operation is required")
	case OperationPut:
		if req.Put == nil || req.Put.Message == nil {
			return fmt.Errorf("put message required")
		}
		return validateMessage(req.Put.Message)
	case OperationPutBatch:
		if req.PutBatch == nil || len(req.PutBatch.Messages) == 0 {
			return fmt.Errorf("put_batch messages required")
		}
		for i, m := range req.PutBatch.Messages {
			if err := validateMessage(m); err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
		}
	}
	return nil
}

func validateMessage(m *DeviceMessage) error {
	if m == nil {
		return fmt.Errorf("nil message")
	}
	if strings.TrimSpace(m.DeviceKey) == "" {
		return fmt.Errorf("device_key is required")
	}
	return nil
}
