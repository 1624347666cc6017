package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown      Operation = 0
	OperationPublish      Operation = 1
	OperationPublishBatch Operation = 2
	OperationPing         Operation = 3
	OperationLatest       Operation = 4
	OperationHealth       Operation = 5
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
)

type SocketRequest struct {
	RequestId    string               `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken    string               `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation    int32                `protobuf:"varint,3,opt,name=operation,proto3"`
	Publish      *PublishRequest      `protobuf:"bytes,4,opt,name=publish,proto3"`
	PublishBatch *PublishBatchRequest `protobuf:"bytes,5,opt,name=publish_batch,json=publishBatch,proto3"`
	Latest       *LatestQuery         `protobuf:"bytes,6,opt,name=latest,proto3"`
	Ping         *PingRequest         `protobuf:"bytes,8,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string           `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32            `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string           `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Publish      *PublishResponse `protobuf:"bytes,4,opt,name=publish,proto3"`
	Pong         *PongResponse    `protobuf:"bytes,5,opt,name=pong,proto3"`
	Latest       *LatestResponse  `protobuf:"bytes,6,opt,name=latest,proto3"`
	Health       *HealthResponse  `protobuf:"bytes,8,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

type UserProperty struct {
	Key   string `protobuf:"bytes,1,opt,name=key,proto3"`
	Value string `protobuf:"bytes,2,opt,name=value,proto3"`
}

func (*UserProperty) Reset()         {}
func (*UserProperty) String() string { return "UserProperty" }
func (*UserProperty) ProtoMessage()  {}

type Message struct {
	Topic      string          `protobuf:"bytes,1,opt,name=topic,proto3"`
	Payload    []byte          `protobuf:"bytes,2,opt,name=payload,proto3"`
	Retain     bool            `protobuf:"varint,3,opt,name=retain,proto3"`
	Qos        uint32          `protobuf:"varint,4,opt,name=qos,proto3"`
	Properties []*UserProperty `protobuf:"bytes,5,rep,name=properties,proto3"`
	ClientId   string          `protobuf:"bytes,6,opt,name=client_id,json=clientId,proto3"`
}

func (*Message) Reset()         {}
func (*Message) String() string { return "Message" }
func (*Message) ProtoMessage()  {}

type PublishRequest struct {
	Message *Message `protobuf:"bytes,1,opt,name=message,proto3"`
}

func (*PublishRequest) Reset()         {}
func (*PublishRequest) String() string { return "PublishRequest" }
func (*PublishRequest) ProtoMessage()  {}

// PublishBatchRequest carries messages for a single topic. Mixed topics are
// rejected so the batch keeps one partition's ordering.
type PublishBatchRequest struct {
	Messages []*Message `protobuf:"bytes,1,rep,name=messages,proto3"`
}

func (*PublishBatchRequest) Reset()         {}
func (*PublishBatchRequest) String() string { return "PublishBatchRequest" }
func (*PublishBatchRequest) ProtoMessage()  {}

type PublishResponse struct {
	Accepted    bool     `protobuf:"varint,1,opt,name=accepted,proto3"`
	Identifiers []string `protobuf:"bytes,2,rep,name=identifiers,proto3"`
	TimestampMs int64    `protobuf:"varint,3,opt,name=timestamp_ms,json=timestampMs,proto3"`
	Partition   uint32   `protobuf:"varint,4,opt,name=partition,proto3"`
}

func (*PublishResponse) Reset()         {}
func (*PublishResponse) String() string { return "PublishResponse" }
func (*PublishResponse) ProtoMessage()  {}

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

type LatestQuery struct {
	Topic string `protobuf:"bytes,1,opt,name=topic,proto3"`
}

func (*LatestQuery) Reset()         {}
func (*LatestQuery) String() string { return "LatestQuery" }
func (*LatestQuery) ProtoMessage()  {}

type LatestResponse struct {
	Found       bool   `protobuf:"varint,1,opt,name=found,proto3"`
	Identifier  string `protobuf:"bytes,2,opt,name=identifier,proto3"`
	TimestampMs int64  `protobuf:"varint,3,opt,name=timestamp_ms,json=timestampMs,proto3"`
}

func (*LatestResponse) Reset()         {}
func (*LatestResponse) String() string { return "LatestResponse" }
func (*LatestResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

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
	if req.Operation == int32(OperationUnknown) {
		return fmt.Errorf("operation is required")
	}
	return nil
}
