package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown            Operation = 0
	OperationPing               Operation = 1
	OperationHealth             Operation = 2
	OperationCatchUp            Operation = 3
	OperationListSubscriptions  Operation = 4
	OperationResetSubscriptions Operation = 5
	OperationGetWorkspace       Operation = 6
	OperationListContentStreams Operation = 7
	OperationPrune              Operation = 8
	OperationCommand            Operation = 9
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
	ErrorCodeRejected        ErrorCode = 6
	ErrorCodeBusy            ErrorCode = 7
)

type PruneMode int32

const (
	// PruneModeTombstone marks unused content streams as removed.
	PruneModeTombstone PruneMode = 0
	// PruneModeEventStream deletes the event streams of removed content streams.
	PruneModeEventStream PruneMode = 1
	// PruneModeOutdated only lists what PruneModeTombstone would remove.
	PruneModeOutdated PruneMode = 2
)

type AdminRequest struct {
	RequestId     string             `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken     string             `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation     int32              `protobuf:"varint,3,opt,name=operation,proto3"`
	Ping          *PingRequest       `protobuf:"bytes,4,opt,name=ping,proto3"`
	Subscriptions *SubscriptionQuery `protobuf:"bytes,5,opt,name=subscriptions,proto3"`
	Workspace     *WorkspaceQuery    `protobuf:"bytes,6,opt,name=workspace,proto3"`
	Prune         *PruneRequest      `protobuf:"bytes,7,opt,name=prune,proto3"`
	Command       *CommandRequest    `protobuf:"bytes,8,opt,name=command,proto3"`
}

func (*AdminRequest) Reset()         {}
func (*AdminRequest) String() string { return "AdminRequest" }
func (*AdminRequest) ProtoMessage()  {}

type AdminResponse struct {
	RequestId      string               `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode      int32                `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage   string               `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Pong           *PongResponse        `protobuf:"bytes,4,opt,name=pong,proto3"`
	Health         *HealthResponse      `protobuf:"bytes,5,opt,name=health,proto3"`
	Subscriptions  []*SubscriptionInfo  `protobuf:"bytes,6,rep,name=subscriptions,proto3"`
	Workspace      *WorkspaceInfo       `protobuf:"bytes,7,opt,name=workspace,proto3"`
	ContentStreams []*ContentStreamInfo `protobuf:"bytes,8,rep,name=content_streams,json=contentStreams,proto3"`
	Pruned         []string             `protobuf:"bytes,9,rep,name=pruned,proto3"`
	// FailedSubscriptions lists subscriptions that recorded errors during a catch-up that still committed.
	FailedSubscriptions []string `protobuf:"bytes,10,rep,name=failed_subscriptions,json=failedSubscriptions,proto3"`
}

func (*AdminResponse) Reset()         {}
func (*AdminResponse) String() string { return "AdminResponse" }
func (*AdminResponse) ProtoMessage()  {}

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

type SubscriptionQuery struct {
	Ids    []string `protobuf:"bytes,1,rep,name=ids,proto3"`
	Groups []string `protobuf:"bytes,2,rep,name=groups,proto3"`
	// Boot restricts a catch-up to BOOTING subscriptions.
	Boot bool `protobuf:"varint,3,opt,name=boot,proto3"`
}

func (*SubscriptionQuery) Reset()         {}
func (*SubscriptionQuery) String() string { return "SubscriptionQuery" }
func (*SubscriptionQuery) ProtoMessage()  {}

type SubscriptionInfo struct {
	Id           string `protobuf:"bytes,1,opt,name=id,proto3"`
	Group        string `protobuf:"bytes,2,opt,name=group,proto3"`
	Status       string `protobuf:"bytes,3,opt,name=status,proto3"`
	Position     int64  `protobuf:"varint,4,opt,name=position,proto3"`
	ErrorMessage string `protobuf:"bytes,5,opt,name=error_message,json=errorMessage,proto3"`
}

func (*SubscriptionInfo) Reset()         {}
func (*SubscriptionInfo) String() string { return "SubscriptionInfo" }
func (*SubscriptionInfo) ProtoMessage()  {}

type WorkspaceQuery struct {
	Name string `protobuf:"bytes,1,opt,name=name,proto3"`
}

func (*WorkspaceQuery) Reset()         {}
func (*WorkspaceQuery) String() string { return "WorkspaceQuery" }
func (*WorkspaceQuery) ProtoMessage()  {}

type WorkspaceInfo struct {
	Name                      string `protobuf:"bytes,1,opt,name=name,proto3"`
	BaseName                  string `protobuf:"bytes,2,opt,name=base_name,json=baseName,proto3"`
	ContentStreamId           string `protobuf:"bytes,3,opt,name=content_stream_id,json=contentStreamId,proto3"`
	Status                    string `protobuf:"bytes,4,opt,name=status,proto3"`
	CountOfPublishableChanges int64  `protobuf:"varint,5,opt,name=count_of_publishable_changes,json=countOfPublishableChanges,proto3"`
}

func (*WorkspaceInfo) Reset()         {}
func (*WorkspaceInfo) String() string { return "WorkspaceInfo" }
func (*WorkspaceInfo) ProtoMessage()  {}

type ContentStreamInfo struct {
	Id            string `protobuf:"bytes,1,opt,name=id,proto3"`
	SourceId      string `protobuf:"bytes,2,opt,name=source_id,json=sourceId,proto3"`
	SourceVersion int64  `protobuf:"varint,3,opt,name=source_version,json=sourceVersion,proto3"`
	Version       int64  `protobuf:"varint,4,opt,name=version,proto3"`
	Status        string `protobuf:"bytes,5,opt,name=status,proto3"`
	Closed        bool   `protobuf:"varint,6,opt,name=closed,proto3"`
	Removed       bool   `protobuf:"varint,7,opt,name=removed,proto3"`
}

func (*ContentStreamInfo) Reset()         {}
func (*ContentStreamInfo) String() string { return "ContentStreamInfo" }
func (*ContentStreamInfo) ProtoMessage()  {}

type PruneRequest struct {
	Mode int32 `protobuf:"varint,1,opt,name=mode,proto3"`
}

func (*PruneRequest) Reset()         {}
func (*PruneRequest) String() string { return "PruneRequest" }
func (*PruneRequest) ProtoMessage()  {}

// CommandRequest carries one JSON-encoded command, for example
// {command_type: "PublishWorkspace", payload: {"workspaceName":"user"}}.
type CommandRequest struct {
	CommandType string `protobuf:"bytes,1,opt,name=command_type,json=commandType,proto3"`
	Payload     []byte `protobuf:"bytes,2,opt,name=payload,proto3"`
	// WorkspaceName routes the command to a worker queue; commands for one workspace run in order.
	WorkspaceName string `protobuf:"bytes,3,opt,name=workspace_name,json=workspaceName,proto3"`
}

func (*CommandRequest) Reset()         {}
func (*CommandRequest) String() string { return "CommandRequest" }
func (*CommandRequest) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*AdminRequest, error) {
	var req AdminRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*AdminResponse, error) {
	var res AdminResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *AdminRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.Operation == int32(OperationUnknown) {
		return fmt.Errorf("operation is required")
	}
	return nil
}
