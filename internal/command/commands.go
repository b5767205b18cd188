package command

import (
	"encoding/json"
	"fmt"

	"contentrepo/internal/domain"
)

type Command interface {
	CommandType() string
}

// NodeCommand changes the node tree of one workspace. Node commands are recorded in event metadata
// so rebase, publish and discard can replay them against a different content stream.
type NodeCommand interface {
	Command
	Workspace() domain.WorkspaceName
	Node() domain.NodeID
}

type CreateRootWorkspace struct {
	WorkspaceName      domain.WorkspaceName   `json:"workspaceName"`
	NewContentStreamID domain.ContentStreamID `json:"newContentStreamId,omitempty"`
}

type CreateWorkspace struct {
	WorkspaceName      domain.WorkspaceName   `json:"workspaceName"`
	BaseWorkspaceName  domain.WorkspaceName   `json:"baseWorkspaceName"`
	NewContentStreamID domain.ContentStreamID `json:"newContentStreamId,omitempty"`
}

type DeleteWorkspace struct {
	WorkspaceName domain.WorkspaceName `json:"workspaceName"`
}

type ChangeBaseWorkspace struct {
	WorkspaceName      domain.WorkspaceName   `json:"workspaceName"`
	BaseWorkspaceName  domain.WorkspaceName   `json:"baseWorkspaceName"`
	NewContentStreamID domain.ContentStreamID `json:"newContentStreamId,omitempty"`
}

type CreateNode struct {
	WorkspaceName domain.WorkspaceName `json:"workspaceName"`
	NodeID        domain.NodeID        `json:"nodeAggregateId"`
	ParentNodeID  domain.NodeID        `json:"parentNodeAggregateId,omitempty"`
	NodeType      string               `json:"nodeTypeName"`
	Properties    map[string]string    `json:"properties,omitempty"`
}

type SetNodeProperties struct {
	WorkspaceName domain.WorkspaceName `json:"workspaceName"`
	NodeID        domain.NodeID        `json:"nodeAggregateId"`
	Properties    map[string]string    `json:"properties"`
}

type MoveNode struct {
	WorkspaceName   domain.WorkspaceName `json:"workspaceName"`
	NodeID          domain.NodeID        `json:"nodeAggregateId"`
	NewParentNodeID domain.NodeID        `json:"newParentNodeAggregateId,omitempty"`
}

type RemoveNode struct {
	WorkspaceName domain.WorkspaceName `json:"workspaceName"`
	NodeID        domain.NodeID        `json:"nodeAggregateId"`
}

type RebaseStrategy string

const (
	// RebaseFailOnConflict aborts the rebase when any command no longer applies.
	RebaseFailOnConflict RebaseStrategy = "fail"
	// RebaseForce drops commands that no longer apply and records them as skipped.
	RebaseForce RebaseStrategy = "force"
)

type RebaseWorkspace struct {
	WorkspaceName          domain.WorkspaceName   `json:"workspaceName"`
	Strategy               RebaseStrategy         `json:"strategy,omitempty"`
	RebasedContentStreamID domain.ContentStreamID `json:"rebasedContentStreamId,omitempty"`
}

type PublishWorkspace struct {
	WorkspaceName      domain.WorkspaceName   `json:"workspaceName"`
	NewContentStreamID domain.ContentStreamID `json:"newContentStreamId,omitempty"`
}

type PublishIndividualNodes struct {
	WorkspaceName      domain.WorkspaceName   `json:"workspaceName"`
	NodeIDs            []domain.NodeID        `json:"nodeAggregateIds"`
	NewContentStreamID domain.ContentStreamID `json:"newContentStreamId,omitempty"`
}

type DiscardWorkspace struct {
	WorkspaceName      domain.WorkspaceName   `json:"workspaceName"`
	NewContentStreamID domain.ContentStreamID `json:"newContentStreamId,omitempty"`
}

type DiscardIndividualNodes struct {
	WorkspaceName      domain.WorkspaceName   `json:"workspaceName"`
	NodeIDs            []domain.NodeID        `json:"nodeAggregateIds"`
	NewContentStreamID domain.ContentStreamID `json:"newContentStreamId,omitempty"`
}

func (CreateRootWorkspace) CommandType() string    { return "CreateRootWorkspace" }
func (CreateWorkspace) CommandType() string        { return "CreateWorkspace" }
func (DeleteWorkspace) CommandType() string        { return "DeleteWorkspace" }
func (ChangeBaseWorkspace) CommandType() string    { return "ChangeBaseWorkspace" }
func (CreateNode) CommandType() string             { return "CreateNode" }
func (SetNodeProperties) CommandType() string      { return "SetNodeProperties" }
func (MoveNode) CommandType() string               { return "MoveNode" }
func (RemoveNode) CommandType() string             { return "RemoveNode" }
func (RebaseWorkspace) CommandType() string        { return "RebaseWorkspace" }
func (PublishWorkspace) CommandType() string       { return "PublishWorkspace" }
func (PublishIndividualNodes) CommandType() string { return "PublishIndividualNodes" }
func (DiscardWorkspace) CommandType() string       { return "DiscardWorkspace" }
func (DiscardIndividualNodes) CommandType() string { return "DiscardIndividualNodes" }

func (c CreateNode) Workspace() domain.WorkspaceName        { return c.WorkspaceName }
func (c SetNodeProperties) Workspace() domain.WorkspaceName { return c.WorkspaceName }
func (c MoveNode) Workspace() domain.WorkspaceName          { return c.WorkspaceName }
func (c RemoveNode) Workspace() domain.WorkspaceName        { return c.WorkspaceName }

func (c CreateNode) Node() domain.NodeID        { return c.NodeID }
func (c SetNodeProperties) Node() domain.NodeID { return c.NodeID }
func (c MoveNode) Node() domain.NodeID          { return c.NodeID }
func (c RemoveNode) Node() domain.NodeID        { return c.NodeID }

type decodeFunc func([]byte) (Command, error)

var decoders = map[string]decodeFunc{}

func register[T Command]() {
	var zero T
	decoders[zero.CommandType()] = func(payload []byte) (Command, error) {
		var c T
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func init() {
	register[CreateRootWorkspace]()
	register[CreateWorkspace]()
	register[DeleteWorkspace]()
	register[ChangeBaseWorkspace]()
	register[CreateNode]()
	register[SetNodeProperties]()
	register[MoveNode]()
	register[RemoveNode]()
	register[RebaseWorkspace]()
	register[PublishWorkspace]()
	register[PublishIndividualNodes]()
	register[DiscardWorkspace]()
	register[DiscardIndividualNodes]()
}

// Decode turns a JSON command payload into the command registered for typ.
func Decode(typ string, payload []byte) (Command, error) {
	dec, ok := decoders[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, typ)
	}
	cmd, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("decode command %s: %w", typ, err)
	}
	return cmd, nil
}

// commandMetadata records cmd on the event it produced.
func commandMetadata(cmd NodeCommand) (domain.Metadata, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command %s: %w", cmd.CommandType(), err)
	}
	return domain.Metadata{
		domain.MetadataCommandType:    cmd.CommandType(),
		domain.MetadataCommandPayload: string(payload),
	}, nil
}

// commandFromMetadata returns the node command recorded on an event, if any.
func commandFromMetadata(md domain.Metadata) (NodeCommand, bool, error) {
	typ := md.Get(domain.MetadataCommandType)
	if typ == "" {
		return nil, false, nil
	}
	cmd, err := Decode(typ, []byte(md.Get(domain.MetadataCommandPayload)))
	if err != nil {
		return nil, false, err
	}
	nc, ok := cmd.(NodeCommand)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s is not a node command", ErrUnknownCommand, typ)
	}
	return nc, true, nil
}
