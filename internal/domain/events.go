package domain

// EventType tags every event payload. Projections switch on it instead of inspecting Go types.
type EventType string

const (
	EventContentStreamWasCreated  EventType = "ContentStreamWasCreated"
	EventContentStreamWasForked   EventType = "ContentStreamWasForked"
	EventContentStreamWasClosed   EventType = "ContentStreamWasClosed"
	EventContentStreamWasReopened EventType = "ContentStreamWasReopened"
	EventContentStreamWasRemoved  EventType = "ContentStreamWasRemoved"

	EventRootWorkspaceWasCreated          EventType = "RootWorkspaceWasCreated"
	EventWorkspaceWasCreated              EventType = "WorkspaceWasCreated"
	EventWorkspaceWasRebased              EventType = "WorkspaceWasRebased"
	EventWorkspaceRebaseFailed            EventType = "WorkspaceRebaseFailed"
	EventWorkspaceWasPublished            EventType = "WorkspaceWasPublished"
	EventWorkspaceWasPartiallyPublished   EventType = "WorkspaceWasPartiallyPublished"
	EventWorkspaceWasDiscarded            EventType = "WorkspaceWasDiscarded"
	EventWorkspaceWasPartiallyDiscarded   EventType = "WorkspaceWasPartiallyDiscarded"
	EventWorkspaceBaseWorkspaceWasChanged EventType = "WorkspaceBaseWorkspaceWasChanged"
	EventWorkspaceWasRemoved              EventType = "WorkspaceWasRemoved"

	EventNodeAggregateWasCreated EventType = "NodeAggregateWasCreated"
	EventNodePropertiesWereSet   EventType = "NodePropertiesWereSet"
	EventNodeAggregateWasMoved   EventType = "NodeAggregateWasMoved"
	EventNodeAggregateWasRemoved EventType = "NodeAggregateWasRemoved"
)

type Event interface {
	Type() EventType
}

// ContentStreamScoped is implemented by events that are recorded in a content stream.
type ContentStreamScoped interface {
	Event
	ContentStream() ContentStreamID
}

type ContentStreamWasCreated struct {
	ContentStreamID ContentStreamID `json:"contentStreamId"`
}

type ContentStreamWasForked struct {
	ContentStreamID       ContentStreamID `json:"contentStreamId"`
	SourceContentStreamID ContentStreamID `json:"sourceContentStreamId"`
	SourceVersion         Version         `json:"sourceVersion"`
}

type ContentStreamWasClosed struct {
	ContentStreamID ContentStreamID `json:"contentStreamId"`
}

type ContentStreamWasReopened struct {
	ContentStreamID ContentStreamID `json:"contentStreamId"`
}

type ContentStreamWasRemoved struct {
	ContentStreamID ContentStreamID `json:"contentStreamId"`
}

type RootWorkspaceWasCreated struct {
	WorkspaceName      WorkspaceName   `json:"workspaceName"`
	NewContentStreamID ContentStreamID `json:"newContentStreamId"`
}

type WorkspaceWasCreated struct {
	WorkspaceName      WorkspaceName   `json:"workspaceName"`
	BaseWorkspaceName  WorkspaceName   `json:"baseWorkspaceName"`
	NewContentStreamID ContentStreamID `json:"newContentStreamId"`
}

// SkippedEvent describes one command that was dropped by a forced rebase.
type SkippedEvent struct {
	SequenceNumber SequenceNumber `json:"sequenceNumber"`
	CommandType    string         `json:"commandType"`
	Message        string         `json:"message"`
}

type WorkspaceWasRebased struct {
	WorkspaceName           WorkspaceName   `json:"workspaceName"`
	NewContentStreamID      ContentStreamID `json:"newContentStreamId"`
	PreviousContentStreamID ContentStreamID `json:"previousContentStreamId"`
	SkippedEvents           []SkippedEvent  `json:"skippedEvents,omitempty"`
}

func (e WorkspaceWasRebased) HasSkippedEvents() bool { return len(e.SkippedEvents) > 0 }

type WorkspaceRebaseFailed struct {
	WorkspaceName            WorkspaceName   `json:"workspaceName"`
	CandidateContentStreamID ContentStreamID `json:"candidateContentStreamId"`
	SourceContentStreamID    ContentStreamID `json:"sourceContentStreamId"`
	FailedCommands           []SkippedEvent  `json:"failedCommands"`
}

type WorkspaceWasPublished struct {
	SourceWorkspaceName           WorkspaceName   `json:"sourceWorkspaceName"`
	TargetWorkspaceName           WorkspaceName   `json:"targetWorkspaceName"`
	NewTargetContentStreamID      ContentStreamID `json:"newTargetContentStreamId"`
	NewSourceContentStreamID      ContentStreamID `json:"newSourceContentStreamId"`
	PreviousSourceContentStreamID ContentStreamID `json:"previousSourceContentStreamId"`
	PreviousTargetContentStreamID ContentStreamID `json:"previousTargetContentStreamId"`
}

type WorkspaceWasPartiallyPublished struct {
	SourceWorkspaceName           WorkspaceName   `json:"sourceWorkspaceName"`
	TargetWorkspaceName           WorkspaceName   `json:"targetWorkspaceName"`
	NewTargetContentStreamID      ContentStreamID `json:"newTargetContentStreamId"`
	NewSourceContentStreamID      ContentStreamID `json:"newSourceContentStreamId"`
	PreviousSourceContentStreamID ContentStreamID `json:"previousSourceContentStreamId"`
	PreviousTargetContentStreamID ContentStreamID `json:"previousTargetContentStreamId"`
	PublishedNodes                []NodeID        `json:"publishedNodes"`
}

type WorkspaceWasDiscarded struct {
	WorkspaceName           WorkspaceName   `json:"workspaceName"`
	NewContentStreamID      ContentStreamID `json:"newContentStreamId"`
	PreviousContentStreamID ContentStreamID `json:"previousContentStreamId"`
}

type WorkspaceWasPartiallyDiscarded struct {
	WorkspaceName           WorkspaceName   `json:"workspaceName"`
	NewContentStreamID      ContentStreamID `json:"newContentStreamId"`
	PreviousContentStreamID ContentStreamID `json:"previousContentStreamId"`
	DiscardedNodes          []NodeID        `json:"discardedNodes"`
}

type WorkspaceBaseWorkspaceWasChanged struct {
	WorkspaceName           WorkspaceName   `json:"workspaceName"`
	BaseWorkspaceName       WorkspaceName   `json:"baseWorkspaceName"`
	NewContentStreamID      ContentStreamID `json:"newContentStreamId"`
	PreviousContentStreamID ContentStreamID `json:"previousContentStreamId"`
}

type WorkspaceWasRemoved struct {
	WorkspaceName WorkspaceName `json:"workspaceName"`
}

type NodeAggregateWasCreated struct {
	ContentStreamID ContentStreamID   `json:"contentStreamId"`
	NodeID          NodeID            `json:"nodeAggregateId"`
	ParentNodeID    NodeID            `json:"parentNodeAggregateId,omitempty"`
	NodeType        string            `json:"nodeTypeName"`
	Properties      map[string]string `json:"properties,omitempty"`
}

type NodePropertiesWereSet struct {
	ContentStreamID ContentStreamID   `json:"contentStreamId"`
	NodeID          NodeID            `json:"nodeAggregateId"`
	Properties      map[string]string `json:"properties"`
}

type NodeAggregateWasMoved struct {
	ContentStreamID ContentStreamID `json:"contentStreamId"`
	NodeID          NodeID          `json:"nodeAggregateId"`
	NewParentNodeID NodeID          `json:"newParentNodeAggregateId"`
}

type NodeAggregateWasRemoved struct {
	ContentStreamID ContentStreamID `json:"contentStreamId"`
	NodeID          NodeID          `json:"nodeAggregateId"`
}

func (ContentStreamWasCreated) Type() EventType          { return EventContentStreamWasCreated }
func (ContentStreamWasForked) Type() EventType           { return EventContentStreamWasForked }
func (ContentStreamWasClosed) Type() EventType           { return EventContentStreamWasClosed }
func (ContentStreamWasReopened) Type() EventType         { return EventContentStreamWasReopened }
func (ContentStreamWasRemoved) Type() EventType          { return EventContentStreamWasRemoved }
func (RootWorkspaceWasCreated) Type() EventType          { return EventRootWorkspaceWasCreated }
func (WorkspaceWasCreated) Type() EventType              { return EventWorkspaceWasCreated }
func (WorkspaceWasRebased) Type() EventType              { return EventWorkspaceWasRebased }
func (WorkspaceRebaseFailed) Type() EventType            { return EventWorkspaceRebaseFailed }
func (WorkspaceWasPublished) Type() EventType            { return EventWorkspaceWasPublished }
func (WorkspaceWasPartiallyPublished) Type() EventType   { return EventWorkspaceWasPartiallyPublished }
func (WorkspaceWasDiscarded) Type() EventType            { return EventWorkspaceWasDiscarded }
func (WorkspaceWasPartiallyDiscarded) Type() EventType   { return EventWorkspaceWasPartiallyDiscarded }
func (WorkspaceBaseWorkspaceWasChanged) Type() EventType { return EventWorkspaceBaseWorkspaceWasChanged }
func (WorkspaceWasRemoved) Type() EventType              { return EventWorkspaceWasRemoved }
func (NodeAggregateWasCreated) Type() EventType          { return EventNodeAggregateWasCreated }
func (NodePropertiesWereSet) Type() EventType            { return EventNodePropertiesWereSet }
func (NodeAggregateWasMoved) Type() EventType            { return EventNodeAggregateWasMoved }
func (NodeAggregateWasRemoved) Type() EventType          { return EventNodeAggregateWasRemoved }

func (e ContentStreamWasCreated) ContentStream() ContentStreamID  { return e.ContentStreamID }
func (e ContentStreamWasForked) ContentStream() ContentStreamID   { return e.ContentStreamID }
func (e ContentStreamWasClosed) ContentStream() ContentStreamID   { return e.ContentStreamID }
func (e ContentStreamWasReopened) ContentStream() ContentStreamID { return e.ContentStreamID }
func (e ContentStreamWasRemoved) ContentStream() ContentStreamID  { return e.ContentStreamID }
func (e NodeAggregateWasCreated) ContentStream() ContentStreamID  { return e.ContentStreamID }
func (e NodePropertiesWereSet) ContentStream() ContentStreamID    { return e.ContentStreamID }
func (e NodeAggregateWasMoved) ContentStream() ContentStreamID    { return e.ContentStreamID }
func (e NodeAggregateWasRemoved) ContentStream() ContentStreamID  { return e.ContentStreamID }

// IsNodeEvent reports whether t changes the node tree and therefore counts as a publishable change.
func IsNodeEvent(t EventType) bool {
	switch t {
	case EventNodeAggregateWasCreated, EventNodePropertiesWereSet, EventNodeAggregateWasMoved, EventNodeAggregateWasRemoved:
		return true
	}
	return false
}
