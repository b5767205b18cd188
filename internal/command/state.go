package command

import (
	"context"
	"fmt"
	"maps"

	"contentrepo/internal/domain"
	"contentrepo/internal/eventstore"
	"contentrepo/internal/nodetype"
	"contentrepo/internal/streamname"
)

type workspaceState struct {
	Name            domain.WorkspaceName
	Base            domain.WorkspaceName
	ContentStreamID domain.ContentStreamID
	Removed         bool
}

func (w *workspaceState) isRoot() bool { return w.Base == "" }

// workspaceIndex is the state of every workspace, folded from all workspace streams in log order.
type workspaceIndex struct {
	byName   map[domain.WorkspaceName]*workspaceState
	versions map[domain.WorkspaceName]domain.Version
}

// loadWorkspaces brings the cached index up to the head of the log, folding only the events it has not seen.
func (h *Handler) loadWorkspaces(ctx context.Context) (*workspaceIndex, error) {
	if h.index == nil {
		h.index = &workspaceIndex{byName: map[domain.WorkspaceName]*workspaceState{}, versions: map[domain.WorkspaceName]domain.Version{}}
		h.indexHead = 0
	}
	ix := h.index
	for env, err := range h.events.ReadAll(ctx, h.indexHead+1) {
		if err != nil {
			h.index = nil
			return nil, err
		}
		h.indexHead = env.SequenceNumber
		if !streamname.IsWorkspace(env.StreamName) {
			continue
		}
		if name, err := streamname.WorkspaceName(env.StreamName); err == nil {
			ix.versions[name] = env.Version
		}
		switch ev := env.Event.(type) {
		case domain.RootWorkspaceWasCreated:
			ix.byName[ev.WorkspaceName] = &workspaceState{Name: ev.WorkspaceName, ContentStreamID: ev.NewContentStreamID}
		case domain.WorkspaceWasCreated:
			ix.byName[ev.WorkspaceName] = &workspaceState{Name: ev.WorkspaceName, Base: ev.BaseWorkspaceName, ContentStreamID: ev.NewContentStreamID}
		case domain.WorkspaceWasRebased:
			ix.point(ev.WorkspaceName, ev.NewContentStreamID)
		case domain.WorkspaceWasDiscarded:
			ix.point(ev.WorkspaceName, ev.NewContentStreamID)
		case domain.WorkspaceWasPartiallyDiscarded:
			ix.point(ev.WorkspaceName, ev.NewContentStreamID)
		case domain.WorkspaceWasPublished:
			ix.point(ev.SourceWorkspaceName, ev.NewSourceContentStreamID)
			ix.point(ev.TargetWorkspaceName, ev.NewTargetContentStreamID)
		case domain.WorkspaceWasPartiallyPublished:
			ix.point(ev.SourceWorkspaceName, ev.NewSourceContentStreamID)
			ix.point(ev.TargetWorkspaceName, ev.NewTargetContentStreamID)
		case domain.WorkspaceBaseWorkspaceWasChanged:
			if w, ok := ix.byName[ev.WorkspaceName]; ok {
				w.Base = ev.BaseWorkspaceName
				w.ContentStreamID = ev.NewContentStreamID
			}
		case domain.WorkspaceWasRemoved:
			if w, ok := ix.byName[ev.WorkspaceName]; ok {
				w.Removed = true
			}
		}
	}
	return ix, nil
}

func (ix *workspaceIndex) point(name domain.WorkspaceName, cs domain.ContentStreamID) {
	if w, ok := ix.byName[name]; ok && cs != "" {
		w.ContentStreamID = cs
	}
}

func (ix *workspaceIndex) get(name domain.WorkspaceName) (*workspaceState, error) {
	w, ok := ix.byName[name]
	if !ok || w.Removed {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, name)
	}
	return w, nil
}

func (ix *workspaceIndex) base(w *workspaceState) (*workspaceState, error) {
	if w.isRoot() {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceHasNoBase, w.Name)
	}
	b, ok := ix.byName[w.Base]
	if !ok || b.Removed {
		return nil, fmt.Errorf("%w: %s (base of %s)", ErrBaseWorkspaceNotFound, w.Base, w.Name)
	}
	return b, nil
}

// expected is the version the workspace stream must still have when the next event is appended.
func (ix *workspaceIndex) expected(name domain.WorkspaceName) eventstore.ExpectedVersion {
	if v, ok := ix.versions[name]; ok {
		return eventstore.Exactly(v)
	}
	return eventstore.NoStream
}

func (ix *workspaceIndex) dependents(name domain.WorkspaceName) []domain.WorkspaceName {
	var out []domain.WorkspaceName
	for _, w := range ix.byName {
		if !w.Removed && w.Base == name {
			out = append(out, w.Name)
		}
	}
	return out
}

// dependsOn reports whether name reaches ancestor by following base links.
func (ix *workspaceIndex) dependsOn(name, ancestor domain.WorkspaceName) bool {
	for hops := 0; name != "" && hops <= len(ix.byName); hops++ {
		if name == ancestor {
			return true
		}
		w, ok := ix.byName[name]
		if !ok {
			return false
		}
		name = w.Base
	}
	return false
}

type pendingCommand struct {
	SequenceNumber domain.SequenceNumber
	Command        NodeCommand
}

// contentStream is a content stream folded from the log, including the node tree it inherits through forks.
type contentStream struct {
	ID            domain.ContentStreamID
	SourceID      domain.ContentStreamID
	SourceVersion domain.Version
	Version       domain.Version
	Closed        bool
	Removed       bool
	tree          *nodeTree
	// pending are the node commands recorded in this stream itself, in log order.
	pending []pendingCommand
}

// upToDateWith reports whether cs was forked from base at base's current version.
func (cs *contentStream) upToDateWith(base *contentStream) bool {
	return cs.SourceID == base.ID && cs.SourceVersion == base.Version
}

const head domain.Version = -1

func (h *Handler) loadContentStream(ctx context.Context, id domain.ContentStreamID) (*contentStream, error) {
	return h.foldStream(ctx, id, head)
}

// foldStream replays stream id up to and including version upTo, or to its end when upTo is head.
func (h *Handler) foldStream(ctx context.Context, id domain.ContentStreamID, upTo domain.Version) (*contentStream, error) {
	cs := &contentStream{ID: id, tree: newNodeTree()}
	found := false
	for env, err := range h.events.ReadStream(ctx, streamname.ForContentStream(id), 0) {
		if err != nil {
			return nil, err
		}
		if upTo != head && env.Version > upTo {
			break
		}
		found = true
		cs.Version = env.Version
		switch ev := env.Event.(type) {
		case domain.ContentStreamWasForked:
			tree, err := h.foldSource(ctx, ev.SourceContentStreamID, ev.SourceVersion)
			if err != nil {
				return nil, fmt.Errorf("fork source of %s: %w", id, err)
			}
			cs.tree = tree
			cs.SourceID = ev.SourceContentStreamID
			cs.SourceVersion = ev.SourceVersion
		case domain.ContentStreamWasClosed:
			cs.Closed = true
		case domain.ContentStreamWasReopened:
			cs.Closed = false
		case domain.ContentStreamWasRemoved:
			cs.Removed = true
			cs.Closed = true
		default:
			if !domain.IsNodeEvent(ev.Type()) {
				continue
			}
			cs.tree.apply(ev)
			cmd, ok, err := commandFromMetadata(env.Metadata)
			if err != nil {
				return nil, err
			}
			if ok {
				cs.pending = append(cs.pending, pendingCommand{SequenceNumber: env.SequenceNumber, Command: cmd})
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrContentStreamNotFound, id)
	}
	return cs, nil
}

type foldKey struct {
	id   domain.ContentStreamID
	upTo domain.Version
}

// foldSource returns the tree of stream id at version upTo. A prefix of a stream never changes, so it is folded
// once per command and handed out as copies.
func (h *Handler) foldSource(ctx context.Context, id domain.ContentStreamID, upTo domain.Version) (*nodeTree, error) {
	key := foldKey{id: id, upTo: upTo}
	if tree, ok := h.sources[key]; ok {
		return tree.clone(), nil
	}
	src, err := h.foldStream(ctx, id, upTo)
	if err != nil {
		return nil, err
	}
	if h.sources != nil {
		h.sources[key] = src.tree.clone()
	}
	return src.tree, nil
}

type node struct {
	Parent     domain.NodeID
	Type       string
	Properties map[string]string
}

type nodeTree struct {
	nodes map[domain.NodeID]node
}

func newNodeTree() *nodeTree { return &nodeTree{nodes: map[domain.NodeID]node{}} }

func (t *nodeTree) clone() *nodeTree {
	out := &nodeTree{nodes: make(map[domain.NodeID]node, len(t.nodes))}
	for id, n := range t.nodes {
		n.Properties = maps.Clone(n.Properties)
		out.nodes[id] = n
	}
	return out
}

func (t *nodeTree) has(id domain.NodeID) bool {
	_, ok := t.nodes[id]
	return ok
}

// isDescendant reports whether id lies strictly below ancestor.
func (t *nodeTree) isDescendant(id, ancestor domain.NodeID) bool {
	for hops := 0; hops <= len(t.nodes); hops++ {
		n, ok := t.nodes[id]
		if !ok || n.Parent == "" {
			return false
		}
		if n.Parent == ancestor {
			return true
		}
		id = n.Parent
	}
	return false
}

func (t *nodeTree) apply(ev domain.Event) {
	switch e := ev.(type) {
	case domain.NodeAggregateWasCreated:
		t.nodes[e.NodeID] = node{Parent: e.ParentNodeID, Type: e.NodeType, Properties: maps.Clone(e.Properties)}
	case domain.NodePropertiesWereSet:
		n := t.nodes[e.NodeID]
		if n.Properties == nil {
			n.Properties = map[string]string{}
		}
		maps.Copy(n.Properties, e.Properties)
		t.nodes[e.NodeID] = n
	case domain.NodeAggregateWasMoved:
		n := t.nodes[e.NodeID]
		n.Parent = e.NewParentNodeID
		t.nodes[e.NodeID] = n
	case domain.NodeAggregateWasRemoved:
		var doomed []domain.NodeID
		for id := range t.nodes {
			if id == e.NodeID || t.isDescendant(id, e.NodeID) {
				doomed = append(doomed, id)
			}
		}
		for _, id := range doomed {
			delete(t.nodes, id)
		}
	}
}

// decide validates cmd against the tree and returns the event it produces in stream cs.
// The tree is not changed.
func (t *nodeTree) decide(cs domain.ContentStreamID, cmd NodeCommand, v nodetype.PropertyValidator) (domain.Event, error) {
	switch c := cmd.(type) {
	case CreateNode:
		if c.NodeID == "" {
			return nil, fmt.Errorf("create node: %w", domain.ErrEmptyIdentifier)
		}
		if t.has(c.NodeID) {
			return nil, fmt.Errorf("%w: %s", ErrNodeAlreadyExists, c.NodeID)
		}
		if c.ParentNodeID != "" && !t.has(c.ParentNodeID) {
			return nil, fmt.Errorf("%w: %s (parent of %s)", ErrParentNotFound, c.ParentNodeID, c.NodeID)
		}
		if c.NodeType == "" {
			return nil, fmt.Errorf("create node %s: node type: %w", c.NodeID, domain.ErrEmptyIdentifier)
		}
		if err := v.ValidateProperties(c.NodeType, c.Properties); err != nil {
			return nil, err
		}
		return domain.NodeAggregateWasCreated{ContentStreamID: cs, NodeID: c.NodeID, ParentNodeID: c.ParentNodeID, NodeType: c.NodeType, Properties: maps.Clone(c.Properties)}, nil
	case SetNodeProperties:
		n, ok := t.nodes[c.NodeID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, c.NodeID)
		}
		merged := maps.Clone(n.Properties)
		if merged == nil {
			merged = map[string]string{}
		}
		maps.Copy(merged, c.Properties)
		if err := v.ValidateProperties(n.Type, merged); err != nil {
			return nil, err
		}
		return domain.NodePropertiesWereSet{ContentStreamID: cs, NodeID: c.NodeID, Properties: maps.Clone(c.Properties)}, nil
	case MoveNode:
		if !t.has(c.NodeID) {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, c.NodeID)
		}
		if c.NewParentNodeID != "" {
			if !t.has(c.NewParentNodeID) {
				return nil, fmt.Errorf("%w: %s (new parent of %s)", ErrParentNotFound, c.NewParentNodeID, c.NodeID)
			}
			if c.NewParentNodeID == c.NodeID || t.isDescendant(c.NewParentNodeID, c.NodeID) {
				return nil, fmt.Errorf("%w: %s below %s", ErrMoveIntoDescendant, c.NodeID, c.NewParentNodeID)
			}
		}
		return domain.NodeAggregateWasMoved{ContentStreamID: cs, NodeID: c.NodeID, NewParentNodeID: c.NewParentNodeID}, nil
	case RemoveNode:
		if !t.has(c.NodeID) {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, c.NodeID)
		}
		return domain.NodeAggregateWasRemoved{ContentStreamID: cs, NodeID: c.NodeID}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.CommandType())
}
