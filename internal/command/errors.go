package command

import (
	"errors"
	"fmt"
	"strings"

	"contentrepo/internal/domain"
	"contentrepo/internal/nodetype"
)

var (
	ErrUnknownCommand             = errors.New("unknown command")
	ErrWorkspaceAlreadyExists     = errors.New("workspace already exists")
	ErrWorkspaceNotFound          = errors.New("workspace not found")
	ErrBaseWorkspaceNotFound      = errors.New("base workspace not found")
	ErrWorkspaceHasNoBase         = errors.New("workspace has no base workspace")
	ErrWorkspaceHasDependents     = errors.New("workspace has dependent workspaces")
	ErrWorkspaceHasPendingChanges = errors.New("workspace has pending changes")
	ErrInvalidTransition          = errors.New("invalid workspace transition")
	ErrContentStreamNotFound      = errors.New("content stream not found")
	ErrContentStreamAlreadyExists = errors.New("content stream already exists")
	ErrContentStreamClosed        = errors.New("content stream is closed")
	ErrNodeAlreadyExists          = errors.New("node already exists")
	ErrNodeNotFound               = errors.New("node not found")
	ErrParentNotFound             = errors.New("parent node not found")
	ErrMoveIntoDescendant         = errors.New("node cannot be moved below itself")
)

// CommandFailure is one recorded command that could not be applied during a replay.
type CommandFailure struct {
	SequenceNumber domain.SequenceNumber
	Command        NodeCommand
	Err            error
}

func (f CommandFailure) String() string {
	return fmt.Sprintf("event %d %s(%s): %v", f.SequenceNumber, f.Command.CommandType(), f.Command.Node(), f.Err)
}

func describe(failures []CommandFailure) string {
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = f.String()
	}
	return strings.Join(parts, "; ")
}

func unwrapAll(failures []CommandFailure) []error {
	out := make([]error, len(failures))
	for i, f := range failures {
		out[i] = f.Err
	}
	return out
}

// WorkspaceRebaseFailed means the base moved and some of the workspace's commands no longer apply.
// The workspace keeps its previous content stream.
type WorkspaceRebaseFailed struct {
	Workspace domain.WorkspaceName
	Failures  []CommandFailure
}

func (e *WorkspaceRebaseFailed) Error() string {
	return fmt.Sprintf("rebase of workspace %s failed: %s", e.Workspace, describe(e.Failures))
}

func (e *WorkspaceRebaseFailed) Unwrap() []error { return unwrapAll(e.Failures) }

// PartialWorkspaceRebaseFailed means the selected changes cannot be separated from the rest, whatever the base
// looks like. Callers can pick a different selection or publish or discard everything.
type PartialWorkspaceRebaseFailed struct {
	Workspace         domain.WorkspaceName
	ConflictingEvents []CommandFailure
}

func (e *PartialWorkspaceRebaseFailed) Error() string {
	return fmt.Sprintf("selected changes of workspace %s cannot be reordered: %s", e.Workspace, describe(e.ConflictingEvents))
}

func (e *PartialWorkspaceRebaseFailed) Unwrap() []error { return unwrapAll(e.ConflictingEvents) }

var rejections = []error{
	ErrUnknownCommand, ErrWorkspaceAlreadyExists, ErrWorkspaceNotFound, ErrBaseWorkspaceNotFound, ErrWorkspaceHasNoBase,
	ErrWorkspaceHasDependents, ErrWorkspaceHasPendingChanges, ErrInvalidTransition, ErrContentStreamNotFound,
	ErrContentStreamAlreadyExists, ErrContentStreamClosed, ErrNodeAlreadyExists, ErrNodeNotFound, ErrParentNotFound, ErrMoveIntoDescendant,
	domain.ErrEmptyIdentifier, nodetype.ErrUnknownNodeType, nodetype.ErrInvalidProperties,
}

// Rejected reports whether err is a validation failure of the command itself.
// Sending the same command again cannot succeed until the workspace changes.
func Rejected(err error) bool {
	if err == nil {
		return false
	}
	var rebase *WorkspaceRebaseFailed
	var partial *PartialWorkspaceRebaseFailed
	if errors.As(err, &rebase) || errors.As(err, &partial) {
		return true
	}
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}
