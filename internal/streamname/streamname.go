package streamname

import (
	"fmt"
	"hash/fnv"
	"strings"

	"contentrepo/internal/domain"
)

// PartitionCount bounds the keyed worker queues of the admin socket server.
const PartitionCount = 16

const (
	contentStreamPrefix = "ContentStream:"
	workspacePrefix     = "Workspace:"
)

// Canonicalize normalizes incoming keys before hashing or lookup.
func Canonicalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func ForContentStream(id domain.ContentStreamID) string {
	return contentStreamPrefix + Canonicalize(string(id))
}

func ForWorkspace(name domain.WorkspaceName) string {
	return workspacePrefix + strings.TrimSpace(string(name))
}

func IsContentStream(stream string) bool { return strings.HasPrefix(stream, contentStreamPrefix) }

func IsWorkspace(stream string) bool { return strings.HasPrefix(stream, workspacePrefix) }

func ContentStreamID(stream string) (domain.ContentStreamID, error) {
	if !IsContentStream(stream) {
		return "", fmt.Errorf("stream %q is not a content stream", stream)
	}
	return domain.ContentStreamID(strings.TrimPrefix(stream, contentStreamPrefix)), nil
}

func WorkspaceName(stream string) (domain.WorkspaceName, error) {
	if !IsWorkspace(stream) {
		return "", fmt.Errorf("stream %q is not a workspace stream", stream)
	}
	return domain.WorkspaceName(strings.TrimPrefix(stream, workspacePrefix)), nil
}

// Partition computes a deterministic partition for key.
func Partition(key string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(Canonicalize(key)))
	return int(h.Sum64() % PartitionCount)
}
