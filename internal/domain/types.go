package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type ContentStreamID string

// NewContentStreamID returns a fresh, lexically sortable content stream id.
func NewContentStreamID() ContentStreamID {
	return ContentStreamID(strings.ToLower(ulid.Make().String()))
}

func (id ContentStreamID) String() string { return string(id) }

type WorkspaceName string

func (n WorkspaceName) String() string { return string(n) }

type NodeID string

type SubscriptionID string

// Version is the position of an event inside one stream. The first event of a stream has version 0.
type Version int64

// SequenceNumber is the global position of an event in the log. The first event has sequence number 1.
type SequenceNumber int64

var ErrEmptyIdentifier = errors.New("identifier must not be empty")

func ValidateWorkspaceName(n WorkspaceName) error {
	if strings.TrimSpace(string(n)) == "" {
		return ErrEmptyIdentifier
	}
	return nil
}

// EventEnvelope is one recorded event together with its log coordinates.
type EventEnvelope struct {
	Event          Event
	StreamName     string
	Version        Version
	SequenceNumber SequenceNumber
	RecordedAt     time.Time
	Metadata       Metadata
}

// Metadata is attached to each recorded event.
type Metadata map[string]string

const (
	MetadataCommandType    = "command_type"
	MetadataCommandPayload = "command_payload"
)

func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}
