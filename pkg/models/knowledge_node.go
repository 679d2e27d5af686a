package models

import (
	"time"

	"github.com/google/uuid"
)

// NodeType classifies what a knowledge node holds.
type NodeType string

const (
	NodeTypeDocument  NodeType = "document"
	NodeTypeNote      NodeType = "note"
	NodeTypeConcept   NodeType = "concept"
	NodeTypeReference NodeType = "reference"
	NodeTypeTemplate  NodeType = "template"
)

// ValidNodeTypes lists every accepted NodeType.
var ValidNodeTypes = []NodeType{
	NodeTypeDocument,
	NodeTypeNote,
	NodeTypeConcept,
	NodeTypeReference,
	NodeTypeTemplate,
}

// IsValid returns true if t is a known node type.
func (t NodeType) IsValid() bool {
	for _, v := range ValidNodeTypes {
		if t == v {
			return true
		}
	}
	return false
}

// NodeStatus is the publication state of a knowledge node.
// Deleted is a soft delete: the row stays, history stays, the slug is freed.
type NodeStatus string

const (
	NodeStatusDraft     NodeStatus = "draft"
	NodeStatusPublished NodeStatus = "published"
	NodeStatusArchived  NodeStatus = "archived"
	NodeStatusDeleted   NodeStatus = "deleted"
)

// ValidNodeStatuses lists every accepted NodeStatus.
var ValidNodeStatuses = []NodeStatus{
	NodeStatusDraft,
	NodeStatusPublished,
	NodeStatusArchived,
	NodeStatusDeleted,
}

// IsValid returns true if s is a known node status.
func (s NodeStatus) IsValid() bool {
	for _, v := range ValidNodeStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Metadata is the bounded, JSON-shaped tree attached to a node.
// Values are string, float64/int, bool, nil, []any, or nested map[string]any.
type Metadata map[string]any

// Clone returns a deep copy of m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(Metadata(val).Clone())
	case Metadata:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}

// KnowledgeNode is the primary entity of the knowledge base.
// Stored in knowledge_nodes table.
type KnowledgeNode struct {
	ID        uuid.UUID  `json:"id"`
	Slug      string     `json:"slug"`
	Title     string     `json:"title"`
	Content   string     `json:"content,omitempty"`
	Type      NodeType   `json:"type"`
	Status    NodeStatus `json:"status"`
	Tags      []string   `json:"tags"`
	Metadata  Metadata   `json:"metadata"`
	Author    string     `json:"author"` // Immutable after creation
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Version   int        `json:"version"` // Starts at 1, bumped server-side on every update
}

// IsDeleted reports whether the node has been soft-deleted.
func (n *KnowledgeNode) IsDeleted() bool {
	return n.Status == NodeStatusDeleted
}

// Clone returns a deep copy of the node so cached values are never shared.
func (n *KnowledgeNode) Clone() *KnowledgeNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.Tags != nil {
		c.Tags = append([]string(nil), n.Tags...)
	}
	c.Metadata = n.Metadata.Clone()
	return &c
}

// NodeVersion is an immutable snapshot captured before an update is applied.
// Stored in knowledge_node_versions table; rows are never updated or deleted.
type NodeVersion struct {
	ID        uuid.UUID `json:"id"`
	NodeID    uuid.UUID `json:"node_id"`
	Version   int       `json:"version"` // The version being superseded
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Metadata  Metadata  `json:"metadata"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeRelationship is a directed reference from one node to another.
// A node that is the target of any relationship cannot be deleted.
type NodeRelationship struct {
	SourceID  uuid.UUID `json:"source_id"`
	TargetID  uuid.UUID `json:"target_id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeInput is the write payload for create and update.
// Nil pointers mean "not supplied". For Tags and Metadata, nil means not supplied
// and a non-nil empty value clears the field.
type NodeInput struct {
	Title    *string     `json:"title,omitempty" yaml:"title,omitempty"`
	Slug     *string     `json:"slug,omitempty" yaml:"slug,omitempty"`
	Content  *string     `json:"content,omitempty" yaml:"content,omitempty"`
	Type     *NodeType   `json:"type,omitempty" yaml:"type,omitempty"`
	Status   *NodeStatus `json:"status,omitempty" yaml:"status,omitempty"`
	Tags     []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata Metadata    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Author   *string     `json:"author,omitempty" yaml:"author,omitempty"` // Honoured on create only
}

// IsEmpty reports whether no field was supplied.
func (in *NodeInput) IsEmpty() bool {
	return in.Title == nil && in.Slug == nil && in.Content == nil && in.Type == nil &&
		in.Status == nil && in.Tags == nil && in.Metadata == nil && in.Author == nil
}

// NodeFilters restricts node queries. Zero values mean "no restriction".
// Deleted nodes are excluded unless Status is explicitly NodeStatusDeleted
// or IncludeDeleted is set.
type NodeFilters struct {
	Type           NodeType   `json:"type,omitempty"`
	Status         NodeStatus `json:"status,omitempty"`
	Tags           []string   `json:"tags,omitempty"` // Node must contain all of these
	Author         string     `json:"author,omitempty"`
	CreatedAfter   *time.Time `json:"created_after,omitempty"`
	CreatedBefore  *time.Time `json:"created_before,omitempty"`
	IncludeDeleted bool       `json:"include_deleted,omitempty"`
}

// SortDirection orders query results.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Pagination controls paging and ordering for node queries.
type Pagination struct {
	Limit     int           `json:"limit"`
	Offset    int           `json:"offset"`
	SortBy    string        `json:"sort_by,omitempty"`
	SortOrder SortDirection `json:"sort_order,omitempty"`
}

// NodePage is one page of a node query plus the total number of matches.
type NodePage struct {
	Nodes   []*KnowledgeNode `json:"nodes"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
	HasMore bool             `json:"has_more"`
}

// Node event names emitted by the knowledge node service.
const (
	EventNodeCreated  = "node.created"
	EventNodeUpdated  = "node.updated"
	EventNodeDeleted  = "node.deleted"
	EventNodeLinked   = "node.linked"
	EventNodeUnlinked = "node.unlinked"
)

// NodeEvent is the payload of every node event.
type NodeEvent struct {
	Type            string            `json:"type"`
	Node            *KnowledgeNode    `json:"node,omitempty"`
	PreviousVersion int               `json:"previous_version,omitempty"`
	Relationship    *NodeRelationship `json:"relationship,omitempty"`
	Service         string            `json:"service"`
	At              time.Time         `json:"at"`
}

// NodeSearchOptions narrows a full-text search.
type NodeSearchOptions struct {
	Type           NodeType   `json:"type,omitempty"`
	Status         NodeStatus `json:"status,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	Limit          int        `json:"limit,omitempty"`
	Offset         int        `json:"offset,omitempty"`
	IncludeContent bool       `json:"include_content,omitempty"`
}

// NodeSearchHit is one search match re-read from the store.
type NodeSearchHit struct {
	Node  *KnowledgeNode `json:"node"`
	Score float64        `json:"score"`
}

// NodeSearchPage is one page of search hits, best first.
// Total is the index's match count and may include hits dropped as deleted or missing.
type NodeSearchPage struct {
	Results []NodeSearchHit `json:"results"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
	HasMore bool            `json:"has_more"`
}
