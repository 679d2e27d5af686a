package models

// BulkOpType is the kind of one bulk entry.
type BulkOpType string

const (
	BulkOpCreate BulkOpType = "create"
	BulkOpUpdate BulkOpType = "update"
	BulkOpDelete BulkOpType = "delete"
)

// BulkOperation is one entry of a bulk request. ID is required for update and
// delete; Data is required for create and update.
type BulkOperation struct {
	Op   BulkOpType `json:"op" yaml:"op"`
	ID   string     `json:"id,omitempty" yaml:"id,omitempty"`
	Data *NodeInput `json:"data,omitempty" yaml:"data,omitempty"`
}

// BulkResult is the outcome of one applied bulk entry. Node is nil for deletes.
type BulkResult struct {
	Index int            `json:"index"`
	Op    BulkOpType     `json:"op"`
	ID    string         `json:"id"`
	Node  *KnowledgeNode `json:"node,omitempty"`
}
