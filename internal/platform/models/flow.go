package models

type FlowStatus = string

const (
	FlowDraft     FlowStatus = "draft"
	FlowPublished FlowStatus = "published"
	FlowArchived  FlowStatus = "archived"
)

type FlowNode struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type"`
	Label  string                 `json:"label,omitempty"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// FlowEdge declares that Target depends on Source.
type FlowEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type FlowDefinition struct {
	Nodes []FlowNode `json:"nodes"`
	Edges []FlowEdge `json:"edges"`
}

type Flow struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Definition     FlowDefinition `json:"definition"` // JSON object in DB
	Status         FlowStatus     `json:"status"`
	Version        int            `json:"version"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Node looks up a declared node by id.
func (d *FlowDefinition) Node(id string) *FlowNode {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// Dependencies returns the source node ids of every edge targeting nodeID.
func (d *FlowDefinition) Dependencies(nodeID string) []string {
	var deps []string
	for _, e := range d.Edges {
		if e.Target == nodeID {
			deps = append(deps, e.Source)
		}
	}
	return deps
}
