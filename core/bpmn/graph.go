// Package bpmn defines the in-memory process graph the engine executes.
// Parsing BPMN XML into a Graph is the job of an external parser; the
// engine only consumes the parsed form.
package bpmn

// NodeType classifies graph nodes
type NodeType string

const (
	NodeStart        NodeType = "start"
	NodeEnd          NodeType = "end"
	NodeTask         NodeType = "task"
	NodeGateway      NodeType = "gateway"
	NodeIntermediate NodeType = "intermediate"
	NodeBoundary     NodeType = "boundary"
)

// GatewayKind selects gateway routing semantics
type GatewayKind string

const (
	GatewayExclusive GatewayKind = "exclusive"
	GatewayParallel  GatewayKind = "parallel"
	GatewayInclusive GatewayKind = "inclusive"
)

// TaskKind distinguishes synchronous tasks from wait states
type TaskKind string

const (
	TaskService TaskKind = "service"
	TaskScript  TaskKind = "script"
	TaskUser    TaskKind = "user"
	TaskReceive TaskKind = "receive"
)

// EventType for start/intermediate/boundary events
type EventType string

const (
	EventNone  EventType = ""
	EventTimer EventType = "timer"
)

// Node is a single BPMN element
type Node struct {
	ID        string      `json:"id"`
	Name      string      `json:"name,omitempty"`
	Type      NodeType    `json:"type"`
	EventType EventType   `json:"event_type,omitempty"`
	Gateway   GatewayKind `json:"gateway,omitempty"`
	Task      TaskKind    `json:"task,omitempty"`

	// TimerDefinition holds the ISO-8601 duration/cycle or date for
	// timer events (e.g. "PT1H", "R3/PT10M").
	TimerDefinition string `json:"timer_definition,omitempty"`

	// TaskName selects the registry entry invoked for task nodes.
	// Defaults to the node ID when empty.
	TaskName string `json:"task_name,omitempty"`

	// Properties are task configuration values handed to the registry
	// implementation on invocation.
	Properties map[string]string `json:"properties,omitempty"`

	// AttachedTo is the host node id for boundary events.
	AttachedTo string `json:"attached_to,omitempty"`
}

// Flow is a sequence flow between two nodes
type Flow struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
	Default   bool   `json:"default,omitempty"`
}

// Graph is a parsed process definition
type Graph struct {
	Nodes []Node `json:"nodes"`
	Flows []Flow `json:"flows"`
}

// Parser turns BPMN XML into a Graph. Implemented by an external
// collaborator; the engine treats it as a pure function.
type Parser interface {
	Parse(xml string) (*Graph, error)
}

// NodeByID returns the node with the given id, or nil
func (g *Graph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Outgoing returns the flows leaving a node, in declaration order
func (g *Graph) Outgoing(nodeID string) []Flow {
	var flows []Flow
	for _, f := range g.Flows {
		if f.Source == nodeID {
			flows = append(flows, f)
		}
	}
	return flows
}

// Incoming returns the flows entering a node, in declaration order
func (g *Graph) Incoming(nodeID string) []Flow {
	var flows []Flow
	for _, f := range g.Flows {
		if f.Target == nodeID {
			flows = append(flows, f)
		}
	}
	return flows
}

// BoundaryEvents returns the boundary events attached to a host node
func (g *Graph) BoundaryEvents(hostID string) []Node {
	var nodes []Node
	for _, n := range g.Nodes {
		if n.Type == NodeBoundary && n.AttachedTo == hostID {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// StartEvents returns all start event nodes
func (g *Graph) StartEvents() []Node {
	var starts []Node
	for _, n := range g.Nodes {
		if n.Type == NodeStart {
			starts = append(starts, n)
		}
	}
	return starts
}
