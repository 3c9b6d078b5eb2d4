package bpmn

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// XMLParser parses BPMN 2.0 XML into a Graph. Namespace prefixes are
// ignored; elements are matched by local name.
type XMLParser struct{}

// NewXMLParser creates a parser
func NewXMLParser() *XMLParser { return &XMLParser{} }

var _ Parser = (*XMLParser)(nil)

type xmlDefinitions struct {
	XMLName xml.Name   `xml:"definitions"`
	Process xmlProcess `xml:"process"`
}

type xmlProcess struct {
	ID string `xml:"id,attr"`

	StartEvents       []xmlEvent    `xml:"startEvent"`
	EndEvents         []xmlEvent    `xml:"endEvent"`
	IntermediateCatch []xmlEvent    `xml:"intermediateCatchEvent"`
	Boundary          []xmlBoundary `xml:"boundaryEvent"`
	Tasks             []xmlTask     `xml:"task"`
	ServiceTasks      []xmlTask     `xml:"serviceTask"`
	ScriptTasks       []xmlTask     `xml:"scriptTask"`
	UserTasks         []xmlTask     `xml:"userTask"`
	ReceiveTasks      []xmlTask     `xml:"receiveTask"`
	ExclusiveGateways []xmlGateway  `xml:"exclusiveGateway"`
	ParallelGateways  []xmlGateway  `xml:"parallelGateway"`
	InclusiveGateways []xmlGateway  `xml:"inclusiveGateway"`
	SequenceFlows     []xmlFlow     `xml:"sequenceFlow"`
}

type xmlEvent struct {
	ID    string    `xml:"id,attr"`
	Name  string    `xml:"name,attr"`
	Timer *xmlTimer `xml:"timerEventDefinition"`
}

type xmlTimer struct {
	Duration string `xml:"timeDuration"`
	Cycle    string `xml:"timeCycle"`
	Date     string `xml:"timeDate"`
}

type xmlBoundary struct {
	ID         string    `xml:"id,attr"`
	Name       string    `xml:"name,attr"`
	AttachedTo string    `xml:"attachedToRef,attr"`
	Timer      *xmlTimer `xml:"timerEventDefinition"`
}

type xmlTask struct {
	ID         string        `xml:"id,attr"`
	Name       string        `xml:"name,attr"`
	Extensions *xmlExtension `xml:"extensionElements"`
}

type xmlExtension struct {
	TaskConfig *xmlTaskConfig `xml:"serviceTaskConfig"`
}

type xmlTaskConfig struct {
	TaskName   string        `xml:"taskName,attr"`
	Properties []xmlProperty `xml:"property"`
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlGateway struct {
	ID      string `xml:"id,attr"`
	Name    string `xml:"name,attr"`
	Default string `xml:"default,attr"`
}

type xmlFlow struct {
	ID        string `xml:"id,attr"`
	Source    string `xml:"sourceRef,attr"`
	Target    string `xml:"targetRef,attr"`
	Condition string `xml:"conditionExpression"`
}

// Parse converts BPMN XML into the engine's graph form
func (p *XMLParser) Parse(raw string) (*Graph, error) {
	var defs xmlDefinitions
	if err := xml.Unmarshal([]byte(raw), &defs); err != nil {
		return nil, fmt.Errorf("parse bpmn xml: %w", err)
	}
	proc := defs.Process
	if proc.ID == "" && len(proc.StartEvents) == 0 {
		return nil, fmt.Errorf("bpmn xml has no process element")
	}

	g := &Graph{}

	for _, ev := range proc.StartEvents {
		node := Node{ID: ev.ID, Name: ev.Name, Type: NodeStart}
		if def := timerDefinition(ev.Timer); def != "" {
			node.EventType = EventTimer
			node.TimerDefinition = def
		}
		g.Nodes = append(g.Nodes, node)
	}
	for _, ev := range proc.EndEvents {
		g.Nodes = append(g.Nodes, Node{ID: ev.ID, Name: ev.Name, Type: NodeEnd})
	}
	for _, ev := range proc.IntermediateCatch {
		node := Node{ID: ev.ID, Name: ev.Name, Type: NodeIntermediate}
		if def := timerDefinition(ev.Timer); def != "" {
			node.EventType = EventTimer
			node.TimerDefinition = def
		}
		g.Nodes = append(g.Nodes, node)
	}
	for _, ev := range proc.Boundary {
		node := Node{ID: ev.ID, Name: ev.Name, Type: NodeBoundary, AttachedTo: ev.AttachedTo}
		if def := timerDefinition(ev.Timer); def != "" {
			node.EventType = EventTimer
			node.TimerDefinition = def
		}
		g.Nodes = append(g.Nodes, node)
	}

	appendTasks := func(tasks []xmlTask, kind TaskKind) {
		for _, t := range tasks {
			node := Node{ID: t.ID, Name: t.Name, Type: NodeTask, Task: kind}
			if t.Extensions != nil && t.Extensions.TaskConfig != nil {
				node.TaskName = t.Extensions.TaskConfig.TaskName
				for _, p := range t.Extensions.TaskConfig.Properties {
					if node.Properties == nil {
						node.Properties = map[string]string{}
					}
					node.Properties[p.Name] = p.Value
				}
			}
			g.Nodes = append(g.Nodes, node)
		}
	}
	appendTasks(proc.Tasks, TaskService)
	appendTasks(proc.ServiceTasks, TaskService)
	appendTasks(proc.ScriptTasks, TaskScript)
	appendTasks(proc.UserTasks, TaskUser)
	appendTasks(proc.ReceiveTasks, TaskReceive)

	defaults := map[string]string{}
	appendGateways := func(gws []xmlGateway, kind GatewayKind) {
		for _, gw := range gws {
			g.Nodes = append(g.Nodes, Node{ID: gw.ID, Name: gw.Name, Type: NodeGateway, Gateway: kind})
			if gw.Default != "" {
				defaults[gw.Default] = gw.ID
			}
		}
	}
	appendGateways(proc.ExclusiveGateways, GatewayExclusive)
	appendGateways(proc.ParallelGateways, GatewayParallel)
	appendGateways(proc.InclusiveGateways, GatewayInclusive)

	for _, f := range proc.SequenceFlows {
		g.Flows = append(g.Flows, Flow{
			ID:        f.ID,
			Source:    f.Source,
			Target:    f.Target,
			Condition: strings.TrimSpace(f.Condition),
			Default:   defaults[f.ID] == f.Source,
		})
	}

	return g, nil
}

func timerDefinition(t *xmlTimer) string {
	if t == nil {
		return ""
	}
	for _, def := range []string{t.Duration, t.Cycle, t.Date} {
		if s := strings.TrimSpace(def); s != "" {
			return s
		}
	}
	return ""
}
