package topology

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/katalvlaran/lvlath/graph/algorithms"
	"github.com/katalvlaran/lvlath/graph/core"
)

// FiberLightSpeedKmPerS is the group velocity of light in standard fiber.
const FiberLightSpeedKmPerS = 2e5

// InvalidTopologyError reports a malformed or disconnected network description.
type InvalidTopologyError struct {
	Reason string
}

func (e *InvalidTopologyError) Error() string {
	return "invalid topology: " + e.Reason
}

func invalidf(format string, args ...any) error {
	return &InvalidTopologyError{Reason: fmt.Sprintf(format, args...)}
}

// IsInvalidTopology reports whether err wraps an InvalidTopologyError.
func IsInvalidTopology(err error) bool {
	var target *InvalidTopologyError
	return errors.As(err, &target)
}

type Node struct {
	ID                 string  `json:"id" yaml:"id"`
	DistanceFromPrevKm float64 `json:"distance_from_prev_km,omitempty" yaml:"distance_from_prev_km,omitempty"`
	// CoherenceTimeS is the memory coherence time; 0 means an ideal memory.
	CoherenceTimeS float64 `json:"coherence_time_s,omitempty" yaml:"coherence_time_s,omitempty"`
	// SwapSuccessProb is the Bell-state measurement success probability; 0 means 1.
	SwapSuccessProb float64 `json:"swap_success_prob,omitempty" yaml:"swap_success_prob,omitempty"`
	// SwapQuality multiplies the Werner parameter on every swap; 0 means 1.
	SwapQuality float64 `json:"swap_quality,omitempty" yaml:"swap_quality,omitempty"`
}

type Link struct {
	ID                 string  `json:"id" yaml:"id"`
	A                  string  `json:"a" yaml:"a"`
	B                  string  `json:"b" yaml:"b"`
	LengthKm           float64 `json:"length_km" yaml:"length_km"`
	AttenuationDBPerKm float64 `json:"attenuation_db_per_km" yaml:"attenuation_db_per_km"`
	InsertionLoss      float64 `json:"insertion_loss,omitempty" yaml:"insertion_loss,omitempty"`
	DetectorEfficiency float64 `json:"detector_efficiency,omitempty" yaml:"detector_efficiency,omitempty"`
	InitialFidelity    float64 `json:"initial_fidelity,omitempty" yaml:"initial_fidelity,omitempty"`
}

// Description is the serializable form a Topology is built from.
type Description struct {
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes    []Node `json:"nodes" yaml:"nodes"`
	Links    []Link `json:"links" yaml:"links"`
	Source   string `json:"source,omitempty" yaml:"source,omitempty"`
	Target   string `json:"target,omitempty" yaml:"target,omitempty"`
	MultiHop bool   `json:"multi_hop,omitempty" yaml:"multi_hop,omitempty"`
}

// ChainDescription builds a linear repeater chain n0 - n1 - ... - nk with one
// link per entry in lengthsKm, all sharing the same attenuation.
func ChainDescription(name string, lengthsKm []float64, attenuationDBPerKm float64) Description {
	desc := Description{Name: name, MultiHop: len(lengthsKm) > 1}
	desc.Nodes = append(desc.Nodes, Node{ID: "n0"})
	for i, length := range lengthsKm {
		nodeID := fmt.Sprintf("n%d", i+1)
		desc.Nodes = append(desc.Nodes, Node{ID: nodeID, DistanceFromPrevKm: length})
		desc.Links = append(desc.Links, Link{
			ID:                 fmt.Sprintf("l%d", i+1),
			A:                  fmt.Sprintf("n%d", i),
			B:                  nodeID,
			LengthKm:           length,
			AttenuationDBPerKm: attenuationDBPerKm,
		})
	}
	return desc
}

// Topology is an immutable, validated network. It is safe to share between
// goroutines without locking.
type Topology struct {
	name        string
	nodes       []Node
	links       []Link
	nodeIndex   map[string]int
	linkIndex   map[string]int
	path        []int
	pathNodes   []int
	source      string
	target      string
	multiHop    bool
	fingerprint string
}

// New validates desc and builds the topology the protocol runs on.
func New(desc Description) (*Topology, error) {
	if len(desc.Nodes) < 2 {
		return nil, invalidf("at least two nodes are required, got %d", len(desc.Nodes))
	}
	if len(desc.Links) == 0 {
		return nil, invalidf("at least one link is required")
	}

	t := &Topology{
		name:      desc.Name,
		nodes:     make([]Node, len(desc.Nodes)),
		links:     make([]Link, len(desc.Links)),
		nodeIndex: make(map[string]int, len(desc.Nodes)),
		linkIndex: make(map[string]int, len(desc.Links)),
		multiHop:  desc.MultiHop,
	}

	for i, n := range desc.Nodes {
		if n.ID == "" {
			return nil, invalidf("node at index %d has no id", i)
		}
		if _, dup := t.nodeIndex[n.ID]; dup {
			return nil, invalidf("duplicate node id %q", n.ID)
		}
		n = withNodeDefaults(n)
		if err := validateNode(n); err != nil {
			return nil, err
		}
		t.nodes[i] = n
		t.nodeIndex[n.ID] = i
	}

	g := core.NewGraph(false, false)
	for _, n := range t.nodes {
		g.AddVertex(&core.Vertex{ID: n.ID, Metadata: map[string]interface{}{}})
	}
	for i, l := range desc.Links {
		if l.ID == "" {
			return nil, invalidf("link at index %d has no id", i)
		}
		if _, dup := t.linkIndex[l.ID]; dup {
			return nil, invalidf("duplicate link id %q", l.ID)
		}
		l = withLinkDefaults(l)
		if err := t.validateLink(l); err != nil {
			return nil, err
		}
		if l.A == l.B {
			return nil, invalidf("link %q is a self loop on %q", l.ID, l.A)
		}
		if g.HasEdge(l.A, l.B) {
			return nil, invalidf("link %q duplicates an existing link between %q and %q", l.ID, l.A, l.B)
		}
		g.AddEdge(l.A, l.B, 0)
		t.links[i] = l
		t.linkIndex[l.ID] = i
	}

	t.source = desc.Source
	if t.source == "" {
		t.source = t.nodes[0].ID
	}
	t.target = desc.Target
	if t.target == "" {
		t.target = t.nodes[len(t.nodes)-1].ID
	}
	if _, ok := t.nodeIndex[t.source]; !ok {
		return nil, invalidf("unknown source node %q", t.source)
	}
	if _, ok := t.nodeIndex[t.target]; !ok {
		return nil, invalidf("unknown target node %q", t.target)
	}
	if t.source == t.target {
		return nil, invalidf("source and target are the same node %q", t.source)
	}

	res, err := algorithms.BFS(g, t.source, nil)
	if err != nil {
		return nil, invalidf("traverse from %q: %v", t.source, err)
	}
	if len(res.Order) != len(t.nodes) {
		unreached := make([]string, 0)
		for _, n := range t.nodes {
			if !res.Visited[n.ID] {
				unreached = append(unreached, n.ID)
			}
		}
		return nil, invalidf("network is disconnected; unreachable from %q: %s", t.source, strings.Join(unreached, ","))
	}

	if err := t.buildPath(res); err != nil {
		return nil, err
	}
	if t.multiHop && len(t.pathNodes) < 3 {
		return nil, invalidf("multi-hop protocol needs at least one intermediate node between %q and %q", t.source, t.target)
	}
	t.fingerprint = t.computeFingerprint()
	return t, nil
}

func withNodeDefaults(n Node) Node {
	if n.SwapSuccessProb == 0 {
		n.SwapSuccessProb = 1
	}
	if n.SwapQuality == 0 {
		n.SwapQuality = 1
	}
	return n
}

func withLinkDefaults(l Link) Link {
	if l.DetectorEfficiency == 0 {
		l.DetectorEfficiency = 1
	}
	if l.InitialFidelity == 0 {
		l.InitialFidelity = 1
	}
	return l
}

func validateNode(n Node) error {
	if !finite(n.DistanceFromPrevKm) || n.DistanceFromPrevKm < 0 {
		return invalidf("node %q has invalid distance from previous node %v", n.ID, n.DistanceFromPrevKm)
	}
	if math.IsNaN(n.CoherenceTimeS) || n.CoherenceTimeS < 0 {
		return invalidf("node %q has invalid coherence time %v", n.ID, n.CoherenceTimeS)
	}
	if !inUnit(n.SwapSuccessProb) || n.SwapSuccessProb == 0 {
		return invalidf("node %q swap success probability %v outside (0,1]", n.ID, n.SwapSuccessProb)
	}
	if !inUnit(n.SwapQuality) || n.SwapQuality == 0 {
		return invalidf("node %q swap quality %v outside (0,1]", n.ID, n.SwapQuality)
	}
	return nil
}

func (t *Topology) validateLink(l Link) error {
	if _, ok := t.nodeIndex[l.A]; !ok {
		return invalidf("link %q references unknown node %q", l.ID, l.A)
	}
	if _, ok := t.nodeIndex[l.B]; !ok {
		return invalidf("link %q references unknown node %q", l.ID, l.B)
	}
	if !finite(l.LengthKm) || l.LengthKm <= 0 {
		return invalidf("link %q has non-positive length %v", l.ID, l.LengthKm)
	}
	if !finite(l.AttenuationDBPerKm) || l.AttenuationDBPerKm < 0 {
		return invalidf("link %q has negative attenuation %v", l.ID, l.AttenuationDBPerKm)
	}
	if !inUnit(l.InsertionLoss) {
		return invalidf("link %q insertion loss %v outside [0,1]", l.ID, l.InsertionLoss)
	}
	if !inUnit(l.DetectorEfficiency) || l.DetectorEfficiency == 0 {
		return invalidf("link %q detector efficiency %v outside (0,1]", l.ID, l.DetectorEfficiency)
	}
	if math.IsNaN(l.InitialFidelity) || l.InitialFidelity < 0.25 || l.InitialFidelity > 1 {
		return invalidf("link %q initial fidelity %v outside [0.25,1]", l.ID, l.InitialFidelity)
	}
	return nil
}

// buildPath walks back from the target along decreasing BFS depth. Among
// equally short routes the earliest declared link wins, so the chain does not
// depend on the graph's neighbor iteration order.
func (t *Topology) buildPath(res *algorithms.BFSResult) error {
	depth, ok := res.Depth[t.target]
	if !ok {
		return invalidf("no path from %q to %q", t.source, t.target)
	}

	ids := make([]string, depth+1)
	links := make([]int, depth)
	ids[depth] = t.target
	for d := depth; d > 0; d-- {
		cur := ids[d]
		prev := -1
		for i, l := range t.links {
			other := ""
			switch cur {
			case l.A:
				other = l.B
			case l.B:
				other = l.A
			default:
				continue
			}
			if od, seen := res.Depth[other]; seen && od == d-1 {
				prev = i
				ids[d-1] = other
				break
			}
		}
		if prev < 0 {
			return invalidf("no path from %q to %q", t.source, t.target)
		}
		links[d-1] = prev
	}

	t.pathNodes = make([]int, 0, len(ids))
	for _, id := range ids {
		t.pathNodes = append(t.pathNodes, t.nodeIndex[id])
	}
	t.path = links
	return nil
}

func (t *Topology) Name() string   { return t.name }
func (t *Topology) Source() string { return t.source }
func (t *Topology) Target() string { return t.target }
func (t *Topology) MultiHop() bool { return t.multiHop }

// Fingerprint identifies the physical content of the topology.
func (t *Topology) Fingerprint() string { return t.fingerprint }

func (t *Topology) LinkCount() int { return len(t.links) }
func (t *Topology) NodeCount() int { return len(t.nodes) }

func (t *Topology) Nodes() []Node { return append([]Node(nil), t.nodes...) }
func (t *Topology) Links() []Link { return append([]Link(nil), t.links...) }

func (t *Topology) Node(id string) (Node, bool) {
	i, ok := t.nodeIndex[id]
	if !ok {
		return Node{}, false
	}
	return t.nodes[i], true
}

func (t *Topology) Link(id string) (Link, bool) {
	i, ok := t.linkIndex[id]
	if !ok {
		return Link{}, false
	}
	return t.links[i], true
}

// Path returns the links of the source-to-target chain, in order.
func (t *Topology) Path() []Link {
	out := make([]Link, 0, len(t.path))
	for _, i := range t.path {
		out = append(out, t.links[i])
	}
	return out
}

// PathNodes returns the nodes of the source-to-target chain including both ends.
func (t *Topology) PathNodes() []Node {
	out := make([]Node, 0, len(t.pathNodes))
	for _, i := range t.pathNodes {
		out = append(out, t.nodes[i])
	}
	return out
}

// IntermediateNodes returns the repeater nodes of the chain, in order.
func (t *Topology) IntermediateNodes() []Node {
	nodes := t.PathNodes()
	if len(nodes) <= 2 {
		return nil
	}
	return nodes[1 : len(nodes)-1]
}

// Shape is the parameter-space shape of the protocol on this topology: one
// generation rate per path link and one cutoff per intermediate node.
type Shape struct {
	LinkIDs []string
	NodeIDs []string
}

func (t *Topology) Shape() Shape {
	var s Shape
	for _, l := range t.Path() {
		s.LinkIDs = append(s.LinkIDs, l.ID)
	}
	for _, n := range t.IntermediateNodes() {
		s.NodeIDs = append(s.NodeIDs, n.ID)
	}
	return s
}

// Transmissivity is the probability a single attempt on the link is heralded.
func Transmissivity(l Link) float64 {
	fiber := math.Pow(10, -l.AttenuationDBPerKm*l.LengthKm/10)
	return (1 - l.InsertionLoss) * l.DetectorEfficiency * fiber
}

// HeraldLatency is the classical signalling delay of one attempt, in seconds.
func HeraldLatency(l Link) float64 {
	return l.LengthKm / FiberLightSpeedKmPerS
}

// DecayRate is the memory decoherence rate of a node, 0 for ideal memories.
func DecayRate(n Node) float64 {
	if n.CoherenceTimeS <= 0 || math.IsInf(n.CoherenceTimeS, 1) {
		return 0
	}
	return 1 / n.CoherenceTimeS
}

func (t *Topology) computeFingerprint() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	parts := []string{"src=" + t.source, "dst=" + t.target, fmt.Sprintf("mh=%t", t.multiHop)}
	for _, n := range t.nodes {
		parts = append(parts, fmt.Sprintf("n:%s:%s:%s:%s:%s", n.ID, f(n.DistanceFromPrevKm), f(n.CoherenceTimeS), f(n.SwapSuccessProb), f(n.SwapQuality)))
	}
	for _, l := range t.links {
		parts = append(parts, fmt.Sprintf("l:%s:%s:%s:%s:%s:%s:%s:%s", l.ID, l.A, l.B, f(l.LengthKm), f(l.AttenuationDBPerKm), f(l.InsertionLoss), f(l.DetectorEfficiency), f(l.InitialFidelity)))
	}
	digest := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(digest[:8])
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
