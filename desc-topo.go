package fpgatopo

// file desc-topo.go holds the structs, methods, and data structures of a built topology:
// the node arena, the links between nodes, and the serializable description of both

import (
	"encoding/json"
	"os"
	"path"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// NodeCode is the base type for an enumerated type of topology nodes
type NodeCode int

const (
	SwitchCode NodeCode = iota
	HostCode
	FpgaCode
	CloudCode
	UnknownCode
)

// NodeCodeFromStr returns the NodeCode corresponding to a string name for it
func NodeCodeFromStr(code string) NodeCode {
	switch code {
	case "Switch", "switch":
		return SwitchCode
	case "Host", "host":
		return HostCode
	case "FpgaHost", "fpga", "Fpga":
		return FpgaCode
	case "CloudHost", "cloud", "Cloud":
		return CloudCode
	default:
		return UnknownCode
	}
}

// String returns a string name for the NodeCode
func (nc NodeCode) String() string {
	switch nc {
	case SwitchCode:
		return "Switch"
	case HostCode:
		return "Host"
	case FpgaCode:
		return "FpgaHost"
	case CloudCode:
		return "CloudHost"
	}
	return "Unknown"
}

// IsHost is true for every node that runs processes (leaf, FPGA and cloud hosts)
func (nc NodeCode) IsHost() bool {
	return nc == HostCode || nc == FpgaCode || nc == CloudCode
}

// LinkCode is the base type for an enumerated type of link classes.
// The class tells which resolved spec the link carries.
type LinkCode int

const (
	StdLinkCode LinkCode = iota
	FpgaLinkCode
	CloudLinkCode
	UnknownLinkCode
)

// LinkCodeFromStr returns the LinkCode corresponding to a string name for it
func LinkCodeFromStr(code string) LinkCode {
	switch code {
	case "Standard", "standard":
		return StdLinkCode
	case "Fpga", "fpga":
		return FpgaLinkCode
	case "Cloud", "cloud":
		return CloudLinkCode
	default:
		return UnknownLinkCode
	}
}

// String returns a string name for the LinkCode
func (lc LinkCode) String() string {
	switch lc {
	case StdLinkCode:
		return "Standard"
	case FpgaLinkCode:
		return "Fpga"
	case CloudLinkCode:
		return "Cloud"
	}
	return "Unknown"
}

// NodeID addresses a node in the arena of a topology. IDs are dense, starting at 0,
// in the order nodes were created.
type NodeID int

// CloudLevel is the level recorded for the cloud host, which sits outside the tree
const CloudLevel = -1

// A Node is one switch or host of the topology
type Node struct {
	ID   NodeID
	Name string
	Code NodeCode

	// position in the tree. FPGA hosts carry the level and index of the switch they sit beside
	Level int
	Index int
}

// A Link is an undirected edge between two nodes, carrying its resolved spec
type Link struct {
	A, B  NodeID
	Class LinkCode
	Spec  LinkSpec
}

// Other returns the endpoint of the link that is not id
func (lnk Link) Other(id NodeID) NodeID {
	if lnk.A == id {
		return lnk.B
	}
	return lnk.A
}

// treePos is a (level, index) position in the tree
type treePos struct {
	level, index int
}

// nodePair is the unordered key of a link
type nodePair struct {
	lo, hi NodeID
}

func pairOf(a, b NodeID) nodePair {
	if b < a {
		a, b = b, a
	}
	return nodePair{lo: a, hi: b}
}

// topoFrame holds a topology while it is under construction. Only the builder sees it.
type topoFrame struct {
	name   string
	params TreeParams
	specs  ResolvedLinks

	nodes  []Node
	links  []Link
	byName map[string]NodeID

	// switches and leaf hosts by tree position, FPGA hosts by the index of their switch
	byPos  map[treePos]NodeID
	byFpga map[int]NodeID

	// connected records every pair already joined, to refuse parallel edges
	connected map[nodePair]int
	adjacent  map[NodeID][]int
}

// createTopoFrame is a constructor
func createTopoFrame(name string, params TreeParams, specs ResolvedLinks) *topoFrame {
	tf := new(topoFrame)
	tf.name = name
	tf.params = params
	tf.specs = specs
	tf.nodes = make([]Node, 0)
	tf.links = make([]Link, 0)
	tf.byName = make(map[string]NodeID)
	tf.byPos = make(map[treePos]NodeID)
	tf.byFpga = make(map[int]NodeID)
	tf.connected = make(map[nodePair]int)
	tf.adjacent = make(map[NodeID][]int)
	return tf
}

// addNode places a new node in the arena. A name already in use is an invariant violation.
func (tf *topoFrame) addNode(name string, code NodeCode, level, index int) (NodeID, error) {
	if prior, present := tf.byName[name]; present {
		return 0, errors.Wrapf(ErrInternal, "node name %s allocated twice (already %s at %d/%d)",
			name, tf.nodes[prior].Code, tf.nodes[prior].Level, tf.nodes[prior].Index)
	}

	id := NodeID(len(tf.nodes))
	tf.nodes = append(tf.nodes, Node{ID: id, Name: name, Code: code, Level: level, Index: index})
	tf.byName[name] = id

	switch code {
	case SwitchCode, HostCode:
		tf.byPos[treePos{level: level, index: index}] = id
	case FpgaCode:
		tf.byFpga[index] = id
	}
	return id, nil
}

// addLink joins two nodes. Self loops and parallel edges are invariant violations.
func (tf *topoFrame) addLink(a, b NodeID, class LinkCode, spec LinkSpec) error {
	if a == b {
		return errors.Wrapf(ErrInternal, "self link on %s", tf.nodes[a].Name)
	}
	key := pairOf(a, b)
	if _, present := tf.connected[key]; present {
		return errors.Wrapf(ErrInternal, "parallel link between %s and %s",
			tf.nodes[a].Name, tf.nodes[b].Name)
	}

	tf.connected[key] = len(tf.links)
	tf.adjacent[a] = append(tf.adjacent[a], len(tf.links))
	tf.adjacent[b] = append(tf.adjacent[b], len(tf.links))
	tf.links = append(tf.links, Link{A: a, B: b, Class: class, Spec: spec})
	return nil
}

// Transform freezes the frame into the read-only TopoDesc handed to callers
func (tf *topoFrame) Transform() *TopoDesc {
	return &TopoDesc{
		name:      tf.name,
		params:    copyParams(tf.params),
		specs:     tf.specs,
		nodes:     tf.nodes,
		links:     tf.links,
		byName:    tf.byName,
		byPos:     tf.byPos,
		byFpga:    tf.byFpga,
		connected: tf.connected,
		adjacent:  tf.adjacent,
	}
}

// TopoDesc is a complete, immutable topology: the node arena, the links, and the
// parameters it was built from. Accessors hand out copies, so a TopoDesc can be
// shared between goroutines without locking.
type TopoDesc struct {
	name   string
	params TreeParams
	specs  ResolvedLinks

	nodes  []Node
	links  []Link
	byName map[string]NodeID
	byPos  map[treePos]NodeID
	byFpga map[int]NodeID

	connected map[nodePair]int
	adjacent  map[NodeID][]int
}

// Name returns the topology name
func (td *TopoDesc) Name() string {
	return td.name
}

// Params returns a copy of the parameters the topology was built from
func (td *TopoDesc) Params() TreeParams {
	return copyParams(td.params)
}

// Specs returns the resolved standard, FPGA and cloud link specs
func (td *TopoDesc) Specs() ResolvedLinks {
	return td.specs
}

// NumNodes returns the size of the node arena
func (td *TopoDesc) NumNodes() int {
	return len(td.nodes)
}

// Nodes returns every node, in creation order
func (td *TopoDesc) Nodes() []Node {
	return slices.Clone(td.nodes)
}

// Links returns every link, in creation order
func (td *TopoDesc) Links() []Link {
	return slices.Clone(td.links)
}

// Node looks a node up by id
func (td *TopoDesc) Node(id NodeID) (Node, bool) {
	if id < 0 || int(id) >= len(td.nodes) {
		return Node{}, false
	}
	return td.nodes[id], true
}

// NodeByName looks a node up by name
func (td *TopoDesc) NodeByName(name string) (Node, bool) {
	id, present := td.byName[name]
	if !present {
		return Node{}, false
	}
	return td.nodes[id], true
}

// Switch returns the switch at the given level and index
func (td *TopoDesc) Switch(level, index int) (Node, bool) {
	id, present := td.byPos[treePos{level: level, index: index}]
	if !present || td.nodes[id].Code != SwitchCode {
		return Node{}, false
	}
	return td.nodes[id], true
}

// Leaf returns the leaf host with the given index
func (td *TopoDesc) Leaf(index int) (Node, bool) {
	id, present := td.byPos[treePos{level: td.params.Depth - 1, index: index}]
	if !present || td.nodes[id].Code != HostCode {
		return Node{}, false
	}
	return td.nodes[id], true
}

// Fpga returns the FPGA host sitting beside the switch with the given index on the FPGA level
func (td *TopoDesc) Fpga(index int) (Node, bool) {
	id, present := td.byFpga[index]
	if !present {
		return Node{}, false
	}
	return td.nodes[id], true
}

// Root returns the root switch s00
func (td *TopoDesc) Root() (Node, bool) {
	return td.Switch(0, 0)
}

// Cloud returns the cloud host
func (td *TopoDesc) Cloud() (Node, bool) {
	return td.NodeByName(CloudName)
}

// NodesOfCode returns the nodes of one kind, in creation order
func (td *TopoDesc) NodesOfCode(code NodeCode) []Node {
	rtn := make([]Node, 0)
	for _, node := range td.nodes {
		if node.Code == code {
			rtn = append(rtn, node)
		}
	}
	return rtn
}

// Switches returns every switch, level by level
func (td *TopoDesc) Switches() []Node {
	return td.NodesOfCode(SwitchCode)
}

// Hosts returns the leaf hosts in index order
func (td *TopoDesc) Hosts() []Node {
	return td.NodesOfCode(HostCode)
}

// FpgaHosts returns the FPGA hosts in index order
func (td *TopoDesc) FpgaHosts() []Node {
	return td.NodesOfCode(FpgaCode)
}

// AllHosts returns the leaf, FPGA and cloud hosts, in creation order
func (td *TopoDesc) AllHosts() []Node {
	rtn := make([]Node, 0)
	for _, node := range td.nodes {
		if node.Code.IsHost() {
			rtn = append(rtn, node)
		}
	}
	return rtn
}

// LinksOf returns the links attached to a node, in creation order
func (td *TopoDesc) LinksOf(id NodeID) []Link {
	rtn := make([]Link, 0, len(td.adjacent[id]))
	for _, idx := range td.adjacent[id] {
		rtn = append(rtn, td.links[idx])
	}
	return rtn
}

// Neighbors returns the nodes directly linked to a node
func (td *TopoDesc) Neighbors(id NodeID) []Node {
	rtn := make([]Node, 0, len(td.adjacent[id]))
	for _, idx := range td.adjacent[id] {
		rtn = append(rtn, td.nodes[td.links[idx].Other(id)])
	}
	return rtn
}

// LinkBetween returns the link joining two nodes, if there is one
func (td *TopoDesc) LinkBetween(a, b NodeID) (Link, bool) {
	idx, present := td.connected[pairOf(a, b)]
	if !present {
		return Link{}, false
	}
	return td.links[idx], true
}

// copyParams makes a copy of tp that shares no pointers with it
func copyParams(tp TreeParams) TreeParams {
	cp := tp
	if tp.Fpga != nil {
		level := *tp.Fpga
		cp.Fpga = &level
	}
	if tp.FpgaBandwidth != nil {
		bw := *tp.FpgaBandwidth
		cp.FpgaBandwidth = &bw
	}
	if tp.FpgaDelay != nil {
		delay := *tp.FpgaDelay
		cp.FpgaDelay = &delay
	}
	if tp.FpgaLoss != nil {
		loss := *tp.FpgaLoss
		cp.FpgaLoss = &loss
	}
	return cp
}

// NodeDesc is the serializable form of a Node
type NodeDesc struct {
	Name  string `json:"name" yaml:"name"`
	Kind  string `json:"kind" yaml:"kind"`
	Level int    `json:"level" yaml:"level"`
	Index int    `json:"index" yaml:"index"`
}

// LinkDesc is the serializable form of a Link, with its endpoints given by name
type LinkDesc struct {
	Node1    string `json:"node1" yaml:"node1"`
	Node2    string `json:"node2" yaml:"node2"`
	Class    string `json:"class" yaml:"class"`
	LinkSpec `yaml:",inline"`
}

// TopoCfg is the flat, pointer-free description of a topology used to hand
// it to an emulator running in another process
type TopoCfg struct {
	Name   string        `json:"name" yaml:"name"`
	Root   string        `json:"root" yaml:"root"`
	Params TreeParams    `json:"params" yaml:"params"`
	Specs  ResolvedLinks `json:"specs" yaml:"specs"`
	Nodes  []NodeDesc    `json:"nodes" yaml:"nodes"`
	Links  []LinkDesc    `json:"links" yaml:"links"`
}

// Transform converts the TopoDesc into a TopoCfg, for serialization
func (td *TopoDesc) Transform() TopoCfg {
	tc := TopoCfg{Name: td.name, Params: td.Params(), Specs: td.specs}
	if root, present := td.Root(); present {
		tc.Root = root.Name
	}

	tc.Nodes = make([]NodeDesc, len(td.nodes))
	for idx, node := range td.nodes {
		tc.Nodes[idx] = NodeDesc{Name: node.Name, Kind: node.Code.String(), Level: node.Level, Index: node.Index}
	}

	tc.Links = make([]LinkDesc, len(td.links))
	for idx, lnk := range td.links {
		tc.Links[idx] = LinkDesc{Node1: td.nodes[lnk.A].Name, Node2: td.nodes[lnk.B].Name,
			Class: lnk.Class.String(), LinkSpec: lnk.Spec}
	}
	return tc
}

// Marshal serializes the TopoCfg to yaml or to json
func (tc *TopoCfg) Marshal(useYAML bool) ([]byte, error) {
	if useYAML {
		return yaml.Marshal(*tc)
	}
	return json.MarshalIndent(*tc, "", "\t")
}

// WriteToFile serializes the TopoCfg and writes to the file whose name is given as an input argument.
// Extension of the file name selects whether serialization is to json or to yaml format.
func (tc *TopoCfg) WriteToFile(filename string) error {
	useYAML, err := yamlByExt(filename)
	if err != nil {
		return err
	}

	bytes, merr := tc.Marshal(useYAML)
	if merr != nil {
		return errors.Wrapf(merr, "serializing topology %s", tc.Name)
	}

	return os.WriteFile(filename, bytes, 0o644)
}

// ReadTopoCfg deserializes a slice of bytes into a TopoCfg.  If the input arg of bytes
// is empty, the file whose name is given as an argument is read.  Error returned if
// any part of the process generates the error.
func ReadTopoCfg(topoFileName string, useYAML bool, dict []byte) (*TopoCfg, error) {
	var err error

	// read from the file only if the byte slice is empty
	if len(dict) == 0 {
		dict, err = os.ReadFile(topoFileName)
		if err != nil {
			return nil, errors.Wrapf(err, "topology %s does not exist or cannot be read", topoFileName)
		}
	}

	example := TopoCfg{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}

	return &example, nil
}

// yamlByExt reports whether a file name selects yaml (true) or json (false) serialization
func yamlByExt(filename string) (bool, error) {
	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		return true, nil
	case ".json", ".JSON":
		return false, nil
	}
	return false, errors.Errorf("cannot tell serialization format of %s from its extension", filename)
}
