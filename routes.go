package fpgatopo

// routes.go provides functions to create and access shortest path routes through a topology,
// and checks of the tree shape, using the gonum graph package

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// The topology is converted into an undirected gonum graph whose node ids are the
// NodeIDs of the arena, one edge per link. In a tree the shortest path is the only path,
// so Dijkstra with unit weights recovers it. Shortest-path trees are cached by source.

// ConnGraph returns the gonum graph representation of the topology
func (td *TopoDesc) ConnGraph() *simple.UndirectedGraph {
	connGraph := simple.NewUndirectedGraph()
	for _, node := range td.nodes {
		connGraph.AddNode(simple.Node(node.ID))
	}
	for _, lnk := range td.links {
		connGraph.SetEdge(simple.Edge{F: simple.Node(lnk.A), T: simple.Node(lnk.B)})
	}
	return connGraph
}

// Validate checks the invariants of a built topology: every name unique, no parallel
// links, every link spec well formed, and the nodes forming a single tree.
// A failure means the builder is broken, so every error wraps ErrInternal.
func (td *TopoDesc) Validate() error {
	errs := make([]error, 0)

	if len(td.byName) != len(td.nodes) {
		errs = append(errs, errors.Wrapf(ErrInternal, "%d nodes but %d distinct names",
			len(td.nodes), len(td.byName)))
	}
	for _, node := range td.nodes {
		if td.byName[node.Name] != node.ID {
			errs = append(errs, errors.Wrapf(ErrInternal, "name %s does not lead back to node %d",
				node.Name, node.ID))
		}
	}

	if len(td.connected) != len(td.links) {
		errs = append(errs, errors.Wrapf(ErrInternal, "%d links but %d distinct node pairs",
			len(td.links), len(td.connected)))
	}
	for _, lnk := range td.links {
		if err := lnk.Spec.Validate(); err != nil {
			errs = append(errs, errors.Wrapf(ErrInternal, "link %s-%s: %v",
				td.nodes[lnk.A].Name, td.nodes[lnk.B].Name, err))
		}
	}

	if len(td.links) != len(td.nodes)-1 {
		errs = append(errs, errors.Wrapf(ErrInternal, "%d nodes and %d links cannot form a tree",
			len(td.nodes), len(td.links)))
	}
	if comps := topo.ConnectedComponents(td.ConnGraph()); len(comps) != 1 {
		errs = append(errs, errors.Wrapf(ErrInternal, "topology falls into %d components", len(comps)))
	}

	return ReportErrs(errs)
}

// RouteFinder computes and caches routes through one topology. It is safe for concurrent use.
type RouteFinder struct {
	td        *TopoDesc
	connGraph *simple.UndirectedGraph

	mu       sync.Mutex
	cachedSP map[NodeID]path.Shortest
}

// CreateRouteFinder is a constructor
func CreateRouteFinder(td *TopoDesc) *RouteFinder {
	return &RouteFinder{td: td, connGraph: td.ConnGraph(), cachedSP: make(map[NodeID]path.Shortest)}
}

// getSPTree returns the shortest path tree rooted in 'from', computing and saving it if needed
func (rf *RouteFinder) getSPTree(from NodeID) path.Shortest {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	spTree, present := rf.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(simple.Node(from), rf.connGraph)
	rf.cachedSP[from] = spTree
	return spTree
}

// Route returns the sequence of node ids from src to dst, both included
func (rf *RouteFinder) Route(src, dst NodeID) ([]NodeID, error) {
	if _, present := rf.td.Node(src); !present {
		return nil, errors.Errorf("no node with id %d", src)
	}
	if _, present := rf.td.Node(dst); !present {
		return nil, errors.Errorf("no node with id %d", dst)
	}

	nodes, _ := rf.getSPTree(src).To(int64(dst))
	if len(nodes) == 0 {
		return nil, errors.Errorf("no route from %s to %s", rf.td.nodes[src].Name, rf.td.nodes[dst].Name)
	}
	return convertNodeSeq(nodes), nil
}

// RouteByName returns the nodes from the node named src to the node named dst
func (rf *RouteFinder) RouteByName(src, dst string) ([]Node, error) {
	srcNode, present := rf.td.NodeByName(src)
	if !present {
		return nil, errors.Errorf("no node named %s", src)
	}
	dstNode, present := rf.td.NodeByName(dst)
	if !present {
		return nil, errors.Errorf("no node named %s", dst)
	}

	route, err := rf.Route(srcNode.ID, dstNode.ID)
	if err != nil {
		return nil, err
	}
	rtn := make([]Node, len(route))
	for idx, id := range route {
		rtn[idx] = rf.td.nodes[id]
	}
	return rtn, nil
}

// RouteLinks returns the links crossed, in order, following a route
func (rf *RouteFinder) RouteLinks(route []NodeID) ([]Link, error) {
	rtn := make([]Link, 0, len(route))
	for idx := 1; idx < len(route); idx++ {
		lnk, present := rf.td.LinkBetween(route[idx-1], route[idx])
		if !present {
			return nil, errors.Errorf("route step %s-%s is not a link",
				rf.td.nodes[route[idx-1]].Name, rf.td.nodes[route[idx]].Name)
		}
		rtn = append(rtn, lnk)
	}
	return rtn, nil
}

// ShowPath returns a comma-separated list of the names of the nodes on a route
func (rf *RouteFinder) ShowPath(route []NodeID) string {
	names := make([]string, len(route))
	for idx, id := range route {
		names[idx] = rf.td.nodes[id].Name
	}
	return strings.Join(names, ",")
}

// convertNodeSeq extracts the arena ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []NodeID {
	rtn := make([]NodeID, len(nsQ))
	for idx, node := range nsQ {
		rtn[idx] = NodeID(node.ID())
	}
	return rtn
}
