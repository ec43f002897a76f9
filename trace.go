package fpgatopo

import (
	"encoding/json"
	"os"
	"path"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/iti/evt/vrtime"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TraceInst is one serialized trace record
type TraceInst struct {
	TraceTime string `json:"tracetime" yaml:"tracetime"`
	TraceType string `json:"tracetype" yaml:"tracetype"`
	TraceStr  string `json:"tracestr" yaml:"tracestr"`
}

// NameType is a an entry in a dictionary created for a trace
// that maps node id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager gathers the simulated packet and flow events of a network, and the
// results of the measurements run against it. Records are grouped by the id of the
// command execution that produced them.
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment, usually the topology name
	ExpName string `json:"expname" yaml:"expname"`

	// RunID distinguishes runs of the same experiment
	RunID string `json:"runid" yaml:"runid"`

	// text name associated with each node id
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`

	mu      sync.Mutex
	nextExc int
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.RunID = uuid.NewString()
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// NextExecID hands out the id under which the records of one command are grouped
func (tm *TraceManager) NextExecID() int {
	if !tm.Active() {
		return 0
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.nextExc++
	return tm.nextExc
}

// AddTrace stores a record under the execution id
func (tm *TraceManager) AddTrace(execID int, trace TraceInst) {
	if !tm.Active() {
		return
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.Traces[execID] = append(tm.Traces[execID], trace)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) error {
	if !tm.Active() {
		return nil
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	nt := NameType{Name: name, Type: objDesc}
	if prev, present := tm.NameByID[id]; present && prev != nt {
		return errors.Wrapf(ErrInternal, "id %d names both %s and %s in trace", id, prev.Name, name)
	}
	tm.NameByID[id] = nt
	return nil
}

// AddTopology enters every node of the topology into the name dictionary
func (tm *TraceManager) AddTopology(td *TopoDesc) error {
	errs := []error{}
	for _, node := range td.Nodes() {
		errs = append(errs, tm.AddName(int(node.ID), node.Name, node.Code.String()))
	}
	return ReportErrs(errs)
}

// NumRecords counts the records stored over all executions
func (tm *TraceManager) NumRecords() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	n := 0
	for _, recs := range tm.Traces {
		n += len(recs)
	}
	return n
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
// With globalOrder set all records are merged under execution 0 and sorted by time.
// Nothing is written, and false returned, when the manager is not in use.
func (tm *TraceManager) WriteToFile(filename string, globalOrder bool) (bool, error) {
	if !tm.Active() {
		return false, nil
	}
	useYAML, err := yamlByExt(filename)
	if err != nil {
		return false, err
	}

	tm.mu.Lock()
	ntm := TraceManager{InUse: tm.InUse, ExpName: tm.ExpName, RunID: tm.RunID,
		NameByID: make(map[int]NameType), Traces: make(map[int][]TraceInst)}
	for key, value := range tm.NameByID {
		ntm.NameByID[key] = value
	}
	for execID, valueList := range tm.Traces {
		if globalOrder {
			execID = 0
		}
		ntm.Traces[execID] = append(ntm.Traces[execID], valueList...)
	}
	tm.mu.Unlock()

	if globalOrder {
		sort.SliceStable(ntm.Traces[0], func(i, j int) bool {
			v1, _ := strconv.ParseFloat(ntm.Traces[0][i].TraceTime, 64)
			v2, _ := strconv.ParseFloat(ntm.Traces[0][j].TraceTime, 64)
			return v1 < v2
		})
	}

	var bytes []byte
	if useYAML {
		bytes, err = yaml.Marshal(&ntm)
	} else {
		bytes, err = json.MarshalIndent(&ntm, "", "\t")
	}
	if err != nil {
		return false, errors.Wrap(err, "serializing trace")
	}

	if err := os.WriteFile(filename, bytes, 0o644); err != nil {
		return false, errors.Wrapf(err, "writing trace to %s", path.Base(filename))
	}
	return true, nil
}

// PacketTrace saves the visit of a simulated packet to a node
type PacketTrace struct {
	Time     float64 `yaml:"time"`
	Ticks    int64   `yaml:"ticks"`
	Priority int64   `yaml:"priority"`
	ExecID   int     `yaml:"execid"`
	ProbeID  int     `yaml:"probeid"`
	ObjID    int     `yaml:"objid"`
	Op       string  `yaml:"op"` // "send", "arrive", "drop", "return"
	Kind     string  `yaml:"kind"`
}

func serialize(rec any) string {
	bytes, err := yaml.Marshal(rec)
	if err != nil {
		// the records are flat structs of scalars
		panic(err)
	}
	return string(bytes)
}

// AddPacketTrace creates a record of a packet event and stores it
func AddPacketTrace(tm *TraceManager, vrt vrtime.Time, execID, probeID int, objID NodeID, op, kind string) {
	if !tm.Active() {
		return
	}
	ptr := PacketTrace{Time: vrt.Seconds(), Ticks: vrt.Ticks(), Priority: vrt.Pri(),
		ExecID: execID, ProbeID: probeID, ObjID: int(objID), Op: op, Kind: kind}
	traceTime := strconv.FormatFloat(ptr.Time, 'f', -1, 64)
	tm.AddTrace(execID, TraceInst{TraceTime: traceTime, TraceType: "packet", TraceStr: serialize(&ptr)})
}

// FlowTrace saves the progress of a simulated iperf flow over one sampling interval
type FlowTrace struct {
	Time      float64 `yaml:"time"`
	ExecID    int     `yaml:"execid"`
	Src       string  `yaml:"src"`
	Dst       string  `yaml:"dst"`
	Sent      int     `yaml:"sent"`
	Delivered int     `yaml:"delivered"`
	Rate      float64 `yaml:"rate"`
}

// AddFlowTrace creates a record of a flow interval and stores it
func AddFlowTrace(tm *TraceManager, vrt vrtime.Time, execID int, ft FlowTrace) {
	if !tm.Active() {
		return
	}
	ft.Time = vrt.Seconds()
	ft.ExecID = execID
	traceTime := strconv.FormatFloat(ft.Time, 'f', -1, 64)
	tm.AddTrace(execID, TraceInst{TraceTime: traceTime, TraceType: "flow", TraceStr: serialize(&ft)})
}

// MeasureTrace saves the outcome of one measurement routine
type MeasureTrace struct {
	Measure string   `yaml:"measure"`
	Hosts   []string `yaml:"hosts"`
	Result  string   `yaml:"result"`
}

// AddMeasureTrace stores a measurement outcome under a fresh execution id
func AddMeasureTrace(tm *TraceManager, mt MeasureTrace) {
	if !tm.Active() {
		return
	}
	tm.AddTrace(tm.NextExecID(), TraceInst{TraceTime: "0", TraceType: "measure", TraceStr: serialize(&mt)})
}
