// Package monitoring serves the state of a running machine over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"
	"github.com/syifan/goseth"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/mem/vm/mmu"
	"github.com/sarchlab/vmcore/mem/vm/pmm"
	"github.com/sarchlab/vmcore/mem/vm/tlb"
	"github.com/sarchlab/vmcore/monitoring/web"
	"github.com/sarchlab/vmcore/proc"
	"github.com/sarchlab/vmcore/sim"
	"github.com/sarchlab/vmcore/tracing"
)

// A Machine is what the monitor inspects. Every read happens while the
// machine is locked.
type Machine interface {
	sync.Locker

	Processes() []*proc.Process
	Spaces() *mm.Manager
	Frames() *pmm.Allocator
	MMUStats() mmu.Stats
	TLBStats() tlb.Stats
	FaultCounts() []tracing.PathCount
}

// Monitor turns a machine into a web server.
type Monitor struct {
	machine    Machine
	components []sim.Named
	portNumber int
	log        logrus.FieldLogger

	server   *http.Server
	listener net.Listener

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{log: logrus.StandardLogger()}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		m.log.Warnf("Port number %d is not allowed for the monitoring "+
			"server, using a random port instead.", portNumber)

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithLogger sets the logger.
func (m *Monitor) WithLogger(log logrus.FieldLogger) *Monitor {
	m.log = log
	return m
}

// RegisterMachine sets the machine to inspect.
func (m *Monitor) RegisterMachine(machine Machine) {
	m.machine = machine
}

// RegisterComponent registers a component whose fields can be browsed.
func (m *Monitor) RegisterComponent(c sim.Named) {
	m.components = append(m.components, c)
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		id:        xid.New().String(),
		name:      name,
		startTime: time.Now(),
		total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the web page.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Handler returns the routes of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/processes", m.listProcesses)
	r.HandleFunc("/api/maps/{pid:[0-9]+}", m.showMaps)
	r.HandleFunc("/api/frames", m.listFrames)
	r.HandleFunc("/api/stats", m.showStats)
	r.HandleFunc("/api/faults", m.listFaultCounts)
	r.HandleFunc("/api/list_components", m.listComponents)
	r.HandleFunc("/api/component/{name}", m.listComponentDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts serving in the background and returns the address
// of the monitor.
func (m *Monitor) StartServer() (string, error) {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	if err != nil {
		return "", err
	}

	m.listener = listener
	m.server = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	m.log.Infof("Monitoring machine with %s", url)

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.WithError(err).Error("monitoring server stopped")
		}
	}()

	return url, nil
}

// StopServer shuts the server down.
func (m *Monitor) StopServer() error {
	if m.server == nil {
		return nil
	}

	return m.server.Close()
}

type processRsp struct {
	PID      vm.PID `json:"pid"`
	Parent   vm.PID `json:"parent"`
	State    string `json:"state"`
	Pending  int    `json:"pending"`
	ExitCode int    `json:"exit_code"`
	Regions  int    `json:"regions"`
	Resident int    `json:"resident"`
}

func (m *Monitor) listProcesses(w http.ResponseWriter, _ *http.Request) {
	if !m.machineOr503(w) {
		return
	}

	m.machine.Lock()
	defer m.machine.Unlock()

	rsp := []processRsp{}
	for _, p := range m.machine.Processes() {
		pr := processRsp{
			PID:      p.PID(),
			State:    p.State().String(),
			Pending:  len(p.Pending()),
			ExitCode: p.ExitCode(),
		}

		if p.Parent() != nil {
			pr.Parent = p.Parent().PID()
		}

		if as := p.Space(); as != nil {
			pr.Regions = as.Regions().Len()
			pr.Resident, _ = m.machine.Spaces().Resident(as)
		}

		rsp = append(rsp, pr)
	}

	m.writeJSON(w, rsp)
}

func (m *Monitor) showMaps(w http.ResponseWriter, r *http.Request) {
	if !m.machineOr503(w) {
		return
	}

	pid, err := strconv.ParseUint(mux.Vars(r)["pid"], 10, 32)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.machine.Lock()
	defer m.machine.Unlock()

	for _, p := range m.machine.Processes() {
		if p.PID() != vm.PID(pid) || p.Space() == nil {
			continue
		}

		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, p.Space().Maps())

		return
	}

	http.Error(w, "Process not found", http.StatusNotFound)
}

type frameRsp struct {
	Total      int             `json:"total"`
	Used       int             `json:"used"`
	Free       int             `json:"free"`
	Reserved   int             `json:"reserved"`
	Persistent int             `json:"persistent"`
	Shared     int             `json:"shared"`
	Frames     []pmm.FrameInfo `json:"frames,omitempty"`
}

// listFrames reports the frame table. The owner query parameter lists the
// frames of one process.
func (m *Monitor) listFrames(w http.ResponseWriter, r *http.Request) {
	if !m.machineOr503(w) {
		return
	}

	var owner *vm.PID

	if s := r.URL.Query().Get("owner"); s != "" {
		pid, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		o := vm.PID(pid)
		owner = &o
	}

	m.machine.Lock()
	defer m.machine.Unlock()

	frames := m.machine.Frames()
	rsp := frameRsp{
		Total:    frames.NumFrames(),
		Used:     frames.NumUsed(),
		Free:     frames.NumFree(),
		Reserved: frames.NumReserved(),
	}

	for _, fi := range frames.InUse(nil) {
		if fi.Attr&pmm.AttrPersistent != 0 {
			rsp.Persistent++
		}

		if fi.Refs > 1 {
			rsp.Shared++
		}

		if owner != nil && fi.Owner == *owner {
			rsp.Frames = append(rsp.Frames, fi)
		}
	}

	m.writeJSON(w, rsp)
}

type statsRsp struct {
	MMU mmu.Stats `json:"mmu"`
	TLB tlb.Stats `json:"tlb"`
}

func (m *Monitor) showStats(w http.ResponseWriter, _ *http.Request) {
	if !m.machineOr503(w) {
		return
	}

	m.machine.Lock()
	rsp := statsRsp{
		MMU: m.machine.MMUStats(),
		TLB: m.machine.TLBStats(),
	}
	m.machine.Unlock()

	m.writeJSON(w, rsp)
}

func (m *Monitor) listFaultCounts(w http.ResponseWriter, _ *http.Request) {
	if !m.machineOr503(w) {
		return
	}

	m.machine.Lock()
	counts := m.machine.FaultCounts()
	m.machine.Unlock()

	m.writeJSON(w, counts)
}

func (m *Monitor) listComponents(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.components))
	for _, c := range m.components {
		names = append(names, c.Name())
	}

	m.writeJSON(w, names)
}

func (m *Monitor) listComponentDetails(w http.ResponseWriter, r *http.Request) {
	component := m.findComponentOr404(w, mux.Vars(r)["name"])
	if component == nil {
		return
	}

	m.serialize(w, component, nil)
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	component := m.findComponentOr404(w, req.CompName)
	if component == nil {
		return
	}

	m.serialize(w, component, strings.Split(req.FieldName, "."))
}

func (m *Monitor) serialize(w http.ResponseWriter, root any, entry []string) {
	if m.machine != nil {
		m.machine.Lock()
		defer m.machine.Unlock()
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(root)
	serializer.SetMaxDepth(1)

	if entry != nil {
		err := serializer.SetEntryPoint(entry)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	buf := bytes.NewBuffer(nil)

	err := serializer.Serialize(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf.Bytes())
}

func (m *Monitor) findComponentOr404(
	w http.ResponseWriter,
	name string,
) sim.Named {
	for _, c := range m.components {
		if c.Name() == name {
			return c
		}
	}

	http.Error(w, "Component not found", http.StatusNotFound)

	return nil
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	rsp := make([]Progress, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		rsp = append(rsp, b.Snapshot())
	}
	m.progressBarsLock.Unlock()

	m.writeJSON(w, rsp)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	memoryInfo, err := p.MemoryInfo()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.writeJSON(w, prof)
}

func (m *Monitor) machineOr503(w http.ResponseWriter) bool {
	if m.machine == nil {
		http.Error(w, "No machine registered", http.StatusServiceUnavailable)
		return false
	}

	return true
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	if err != nil {
		m.log.WithError(err).Debug("writing monitor response")
	}
}
