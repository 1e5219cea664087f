package tserver

import (
	"io"
	"sort"
	"time"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/lifecycle"
	"github.com/ValentinKolb/dTablet/lib/security"
	"github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/shirou/gopsutil/load"
)

// GetTabletServerStatus returns the status of the node and of every table it serves
func (s *TabletServer) GetTabletServerStatus(c security.Credentials) (data.ServerStatus, error) {
	if _, err := s.systemAccess(c); err != nil {
		return data.ServerStatus{}, err
	}

	tables := make(map[data.TableID]data.TableInfo)
	for _, tab := range s.tablets.OnlineSnapshot() {
		st := tab.Stats()
		info := tables[st.Extent.Table]
		info.Add(st)
		tables[st.Extent.Table] = info
	}
	for table, n := range s.sessions.ActiveScansPerTable() {
		info := tables[table]
		info.ActiveScans = n
		tables[table] = info
	}
	for _, e := range s.tablets.Entries() {
		if e.State == lifecycle.StateOnline {
			continue
		}
		info := tables[e.Extent.Table]
		info.Tablets++
		info.OfflineTablets++
		tables[e.Extent.Table] = info
	}

	for _, ac := range s.activeCompactions() {
		info := tables[ac.Extent.Table]
		if ac.Running {
			info.RunningCompactions++
		} else {
			info.QueuedCompactions++
		}
		tables[ac.Extent.Table] = info
	}

	counts := s.tablets.Counts()
	status := data.ServerStatus{
		Name:            s.cfg.Server,
		LastContact:     time.Now().UnixMilli(),
		Tables:          tables,
		HoldTimeMillis:  s.gate.HoldTime().Milliseconds(),
		Lookups:         int64(s.lookups.Get()),
		FlushCount:      s.log.FlushCount(),
		SyncCount:       s.log.SyncCount(),
		QueuedBytes:     s.pipeline.QueuedBytes(),
		OpenSessions:    s.sessions.Len(),
		ActiveLogs:      s.activeLogs(),
		UnopenedTablets: counts[lifecycle.StateUnopened],
		OpeningTablets:  counts[lifecycle.StateOpening],
	}
	if avg, err := load.Avg(); err == nil {
		status.OSLoad = avg.Load1
	} else {
		Logger.Debugf("load average not available: %v", err)
		status.OSLoad = -1
	}
	return status, nil
}

// GetTabletStats returns the stats of the online tablets of a table
func (s *TabletServer) GetTabletStats(c security.Credentials, table data.TableID) ([]data.TabletStats, error) {
	if _, _, err := s.tableAccess(c, table, false); err != nil {
		return nil, err
	}
	var res []data.TabletStats
	for _, tab := range s.tablets.OnlineSnapshot() {
		if tab.Extent().Table == table {
			res = append(res, tab.Stats())
		}
	}
	return res, nil
}

// GetHistoricalStats returns the stats of the tablets the node split or unloaded
func (s *TabletServer) GetHistoricalStats(c security.Credentials) (map[string]int64, error) {
	if _, err := s.systemAccess(c); err != nil {
		return nil, err
	}
	res := make(map[string]int64)
	s.historical.Each(func(name string, i interface{}) {
		if counter, ok := i.(gometrics.Counter); ok {
			res[name] = counter.Count()
		}
	})
	return res, nil
}

// ActiveScans lists the scan sessions of the node
func (s *TabletServer) ActiveScans(c security.Credentials) ([]data.ActiveScan, error) {
	if _, err := s.systemAccess(c); err != nil {
		return nil, err
	}
	return s.sessions.ActiveScans(), nil
}

// ActiveCompactions lists the queued and running compactions of the node, oldest first
func (s *TabletServer) ActiveCompactions(c security.Credentials) ([]data.ActiveCompaction, error) {
	if _, err := s.systemAccess(c); err != nil {
		return nil, err
	}
	return s.activeCompactions(), nil
}

func (s *TabletServer) activeCompactions() []data.ActiveCompaction {
	now := time.Now()
	var res []data.ActiveCompaction
	s.busy.Range(func(_ string, task *backgroundTask) bool {
		var typ string
		switch task.kind {
		case "minc":
			typ = "minor"
		case "majc":
			typ = "major"
		default:
			return true
		}
		res = append(res, data.ActiveCompaction{
			Extent:    task.extent,
			Type:      typ,
			Running:   task.started.Load() != 0,
			AgeMillis: now.Sub(task.queued).Milliseconds(),
		})
		return true
	})
	sort.Slice(res, func(i, j int) bool { return res[i].AgeMillis > res[j].AgeMillis })
	return res
}

// ActiveLogs lists the logs of the node that may still hold unflushed data,
// the closed logs oldest first followed by the current log
func (s *TabletServer) ActiveLogs(c security.Credentials) ([]string, error) {
	if _, err := s.systemAccess(c); err != nil {
		return nil, err
	}
	return s.activeLogs(), nil
}

func (s *TabletServer) activeLogs() []string {
	logs := s.tracker.ClosedLogs()
	if current := s.log.CurrentLog(); current != "" {
		logs = append(logs, current)
	}
	return logs
}

// WritePrometheus writes the node metrics and the process metrics
func (s *TabletServer) WritePrometheus(w io.Writer) {
	s.metrics.WritePrometheus(w)
	metrics.WriteProcessMetrics(w)
}
