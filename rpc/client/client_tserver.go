package client

import (
	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/ValentinKolb/dTablet/lib/security"
	"github.com/ValentinKolb/dTablet/lib/session"
	"github.com/ValentinKolb/dTablet/lib/tserver"
	"github.com/ValentinKolb/dTablet/rpc/common"
	"github.com/ValentinKolb/dTablet/rpc/serializer"
	"github.com/ValentinKolb/dTablet/rpc/transport"
)

// NewRPCTabletClient creates a client of the tablet server shard acting as the
// given user. Coordinator commands additionally need the coordinator lock id.
func NewRPCTabletClient(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
	credentials security.Credentials,
) (*TabletClient, error) {
	adapter, err := newClientAdapter(shardId, config, transport, serializer)
	if err != nil {
		return nil, err
	}
	return &TabletClient{rpcClientAdapter: adapter, credentials: credentials}, nil
}

// TabletClient sends the requests of one user to a tablet server. Errors of the
// server match the tserver sentinels with errors.Is.
type TabletClient struct {
	rpcClientAdapter
	credentials security.Credentials
}

// call sends a tablet server request, the credentials of the client are added
func (c *TabletClient) call(msgType common.MessageType, req common.TabletRequest) (*common.TabletResponse, error) {
	req.Credentials = c.credentials
	msg, err := common.NewTabletRequest(msgType, &req)
	if err != nil {
		return nil, err
	}
	resp, err := c.invoke(msg)
	if err != nil {
		return nil, err
	}
	return common.DecodeTabletResponse(resp)
}

// --------------------------------------------------------------------------
// Scans
// --------------------------------------------------------------------------

func (c *TabletClient) StartScan(req tserver.ScanRequest) (*tserver.ScanResult, error) {
	resp, err := c.call(common.MsgTTSStartScan, common.TabletRequest{Scan: &req})
	if err != nil {
		return nil, err
	}
	return resp.Scan, nil
}

func (c *TabletClient) ContinueScan(id int64) (*tserver.ScanResult, error) {
	resp, err := c.call(common.MsgTTSContinueScan, common.TabletRequest{SessionID: id})
	if err != nil {
		return nil, err
	}
	return resp.Scan, nil
}

func (c *TabletClient) CloseScan(id int64) error {
	_, err := c.call(common.MsgTTSCloseScan, common.TabletRequest{SessionID: id})
	return err
}

// Scan reads the whole range of a scan request, batch by batch
func (c *TabletClient) Scan(req tserver.ScanRequest) ([]data.Entry, error) {
	res, err := c.StartScan(req)
	if err != nil {
		return nil, err
	}
	entries := res.Entries
	for res.More {
		if res, err = c.ContinueScan(res.SessionID); err != nil {
			return entries, err
		}
		entries = append(entries, res.Entries...)
	}
	return entries, nil
}

func (c *TabletClient) StartMultiScan(req tserver.MultiScanRequest) (*tserver.MultiScanResult, error) {
	resp, err := c.call(common.MsgTTSStartMultiScan, common.TabletRequest{MultiScan: &req})
	if err != nil {
		return nil, err
	}
	return resp.MultiScan, nil
}

func (c *TabletClient) ContinueMultiScan(id int64) (*tserver.MultiScanResult, error) {
	resp, err := c.call(common.MsgTTSContinueMultiScan, common.TabletRequest{SessionID: id})
	if err != nil {
		return nil, err
	}
	return resp.MultiScan, nil
}

func (c *TabletClient) CloseMultiScan(id int64) error {
	_, err := c.call(common.MsgTTSCloseMultiScan, common.TabletRequest{SessionID: id})
	return err
}

// --------------------------------------------------------------------------
// Updates
// --------------------------------------------------------------------------

func (c *TabletClient) StartUpdate(durability data.Durability) (int64, error) {
	resp, err := c.call(common.MsgTTSStartUpdate, common.TabletRequest{Durability: durability})
	if err != nil {
		return 0, err
	}
	return resp.SessionID, nil
}

func (c *TabletClient) ApplyUpdates(id int64, extent data.Extent, mutations []*data.Mutation) error {
	_, err := c.call(common.MsgTTSApplyUpdates, common.TabletRequest{SessionID: id, Extent: &extent, Mutations: mutations})
	return err
}

func (c *TabletClient) CloseUpdate(id int64) (data.UpdateErrors, error) {
	resp, err := c.call(common.MsgTTSCloseUpdate, common.TabletRequest{SessionID: id})
	if err != nil || resp.UpdateErrors == nil {
		return data.UpdateErrors{}, err
	}
	return *resp.UpdateErrors, nil
}

func (c *TabletClient) Update(extent data.Extent, m *data.Mutation, durability data.Durability) error {
	_, err := c.call(common.MsgTTSUpdate, common.TabletRequest{Extent: &extent, Mutations: []*data.Mutation{m}, Durability: durability})
	return err
}

func (c *TabletClient) StartConditionalUpdate(table data.TableID, auths data.Authorizations, durability data.Durability) (int64, error) {
	resp, err := c.call(common.MsgTTSStartConditional, common.TabletRequest{Table: table, Auths: auths, Durability: durability})
	if err != nil {
		return 0, err
	}
	return resp.SessionID, nil
}

func (c *TabletClient) ConditionalUpdate(id int64, batches []tserver.ConditionalBatch) ([]data.Result, error) {
	resp, err := c.call(common.MsgTTSConditionalUpdate, common.TabletRequest{SessionID: id, Conditional: batches})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *TabletClient) InvalidateConditionalUpdate(id int64) error {
	_, err := c.call(common.MsgTTSInvalidateConditional, common.TabletRequest{SessionID: id})
	return err
}

func (c *TabletClient) CloseConditionalUpdate(id int64) error {
	_, err := c.call(common.MsgTTSCloseConditional, common.TabletRequest{SessionID: id})
	return err
}

func (c *TabletClient) StartTableSummary(table data.TableID) (int64, error) {
	resp, err := c.call(common.MsgTTSStartSummary, common.TabletRequest{Table: table})
	if err != nil {
		return 0, err
	}
	return resp.SessionID, nil
}

func (c *TabletClient) ContinueTableSummary(id int64) (session.TableSummary, bool, error) {
	resp, err := c.call(common.MsgTTSContinueSummary, common.TabletRequest{SessionID: id})
	if err != nil || resp.Summary == nil {
		return session.TableSummary{}, false, err
	}
	return *resp.Summary, resp.Done, nil
}

// --------------------------------------------------------------------------
// Coordinator commands
// --------------------------------------------------------------------------

func (c *TabletClient) LoadTablet(lockID string, extent data.Extent) error {
	_, err := c.call(common.MsgTTSLoadTablet, common.TabletRequest{LockID: lockID, Extent: &extent})
	return err
}

func (c *TabletClient) UnloadTablet(lockID string, extent data.Extent, goal tserver.UnloadGoal, requestTime int64) error {
	_, err := c.call(common.MsgTTSUnloadTablet, common.TabletRequest{LockID: lockID, Extent: &extent, Goal: goal, RequestTime: requestTime})
	return err
}

func (c *TabletClient) Flush(lockID string, table data.TableID, start, end []byte) error {
	_, err := c.call(common.MsgTTSFlush, common.TabletRequest{LockID: lockID, Table: table, Start: start, End: end})
	return err
}

func (c *TabletClient) FlushTablet(lockID string, extent data.Extent) error {
	_, err := c.call(common.MsgTTSFlushTablet, common.TabletRequest{LockID: lockID, Extent: &extent})
	return err
}

func (c *TabletClient) Compact(lockID string, table data.TableID, start, end []byte) error {
	_, err := c.call(common.MsgTTSCompact, common.TabletRequest{LockID: lockID, Table: table, Start: start, End: end})
	return err
}

func (c *TabletClient) Chop(lockID string, extent data.Extent) error {
	_, err := c.call(common.MsgTTSChop, common.TabletRequest{LockID: lockID, Extent: &extent})
	return err
}

func (c *TabletClient) SplitTablet(lockID string, extent data.Extent, splitRow []byte) error {
	_, err := c.call(common.MsgTTSSplitTablet, common.TabletRequest{LockID: lockID, Extent: &extent, SplitRow: splitRow})
	return err
}

func (c *TabletClient) Halt(lockID string) error {
	_, err := c.call(common.MsgTTSHalt, common.TabletRequest{LockID: lockID})
	return err
}

func (c *TabletClient) FastHalt(lockID string) error {
	_, err := c.call(common.MsgTTSFastHalt, common.TabletRequest{LockID: lockID})
	return err
}

// RemoveLogs asks the node to discard the given closed logs, it returns the removed ones
func (c *TabletClient) RemoveLogs(lockID string, logs []string) ([]string, error) {
	resp, err := c.call(common.MsgTTSRemoveLogs, common.TabletRequest{LockID: lockID, Logs: logs})
	if err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

func (c *TabletClient) GetTabletServerStatus() (data.ServerStatus, error) {
	resp, err := c.call(common.MsgTTSStatus, common.TabletRequest{})
	if err != nil || resp.Status == nil {
		return data.ServerStatus{}, err
	}
	return *resp.Status, nil
}

func (c *TabletClient) GetTabletStats(table data.TableID) ([]data.TabletStats, error) {
	resp, err := c.call(common.MsgTTSTabletStats, common.TabletRequest{Table: table})
	if err != nil {
		return nil, err
	}
	return resp.TabletStats, nil
}

func (c *TabletClient) GetHistoricalStats() (map[string]int64, error) {
	resp, err := c.call(common.MsgTTSHistoricalStats, common.TabletRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Historical, nil
}

func (c *TabletClient) ActiveScans() ([]data.ActiveScan, error) {
	resp, err := c.call(common.MsgTTSActiveScans, common.TabletRequest{})
	if err != nil {
		return nil, err
	}
	return resp.ActiveScans, nil
}

func (c *TabletClient) ActiveCompactions() ([]data.ActiveCompaction, error) {
	resp, err := c.call(common.MsgTTSActiveCompactions, common.TabletRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Compactions, nil
}

func (c *TabletClient) ActiveLogs() ([]string, error) {
	resp, err := c.call(common.MsgTTSActiveLogs, common.TabletRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// --------------------------------------------------------------------------
// Administration
// --------------------------------------------------------------------------

func (c *TabletClient) CreateTable(cfg metadata.TableConfig, splits [][]byte) error {
	_, err := c.call(common.MsgTTSCreateTable, common.TabletRequest{TableConfig: &cfg, Splits: splits})
	return err
}

func (c *TabletClient) Tables() ([]*metadata.TableConfig, error) {
	resp, err := c.call(common.MsgTTSTables, common.TabletRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Tables, nil
}

func (c *TabletClient) GrantTablePermission(table data.TableID, user, perm string) error {
	_, err := c.call(common.MsgTTSGrantTablePermission, common.TabletRequest{Table: table, User: user, Permission: perm})
	return err
}

func (c *TabletClient) CreateUser(name, password string, auths data.Authorizations, system bool) error {
	_, err := c.call(common.MsgTTSCreateUser, common.TabletRequest{User: name, Password: password, Auths: auths, System: system})
	return err
}

func (c *TabletClient) SetAuthorizations(name string, auths data.Authorizations) error {
	_, err := c.call(common.MsgTTSSetAuthorizations, common.TabletRequest{User: name, Auths: auths})
	return err
}

func (c *TabletClient) DropUser(name string) error {
	_, err := c.call(common.MsgTTSDropUser, common.TabletRequest{User: name})
	return err
}

func (c *TabletClient) RequestTableFlush(table data.TableID) (int64, error) {
	resp, err := c.call(common.MsgTTSRequestTableFlush, common.TabletRequest{Table: table})
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (c *TabletClient) RequestTableCompaction(table data.TableID) (int64, error) {
	resp, err := c.call(common.MsgTTSRequestTableCompaction, common.TabletRequest{Table: table})
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}
