package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dTablet/lib/tserver"
	"github.com/ValentinKolb/dTablet/rpc/common"
	"github.com/cockroachdb/errors"
)

// NewTabletServerAdapter creates an adapter serving the client protocol, the
// coordinator commands and the administration of ts
func NewTabletServerAdapter(ts *tserver.TabletServer) IRPCServerAdapter {
	return &tabletServerAdapter{ts: ts}
}

type tabletServerAdapter struct {
	ts *tserver.TabletServer
}

var errMissingExtent = errors.New("request carries no extent")

func (adapter *tabletServerAdapter) Handle(ctx context.Context, req *common.Message) *common.Message {
	if adapter.ts == nil {
		return common.NewErrorResponse("handler: tablet server is nil")
	}
	if !req.MsgType.IsTabletServer() {
		return common.NewErrorResponse(fmt.Sprintf("RPC TabletServerAdapter - Unsupported message type: %s", req.MsgType))
	}
	r, err := common.DecodeTabletRequest(req)
	if err != nil {
		return common.NewErrorResponse(fmt.Sprintf("RPC TabletServerAdapter - invalid payload: %s", err))
	}
	resp, err := adapter.dispatch(ctx, req.MsgType, r)
	return common.NewTabletResponse(req.MsgType, resp, err)
}

// dispatch calls the tablet server operation of the message type
func (adapter *tabletServerAdapter) dispatch(ctx context.Context, msgType common.MessageType, r *common.TabletRequest) (*common.TabletResponse, error) {
	ts, c := adapter.ts, r.Credentials

	switch msgType {

	// scans

	case common.MsgTTSStartScan:
		if r.Scan == nil {
			return nil, errors.New("start scan without scan request")
		}
		res, err := ts.StartScan(c, *r.Scan)
		return &common.TabletResponse{Scan: res}, err
	case common.MsgTTSContinueScan:
		res, err := ts.ContinueScan(c, r.SessionID)
		return &common.TabletResponse{Scan: res}, err
	case common.MsgTTSCloseScan:
		return nil, ts.CloseScan(c, r.SessionID)
	case common.MsgTTSStartMultiScan:
		if r.MultiScan == nil {
			return nil, errors.New("start multi scan without scan request")
		}
		res, err := ts.StartMultiScan(c, *r.MultiScan)
		return &common.TabletResponse{MultiScan: res}, err
	case common.MsgTTSContinueMultiScan:
		res, err := ts.ContinueMultiScan(c, r.SessionID)
		return &common.TabletResponse{MultiScan: res}, err
	case common.MsgTTSCloseMultiScan:
		return nil, ts.CloseMultiScan(c, r.SessionID)

	// updates

	case common.MsgTTSStartUpdate:
		id, err := ts.StartUpdate(c, r.Durability)
		return &common.TabletResponse{SessionID: id}, err
	case common.MsgTTSApplyUpdates:
		if r.Extent == nil {
			return nil, errMissingExtent
		}
		return nil, ts.ApplyUpdates(ctx, c, r.SessionID, *r.Extent, r.Mutations)
	case common.MsgTTSCloseUpdate:
		updateErrors, err := ts.CloseUpdate(ctx, c, r.SessionID)
		return &common.TabletResponse{UpdateErrors: &updateErrors}, err
	case common.MsgTTSUpdate:
		if r.Extent == nil {
			return nil, errMissingExtent
		}
		if len(r.Mutations) != 1 {
			return nil, errors.Newf("update takes exactly one mutation, got %d", len(r.Mutations))
		}
		return nil, ts.Update(ctx, c, *r.Extent, r.Mutations[0], r.Durability)
	case common.MsgTTSStartConditional:
		id, err := ts.StartConditionalUpdate(c, r.Table, r.Auths, r.Durability)
		return &common.TabletResponse{SessionID: id}, err
	case common.MsgTTSConditionalUpdate:
		results, err := ts.ConditionalUpdate(ctx, c, r.SessionID, r.Conditional)
		return &common.TabletResponse{Results: results}, err
	case common.MsgTTSInvalidateConditional:
		return nil, ts.InvalidateConditionalUpdate(ctx, c, r.SessionID)
	case common.MsgTTSCloseConditional:
		return nil, ts.CloseConditionalUpdate(c, r.SessionID)
	case common.MsgTTSStartSummary:
		id, err := ts.StartTableSummary(c, r.Table)
		return &common.TabletResponse{SessionID: id}, err
	case common.MsgTTSContinueSummary:
		sum, done, err := ts.ContinueTableSummary(c, r.SessionID)
		return &common.TabletResponse{Summary: &sum, Done: done}, err

	// coordinator commands

	case common.MsgTTSLoadTablet:
		if r.Extent == nil {
			return nil, errMissingExtent
		}
		return nil, ts.LoadTablet(c, r.LockID, *r.Extent)
	case common.MsgTTSUnloadTablet:
		if r.Extent == nil {
			return nil, errMissingExtent
		}
		return nil, ts.UnloadTablet(c, r.LockID, *r.Extent, r.Goal, r.RequestTime)
	case common.MsgTTSFlush:
		return nil, ts.Flush(ctx, c, r.LockID, r.Table, r.Start, r.End)
	case common.MsgTTSFlushTablet:
		if r.Extent == nil {
			return nil, errMissingExtent
		}
		return nil, ts.FlushTablet(ctx, c, r.LockID, *r.Extent)
	case common.MsgTTSCompact:
		return nil, ts.Compact(ctx, c, r.LockID, r.Table, r.Start, r.End)
	case common.MsgTTSChop:
		if r.Extent == nil {
			return nil, errMissingExtent
		}
		return nil, ts.Chop(ctx, c, r.LockID, *r.Extent)
	case common.MsgTTSSplitTablet:
		if r.Extent == nil {
			return nil, errMissingExtent
		}
		return nil, ts.SplitTablet(ctx, c, r.LockID, *r.Extent, r.SplitRow)
	case common.MsgTTSHalt:
		return nil, ts.Halt(c, r.LockID)
	case common.MsgTTSFastHalt:
		return nil, ts.FastHalt(c, r.LockID)
	case common.MsgTTSRemoveLogs:
		removed, err := ts.RemoveLogs(c, r.LockID, r.Logs)
		return &common.TabletResponse{Logs: removed}, err

	// status

	case common.MsgTTSStatus:
		status, err := ts.GetTabletServerStatus(c)
		return &common.TabletResponse{Status: &status}, err
	case common.MsgTTSTabletStats:
		stats, err := ts.GetTabletStats(c, r.Table)
		return &common.TabletResponse{TabletStats: stats}, err
	case common.MsgTTSHistoricalStats:
		stats, err := ts.GetHistoricalStats(c)
		return &common.TabletResponse{Historical: stats}, err
	case common.MsgTTSActiveScans:
		scans, err := ts.ActiveScans(c)
		return &common.TabletResponse{ActiveScans: scans}, err
	case common.MsgTTSActiveLogs:
		logs, err := ts.ActiveLogs(c)
		return &common.TabletResponse{Logs: logs}, err
	case common.MsgTTSActiveCompactions:
		compactions, err := ts.ActiveCompactions(c)
		return &common.TabletResponse{Compactions: compactions}, err

	// administration

	case common.MsgTTSCreateTable:
		if r.TableConfig == nil {
			return nil, errors.New("create table without table config")
		}
		return nil, ts.CreateTable(c, *r.TableConfig, r.Splits)
	case common.MsgTTSTables:
		tables, err := ts.Tables(c)
		return &common.TabletResponse{Tables: tables}, err
	case common.MsgTTSGrantTablePermission:
		return nil, ts.GrantTablePermission(c, r.Table, r.User, r.Permission)
	case common.MsgTTSCreateUser:
		return nil, ts.CreateUser(c, r.User, r.Password, r.Auths, r.System)
	case common.MsgTTSSetAuthorizations:
		return nil, ts.SetAuthorizations(c, r.User, r.Auths)
	case common.MsgTTSDropUser:
		return nil, ts.DropUser(c, r.User)
	case common.MsgTTSRequestTableFlush:
		id, err := ts.RequestTableFlush(c, r.Table)
		return &common.TabletResponse{ID: id}, err
	case common.MsgTTSRequestTableCompaction:
		id, err := ts.RequestTableCompaction(c, r.Table)
		return &common.TabletResponse{ID: id}, err
	}
	return nil, errors.AssertionFailedf("tablet server message %s has no handler", msgType)
}
