package server

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/zonedb/zonedb/internal/client"
	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
	"github.com/zonedb/zonedb/internal/txn"
)

func partitionRef(r *http.Request) (model.PartitionRef, error) {
	vars := mux.Vars(r)
	pid, err := strconv.ParseUint(vars["partition"], 10, 32)
	if err != nil {
		return model.PartitionRef{}, errors.Wrap(errors.CodeInvalidKey, "bad partition id", err)
	}
	return model.PartitionRef{Zone: vars["zone"], Partition: model.PartitionID(pid)}, nil
}

func (s *Server) handlePartitionRead(w http.ResponseWriter, r *http.Request) {
	ref, err := partitionRef(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req client.ReadRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	row, err := s.replicas.Read(r.Context(), ref, req.Key, req.ReadTS)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client.ReadResponse{Found: row != nil, Row: row})
}

func (s *Server) handlePartitionScan(w http.ResponseWriter, r *http.Request) {
	ref, err := partitionRef(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req client.ScanRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	rows, err := s.replicas.Scan(r.Context(), ref, req.Start, req.End, req.ReadTS)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client.ScanResponse{Rows: rows})
}

func (s *Server) handlePartitionWrite(w http.ResponseWriter, r *http.Request) {
	ref, err := partitionRef(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req client.WriteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.replicas.ProposeWrite(r.Context(), ref, req.TxnID, req.KV); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePartitionPrepare(w http.ResponseWriter, r *http.Request) {
	ref, err := partitionRef(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req client.PrepareRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.replicas.Prepare(r.Context(), ref, req.TxnID, req.StartTS)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePartitionCommit(w http.ResponseWriter, r *http.Request) {
	ref, err := partitionRef(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req client.DecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.replicas.Commit(r.Context(), ref, req.TxnID, req.CommitTS); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePartitionAbort(w http.ResponseWriter, r *http.Request) {
	ref, err := partitionRef(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req client.DecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.replicas.Abort(r.Context(), ref, req.TxnID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRaftStep(w http.ResponseWriter, r *http.Request) {
	if s.raft == nil {
		s.writeError(w, errors.New(errors.CodePartitionUnavailable, "node does not run raft"))
		return
	}
	var req client.RaftMessage
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var msg raftpb.Message
	if err := msg.Unmarshal(req.Message); err != nil {
		s.writeError(w, errors.Wrap(errors.CodeInvalidKey, "bad raft message", err))
		return
	}
	ref := model.PartitionRef{Zone: req.Zone, Partition: req.Partition}
	if err := s.raft.Step(r.Context(), ref, msg); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	var z model.Zone
	if err := decodeJSON(r, &z); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.zones.CreateZone(r.Context(), z); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, z)
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.meta.ListZones(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	z, err := s.zones.GetZone(r.Context(), mux.Vars(r)["zone"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

func (s *Server) handleDropZone(w http.ResponseWriter, r *http.Request) {
	if err := s.zones.DropZone(r.Context(), mux.Vars(r)["zone"]); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAssignZone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Nodes []model.NodeID `json:"nodes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	assignment, err := s.zones.AssignPartitions(r.Context(), mux.Vars(r)["zone"], req.Nodes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	assignment, err := s.zones.GetAssignment(r.Context(), mux.Vars(r)["zone"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var td model.TableDescriptor
	if err := decodeJSON(r, &td); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.catalog.CreateTable(r.Context(), td); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, td)
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.catalog.Tables(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

func (s *Server) handleGetTable(w http.ResponseWriter, r *http.Request) {
	td, err := s.catalog.Table(r.Context(), mux.Vars(r)["table"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, td)
}

// beginTxnResponse is returned when a transaction opens.
type beginTxnResponse struct {
	TxnID   string `json:"txn_id"`
	StartTS uint64 `json:"start_ts"`
}

func (s *Server) handleBeginTxn(w http.ResponseWriter, r *http.Request) {
	t, err := s.tables.Coordinator().Begin(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, beginTxnResponse{TxnID: t.ID, StartTS: t.StartTS})
}

func (s *Server) handleCommitTxn(w http.ResponseWriter, r *http.Request) {
	coord := s.tables.Coordinator()
	t, err := coord.Get(mux.Vars(r)["txn"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := coord.Commit(r.Context(), t); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"committed": true})
}

func (s *Server) handleAbortTxn(w http.ResponseWriter, r *http.Request) {
	coord := s.tables.Coordinator()
	t, err := coord.Get(mux.Vars(r)["txn"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := coord.Abort(r.Context(), t); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": true})
}

// rowRequest addresses one row, optionally inside an open transaction.
// Without txn_id the operation runs in its own transaction.
type rowRequest struct {
	TxnID string       `json:"txn_id,omitempty"`
	Key   model.RowKey `json:"key"`
	Value []byte       `json:"value,omitempty"`
}

// withTxn runs fn in the named open transaction, or in a fresh
// auto-committed one.
func (s *Server) withTxn(r *http.Request, txnID string, fn func(t *txn.Txn) error) error {
	if txnID == "" {
		return s.tables.RunInTransaction(r.Context(), fn)
	}
	t, err := s.tables.Coordinator().Get(txnID)
	if err != nil {
		return err
	}
	return fn(t)
}

func (s *Server) handlePutRow(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	var req rowRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	err := s.withTxn(r, req.TxnID, func(t *txn.Txn) error {
		return s.tables.Put(r.Context(), t, table, req.Key, req.Value)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetRow(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	var req rowRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var row *model.Row
	err := s.withTxn(r, req.TxnID, func(t *txn.Txn) error {
		var err error
		row, err = s.tables.Get(r.Context(), t, table, req.Key)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client.ReadResponse{Found: row != nil, Row: row})
}

func (s *Server) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	var req rowRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	err := s.withTxn(r, req.TxnID, func(t *txn.Txn) error {
		return s.tables.Delete(r.Context(), t, table, req.Key)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// planRequest asks for an execution plan over a set of tables.
type planRequest struct {
	Tables      []string     `json:"tables"`
	JoinColumns []string     `json:"join_columns,omitempty"`
	Key         model.RowKey `json:"key,omitempty"`
}

func (s *Server) handlePlanQuery(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Tables) == 1 && req.Key != nil {
		plan, err := s.router.PlanGet(r.Context(), req.Tables[0], req.Key)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
		return
	}
	plan, err := s.router.PlanJoin(r.Context(), req.Tables, req.JoinColumns)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleScanTable(w http.ResponseWriter, r *http.Request) {
	rows, err := s.router.ScanTable(r.Context(), mux.Vars(r)["table"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client.ScanResponse{Rows: rows})
}

// computeRequest asks where a compute task should run.
type computeRequest struct {
	Table    string       `json:"table"`
	Key      model.RowKey `json:"key,omitempty"`
	ReadOnly bool         `json:"read_only"`
}

func (s *Server) handleRouteCompute(w http.ResponseWriter, r *http.Request) {
	var req computeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	targets, err := s.router.RouteCompute(r.Context(), req.Table, req.Key, req.ReadOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}
