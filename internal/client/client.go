// Package client dials peer nodes over the internal HTTP API. It is the
// remote half of the replica service: partition operations for
// partitions led elsewhere, and raft message delivery between replicas.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/errors"
	"github.com/zonedb/zonedb/internal/model"
	"github.com/zonedb/zonedb/internal/replica"
)

// AddressBook resolves node IDs to HTTP addresses. Satisfied by
// cluster.Membership.
type AddressBook interface {
	Lookup(node model.NodeID) (string, bool)
}

// Client talks to peer nodes.
type Client struct {
	addresses AddressBook
	http      *http.Client
	logger    *zap.Logger
}

// New creates a peer client.
func New(addresses AddressBook, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		addresses: addresses,
		http:      &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// Wire shapes for the internal partition API. Binary fields travel
// base64-encoded inside JSON.
type (
	// ReadRequest asks for one key at a snapshot.
	ReadRequest struct {
		Key    []byte `json:"key"`
		ReadTS uint64 `json:"read_ts"`
	}

	// ReadResponse carries the row, or Found=false.
	ReadResponse struct {
		Found bool       `json:"found"`
		Row   *model.Row `json:"row,omitempty"`
	}

	// ScanRequest asks for a key range at a snapshot.
	ScanRequest struct {
		Start  []byte `json:"start,omitempty"`
		End    []byte `json:"end,omitempty"`
		ReadTS uint64 `json:"read_ts"`
	}

	// ScanResponse carries the visible rows in key order.
	ScanResponse struct {
		Rows []*model.Row `json:"rows"`
	}

	// WriteRequest stages one transactional write.
	WriteRequest struct {
		TxnID string   `json:"txn_id"`
		KV    model.KV `json:"kv"`
	}

	// PrepareRequest runs phase 1 for a transaction.
	PrepareRequest struct {
		TxnID   string `json:"txn_id"`
		StartTS uint64 `json:"start_ts"`
	}

	// DecisionRequest delivers a phase-2 decision.
	DecisionRequest struct {
		TxnID    string `json:"txn_id"`
		CommitTS uint64 `json:"commit_ts,omitempty"`
	}

	// ErrorResponse is the error envelope every endpoint returns on
	// failure.
	ErrorResponse struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
)

func partitionPath(ref model.PartitionRef, op string) string {
	return fmt.Sprintf("/internal/partitions/%s/%d/%s", ref.Zone, ref.Partition, op)
}

func (c *Client) post(ctx context.Context, node model.NodeID, path string, req, resp any) error {
	addr, ok := c.addresses.Lookup(node)
	if !ok {
		return errors.Newf(errors.CodePartitionUnavailable, "no address for node %s", node)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "encoding request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+addr+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "building request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return errors.Wrap(errors.CodePartitionUnavailable,
			fmt.Sprintf("node %s unreachable", node), err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return errors.Wrap(errors.CodePartitionUnavailable, "reading response", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var envelope ErrorResponse
		if jsonErr := json.Unmarshal(data, &envelope); jsonErr == nil && envelope.Code != 0 {
			return errors.New(errors.Code(envelope.Code), envelope.Message)
		}
		return errors.Newf(errors.CodeInternal, "node %s returned status %d", node, httpResp.StatusCode)
	}

	if resp != nil {
		if err := json.Unmarshal(data, resp); err != nil {
			return errors.Wrap(errors.CodeInternal, "decoding response", err)
		}
	}
	return nil
}

// Read implements replica.PeerClient.
func (c *Client) Read(ctx context.Context, node model.NodeID, ref model.PartitionRef, key []byte, readTS uint64) (*model.Row, error) {
	var resp ReadResponse
	err := c.post(ctx, node, partitionPath(ref, "read"), &ReadRequest{Key: key, ReadTS: readTS}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	return resp.Row, nil
}

// Scan implements replica.PeerClient.
func (c *Client) Scan(ctx context.Context, node model.NodeID, ref model.PartitionRef, start, end []byte, readTS uint64) ([]*model.Row, error) {
	var resp ScanResponse
	err := c.post(ctx, node, partitionPath(ref, "scan"),
		&ScanRequest{Start: start, End: end, ReadTS: readTS}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// ProposeWrite implements replica.PeerClient.
func (c *Client) ProposeWrite(ctx context.Context, node model.NodeID, ref model.PartitionRef, txnID string, kv model.KV) error {
	return c.post(ctx, node, partitionPath(ref, "write"), &WriteRequest{TxnID: txnID, KV: kv}, nil)
}

// Prepare implements replica.PeerClient.
func (c *Client) Prepare(ctx context.Context, node model.NodeID, ref model.PartitionRef, txnID string, startTS uint64) (replica.PrepareResult, error) {
	var resp replica.PrepareResult
	err := c.post(ctx, node, partitionPath(ref, "prepare"),
		&PrepareRequest{TxnID: txnID, StartTS: startTS}, &resp)
	return resp, err
}

// Commit implements replica.PeerClient.
func (c *Client) Commit(ctx context.Context, node model.NodeID, ref model.PartitionRef, txnID string, commitTS uint64) error {
	return c.post(ctx, node, partitionPath(ref, "commit"),
		&DecisionRequest{TxnID: txnID, CommitTS: commitTS}, nil)
}

// Abort implements replica.PeerClient.
func (c *Client) Abort(ctx context.Context, node model.NodeID, ref model.PartitionRef, txnID string) error {
	return c.post(ctx, node, partitionPath(ref, "abort"), &DecisionRequest{TxnID: txnID}, nil)
}

// RaftMessage is one raft message in transit between replicas.
type RaftMessage struct {
	Zone      string            `json:"zone"`
	Partition model.PartitionID `json:"partition"`
	// Message is the protobuf-marshaled raftpb.Message, base64 inside
	// the JSON envelope.
	Message []byte `json:"message"`
}

// Send implements replication.RaftTransport: ship one raft message to a
// peer replica.
func (c *Client) Send(to model.NodeID, ref model.PartitionRef, msg raftpb.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "marshaling raft message", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()
	return c.post(ctx, to, "/internal/raft/step", &RaftMessage{
		Zone:      ref.Zone,
		Partition: ref.Partition,
		Message:   data,
	}, nil)
}

// compile-time interface checks
var _ replica.PeerClient = (*Client)(nil)
