package anchor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
)

// Ledger is the ABCI application holding the anchored vote events. Each
// committed transaction is one VoteEvent keyed by ballot id; a ballot id can
// be anchored at most once.
type Ledger struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	mu           sync.Mutex
	logger       cmtlog.Logger
}

func NewLedger(badgerDB *badger.DB, logger cmtlog.Logger) *Ledger {
	return &Ledger{
		badgerDB: badgerDB,
		logger:   logger,
	}
}

// Info implements the ABCI Info method
func (l *Ledger) Info(_ context.Context, _ *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := l.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("last_block_height"))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		err = item.Value(func(val []byte) error {
			lastBlockHeight = bytesToInt64(val)
			return nil
		})
		if err != nil {
			return err
		}

		item, err = txn.Get([]byte("last_block_app_hash"))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err == nil {
			err = item.Value(func(val []byte) error {
				lastBlockAppHash = append([]byte{}, val...)
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		l.logger.Error("Failed to read last block info", "err", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method. "ballot:<id>" returns the anchored
// event for a ballot; any other key is a raw lookup.
func (l *Ledger) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	if len(req.Data) == 0 {
		return &abcitypes.QueryResponse{
			Code: 1,
			Log:  "Empty query data",
		}, nil
	}

	key := req.Data
	if bytes.HasPrefix(req.Data, []byte("ballot:")) {
		key = append([]byte("event:"), req.Data[7:]...)
	}

	resp := abcitypes.QueryResponse{Key: req.Data}

	dbErr := l.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			resp.Log = "key doesn't exist"
			resp.Code = 1
			return nil
		}

		return item.Value(func(val []byte) error {
			resp.Log = "exists"
			resp.Value = append([]byte{}, val...)
			return nil
		})
	})
	if dbErr != nil {
		l.logger.Error("Failed to execute query", "err", dbErr)
		return &abcitypes.QueryResponse{
			Code: 2,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}

	return &resp, nil
}

// CheckTx implements the ABCI CheckTx method. A transaction is admitted to
// the mempool only if it parses as a VoteEvent and its ballot id has not
// been anchored yet.
func (l *Ledger) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	event, err := parseVoteEvent(check.Tx)
	if err != nil {
		return &abcitypes.CheckTxResponse{
			Code: 1,
			Log:  err.Error(),
		}, nil
	}

	anchored, err := l.isAnchored(event.BallotID)
	if err != nil {
		return &abcitypes.CheckTxResponse{
			Code: 2,
			Log:  fmt.Sprintf("Database error: %v", err),
		}, nil
	}
	if anchored {
		return &abcitypes.CheckTxResponse{
			Code: 3,
			Log:  fmt.Sprintf("ballot %s is already anchored", event.BallotID),
		}, nil
	}

	return &abcitypes.CheckTxResponse{Code: 0}, nil
}

// InitChain implements the ABCI InitChain method
func (l *Ledger) InitChain(_ context.Context, _ *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method
func (l *Ledger) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method. A proposal is
// rejected if any transaction in it is not a well-formed vote event.
func (l *Ledger) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for _, txBytes := range proposal.Txs {
		if _, err := parseVoteEvent(txBytes); err != nil {
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, nil
		}
	}
	return &abcitypes.ProcessProposalResponse{
		Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT,
	}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method
func (l *Ledger) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))

	l.mu.Lock()
	defer l.mu.Unlock()

	l.onGoingBlock = l.badgerDB.NewTransaction(true)

	seen := make(map[string]bool)
	for i, txBytes := range req.Txs {
		event, err := parseVoteEvent(txBytes)
		if err != nil {
			txResults[i] = &abcitypes.ExecTxResult{
				Code: 1,
				Log:  "Invalid vote event format",
			}
			continue
		}

		// Duplicates can still reach a block when two submissions race the
		// mempool; the first one in block order wins.
		anchored, err := l.isAnchored(event.BallotID)
		if err != nil {
			txResults[i] = &abcitypes.ExecTxResult{
				Code: 2,
				Log:  fmt.Sprintf("Database error: %v", err),
			}
			continue
		}
		if anchored || seen[event.BallotID] {
			txResults[i] = &abcitypes.ExecTxResult{
				Code: 3,
				Log:  fmt.Sprintf("ballot %s is already anchored", event.BallotID),
			}
			continue
		}
		seen[event.BallotID] = true

		txResults[i] = l.storeVoteEvent(event, txBytes, req.Height)
	}

	appHash := calculateAppHash(txResults)

	err := l.onGoingBlock.Set([]byte("last_block_height"), int64ToBytes(req.Height))
	if err != nil {
		l.logger.Error("Failed to store block height", "err", err)
	}

	err = l.onGoingBlock.Set([]byte("last_block_app_hash"), appHash)
	if err != nil {
		l.logger.Error("Failed to store app hash", "err", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, err
}

// Commit implements the ABCI Commit method
func (l *Ledger) Commit(_ context.Context, _ *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.onGoingBlock.Commit()
	if err != nil {
		l.logger.Error("Failed to commit block", "err", err)
	}

	return &abcitypes.CommitResponse{}, nil
}

// ListSnapshots implements the ABCI ListSnapshots method
func (l *Ledger) ListSnapshots(_ context.Context, _ *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

// OfferSnapshot implements the ABCI OfferSnapshot method
func (l *Ledger) OfferSnapshot(_ context.Context, _ *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

// LoadSnapshotChunk implements the ABCI LoadSnapshotChunk method
func (l *Ledger) LoadSnapshotChunk(_ context.Context, _ *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

// ApplySnapshotChunk implements the ABCI ApplySnapshotChunk method
func (l *Ledger) ApplySnapshotChunk(_ context.Context, _ *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

// ExtendVote implements the ABCI ExtendVote method
func (l *Ledger) ExtendVote(_ context.Context, _ *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

// VerifyVoteExtension implements the ABCI VerifyVoteExtension method
func (l *Ledger) VerifyVoteExtension(_ context.Context, _ *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// Helper Functions

func parseVoteEvent(txBytes []byte) (*VoteEvent, error) {
	var event VoteEvent
	if err := json.Unmarshal(txBytes, &event); err != nil {
		return nil, fmt.Errorf("failed to parse vote event: %w", err)
	}
	if event.BallotID == "" {
		return nil, errors.New("vote event has no ballot id")
	}
	if event.VoterID == 0 {
		return nil, errors.New("vote event has no voter id")
	}
	if event.Digest == "" {
		return nil, errors.New("vote event has no ballot digest")
	}
	return &event, nil
}

// isAnchored reports whether a ballot id already has a committed event.
func (l *Ledger) isAnchored(ballotID string) (bool, error) {
	found := false
	err := l.badgerDB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(eventKey(ballotID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// storeVoteEvent writes the event and its block height into the on-going
// block transaction.
func (l *Ledger) storeVoteEvent(event *VoteEvent, rawTx []byte, height int64) *abcitypes.ExecTxResult {
	err := l.onGoingBlock.Set(eventKey(event.BallotID), rawTx)
	if err != nil {
		l.logger.Error("Failed to store vote event", "err", err)
		return &abcitypes.ExecTxResult{
			Code: 2,
			Log:  fmt.Sprintf("Database error: %v", err),
		}
	}

	err = l.onGoingBlock.Set(heightKey(event.BallotID), int64ToBytes(height))
	if err != nil {
		l.logger.Error("Failed to store vote event height", "err", err)
	}

	events := []abcitypes.Event{
		{
			Type: "vote_anchor",
			Attributes: []abcitypes.EventAttribute{
				{Key: "ballot_id", Value: event.BallotID, Index: true},
				{Key: "voter_id", Value: fmt.Sprintf("%d", event.VoterID), Index: true},
				{Key: "digest", Value: event.Digest, Index: true},
			},
		},
	}

	return &abcitypes.ExecTxResult{
		Code:   0,
		Data:   []byte(event.BallotID),
		Log:    "anchored",
		Events: events,
	}
}

func eventKey(ballotID string) []byte {
	return append([]byte("event:"), []byte(ballotID)...)
}

func heightKey(ballotID string) []byte {
	return append([]byte("height:"), []byte(ballotID)...)
}

// calculateAppHash calculates the application hash for the current block
func calculateAppHash(txResults []*abcitypes.ExecTxResult) []byte {
	allData := make([]byte, 0)
	for _, result := range txResults {
		allData = append(allData, result.Data...)
	}
	hash := sha256.Sum256(allData)
	return hash[:]
}

// int64ToBytes converts an int64 to bytes
func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)

	buf[0] = byte(i >> 56)
	buf[1] = byte(i >> 48)
	buf[2] = byte(i >> 40)
	buf[3] = byte(i >> 32)
	buf[4] = byte(i >> 24)
	buf[5] = byte(i >> 16)
	buf[6] = byte(i >> 8)
	buf[7] = byte(i)

	return buf
}

// bytesToInt64 converts bytes to an int64
func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}

	return int64(buf[0])<<56 |
		int64(buf[1])<<48 |
		int64(buf[2])<<40 |
		int64(buf[3])<<32 |
		int64(buf[4])<<24 |
		int64(buf[5])<<16 |
		int64(buf[6])<<8 |
		int64(buf[7])
}
