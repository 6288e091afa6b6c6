package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
)

// VoteEvent is the payload anchored per ballot. It carries no score data,
// only the ballot reference and a digest the stored ballot can be checked
// against later.
type VoteEvent struct {
	BallotID  string    `json:"ballot_id"`
	VoterID   int64     `json:"voter_id"`
	Digest    string    `json:"digest"`
	Timestamp time.Time `json:"timestamp"`
}

// Receipt is the proof returned once a vote event is committed to a block.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockHeight int64  `json:"blockHeight"`
}

// TxStatus reports whether an anchored transaction is confirmed on chain.
type TxStatus struct {
	TxHash      string `json:"txHash"`
	BlockHeight int64  `json:"blockHeight"`
	Confirmed   bool   `json:"confirmed"`
}

// Service anchors vote events on an external ledger.
type Service interface {
	Anchor(ctx context.Context, event VoteEvent) (*Receipt, error)
}

// BallotDigest hashes a ballot into the digest carried by its VoteEvent.
// Entries are folded in candidate-id order so the digest is deterministic.
func BallotDigest(voterID int64, scores map[int64]int) string {
	candidateIDs := make([]int64, 0, len(scores))
	for id := range scores {
		candidateIDs = append(candidateIDs, id)
	}
	sort.Slice(candidateIDs, func(i, j int) bool { return candidateIDs[i] < candidateIDs[j] })

	h := sha256.New()
	fmt.Fprintf(h, "%d", voterID)
	for _, id := range candidateIDs {
		fmt.Fprintf(h, "|%d:%d", id, scores[id])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Client anchors vote events through the embedded consensus node.
type Client struct {
	rpcClient *cmtrpc.Local
	logger    cmtlog.Logger
}

func NewClient(node *nm.Node, logger cmtlog.Logger) *Client {
	return &Client{
		rpcClient: cmtrpc.New(node),
		logger:    logger,
	}
}

// Anchor broadcasts the vote event and waits for it to be committed to a
// block. The ctx deadline bounds the wait, not the broadcast itself; an
// event that misses the deadline may still land in a later block.
func (c *Client) Anchor(ctx context.Context, event VoteEvent) (*Receipt, error) {
	payloadBytes, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("serializing vote event: %w", err)
	}

	consensusTx := cmttypes.Tx(payloadBytes)

	// Use a channel to detect both context deadline and RPC completion
	done := make(chan struct {
		result *cmtrpctypes.ResultBroadcastTxCommit
		err    error
	}, 1)

	go func() {
		result, err := c.rpcClient.BroadcastTxCommit(ctx, consensusTx)
		done <- struct {
			result *cmtrpctypes.ResultBroadcastTxCommit
			err    error
		}{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("anchoring timed out: %w", ctx.Err())
	case result := <-done:
		if result.err != nil {
			return nil, fmt.Errorf("broadcasting vote event: %w", result.err)
		}
		if result.result.CheckTx.Code != 0 {
			return nil, fmt.Errorf("vote event rejected: CheckTx code %d: %s",
				result.result.CheckTx.Code, result.result.CheckTx.Log)
		}
		if result.result.TxResult.Code != 0 {
			return nil, fmt.Errorf("vote event failed in block: code %d: %s",
				result.result.TxResult.Code, result.result.TxResult.Log)
		}

		receipt := &Receipt{
			TxHash:      hex.EncodeToString(result.result.Hash),
			BlockHeight: result.result.Height,
		}
		c.logger.Info("Vote event anchored",
			"ballotId", event.BallotID,
			"txHash", receipt.TxHash,
			"height", receipt.BlockHeight,
		)
		return receipt, nil
	}
}

// Status looks an anchored transaction up by hash.
func (c *Client) Status(ctx context.Context, txHash string) (*TxStatus, error) {
	hashBytes, err := hex.DecodeString(txHash)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hash: %w", err)
	}

	result, err := c.rpcClient.Tx(ctx, hashBytes, false)
	if err != nil {
		return nil, fmt.Errorf("looking up transaction: %w", err)
	}

	return &TxStatus{
		TxHash:      txHash,
		BlockHeight: result.Height,
		Confirmed:   result.TxResult.Code == 0,
	}, nil
}
