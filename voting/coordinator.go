package voting

import (
	"context"
	"fmt"
	"time"

	"github.com/rubanlrdu/votingProject/anchor"
	"github.com/rubanlrdu/votingProject/repository"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
)

// Submission error codes.
const (
	ErrCodeInvalidBallot      = "INVALID_BALLOT"
	ErrCodeVoterNotFound      = "VOTER_NOT_FOUND"
	ErrCodeNotEligible        = "NOT_ELIGIBLE"
	ErrCodeAlreadyVoted       = "ALREADY_VOTED"
	ErrCodePersistenceFailure = "PERSISTENCE_FAILURE"
	ErrCodeAnchorFailure      = "ANCHOR_FAILURE"
)

const (
	MinScore = 1
	MaxScore = 10

	defaultAnchorTimeout = 30 * time.Second
)

// Error represents a failed vote submission.
type Error struct {
	Code    string
	Message string
	Detail  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
}

// Receipt is returned for an accepted ballot.
type Receipt struct {
	BallotID    string `json:"ballotId"`
	TxHash      string `json:"txHash"`
	BlockHeight int64  `json:"blockHeight"`
}

// Coordinator runs the vote submission sequence: validate the ballot, commit
// it to the relational ledger, then anchor a vote event on the blockchain.
// The database commit is the point of no return; an anchoring failure after
// it is reported but never rolls the ballot back.
type Coordinator struct {
	repository    *repository.Repository
	anchor        anchor.Service
	anchorTimeout time.Duration
	logger        cmtlog.Logger
}

func NewCoordinator(repo *repository.Repository, anchorService anchor.Service, anchorTimeout time.Duration, logger cmtlog.Logger) *Coordinator {
	if anchorTimeout <= 0 {
		anchorTimeout = defaultAnchorTimeout
	}
	return &Coordinator{
		repository:    repo,
		anchor:        anchorService,
		anchorTimeout: anchorTimeout,
		logger:        logger,
	}
}

// SubmitVote submits a complete ballot for one voter. scores maps candidate
// id to that candidate's score. On success the returned receipt carries the
// ballot id and the anchoring transaction hash.
func (c *Coordinator) SubmitVote(ctx context.Context, voterID int64, scores map[int64]int) (*Receipt, *Error) {
	if submitErr := c.validateBallot(ctx, scores); submitErr != nil {
		return nil, submitErr
	}

	// The ballot id doubles as the anchoring reference, so it is fixed
	// before anything is written.
	ballotID := uuid.NewString()

	repoErr := c.repository.RecordBallot(ctx, voterID, ballotID, scores)
	if repoErr != nil {
		return nil, mapRepositoryError(repoErr)
	}

	c.logger.Info("Ballot committed", "voterId", voterID, "ballotId", ballotID)

	// The ballot is final once committed. Anchoring runs detached from the
	// request's cancellation so a dropped connection cannot abandon it.
	anchorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.anchorTimeout)
	defer cancel()

	event := anchor.VoteEvent{
		BallotID:  ballotID,
		VoterID:   voterID,
		Digest:    anchor.BallotDigest(voterID, scores),
		Timestamp: time.Now(),
	}

	receipt, err := c.anchor.Anchor(anchorCtx, event)
	if err != nil {
		c.logger.Error("Anchoring failed after commit",
			"voterId", voterID,
			"ballotId", ballotID,
			"err", err,
		)
		return nil, &Error{
			Code:    ErrCodeAnchorFailure,
			Message: "Your vote has been recorded, but could not be externally confirmed",
			Detail:  err.Error(),
		}
	}

	return &Receipt{
		BallotID:    ballotID,
		TxHash:      receipt.TxHash,
		BlockHeight: receipt.BlockHeight,
	}, nil
}

// HasVoted reports whether the voter already has a committed ballot.
func (c *Coordinator) HasVoted(ctx context.Context, voterID int64) (bool, *Error) {
	hasVoted, repoErr := c.repository.HasVoted(ctx, voterID)
	if repoErr != nil {
		return false, mapRepositoryError(repoErr)
	}
	return hasVoted, nil
}

// validateBallot checks shape and score range, then that every referenced
// candidate exists. Validation never writes, so a rejected ballot leaves no
// trace.
func (c *Coordinator) validateBallot(ctx context.Context, scores map[int64]int) *Error {
	if len(scores) == 0 {
		return &Error{
			Code:    ErrCodeInvalidBallot,
			Message: "Ballot is empty",
			Detail:  "A ballot must score at least one candidate",
		}
	}

	for candidateID, score := range scores {
		if score < MinScore || score > MaxScore {
			return &Error{
				Code:    ErrCodeInvalidBallot,
				Message: "Score out of range",
				Detail:  fmt.Sprintf("Score %d for candidate %d is outside [%d, %d]", score, candidateID, MinScore, MaxScore),
			}
		}
		if _, repoErr := c.repository.GetCandidate(ctx, candidateID); repoErr != nil {
			if repoErr.Code == repository.ErrCodeNotFound {
				return &Error{
					Code:    ErrCodeInvalidBallot,
					Message: "Unknown candidate",
					Detail:  fmt.Sprintf("Candidate %d does not exist", candidateID),
				}
			}
			return mapRepositoryError(repoErr)
		}
	}

	return nil
}

func mapRepositoryError(repoErr *repository.RepositoryError) *Error {
	code := ErrCodePersistenceFailure
	switch repoErr.Code {
	case repository.ErrCodeNotFound:
		code = ErrCodeVoterNotFound
	case repository.ErrCodeInvalidState:
		code = ErrCodeNotEligible
	case repository.ErrCodeAlreadyVoted:
		code = ErrCodeAlreadyVoted
	}
	return &Error{
		Code:    code,
		Message: repoErr.Message,
		Detail:  repoErr.Detail,
	}
}
