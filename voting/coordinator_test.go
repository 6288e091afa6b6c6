package voting

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rubanlrdu/votingProject/anchor"
	"github.com/rubanlrdu/votingProject/repository"
	"github.com/rubanlrdu/votingProject/repository/models"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// fakeAnchor records anchor calls and can be told to fail.
type fakeAnchor struct {
	calls   atomic.Int32
	failErr error
	mu      sync.Mutex
	events  []anchor.VoteEvent
}

func (f *fakeAnchor) Anchor(ctx context.Context, event anchor.VoteEvent) (*anchor.Receipt, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()

	if f.failErr != nil {
		return nil, f.failErr
	}
	return &anchor.Receipt{TxHash: "0xabc123", BlockHeight: 42}, nil
}

func newTestRepository(t *testing.T) *repository.Repository {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "election.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("getting sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	repo := repository.NewRepository(cmtlog.NewNopLogger())
	repo.UseDB(db)
	if err := repo.Migrate(); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return repo
}

type fixture struct {
	repo        *repository.Repository
	anchorFake  *fakeAnchor
	coordinator *Coordinator
	voter       *models.Voter
	candidates  []*models.Candidate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	repo := newTestRepository(t)

	voter := &models.Voter{Username: "alice", PasswordHash: "x"}
	if err := repo.CreateVoter(ctx, voter); err != nil {
		t.Fatalf("creating voter: %v", err)
	}
	if err := repo.ApproveVoter(ctx, voter.ID); err != nil {
		t.Fatalf("approving voter: %v", err)
	}

	var candidates []*models.Candidate
	for _, name := range []string{"Alpha", "Beta"} {
		candidate := &models.Candidate{Name: name}
		if err := repo.CreateCandidate(ctx, candidate); err != nil {
			t.Fatalf("creating candidate: %v", err)
		}
		candidates = append(candidates, candidate)
	}

	anchorFake := &fakeAnchor{}
	return &fixture{
		repo:        repo,
		anchorFake:  anchorFake,
		coordinator: NewCoordinator(repo, anchorFake, 5*time.Second, cmtlog.NewNopLogger()),
		voter:       voter,
		candidates:  candidates,
	}
}

func TestSubmitVoteSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	scores := map[int64]int{f.candidates[0].ID: 7, f.candidates[1].ID: 3}
	receipt, submitErr := f.coordinator.SubmitVote(ctx, f.voter.ID, scores)
	if submitErr != nil {
		t.Fatalf("submitting vote: %v", submitErr)
	}

	if receipt.TxHash != "0xabc123" {
		t.Errorf("tx hash = %q, want 0xabc123", receipt.TxHash)
	}
	if receipt.BlockHeight != 42 {
		t.Errorf("block height = %d, want 42", receipt.BlockHeight)
	}
	if receipt.BallotID == "" {
		t.Error("receipt has no ballot id")
	}

	if got := f.anchorFake.calls.Load(); got != 1 {
		t.Errorf("anchor calls = %d, want 1", got)
	}

	event := f.anchorFake.events[0]
	if event.BallotID != receipt.BallotID {
		t.Errorf("anchored ballot id %q != receipt ballot id %q", event.BallotID, receipt.BallotID)
	}
	if event.VoterID != f.voter.ID {
		t.Errorf("anchored voter id = %d, want %d", event.VoterID, f.voter.ID)
	}
	if event.Digest != anchor.BallotDigest(f.voter.ID, scores) {
		t.Error("anchored digest does not match the ballot")
	}

	count, repoErr := f.repo.CountVotes(ctx, f.voter.ID)
	if repoErr != nil {
		t.Fatalf("counting votes: %v", repoErr)
	}
	if count != 2 {
		t.Errorf("vote rows = %d, want 2", count)
	}
}

func TestSubmitVoteSecondAttemptRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	scores := map[int64]int{f.candidates[0].ID: 5}
	if _, submitErr := f.coordinator.SubmitVote(ctx, f.voter.ID, scores); submitErr != nil {
		t.Fatalf("first submission: %v", submitErr)
	}

	_, submitErr := f.coordinator.SubmitVote(ctx, f.voter.ID, scores)
	if submitErr == nil {
		t.Fatal("expected second submission to fail")
	}
	if submitErr.Code != ErrCodeAlreadyVoted {
		t.Errorf("error code = %q, want %q", submitErr.Code, ErrCodeAlreadyVoted)
	}
	if got := f.anchorFake.calls.Load(); got != 1 {
		t.Errorf("anchor calls = %d, want 1 (rejected ballots must not anchor)", got)
	}
}

func TestSubmitVoteAnchorFailureKeepsBallot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.anchorFake.failErr = errors.New("chain unreachable")

	scores := map[int64]int{f.candidates[0].ID: 8}
	_, submitErr := f.coordinator.SubmitVote(ctx, f.voter.ID, scores)
	if submitErr == nil {
		t.Fatal("expected anchor failure")
	}
	if submitErr.Code != ErrCodeAnchorFailure {
		t.Fatalf("error code = %q, want %q", submitErr.Code, ErrCodeAnchorFailure)
	}

	// The ballot stays committed.
	hasVoted, repoErr := f.repo.HasVoted(ctx, f.voter.ID)
	if repoErr != nil {
		t.Fatalf("reading has_voted: %v", repoErr)
	}
	if !hasVoted {
		t.Error("ballot rolled back after anchor failure")
	}
	count, repoErr := f.repo.CountVotes(ctx, f.voter.ID)
	if repoErr != nil {
		t.Fatalf("counting votes: %v", repoErr)
	}
	if count != 1 {
		t.Errorf("vote rows = %d, want 1", count)
	}

	// A retry is rejected before any second anchor attempt.
	_, submitErr = f.coordinator.SubmitVote(ctx, f.voter.ID, scores)
	if submitErr == nil || submitErr.Code != ErrCodeAlreadyVoted {
		t.Errorf("retry after anchor failure: got %v, want %s", submitErr, ErrCodeAlreadyVoted)
	}
	if got := f.anchorFake.calls.Load(); got != 1 {
		t.Errorf("anchor calls = %d, want exactly 1", got)
	}
}

func TestSubmitVoteInvalidBallot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		scores map[int64]int
	}{
		{"empty ballot", map[int64]int{}},
		{"score too low", map[int64]int{f.candidates[0].ID: 0}},
		{"score too high", map[int64]int{f.candidates[0].ID: 11}},
		{"unknown candidate", map[int64]int{99999: 5}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, submitErr := f.coordinator.SubmitVote(ctx, f.voter.ID, tc.scores)
			if submitErr == nil {
				t.Fatal("expected submission to fail")
			}
			if submitErr.Code != ErrCodeInvalidBallot {
				t.Errorf("error code = %q, want %q", submitErr.Code, ErrCodeInvalidBallot)
			}
		})
	}

	// Nothing was persisted or anchored.
	count, repoErr := f.repo.CountVotes(ctx, f.voter.ID)
	if repoErr != nil {
		t.Fatalf("counting votes: %v", repoErr)
	}
	if count != 0 {
		t.Errorf("vote rows = %d, want 0", count)
	}
	if got := f.anchorFake.calls.Load(); got != 0 {
		t.Errorf("anchor calls = %d, want 0", got)
	}
}

func TestSubmitVoteIneligibleVoter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := &models.Voter{Username: "bob", PasswordHash: "x"}
	if err := f.repo.CreateVoter(ctx, pending); err != nil {
		t.Fatalf("creating voter: %v", err)
	}

	scores := map[int64]int{f.candidates[0].ID: 5}
	_, submitErr := f.coordinator.SubmitVote(ctx, pending.ID, scores)
	if submitErr == nil || submitErr.Code != ErrCodeNotEligible {
		t.Errorf("pending voter: got %v, want %s", submitErr, ErrCodeNotEligible)
	}

	_, submitErr = f.coordinator.SubmitVote(ctx, 99999, scores)
	if submitErr == nil || submitErr.Code != ErrCodeVoterNotFound {
		t.Errorf("missing voter: got %v, want %s", submitErr, ErrCodeVoterNotFound)
	}

	if got := f.anchorFake.calls.Load(); got != 0 {
		t.Errorf("anchor calls = %d, want 0", got)
	}
}

func TestSubmitVoteConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const attempts = 10
	var successes, alreadyVoted atomic.Int32
	var wg sync.WaitGroup

	scores := map[int64]int{f.candidates[0].ID: 6}
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, submitErr := f.coordinator.SubmitVote(ctx, f.voter.ID, scores)
			if submitErr == nil {
				successes.Add(1)
				return
			}
			if submitErr.Code == ErrCodeAlreadyVoted {
				alreadyVoted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful submissions = %d, want exactly 1", got)
	}
	if got := alreadyVoted.Load(); got != attempts-1 {
		t.Errorf("ALREADY_VOTED rejections = %d, want %d", got, attempts-1)
	}
	if got := f.anchorFake.calls.Load(); got != 1 {
		t.Errorf("anchor calls = %d, want exactly 1", got)
	}

	count, repoErr := f.repo.CountVotes(ctx, f.voter.ID)
	if repoErr != nil {
		t.Fatalf("counting votes: %v", repoErr)
	}
	if count != 1 {
		t.Errorf("vote rows = %d, want 1", count)
	}
}

func TestBallotDigestDeterministic(t *testing.T) {
	a := anchor.BallotDigest(7, map[int64]int{1: 5, 2: 9, 3: 1})
	b := anchor.BallotDigest(7, map[int64]int{3: 1, 1: 5, 2: 9})
	if a != b {
		t.Error("digest depends on map iteration order")
	}

	c := anchor.BallotDigest(8, map[int64]int{1: 5, 2: 9, 3: 1})
	if a == c {
		t.Error("digest ignores voter id")
	}
}
