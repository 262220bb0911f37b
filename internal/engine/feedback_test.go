package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/avatar-labs/internal/domain"
	"github.com/ashureev/avatar-labs/internal/generator"
)

func TestCommentAppendsRevision(t *testing.T) {
	eng, _ := newTestEngine(t)
	sess := startSession(t, eng)
	ctx := context.Background()

	reply, err := eng.Continue(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}

	revision, err := eng.Comment(ctx, sess.ID, reply.Seq, "be warmer and name a timeline", 2)
	if err != nil {
		t.Fatalf("Comment failed: %v", err)
	}

	if !revision.IsRevision() {
		t.Error("Expected a revision message")
	}
	if revision.OriginalSeq != reply.Seq {
		t.Errorf("Expected original seq %d, got %d", reply.Seq, revision.OriginalSeq)
	}
	if revision.UserComment != "be warmer and name a timeline" {
		t.Errorf("Comment not attached: %q", revision.UserComment)
	}
	if revision.Rating != 2 {
		t.Errorf("Rating not attached: %d", revision.Rating)
	}

	// The original message is untouched; the revision is appended after it.
	after, err := eng.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if after.Messages[reply.Seq].Content != reply.Content {
		t.Error("Original message content changed")
	}
	if revision.Seq != len(after.Messages)-1 {
		t.Errorf("Revision not at log tail: seq %d of %d", revision.Seq, len(after.Messages))
	}
}

func TestCommentChainLinksToPredecessor(t *testing.T) {
	eng, _ := newTestEngine(t)
	sess := startSession(t, eng)
	ctx := context.Background()

	reply, err := eng.Continue(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}

	// Repeated feedback, always addressed at the first reply, must chain each
	// revision off the previous one rather than branching.
	prevSeq := reply.Seq
	for i := 0; i < 3; i++ {
		rev, err := eng.Comment(ctx, sess.ID, reply.Seq, "still too vague", 2)
		if err != nil {
			t.Fatalf("Comment %d failed: %v", i, err)
		}
		if rev.OriginalSeq != prevSeq {
			t.Errorf("Revision %d chained to %d, expected %d", i, rev.OriginalSeq, prevSeq)
		}
		prevSeq = rev.Seq
	}
}

func TestCommentRevisionInstructionReachesGenerator(t *testing.T) {
	eng, gen := newTestEngine(t)
	sess := startSession(t, eng)
	ctx := context.Background()

	reply, err := eng.Continue(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if _, err := eng.Comment(ctx, sess.ID, reply.Seq, "give a concrete timeline", 3); err != nil {
		t.Fatalf("Comment failed: %v", err)
	}

	req := gen.lastRequest()
	if req.RevisionInstruction != "give a concrete timeline" {
		t.Errorf("Instruction not forwarded: %q", req.RevisionInstruction)
	}
	if req.RevisionOf != reply.Content {
		t.Errorf("Expected revision of %q, got %q", reply.Content, req.RevisionOf)
	}
}

func TestCommentValidation(t *testing.T) {
	eng, _ := newTestEngine(t)
	sess := startSession(t, eng)
	ctx := context.Background()

	reply, err := eng.Continue(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}

	if _, err := eng.Comment(ctx, sess.ID, reply.Seq, "   ", 3); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for blank comment, got %v", err)
	}
	if _, err := eng.Comment(ctx, sess.ID, reply.Seq, "fine", 0); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for rating 0, got %v", err)
	}
	if _, err := eng.Comment(ctx, sess.ID, reply.Seq, "fine", 6); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for rating 6, got %v", err)
	}
}

func TestCommentOnCustomerMessageRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	sess := startSession(t, eng)

	// Seq 0 is the customer opening.
	_, err := eng.Comment(context.Background(), sess.ID, 0, "not applicable", 3)
	if !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("Expected ErrMessageNotFound, got %v", err)
	}
}

func TestCommentOnMissingMessage(t *testing.T) {
	eng, _ := newTestEngine(t)
	sess := startSession(t, eng)

	_, err := eng.Comment(context.Background(), sess.ID, 99, "where", 3)
	if !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("Expected ErrMessageNotFound, got %v", err)
	}
}

func TestCommentGeneratorFailureWritesNothing(t *testing.T) {
	eng, gen := newTestEngine(t)
	sess := startSession(t, eng)
	ctx := context.Background()

	reply, err := eng.Continue(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}

	gen.setFail(true)
	if _, err := eng.Comment(ctx, sess.ID, reply.Seq, "try again", 2); !errors.Is(err, generator.ErrGeneration) {
		t.Fatalf("Expected ErrGeneration, got %v", err)
	}

	after, err := eng.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if len(after.Messages) != 2 {
		t.Errorf("Expected no revision appended, got %d messages", len(after.Messages))
	}

	// No lesson was written either.
	gen.setFail(false)
	second := startSession(t, eng)
	if _, err := eng.Continue(ctx, second.ID); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if req := gen.lastRequest(); len(req.Lessons) != 0 {
		t.Errorf("Failed revision still produced a lesson: %v", req.Lessons)
	}
}

func TestCommentLowerQualityStillRecorded(t *testing.T) {
	eng, gen := newTestEngine(t)
	sess := startSession(t, eng)
	ctx := context.Background()

	gen.quality = 80
	reply, err := eng.Continue(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}

	// The revision scores worse than the original; it is still appended and
	// still folded into metrics.
	gen.quality = 40
	revision, err := eng.Comment(ctx, sess.ID, reply.Seq, "shorter", 3)
	if err != nil {
		t.Fatalf("Comment failed: %v", err)
	}
	if revision.Quality != 40 {
		t.Errorf("Expected recomputed quality 40, got %d", revision.Quality)
	}

	after, err := eng.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if after.Metrics.Samples != 2 {
		t.Errorf("Expected 2 metric samples, got %d", after.Metrics.Samples)
	}
	if after.Metrics.ResponseQuality >= 80 {
		t.Errorf("Expected quality pulled down by the weaker revision, got %.1f", after.Metrics.ResponseQuality)
	}
}

func TestRevisionsExcludedFromHistory(t *testing.T) {
	eng, _ := newTestEngine(t)
	sess := startSession(t, eng)
	ctx := context.Background()

	reply, err := eng.Continue(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	revision, err := eng.Comment(ctx, sess.ID, reply.Seq, "rephrase", 3)
	if err != nil {
		t.Fatalf("Comment failed: %v", err)
	}

	after, err := eng.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	history := after.RecentHistory(10)
	for _, line := range history {
		if line == string(domain.RoleAvatar)+": "+revision.Content {
			t.Errorf("Revision leaked into conversation history: %q", line)
		}
	}
}
