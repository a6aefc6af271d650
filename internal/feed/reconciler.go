// Package feed keeps the client-side ordered view of one conversation in
// step with the store of record.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sybil-chat/internal/domain"
)

// Store is the subset of the conversation store the feed reads and writes.
type Store interface {
	AppendTurn(ctx context.Context, turn domain.Turn) (string, error)
	ListTurns(ctx context.Context, ownerID, conversationID string) ([]domain.Turn, error)
}

var ErrNotMounted = errors.New("feed: no conversation mounted")

// Reconciler holds the feed of the mounted conversation. The feed is rebuilt
// from the store on every refresh, never diffed.
type Reconciler struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu             sync.Mutex
	ownerID        string
	conversationID string
	loadedID       string
	turns          []domain.Turn
	stale          bool
	subs           []chan []domain.Turn
	// started numbers each Refresh; applied is the newest one whose result
	// replaced the feed.
	started uint64
	applied uint64
}

func NewReconciler(store Store, logger *slog.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("feed: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:  store,
		logger: logger.With("component", "feed"),
		now:    time.Now,
	}, nil
}

// Mount switches the feed to a conversation and clears it. The next
// RefreshIfStale loads it.
func (r *Reconciler) Mount(ownerID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ownerID == ownerID && r.conversationID == conversationID {
		return
	}
	r.ownerID = ownerID
	r.conversationID = conversationID
	r.loadedID = ""
	r.turns = nil
	r.stale = true
}

// Mounted returns the owner and conversation the feed currently shows.
func (r *Reconciler) Mounted() (ownerID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownerID, r.conversationID
}

// Invalidate marks the feed stale after a write.
func (r *Reconciler) Invalidate() {
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()
}

// Refresh lists every turn of the conversation and returns them ascending by
// CreatedAt. When the conversation is the mounted one the feed is replaced
// with the result and subscribers are notified. A result that finishes after
// a later refresh was applied is discarded and the current feed returned.
func (r *Reconciler) Refresh(ctx context.Context, ownerID, conversationID string) ([]domain.Turn, error) {
	r.mu.Lock()
	r.started++
	gen := r.started
	r.mu.Unlock()

	listed, err := r.store.ListTurns(ctx, ownerID, conversationID)
	if err != nil {
		r.logger.Error("refresh failed", "owner_id", ownerID, "conversation_id", conversationID, "err", err)
		return nil, fmt.Errorf("feed: Refresh: %w", err)
	}

	turns := make([]domain.Turn, 0, len(listed))
	for _, t := range listed {
		if t.OwnerID != ownerID || t.ConversationID != conversationID {
			r.logger.Warn("skipping turn from another conversation", "turn_id", t.ID, "conversation_id", t.ConversationID)
			continue
		}
		turns = append(turns, t)
	}
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].CreatedAt.Before(turns[j].CreatedAt)
	})

	r.mu.Lock()
	if r.ownerID != ownerID || r.conversationID != conversationID {
		r.mu.Unlock()
		return turns, nil
	}
	if gen < r.applied {
		current := cloneTurns(r.turns)
		r.mu.Unlock()
		r.logger.Debug("discarding outdated refresh", "conversation_id", conversationID)
		return current, nil
	}
	r.applied = gen
	r.turns = turns
	r.loadedID = conversationID
	r.stale = false
	snapshot := cloneTurns(turns)
	subs := r.subs
	r.mu.Unlock()

	for _, ch := range subs {
		publish(ch, snapshot)
	}
	return cloneTurns(turns), nil
}

// RefreshIfStale refreshes the mounted conversation when a write invalidated
// the feed or the feed was never loaded for it.
func (r *Reconciler) RefreshIfStale(ctx context.Context) ([]domain.Turn, error) {
	r.mu.Lock()
	ownerID, conversationID := r.ownerID, r.conversationID
	fresh := !r.stale && r.loadedID == conversationID
	r.mu.Unlock()

	if conversationID == "" {
		return nil, ErrNotMounted
	}
	if fresh {
		return r.Snapshot(), nil
	}
	return r.Refresh(ctx, ownerID, conversationID)
}

// ApplyPush turns an inbound push answer for the mounted conversation into an
// assistant turn, writes it, and rebuilds the feed from the store.
func (r *Reconciler) ApplyPush(ctx context.Context, answer domain.PushAnswer) ([]domain.Turn, error) {
	if err := answer.Validate(); err != nil {
		r.logger.Warn("push answer dropped", "reason", "missing chatId", "request_id", answer.RequestID)
		return nil, err
	}
	r.mu.Lock()
	ownerID, conversationID := r.ownerID, r.conversationID
	r.mu.Unlock()
	if conversationID == "" {
		return nil, ErrNotMounted
	}

	turn, err := domain.AnswerTurn(answer, ownerID, conversationID, r.now())
	if err != nil {
		r.logger.Warn("push answer dropped", "conversation_id", answer.ConversationID, "err", err)
		return nil, err
	}
	if _, err := r.store.AppendTurn(ctx, turn); err != nil {
		r.logger.Error("persist push answer failed", "conversation_id", conversationID, "err", err)
		return nil, fmt.Errorf("feed: ApplyPush: %w", err)
	}
	r.Invalidate()
	return r.Refresh(ctx, ownerID, conversationID)
}

// Snapshot returns a copy of the current feed.
func (r *Reconciler) Snapshot() []domain.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneTurns(r.turns)
}

// Empty reports whether the loaded feed has no turns.
func (r *Reconciler) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns) == 0
}

// Subscribe returns a channel that receives the feed after every refresh of
// the mounted conversation. Slow subscribers only see the latest snapshot.
func (r *Reconciler) Subscribe() <-chan []domain.Turn {
	ch := make(chan []domain.Turn, 1)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

func publish(ch chan []domain.Turn, snapshot []domain.Turn) {
	for {
		select {
		case ch <- snapshot:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func cloneTurns(turns []domain.Turn) []domain.Turn {
	if turns == nil {
		return nil
	}
	out := make([]domain.Turn, len(turns))
	copy(out, turns)
	return out
}
