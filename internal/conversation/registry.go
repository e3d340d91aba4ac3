// ABOUTME: Conversation Registry: authorization index and conversation lifecycle
// ABOUTME: Caches participant sets with write-through invalidation; DIRECT creation is get-or-create

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/2389/huddle/internal/store"
)

var (
	// ErrNotParticipant is returned when the actor is not an active participant
	ErrNotParticipant = errors.New("not an active participant")

	// ErrInvalidConversation is returned for malformed create/membership requests
	ErrInvalidConversation = errors.New("invalid conversation request")

	// ErrDirectImmutable is returned when changing the membership of a DIRECT conversation
	ErrDirectImmutable = errors.New("direct conversation membership is immutable")

	// ErrNotOwner is returned when a non-owner tries to remove another member
	ErrNotOwner = errors.New("only the owner can remove other members")
)

// RegistryStore defines what the registry needs from storage
type RegistryStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation, participants []*store.Participant) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetDirectConversation(ctx context.Context, userA, userB string) (*store.Conversation, error)
	SetConversationActive(ctx context.Context, id string, active bool) error
	UpsertParticipant(ctx context.Context, p *store.Participant) error
	DeactivateParticipant(ctx context.Context, conversationID, userID string) error
	ListActiveParticipants(ctx context.Context, conversationID string) ([]*store.Participant, error)
}

// Config tunes the participant index.
type Config struct {
	LookupTimeout time.Duration // bound on a store load; exceeding it is ErrUnavailable
	IndexSize     int           // max conversations held in the index
	IndexTTL      time.Duration // max age of an entry, bounds staleness from other nodes
}

// Defaults applied to zero Config fields
const (
	DefaultLookupTimeout = 2 * time.Second
	DefaultIndexSize     = 4096
	DefaultIndexTTL      = 30 * time.Second
)

// indexEntry is the cached view of one conversation.
type indexEntry struct {
	conv     *store.Conversation
	roles    map[string]store.ParticipantRole
	members  []string // sorted
	loadedAt time.Time
}

// Registry answers "who is in this conversation" for authorization and fan-out.
//
// Participant sets are cached in an LRU index. Every mutation goes to the
// store first and then drops the index entry, so the next check reloads.
// A per-conversation generation counter discards loads that started before
// a mutation finished.
type Registry struct {
	store  RegistryStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	index *lru.Cache
	loads singleflight.Group

	mu          sync.Mutex
	generations map[string]uint64
}

// NewRegistry creates a registry over the given store.
func NewRegistry(s RegistryStore, cfg Config, logger *slog.Logger) (*Registry, error) {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.IndexSize <= 0 {
		cfg.IndexSize = DefaultIndexSize
	}
	if cfg.IndexTTL <= 0 {
		cfg.IndexTTL = DefaultIndexTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	index, err := lru.New(cfg.IndexSize)
	if err != nil {
		return nil, fmt.Errorf("creating participant index: %w", err)
	}

	return &Registry{
		store:       s,
		cfg:         cfg,
		logger:      logger.With("component", "registry"),
		now:         time.Now,
		index:       index,
		generations: make(map[string]uint64),
	}, nil
}

// IsActiveParticipant reports whether userID is an active participant of an
// active conversation. A missing conversation is (false, nil).
func (r *Registry) IsActiveParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	entry, err := r.lookup(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, ok := entry.roles[userID]
	return ok, nil
}

// Authorize returns nil if userID may read and write conversationID,
// ErrNotParticipant if not, or the store failure that prevented the check.
func (r *Registry) Authorize(ctx context.Context, conversationID, userID string) error {
	ok, err := r.IsActiveParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}

// ResolveParticipants returns the sorted user IDs of the active participants.
func (r *Registry) ResolveParticipants(ctx context.Context, conversationID string) ([]string, error) {
	entry, err := r.lookup(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), entry.members...), nil
}

// Get returns an active conversation's metadata.
func (r *Registry) Get(ctx context.Context, conversationID string) (*store.Conversation, error) {
	entry, err := r.lookup(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv := *entry.conv
	return &conv, nil
}

// Invalidate drops the cached participant set for a conversation.
func (r *Registry) Invalidate(conversationID string) {
	r.mu.Lock()
	r.generations[conversationID]++
	r.index.Remove(conversationID)
	r.mu.Unlock()
}

// lookup serves from the index or loads from the store. Concurrent misses
// for the same conversation share one load.
func (r *Registry) lookup(ctx context.Context, conversationID string) (*indexEntry, error) {
	if val, ok := r.index.Get(conversationID); ok {
		entry := val.(*indexEntry)
		if r.now().Sub(entry.loadedAt) < r.cfg.IndexTTL {
			return entry, nil
		}
		r.index.Remove(conversationID)
	}

	ch := r.loads.DoChan(conversationID, func() (any, error) {
		return r.load(ctx, conversationID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*indexEntry), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("participant lookup: %w: %w", store.ErrUnavailable, ctx.Err())
	}
}

// load reads a conversation and its participants under the lookup timeout.
// The load is detached from the caller's cancellation since other callers may
// be waiting on it.
func (r *Registry) load(ctx context.Context, conversationID string) (*indexEntry, error) {
	r.mu.Lock()
	generation := r.generations[conversationID]
	r.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.LookupTimeout)
	defer cancel()

	conv, err := r.store.GetConversation(loadCtx, conversationID)
	if err != nil {
		return nil, r.loadError(conversationID, err)
	}
	if !conv.Active {
		return nil, store.ErrNotFound
	}

	participants, err := r.store.ListActiveParticipants(loadCtx, conversationID)
	if err != nil {
		return nil, r.loadError(conversationID, err)
	}

	entry := &indexEntry{
		conv:     conv,
		roles:    make(map[string]store.ParticipantRole, len(participants)),
		members:  make([]string, 0, len(participants)),
		loadedAt: r.now(),
	}
	for _, p := range participants {
		entry.roles[p.UserID] = p.Role
		entry.members = append(entry.members, p.UserID)
	}
	sort.Strings(entry.members)

	r.mu.Lock()
	if r.generations[conversationID] == generation {
		r.index.Add(conversationID, entry)
	}
	r.mu.Unlock()

	r.logger.Debug("loaded participants", "conversation_id", conversationID, "count", len(entry.members))
	return entry, nil
}

// reactivateDirect restores an archived DIRECT conversation and either side
// of it that was deactivated.
func (r *Registry) reactivateDirect(ctx context.Context, conv *store.Conversation, userA, userB string) (*store.Conversation, bool, error) {
	changed := false
	if !conv.Active {
		if err := r.store.SetConversationActive(ctx, conv.ID, true); err != nil {
			return nil, false, err
		}
		conv.Active = true
		changed = true
		r.Invalidate(conv.ID)
	}

	entry, err := r.lookup(ctx, conv.ID)
	if err != nil {
		return nil, false, err
	}
	now := r.now().UTC()
	for _, userID := range []string{userA, userB} {
		if _, ok := entry.roles[userID]; ok {
			continue
		}
		p := &store.Participant{ConversationID: conv.ID, UserID: userID, Role: store.RoleMember, Active: true, JoinedAt: now}
		if err := r.store.UpsertParticipant(ctx, p); err != nil {
			return nil, false, err
		}
		changed = true
	}

	if changed {
		r.Invalidate(conv.ID)
		r.logger.Info("direct conversation reactivated", "conversation_id", conv.ID)
	}
	return conv, false, nil
}

func (r *Registry) loadError(conversationID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, store.ErrUnavailable) {
		err = fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	r.logger.Warn("participant lookup failed", "conversation_id", conversationID, "error", err)
	return err
}

// GetOrCreateDirect returns the DIRECT conversation between two users,
// creating it if needed. Reports whether it was created. Safe to call
// concurrently for the same pair: the store's uniqueness on the sorted pair
// decides the winner and the loser re-reads it.
//
// The pair owns exactly one DIRECT conversation for good, so an existing one
// that was archived, or that lost either side, is reactivated rather than
// left unusable.
func (r *Registry) GetOrCreateDirect(ctx context.Context, userA, userB string) (*store.Conversation, bool, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, false, fmt.Errorf("%w: direct conversation needs two distinct users", ErrInvalidConversation)
	}

	conv, err := r.store.GetDirectConversation(ctx, userA, userB)
	if err == nil {
		return r.reactivateDirect(ctx, conv, userA, userB)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := r.now().UTC()
	conv = &store.Conversation{
		ID:        uuid.New().String(),
		Type:      store.ConversationDirect,
		Active:    true,
		CreatedBy: userA,
		DirectKey: store.DirectKey(userA, userB),
		CreatedAt: now,
	}
	participants := []*store.Participant{
		{ConversationID: conv.ID, UserID: userA, Role: store.RoleMember, Active: true, JoinedAt: now},
		{ConversationID: conv.ID, UserID: userB, Role: store.RoleMember, Active: true, JoinedAt: now},
	}

	if err := r.store.CreateConversation(ctx, conv, participants); err != nil {
		// Another request created the pair between our lookup and insert
		if errors.Is(err, store.ErrDuplicateDirect) {
			existing, lookupErr := r.store.GetDirectConversation(ctx, userA, userB)
			if lookupErr == nil {
				r.logger.Debug("found existing direct conversation after race", "conversation_id", existing.ID)
				return r.reactivateDirect(ctx, existing, userA, userB)
			}
			r.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
			return nil, false, lookupErr
		}
		return nil, false, err
	}

	r.logger.Info("direct conversation created", "conversation_id", conv.ID)
	return conv, true, nil
}

// CreateGroup creates a GROUP conversation owned by creatorID.
func (r *Registry) CreateGroup(ctx context.Context, creatorID, name string, memberIDs []string) (*store.Conversation, error) {
	if creatorID == "" {
		return nil, fmt.Errorf("%w: creator required", ErrInvalidConversation)
	}

	now := r.now().UTC()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		Type:      store.ConversationGroup,
		Name:      name,
		Active:    true,
		CreatedBy: creatorID,
		CreatedAt: now,
	}

	seen := map[string]bool{creatorID: true}
	participants := []*store.Participant{
		{ConversationID: conv.ID, UserID: creatorID, Role: store.RoleOwner, Active: true, JoinedAt: now},
	}
	for _, id := range memberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		participants = append(participants, &store.Participant{
			ConversationID: conv.ID, UserID: id, Role: store.RoleMember, Active: true, JoinedAt: now,
		})
	}

	if err := r.store.CreateConversation(ctx, conv, participants); err != nil {
		return nil, err
	}

	r.logger.Info("group conversation created", "conversation_id", conv.ID, "members", len(participants))
	return conv, nil
}

// AddMember adds userID to a GROUP conversation. The actor must be an active participant.
func (r *Registry) AddMember(ctx context.Context, actorID, conversationID, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user required", ErrInvalidConversation)
	}
	entry, err := r.checkGroupActor(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if _, already := entry.roles[userID]; already {
		return nil
	}

	err = r.store.UpsertParticipant(ctx, &store.Participant{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           store.RoleMember,
		Active:         true,
		JoinedAt:       r.now().UTC(),
	})
	if err != nil {
		return err
	}
	r.Invalidate(conversationID)

	r.logger.Info("member added", "conversation_id", conversationID, "user_id", userID, "actor", actorID)
	return nil
}

// RemoveMember removes userID from a GROUP conversation. Members may remove
// themselves; removing someone else requires OWNER.
func (r *Registry) RemoveMember(ctx context.Context, actorID, conversationID, userID string) error {
	entry, err := r.checkGroupActor(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if actorID != userID && entry.roles[actorID] != store.RoleOwner {
		return ErrNotOwner
	}
	if _, ok := entry.roles[userID]; !ok {
		return store.ErrNotFound
	}

	if err := r.store.DeactivateParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	r.Invalidate(conversationID)

	r.logger.Info("member removed", "conversation_id", conversationID, "user_id", userID, "actor", actorID)
	return nil
}

// checkGroupActor loads fresh state and verifies the conversation is a GROUP
// the actor belongs to. Membership changes always re-read the store.
func (r *Registry) checkGroupActor(ctx context.Context, actorID, conversationID string) (*indexEntry, error) {
	r.Invalidate(conversationID)
	entry, err := r.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if entry.conv.Type == store.ConversationDirect {
		return nil, ErrDirectImmutable
	}
	if _, ok := entry.roles[actorID]; !ok {
		return nil, ErrNotParticipant
	}
	return entry, nil
}
