package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"go.uber.org/zap"
)

// Repository is the persistence the handlers commit to.
type Repository interface {
	CreateNote(ctx context.Context, note *domain.Note) (bool, error)
	UpdateNote(ctx context.Context, note *domain.Note) (bool, error)
	DeleteNote(ctx context.Context, objectURI, actorURI string) (bool, error)
	DeleteActorData(ctx context.Context, actorURI string) error
	UpsertFollow(ctx context.Context, follow *domain.Follow) (*domain.Follow, error)
	ReadFollowers(ctx context.Context, targetURI string) ([]domain.Follow, error)
	SetFollowState(ctx context.Context, activityURI, actorURI, targetURI string, state domain.FollowState) (bool, error)
	DeleteFollow(ctx context.Context, activityURI, actorURI string) (bool, error)
	DeleteFollowByPair(ctx context.Context, actorURI, targetURI string) (bool, error)
	CreateReaction(ctx context.Context, reaction *domain.Reaction) (bool, error)
	DeleteReaction(ctx context.Context, kind domain.ReactionKind, activityURI, actorURI, objectURI string) (bool, error)
}

// FollowResponder sends Accept activities for follows of local actors.
type FollowResponder interface {
	SendAccept(ctx context.Context, localActor string, follow *domain.Follow, followObject json.RawMessage) error
}

// Object types stored by Create.
var noteTypes = map[string]bool{
	"Note":     true,
	"Article":  true,
	"Page":     true,
	"Question": true,
}

// objectDocument is an embedded object of an activity.
type objectDocument struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	AttributedTo json.RawMessage `json:"attributedTo"`
	Content      string          `json:"content"`
	InReplyTo    json.RawMessage `json:"inReplyTo"`
	Sensitive    bool            `json:"sensitive"`
	Summary      string          `json:"summary"`
	Published    string          `json:"published"`
	Updated      string          `json:"updated"`
	Actor        json.RawMessage `json:"actor"`
	Object       json.RawMessage `json:"object"`
}

// embeddedObject returns the activity's object if it is embedded rather
// than referenced by URI.
func embeddedObject(act *domain.Activity) (*objectDocument, bool) {
	if len(act.Object) == 0 || act.Object[0] != '{' {
		return nil, false
	}
	var obj objectDocument
	if err := json.Unmarshal(act.Object, &obj); err != nil {
		return nil, false
	}
	return &obj, true
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Handlers apply authenticated activities to local state.
type Handlers struct {
	repo       Repository
	identities LocalIdentityStore
	directory  ActorResolver
	responder  FollowResponder
	events     EventEmitter
	autoAccept bool
	now        func() time.Time
	logger     *zap.Logger
}

type HandlersConfig struct {
	AutoAcceptFollows bool
}

func NewHandlers(repo Repository, identities LocalIdentityStore, directory ActorResolver, responder FollowResponder,
	events EventEmitter, cfg HandlersConfig, logger *zap.Logger) *Handlers {
	if events == nil {
		events = nopEmitter{}
	}
	return &Handlers{
		repo:       repo,
		identities: identities,
		directory:  directory,
		responder:  responder,
		events:     events,
		autoAccept: cfg.AutoAcceptFollows,
		now:        time.Now,
		logger:     logger,
	}
}

// Handle dispatches act to the handler for its kind. Errors wrapping
// ErrMalformedPayload are terminal; any other error may succeed on retry.
func (h *Handlers) Handle(ctx context.Context, act *domain.Activity) error {
	switch act.Kind {
	case domain.KindCreate:
		return h.handleCreate(ctx, act)
	case domain.KindUpdate:
		return h.handleUpdate(ctx, act)
	case domain.KindDelete:
		return h.handleDelete(ctx, act)
	case domain.KindFollow:
		return h.handleFollow(ctx, act)
	case domain.KindAccept:
		return h.handleFollowResponse(ctx, act, domain.FollowAccepted)
	case domain.KindReject:
		return h.handleFollowResponse(ctx, act, domain.FollowRejected)
	case domain.KindLike:
		return h.handleReaction(ctx, act, domain.ReactionLike)
	case domain.KindAnnounce:
		return h.handleReaction(ctx, act, domain.ReactionAnnounce)
	case domain.KindUndo:
		return h.handleUndo(ctx, act)
	case domain.KindUnknown:
	}
	return malformed("unsupported activity type %s", act.Kind)
}

func (h *Handlers) emit(ctx context.Context, typ domain.EventType, act *domain.Activity, object string) {
	h.events.Emit(ctx, domain.Event{
		Type:       typ,
		ActivityID: act.ID,
		Actor:      act.Actor,
		Object:     object,
		At:         h.now().UTC(),
	})
}

func (h *Handlers) handleCreate(ctx context.Context, act *domain.Activity) error {
	obj, ok := embeddedObject(act)
	if !ok || obj.ID == "" {
		return malformed("Create %s has no embedded object", act.ID)
	}
	if !noteTypes[obj.Type] {
		h.logger.Debug("Ignoring Create of unsupported object", zap.String("type", obj.Type), zap.String("activity", act.ID))
		return nil
	}
	if err := checkAuthorship(act, obj); err != nil {
		return err
	}

	note := &domain.Note{
		ObjectURI:      obj.ID,
		ObjectType:     obj.Type,
		ActorURI:       act.Actor,
		Content:        obj.Content,
		InReplyToURI:   domain.RefID(obj.InReplyTo),
		Sensitive:      obj.Sensitive,
		ContentWarning: obj.Summary,
		Published:      parseTime(obj.Published),
	}
	created, err := h.repo.CreateNote(ctx, note)
	if err != nil {
		return fmt.Errorf("failed to store note %s: %w", obj.ID, err)
	}
	if created {
		h.emit(ctx, domain.EventNoteCreated, act, obj.ID)
	}
	return nil
}

// checkAuthorship rejects objects attributed to someone other than the
// activity's actor or hosted on another origin.
func checkAuthorship(act *domain.Activity, obj *objectDocument) error {
	if author := domain.RefID(obj.AttributedTo); author != "" && author != act.Actor {
		return malformed("object %s is attributed to %s, not %s", obj.ID, author, act.Actor)
	}
	if domain.HostOf(obj.ID) != act.ActorHost() {
		return malformed("object %s is not hosted by %s", obj.ID, act.ActorHost())
	}
	return nil
}

func (h *Handlers) handleUpdate(ctx context.Context, act *domain.Activity) error {
	objectID := act.ObjectID()
	if objectID == "" {
		return malformed("Update %s has no object", act.ID)
	}

	if objectID == act.Actor {
		if err := h.directory.Invalidate(ctx, act.Actor); err != nil {
			return fmt.Errorf("failed to invalidate actor %s: %w", act.Actor, err)
		}
		if _, err := h.directory.Resolve(ctx, act.Actor); err != nil {
			h.logger.Info("Failed to refresh updated actor", zap.String("actor", act.Actor), zap.Error(err))
		}
		h.emit(ctx, domain.EventActorUpdated, act, objectID)
		return nil
	}

	obj, ok := embeddedObject(act)
	if !ok || !noteTypes[obj.Type] {
		return nil
	}
	if err := checkAuthorship(act, obj); err != nil {
		return err
	}

	note := &domain.Note{
		ObjectURI:      obj.ID,
		ActorURI:       act.Actor,
		Content:        obj.Content,
		Sensitive:      obj.Sensitive,
		ContentWarning: obj.Summary,
	}
	if edited := parseTime(obj.Updated); !edited.IsZero() {
		note.EditedAt = &edited
	}
	updated, err := h.repo.UpdateNote(ctx, note)
	if err != nil {
		return fmt.Errorf("failed to update note %s: %w", obj.ID, err)
	}
	if updated {
		h.emit(ctx, domain.EventNoteUpdated, act, obj.ID)
	}
	return nil
}

func (h *Handlers) handleDelete(ctx context.Context, act *domain.Activity) error {
	objectID := act.ObjectID()
	if objectID == "" {
		return malformed("Delete %s has no object", act.ID)
	}

	if objectID == act.Actor {
		if err := h.repo.DeleteActorData(ctx, act.Actor); err != nil {
			return fmt.Errorf("failed to delete data of %s: %w", act.Actor, err)
		}
		if err := h.directory.Invalidate(ctx, act.Actor); err != nil {
			h.logger.Warn("Failed to invalidate deleted actor", zap.String("actor", act.Actor), zap.Error(err))
		}
		h.emit(ctx, domain.EventActorDeleted, act, objectID)
		return nil
	}

	deleted, err := h.repo.DeleteNote(ctx, objectID, act.Actor)
	if err != nil {
		return fmt.Errorf("failed to delete note %s: %w", objectID, err)
	}
	if deleted {
		h.emit(ctx, domain.EventNoteDeleted, act, objectID)
	}
	return nil
}

func (h *Handlers) handleFollow(ctx context.Context, act *domain.Activity) error {
	target := act.ObjectID()
	if target == "" {
		return malformed("Follow %s has no object", act.ID)
	}
	account, err := h.identities.LocalAccount(ctx, target)
	if errors.Is(err, domain.ErrNotFound) {
		return malformed("follow target %s is not a local actor", target)
	}
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", target, err)
	}

	follow, err := h.repo.UpsertFollow(ctx, &domain.Follow{
		ActivityURI: act.ID,
		ActorURI:    act.Actor,
		TargetURI:   target,
		State:       domain.FollowPending,
	})
	if err != nil {
		return fmt.Errorf("failed to store follow %s: %w", act.ID, err)
	}

	if follow.State == domain.FollowAccepted {
		// The follower lost our earlier Accept.
		return h.accept(ctx, target, follow, act)
	}
	h.emit(ctx, domain.EventFollowRequested, act, target)

	if !h.autoAccept || account.ManuallyApprovesFollowers {
		return nil
	}
	if _, err := h.repo.SetFollowState(ctx, act.ID, act.Actor, target, domain.FollowAccepted); err != nil {
		return fmt.Errorf("failed to accept follow %s: %w", act.ID, err)
	}
	follow.State = domain.FollowAccepted
	if err := h.accept(ctx, target, follow, act); err != nil {
		return err
	}
	h.emit(ctx, domain.EventFollowAccepted, act, target)
	return nil
}

func (h *Handlers) accept(ctx context.Context, localActor string, follow *domain.Follow, act *domain.Activity) error {
	if h.responder == nil {
		return nil
	}
	if err := h.responder.SendAccept(ctx, localActor, follow, act.Raw); err != nil {
		return fmt.Errorf("failed to queue Accept for %s: %w", act.ID, err)
	}
	return nil
}

// handleFollowResponse applies an Accept or Reject of one of our follows.
// act.Actor must be the followed actor.
func (h *Handlers) handleFollowResponse(ctx context.Context, act *domain.Activity, state domain.FollowState) error {
	followID := act.ObjectID()
	if followID == "" {
		return malformed("%s %s has no object", act.Kind, act.ID)
	}
	var follower string
	if obj, ok := embeddedObject(act); ok {
		if obj.Type != "" && obj.Type != domain.KindFollow.String() {
			return malformed("%s %s does not answer a Follow", act.Kind, act.ID)
		}
		follower = domain.RefID(obj.Actor)
		if followed := domain.RefID(obj.Object); followed != "" && followed != act.Actor {
			return malformed("%s %s answers a follow of %s", act.Kind, act.ID, followed)
		}
	}

	changed, err := h.repo.SetFollowState(ctx, followID, follower, act.Actor, state)
	if err != nil {
		return fmt.Errorf("failed to update follow %s: %w", followID, err)
	}
	if !changed {
		h.logger.Debug("No follow to update", zap.String("follow", followID), zap.String("actor", act.Actor))
		return nil
	}
	if state == domain.FollowAccepted {
		h.emit(ctx, domain.EventFollowAccepted, act, followID)
	} else {
		h.emit(ctx, domain.EventFollowRejected, act, followID)
	}
	return nil
}

func (h *Handlers) handleReaction(ctx context.Context, act *domain.Activity, kind domain.ReactionKind) error {
	objectID := act.ObjectID()
	if objectID == "" {
		return malformed("%s %s has no object", act.Kind, act.ID)
	}
	created, err := h.repo.CreateReaction(ctx, &domain.Reaction{
		Kind:        kind,
		ActivityURI: act.ID,
		ActorURI:    act.Actor,
		ObjectURI:   objectID,
	})
	if err != nil {
		return fmt.Errorf("failed to store %s %s: %w", kind, act.ID, err)
	}
	if !created {
		return nil
	}
	if kind == domain.ReactionLike {
		h.emit(ctx, domain.EventLiked, act, objectID)
	} else {
		h.emit(ctx, domain.EventAnnounced, act, objectID)
	}
	return nil
}

// handleUndo reverts a Follow, Like or Announce of the same actor. The
// object may be embedded or referenced by id; undoing something that does
// not exist changes nothing.
func (h *Handlers) handleUndo(ctx context.Context, act *domain.Activity) error {
	innerID := act.ObjectID()
	if innerID == "" {
		return malformed("Undo %s has no object", act.ID)
	}

	obj, embedded := embeddedObject(act)
	if !embedded {
		return h.undoByID(ctx, act, innerID)
	}
	if inner := domain.RefID(obj.Actor); inner != "" && inner != act.Actor {
		return malformed("Undo %s by %s of an activity by %s", act.ID, act.Actor, inner)
	}
	innerObject := domain.RefID(obj.Object)

	kind, _ := domain.ParseKind(obj.Type)
	switch kind {
	case domain.KindFollow:
		return h.undoFollow(ctx, act, innerID, innerObject)
	case domain.KindLike:
		return h.undoReaction(ctx, act, domain.ReactionLike, innerID, innerObject)
	case domain.KindAnnounce:
		return h.undoReaction(ctx, act, domain.ReactionAnnounce, innerID, innerObject)
	}
	h.logger.Debug("Ignoring Undo of unsupported activity", zap.String("type", obj.Type), zap.String("activity", act.ID))
	return nil
}

func (h *Handlers) undoByID(ctx context.Context, act *domain.Activity, innerID string) error {
	if err := h.undoFollow(ctx, act, innerID, ""); err != nil {
		return err
	}
	if err := h.undoReaction(ctx, act, domain.ReactionLike, innerID, ""); err != nil {
		return err
	}
	return h.undoReaction(ctx, act, domain.ReactionAnnounce, innerID, "")
}

func (h *Handlers) undoFollow(ctx context.Context, act *domain.Activity, followID, target string) error {
	removed, err := h.repo.DeleteFollow(ctx, followID, act.Actor)
	if err == nil && !removed && target != "" {
		removed, err = h.repo.DeleteFollowByPair(ctx, act.Actor, target)
	}
	if err != nil {
		return fmt.Errorf("failed to undo follow %s: %w", followID, err)
	}
	if removed {
		h.emit(ctx, domain.EventFollowUndone, act, followID)
	}
	return nil
}

func (h *Handlers) undoReaction(ctx context.Context, act *domain.Activity, kind domain.ReactionKind, activityID, objectID string) error {
	removed, err := h.repo.DeleteReaction(ctx, kind, activityID, act.Actor, objectID)
	if err != nil {
		return fmt.Errorf("failed to undo %s %s: %w", kind, activityID, err)
	}
	if !removed {
		return nil
	}
	if kind == domain.ReactionLike {
		h.emit(ctx, domain.EventLikeUndone, act, activityID)
	} else {
		h.emit(ctx, domain.EventAnnounceUndone, act, activityID)
	}
	return nil
}
