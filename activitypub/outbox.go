package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	activityStreamsContext = "https://www.w3.org/ns/activitystreams"
	publicCollection       = "https://www.w3.org/ns/activitystreams#Public"
)

type outboundActivity struct {
	Context   string   `json:"@context"`
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	Object    any      `json:"object"`
	Published string   `json:"published"`
	To        []string `json:"to,omitempty"`
	Cc        []string `json:"cc,omitempty"`
}

type outboundNote struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	AttributedTo string   `json:"attributedTo"`
	Content      string   `json:"content"`
	Published    string   `json:"published"`
	To           []string `json:"to"`
	Cc           []string `json:"cc,omitempty"`
}

// BuildActivity creates an activity of kind by actor with a fresh id.
func BuildActivity(kind domain.Kind, actor string, object any, to ...string) (*domain.Activity, error) {
	raw, err := json.Marshal(outboundActivity{
		Context:   activityStreamsContext,
		ID:        fmt.Sprintf("%s/activities/%s", actor, uuid.New()),
		Type:      kind.String(),
		Actor:     actor,
		Object:    object,
		Published: time.Now().UTC().Format(time.RFC3339),
		To:        to,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s activity: %w", kind, err)
	}
	return domain.NewActivity(raw, nil)
}

// Outbox turns local actions into delivery jobs.
type Outbox struct {
	queue     *DeliveryQueue
	directory ActorResolver
	repo      Repository
	logger    *zap.Logger
}

func NewOutbox(queue *DeliveryQueue, directory ActorResolver, repo Repository, logger *zap.Logger) *Outbox {
	return &Outbox{queue: queue, directory: directory, repo: repo, logger: logger}
}

// Deliver enqueues act for every inbox, signed by signingActor.
func (o *Outbox) Deliver(ctx context.Context, act *domain.Activity, signingActor string, inboxes []domain.Inbox) ([]uuid.UUID, error) {
	return o.queue.Enqueue(ctx, act.Raw, act.ID, signingActor, inboxes)
}

// DeliverToActors resolves the inboxes of actorIDs and delivers act to
// them. Actors that cannot be resolved are skipped.
func (o *Outbox) DeliverToActors(ctx context.Context, act *domain.Activity, signingActor string, actorIDs []string) ([]uuid.UUID, error) {
	inboxes := make([]domain.Inbox, 0, len(actorIDs))
	for _, id := range actorIDs {
		actor, err := o.directory.Resolve(ctx, id)
		if err != nil {
			o.logger.Info("Skipping unresolvable recipient",
				zap.String("activity", act.ID),
				zap.String("recipient", id),
				zap.Error(err))
			continue
		}
		inboxes = append(inboxes, actor.Inbox())
	}
	return o.Deliver(ctx, act, signingActor, inboxes)
}

// DeliverToFollowers delivers act to the accepted followers of signingActor.
func (o *Outbox) DeliverToFollowers(ctx context.Context, act *domain.Activity, signingActor string) ([]uuid.UUID, error) {
	follows, err := o.repo.ReadFollowers(ctx, signingActor)
	if err != nil {
		return nil, fmt.Errorf("failed to read followers of %s: %w", signingActor, err)
	}
	ids := make([]string, len(follows))
	for i, f := range follows {
		ids[i] = f.ActorURI
	}
	return o.DeliverToActors(ctx, act, signingActor, ids)
}

// SendAccept answers a follow of localActor. followObject is the received
// Follow activity and is embedded when present.
func (o *Outbox) SendAccept(ctx context.Context, localActor string, follow *domain.Follow, followObject json.RawMessage) error {
	return o.sendResponse(ctx, domain.KindAccept, localActor, follow, followObject)
}

// SendReject declines a follow of localActor.
func (o *Outbox) SendReject(ctx context.Context, localActor string, follow *domain.Follow, followObject json.RawMessage) error {
	return o.sendResponse(ctx, domain.KindReject, localActor, follow, followObject)
}

func (o *Outbox) sendResponse(ctx context.Context, kind domain.Kind, localActor string, follow *domain.Follow, followObject json.RawMessage) error {
	var object any = follow.ActivityURI
	if len(followObject) > 0 {
		object = followObject
	}
	act, err := BuildActivity(kind, localActor, object, follow.ActorURI)
	if err != nil {
		return err
	}
	if _, err := o.DeliverToActors(ctx, act, localActor, []string{follow.ActorURI}); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", kind, follow.ActorURI, err)
	}
	return nil
}

// SendFollow records an outgoing follow of target by localActor and
// delivers the Follow activity.
func (o *Outbox) SendFollow(ctx context.Context, localActor, target string) (*domain.Follow, error) {
	act, err := BuildActivity(domain.KindFollow, localActor, target, target)
	if err != nil {
		return nil, err
	}
	follow, err := o.repo.UpsertFollow(ctx, &domain.Follow{
		ActivityURI: act.ID,
		ActorURI:    localActor,
		TargetURI:   target,
		State:       domain.FollowPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store follow of %s: %w", target, err)
	}
	if _, err := o.DeliverToActors(ctx, act, localActor, []string{target}); err != nil {
		return nil, err
	}
	return follow, nil
}

// SendCreate publishes a public note by localActor to its followers.
func (o *Outbox) SendCreate(ctx context.Context, localActor, content string) (*domain.Note, error) {
	now := time.Now().UTC()
	note := &domain.Note{
		Id:         uuid.New(),
		ObjectType: "Note",
		ActorURI:   localActor,
		Content:    content,
		Published:  now,
	}
	note.ObjectURI = fmt.Sprintf("%s/notes/%s", localActor, note.Id)

	act, err := BuildActivity(domain.KindCreate, localActor, outboundNote{
		ID:           note.ObjectURI,
		Type:         note.ObjectType,
		AttributedTo: localActor,
		Content:      content,
		Published:    now.Format(time.RFC3339),
		To:           []string{publicCollection},
		Cc:           []string{localActor + "/followers"},
	}, publicCollection)
	if err != nil {
		return nil, err
	}
	if _, err := o.repo.CreateNote(ctx, note); err != nil {
		return nil, fmt.Errorf("failed to store note: %w", err)
	}
	if _, err := o.DeliverToFollowers(ctx, act, localActor); err != nil {
		return nil, err
	}
	return note, nil
}
