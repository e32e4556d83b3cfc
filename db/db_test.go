package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

const testDomain = "a.example"

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:", testDomain, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.RunMigrations(); err != nil {
		t.Fatalf("Second migration run failed: %v", err)
	}
}

func TestCreateAccountAndSigningKey(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	acc, err := db.CreateAccount(ctx, "alice", "Alice", false)
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	read, err := db.ReadAccByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("ReadAccByUsername failed: %v", err)
	}
	if read.Id != acc.Id {
		t.Errorf("Expected id %s, got %s", acc.Id, read.Id)
	}
	if read.DisplayName != "Alice" {
		t.Errorf("Expected DisplayName 'Alice', got '%s'", read.DisplayName)
	}

	key, keyID, err := db.SigningKey(ctx, "https://a.example/users/alice")
	if err != nil {
		t.Fatalf("SigningKey failed: %v", err)
	}
	if keyID != "https://a.example/users/alice#main-key" {
		t.Errorf("Unexpected key id '%s'", keyID)
	}
	if key == nil {
		t.Fatal("Expected private key")
	}

	pem, err := db.PublicKeyPem(ctx, "https://a.example/users/alice")
	if err != nil {
		t.Fatalf("PublicKeyPem failed: %v", err)
	}
	if pem != acc.WebPublicKey {
		t.Error("Expected stored public key")
	}
}

func TestCreateAccountDuplicateUsername(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	if _, err := db.CreateAccount(ctx, "alice", "", false); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if _, err := db.CreateAccount(ctx, "alice", "", false); err == nil {
		t.Error("Expected error for duplicate username")
	}
}

func TestLocalAccountRejectsForeignIds(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	db.CreateAccount(ctx, "alice", "", false)

	tests := []string{
		"https://b.example/users/alice",
		"https://a.example/people/alice",
		"https://a.example/users/alice/followers",
		"https://a.example/users/nobody",
		"::not a url",
	}
	for _, actorID := range tests {
		if _, err := db.LocalAccount(ctx, actorID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected ErrNotFound for %s, got %v", actorID, err)
		}
	}
}

func TestReadAllAccounts(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	db.CreateAccount(ctx, "bob", "", false)
	db.CreateAccount(ctx, "alice", "", true)

	accounts, err := db.ReadAllAccounts(ctx)
	if err != nil {
		t.Fatalf("ReadAllAccounts failed: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("Expected 2 accounts, got %d", len(accounts))
	}
	if accounts[0].Username != "alice" || !accounts[0].ManuallyApprovesFollowers {
		t.Errorf("Unexpected first account %+v", accounts[0])
	}
}

func TestCreateNoteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	note := &domain.Note{
		ObjectURI:  "https://b.example/notes/1",
		ObjectType: "Note",
		ActorURI:   "https://b.example/users/bob",
		Content:    "hello",
		Published:  time.Now().UTC(),
	}
	created, err := db.CreateNote(ctx, note)
	if err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}
	if !created {
		t.Error("Expected first insert to create a row")
	}

	again := *note
	again.Id = uuid.Nil
	created, err = db.CreateNote(ctx, &again)
	if err != nil {
		t.Fatalf("Second CreateNote failed: %v", err)
	}
	if created {
		t.Error("Expected second insert to be ignored")
	}

	read, err := db.ReadNoteByURI(ctx, note.ObjectURI)
	if err != nil {
		t.Fatalf("ReadNoteByURI failed: %v", err)
	}
	if read.Content != "hello" {
		t.Errorf("Expected content 'hello', got '%s'", read.Content)
	}
	if read.EditedAt != nil {
		t.Error("Expected EditedAt to be nil")
	}
}

func TestUpdateNoteOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	db.CreateNote(ctx, &domain.Note{ObjectURI: "https://b.example/notes/1", ObjectType: "Note", ActorURI: "https://b.example/users/bob", Content: "v1"})

	updated, err := db.UpdateNote(ctx, &domain.Note{ObjectURI: "https://b.example/notes/1", ActorURI: "https://c.example/users/eve", Content: "hacked"})
	if err != nil {
		t.Fatalf("UpdateNote failed: %v", err)
	}
	if updated {
		t.Error("Expected update by non-owner to be ignored")
	}

	updated, err = db.UpdateNote(ctx, &domain.Note{ObjectURI: "https://b.example/notes/1", ActorURI: "https://b.example/users/bob", Content: "v2"})
	if err != nil {
		t.Fatalf("UpdateNote failed: %v", err)
	}
	if !updated {
		t.Error("Expected update by owner")
	}

	read, _ := db.ReadNoteByURI(ctx, "https://b.example/notes/1")
	if read.Content != "v2" {
		t.Errorf("Expected content 'v2', got '%s'", read.Content)
	}
	if read.EditedAt == nil {
		t.Error("Expected EditedAt to be set")
	}
}

func TestDeleteNote(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	db.CreateNote(ctx, &domain.Note{ObjectURI: "https://b.example/notes/1", ObjectType: "Note", ActorURI: "https://b.example/users/bob"})

	deleted, err := db.DeleteNote(ctx, "https://b.example/notes/1", "https://b.example/users/bob")
	if err != nil {
		t.Fatalf("DeleteNote failed: %v", err)
	}
	if !deleted {
		t.Error("Expected note to be deleted")
	}

	deleted, err = db.DeleteNote(ctx, "https://b.example/notes/1", "https://b.example/users/bob")
	if err != nil {
		t.Fatalf("Second DeleteNote failed: %v", err)
	}
	if deleted {
		t.Error("Expected second delete to be a no-op")
	}

	if _, err := db.ReadNoteByURI(ctx, "https://b.example/notes/1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFollowLifecycle(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	bob := "https://b.example/users/bob"
	alice := "https://a.example/users/alice"

	follow, err := db.UpsertFollow(ctx, &domain.Follow{ActivityURI: "https://b.example/acts/1", ActorURI: bob, TargetURI: alice})
	if err != nil {
		t.Fatalf("UpsertFollow failed: %v", err)
	}
	if follow.State != domain.FollowPending {
		t.Errorf("Expected pending, got %s", follow.State)
	}

	changed, err := db.SetFollowState(ctx, "https://b.example/acts/1", "", alice, domain.FollowAccepted)
	if err != nil || !changed {
		t.Fatalf("SetFollowState by id failed: changed=%v err=%v", changed, err)
	}

	followers, err := db.ReadFollowers(ctx, alice)
	if err != nil {
		t.Fatalf("ReadFollowers failed: %v", err)
	}
	if len(followers) != 1 || followers[0].ActorURI != bob {
		t.Errorf("Expected bob as follower, got %+v", followers)
	}

	// a repeated Follow keeps the accepted state
	follow, err = db.UpsertFollow(ctx, &domain.Follow{ActivityURI: "https://b.example/acts/2", ActorURI: bob, TargetURI: alice})
	if err != nil {
		t.Fatalf("UpsertFollow failed: %v", err)
	}
	if follow.State != domain.FollowAccepted {
		t.Errorf("Expected accepted, got %s", follow.State)
	}
	if follow.ActivityURI != "https://b.example/acts/2" {
		t.Errorf("Expected newest activity id, got %s", follow.ActivityURI)
	}

	removed, err := db.DeleteFollow(ctx, "https://b.example/acts/2", "https://c.example/users/eve")
	if err != nil || removed {
		t.Errorf("Expected delete by other actor to be ignored: removed=%v err=%v", removed, err)
	}
	removed, err = db.DeleteFollow(ctx, "https://b.example/acts/2", bob)
	if err != nil || !removed {
		t.Errorf("Expected delete: removed=%v err=%v", removed, err)
	}
}

func TestSetFollowStateFallsBackToPair(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	alice := "https://a.example/users/alice"
	bob := "https://b.example/users/bob"
	db.UpsertFollow(ctx, &domain.Follow{ActivityURI: "https://a.example/follows/1", ActorURI: alice, TargetURI: bob})

	changed, err := db.SetFollowState(ctx, "https://b.example/unknown", alice, bob, domain.FollowRejected)
	if err != nil || !changed {
		t.Fatalf("Expected fallback update: changed=%v err=%v", changed, err)
	}
	follow, _ := db.ReadFollow(ctx, alice, bob)
	if follow.State != domain.FollowRejected {
		t.Errorf("Expected rejected, got %s", follow.State)
	}

	changed, err = db.SetFollowState(ctx, "https://a.example/follows/1", alice, "https://z.example/users/zed", domain.FollowAccepted)
	if err != nil || changed {
		t.Errorf("Expected no change for unknown follow: changed=%v err=%v", changed, err)
	}
}

func TestReadFollowing(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	alice := "https://a.example/users/alice"
	bob := "https://b.example/users/bob"
	carol := "https://c.example/users/carol"
	db.UpsertFollow(ctx, &domain.Follow{ActivityURI: "https://a.example/follows/1", ActorURI: alice, TargetURI: bob})
	db.UpsertFollow(ctx, &domain.Follow{ActivityURI: "https://a.example/follows/2", ActorURI: alice, TargetURI: carol})
	db.UpsertFollow(ctx, &domain.Follow{ActivityURI: "https://b.example/follows/3", ActorURI: bob, TargetURI: alice})
	db.SetFollowState(ctx, "https://a.example/follows/1", alice, bob, domain.FollowAccepted)
	db.SetFollowState(ctx, "https://b.example/follows/3", bob, alice, domain.FollowAccepted)

	following, err := db.ReadFollowing(ctx, alice)
	if err != nil {
		t.Fatalf("ReadFollowing failed: %v", err)
	}
	if len(following) != 1 || following[0].TargetURI != bob {
		t.Errorf("Expected only the accepted follow of bob, got %+v", following)
	}
}

func TestCountAccountsAndLocalNotes(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	db.CreateAccount(ctx, "alice", "", false)
	db.CreateAccount(ctx, "bob", "", false)

	for i, actor := range []string{
		"https://a.example/users/alice",
		"https://a.example/users/alice",
		"https://a.example/users/nobody",
		"https://b.example/users/bob",
	} {
		db.CreateNote(ctx, &domain.Note{
			ObjectURI:  fmt.Sprintf("%s/notes/%d", actor, i),
			ObjectType: "Note",
			ActorURI:   actor,
			Content:    "hello",
			Published:  time.Now().UTC(),
		})
	}

	accounts, err := db.CountAccounts(ctx)
	if err != nil || accounts != 2 {
		t.Errorf("Expected 2 accounts, got %d (%v)", accounts, err)
	}
	notes, err := db.CountLocalNotes(ctx)
	if err != nil || notes != 2 {
		t.Errorf("Expected 2 local notes, got %d (%v)", notes, err)
	}
}

func TestReactions(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	like := &domain.Reaction{Kind: domain.ReactionLike, ActivityURI: "https://b.example/likes/1", ActorURI: "https://b.example/users/bob", ObjectURI: "https://a.example/notes/1"}

	for i := 0; i < 2; i++ {
		if _, err := db.CreateReaction(ctx, &domain.Reaction{Kind: like.Kind, ActivityURI: like.ActivityURI, ActorURI: like.ActorURI, ObjectURI: like.ObjectURI}); err != nil {
			t.Fatalf("CreateReaction failed: %v", err)
		}
	}
	n, err := db.CountReactions(ctx, domain.ReactionLike, like.ObjectURI)
	if err != nil {
		t.Fatalf("CountReactions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 like, got %d", n)
	}

	removed, err := db.DeleteReaction(ctx, domain.ReactionLike, "https://b.example/other", like.ActorURI, like.ObjectURI)
	if err != nil || !removed {
		t.Errorf("Expected removal by object: removed=%v err=%v", removed, err)
	}
	removed, err = db.DeleteReaction(ctx, domain.ReactionLike, like.ActivityURI, like.ActorURI, "")
	if err != nil || removed {
		t.Errorf("Expected second removal to be a no-op: removed=%v err=%v", removed, err)
	}
}

func TestDeleteActorData(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	bob := "https://b.example/users/bob"
	alice := "https://a.example/users/alice"

	db.CreateNote(ctx, &domain.Note{ObjectURI: "https://b.example/notes/1", ObjectType: "Note", ActorURI: bob})
	db.CreateNote(ctx, &domain.Note{ObjectURI: "https://c.example/notes/1", ObjectType: "Note", ActorURI: "https://c.example/users/carol"})
	db.UpsertFollow(ctx, &domain.Follow{ActivityURI: "https://b.example/acts/1", ActorURI: bob, TargetURI: alice})
	db.CreateReaction(ctx, &domain.Reaction{Kind: domain.ReactionAnnounce, ActivityURI: "https://b.example/acts/2", ActorURI: bob, ObjectURI: "https://a.example/notes/1"})

	if err := db.DeleteActorData(ctx, bob); err != nil {
		t.Fatalf("DeleteActorData failed: %v", err)
	}

	notes, _ := db.ReadNotesByActor(ctx, bob)
	if len(notes) != 0 {
		t.Errorf("Expected no notes for bob, got %d", len(notes))
	}
	if _, err := db.ReadNoteByURI(ctx, "https://c.example/notes/1"); err != nil {
		t.Errorf("Expected carol's note to survive: %v", err)
	}
	if _, err := db.ReadFollow(ctx, bob, alice); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected follow to be removed, got %v", err)
	}
	n, _ := db.CountReactions(ctx, domain.ReactionAnnounce, "https://a.example/notes/1")
	if n != 0 {
		t.Errorf("Expected announces to be removed, got %d", n)
	}
}
