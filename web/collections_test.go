package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deemkeen/fedcore/domain"
)

type collectionPage struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	TotalItems   int      `json:"totalItems"`
	First        string   `json:"first"`
	Next         string   `json:"next"`
	Prev         string   `json:"prev"`
	OrderedItems []string `json:"orderedItems"`
}

func (s *testServer) getCollection(t *testing.T, target string) collectionPage {
	t.Helper()
	w := s.do(httptest.NewRequest(http.MethodGet, target, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s: expected 200, got %d", target, w.Code)
	}
	var page collectionPage
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("GET %s: invalid JSON: %v", target, err)
	}
	return page
}

func (s *testServer) acceptFollow(t *testing.T, actor, target string) {
	t.Helper()
	ctx := context.Background()
	follow, err := s.db.UpsertFollow(ctx, &domain.Follow{ActivityURI: actor + "/follows/" + target, ActorURI: actor, TargetURI: target})
	if err != nil {
		t.Fatalf("UpsertFollow failed: %v", err)
	}
	if _, err := s.db.SetFollowState(ctx, follow.ActivityURI, actor, target, domain.FollowAccepted); err != nil {
		t.Fatalf("SetFollowState failed: %v", err)
	}
}

func TestFollowersPaging(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 25; i++ {
		s.acceptFollow(t, fmt.Sprintf("https://b.example/users/u%d", i), aliceID)
	}

	collection := s.getCollection(t, "/users/alice/followers")
	if collection.Type != "OrderedCollection" || collection.TotalItems != 25 {
		t.Errorf("Unexpected collection %+v", collection)
	}
	if collection.First != aliceID+"/followers?page=1" {
		t.Errorf("Unexpected first page %s", collection.First)
	}

	first := s.getCollection(t, "/users/alice/followers?page=1")
	if len(first.OrderedItems) != collectionPageSize || first.Next == "" || first.Prev != "" {
		t.Errorf("Unexpected first page: %d items, next=%q prev=%q", len(first.OrderedItems), first.Next, first.Prev)
	}

	second := s.getCollection(t, "/users/alice/followers?page=2")
	if len(second.OrderedItems) != 5 || second.Next != "" || second.Prev == "" {
		t.Errorf("Unexpected second page: %d items, next=%q prev=%q", len(second.OrderedItems), second.Next, second.Prev)
	}
}

func TestFollowingCollection(t *testing.T) {
	s := newTestServer(t)
	s.acceptFollow(t, aliceID, bobID)
	// bob following alice is not part of alice's following
	s.acceptFollow(t, bobID, aliceID)

	collection := s.getCollection(t, "/users/alice/following")
	if collection.ID != aliceID+"/following" || collection.TotalItems != 1 {
		t.Errorf("Unexpected collection %+v", collection)
	}

	page := s.getCollection(t, "/users/alice/following?page=1")
	if len(page.OrderedItems) != 1 || page.OrderedItems[0] != bobID {
		t.Errorf("Expected bob in alice's following, got %v", page.OrderedItems)
	}

	past := s.getCollection(t, "/users/alice/following?page=5")
	if len(past.OrderedItems) != 0 {
		t.Errorf("Expected an empty page past the end, got %v", past.OrderedItems)
	}
}

func TestFollowingUnknownActor(t *testing.T) {
	s := newTestServer(t)
	w := s.do(httptest.NewRequest(http.MethodGet, "/users/nobody/following", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
