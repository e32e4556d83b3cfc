package web

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/deemkeen/fedcore/domain"
)

const collectionPageSize = 20

// FollowStore lists the accepted follows of and by a local actor.
type FollowStore interface {
	ReadFollowers(ctx context.Context, targetURI string) ([]domain.Follow, error)
	ReadFollowing(ctx context.Context, actorURI string) ([]domain.Follow, error)
}

// GetFollowers returns the followers OrderedCollection of a local actor.
// Page 0 is the collection itself; pages list follower ids.
func GetFollowers(ctx context.Context, accounts AccountStore, store FollowStore, username, domainName string, page int) ([]byte, error) {
	acc, err := accounts.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	follows, err := store.ReadFollowers(ctx, acc.ActorURI(domainName))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(follows))
	for _, f := range follows {
		ids = append(ids, f.ActorURI)
	}
	return orderedCollection(getIRI(domainName, acc.Username, followers), ids, page)
}

// GetFollowing returns the following OrderedCollection of a local actor,
// listing the targets of its accepted follows.
func GetFollowing(ctx context.Context, accounts AccountStore, store FollowStore, username, domainName string, page int) ([]byte, error) {
	acc, err := accounts.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	follows, err := store.ReadFollowing(ctx, acc.ActorURI(domainName))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(follows))
	for _, f := range follows {
		ids = append(ids, f.TargetURI)
	}
	return orderedCollection(getIRI(domainName, acc.Username, following), ids, page)
}

func orderedCollection(collectionURL string, ids []string, page int) ([]byte, error) {
	if page == 0 {
		return json.Marshal(map[string]any{
			"@context":   "https://www.w3.org/ns/activitystreams",
			"id":         collectionURL,
			"type":       "OrderedCollection",
			"totalItems": len(ids),
			"first":      fmt.Sprintf("%s?page=1", collectionURL),
		})
	}

	start := min((page-1)*collectionPageSize, len(ids))
	end := min(start+collectionPageSize, len(ids))

	collectionPage := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           fmt.Sprintf("%s?page=%d", collectionURL, page),
		"type":         "OrderedCollectionPage",
		"partOf":       collectionURL,
		"totalItems":   len(ids),
		"orderedItems": ids[start:end],
	}
	if end < len(ids) {
		collectionPage["next"] = fmt.Sprintf("%s?page=%d", collectionURL, page+1)
	}
	if page > 1 {
		collectionPage["prev"] = fmt.Sprintf("%s?page=%d", collectionURL, page-1)
	}
	return json.Marshal(collectionPage)
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}
