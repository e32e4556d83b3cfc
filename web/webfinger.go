package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/fedcore/activitypub"
)

var errBadResource = errors.New("unsupported webfinger resource")

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases"`
	Links   []webfingerLink `json:"links"`
}

// webfingerUser extracts the local username from an acct: or actor URI
// resource on domainName.
func webfingerUser(resource, domainName string) (string, error) {
	if acct, ok := strings.CutPrefix(resource, "acct:"); ok {
		user, host, found := strings.Cut(acct, "@")
		if !found || host != domainName || user == "" {
			return "", errBadResource
		}
		return user, nil
	}
	if user, ok := strings.CutPrefix(resource, fmt.Sprintf("https://%s/users/", domainName)); ok && user != "" && !strings.Contains(user, "/") {
		return user, nil
	}
	return "", errBadResource
}

func GetWebfinger(ctx context.Context, accounts AccountStore, resource, domainName string) ([]byte, error) {
	user, err := webfingerUser(resource, domainName)
	if err != nil {
		return nil, err
	}
	acc, err := accounts.ReadAccByUsername(ctx, user)
	if err != nil {
		return nil, err
	}

	self := getIRI(domainName, acc.Username, id)
	return json.Marshal(webfingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Username, domainName),
		Aliases: []string{self},
		Links: []webfingerLink{
			{Rel: "self", Type: activitypub.ContentTypeActivity, Href: self},
		},
	})
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
