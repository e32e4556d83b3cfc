package web

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deemkeen/fedcore/util"
)

const (
	nodeInfoSchema      = "http://nodeinfo.diaspora.software/ns/schema/2.1"
	nodeInfoContentType = `application/json; profile="` + nodeInfoSchema + `#"`
)

// UsageStore counts local accounts and posts for nodeinfo.
type UsageStore interface {
	CountAccounts(ctx context.Context) (int64, error)
	CountLocalNotes(ctx context.Context) (int64, error)
}

type nodeInfoLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type nodeInfoUsers struct {
	Total int64 `json:"total"`
}

type nodeInfoUsage struct {
	Users      nodeInfoUsers `json:"users"`
	LocalPosts int64         `json:"localPosts"`
}

type nodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type nodeInfo struct {
	Version           string           `json:"version"`
	Software          nodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          map[string][]any `json:"services"`
	Usage             nodeInfoUsage    `json:"usage"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Metadata          map[string]any   `json:"metadata"`
}

// GetNodeInfoLinks returns the /.well-known/nodeinfo discovery document.
func GetNodeInfoLinks(domainName string) ([]byte, error) {
	return json.Marshal(map[string][]nodeInfoLink{
		"links": {{Rel: nodeInfoSchema, Href: fmt.Sprintf("https://%s/nodeinfo/2.1", domainName)}},
	})
}

// GetNodeInfo returns the nodeinfo 2.1 document. Accounts are created by
// operators only, so registrations are closed.
func GetNodeInfo(ctx context.Context, usage UsageStore) ([]byte, error) {
	users, err := usage.CountAccounts(ctx)
	if err != nil {
		return nil, err
	}
	posts, err := usage.CountLocalNotes(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(nodeInfo{
		Version:   "2.1",
		Software:  nodeInfoSoftware{Name: util.Name, Version: util.GetVersion()},
		Protocols: []string{"activitypub"},
		Services:  map[string][]any{"inbound": {}, "outbound": {}},
		Usage: nodeInfoUsage{
			Users:      nodeInfoUsers{Total: users},
			LocalPosts: posts,
		},
		Metadata: map[string]any{},
	})
}
