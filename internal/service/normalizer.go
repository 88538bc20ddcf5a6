package service

import (
	"context"
	"errors"
	"sort"

	registryconvo "github.com/recallhq/user-memory-service/internal/registry/convo"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
)

// Payload is the raw trigger body. Either array may be absent or hold
// duplicates in any order.
type Payload struct {
	TopicIDs []string `json:"topicIds"`
	UserIDs  []string `json:"userIds"`
}

// WorkItem is one (topic, user) extraction unit.
type WorkItem struct {
	TopicID string
	UserID  string
}

// NormalizedRequest is the canonical form of a trigger payload.
type NormalizedRequest struct {
	TopicIDs  []string // unique, sorted
	UserIDs   []string // unique, sorted
	WorkItems []WorkItem
}

// Normalize canonicalizes a trigger payload into unique id sets and the
// work-item list. Pairs come from topic ownership, never from a cartesian
// product: a (topic, user) item exists only when the conversation system
// says that user owns that topic.
//
// Unknown topic ids are skipped rather than failing the batch; the caller
// asked for them but there is nothing to extract.
func Normalize(ctx context.Context, payload Payload, source registryconvo.ConversationSource) (*NormalizedRequest, error) {
	topics := uniqueSorted(payload.TopicIDs)
	users := uniqueSorted(payload.UserIDs)
	if len(topics) == 0 && len(users) == 0 {
		return nil, &registrystore.ValidationError{Field: "topicIds", Message: "at least one topic or user id is required"}
	}

	userFilter := map[string]bool{}
	for _, u := range users {
		userFilter[u] = true
	}

	seen := map[WorkItem]bool{}
	var items []WorkItem
	add := func(item WorkItem) {
		if !seen[item] {
			seen[item] = true
			items = append(items, item)
		}
	}

	for _, topicID := range topics {
		info, err := source.Topic(ctx, topicID)
		if err != nil {
			var nf *registrystore.NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return nil, err
		}
		if len(userFilter) > 0 && !userFilter[info.UserID] {
			continue
		}
		add(WorkItem{TopicID: topicID, UserID: info.UserID})
	}

	// Users requested without topics get all of their topics.
	if len(topics) == 0 {
		for _, userID := range users {
			topicIDs, err := source.TopicsForUser(ctx, userID)
			if err != nil {
				return nil, err
			}
			for _, topicID := range topicIDs {
				add(WorkItem{TopicID: topicID, UserID: userID})
			}
		}
	}

	return &NormalizedRequest{TopicIDs: topics, UserIDs: users, WorkItems: items}, nil
}

func uniqueSorted(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
