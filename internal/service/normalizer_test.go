package service

import (
	"context"
	"testing"

	registryconvo "github.com/recallhq/user-memory-service/internal/registry/convo"
	registrystore "github.com/recallhq/user-memory-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairingSource() *fakeSource {
	return &fakeSource{
		topics: map[string]*registryconvo.TopicInfo{
			"t1": {TopicID: "t1", UserID: "alice", Title: "travel plans"},
			"t2": {TopicID: "t2", UserID: "alice", Title: "recipes"},
			"t3": {TopicID: "t3", UserID: "bob", Title: "gym log"},
		},
		topicsByUser: map[string][]string{
			"alice": {"t1", "t2"},
			"bob":   {"t3"},
		},
	}
}

func TestNormalizeDeduplicatesAndSorts(t *testing.T) {
	norm, err := Normalize(context.Background(), Payload{
		TopicIDs: []string{"t2", "t1", "t2", ""},
	}, pairingSource())
	require.NoError(t, err)

	assert.Equal(t, []string{"t1", "t2"}, norm.TopicIDs)
	assert.Empty(t, norm.UserIDs)
	assert.Equal(t, []WorkItem{
		{TopicID: "t1", UserID: "alice"},
		{TopicID: "t2", UserID: "alice"},
	}, norm.WorkItems)
}

func TestNormalizePairsByOwnershipNotProduct(t *testing.T) {
	// Two topics and two users never yield four items; each topic pairs
	// with its owner only.
	norm, err := Normalize(context.Background(), Payload{
		TopicIDs: []string{"t1", "t3"},
		UserIDs:  []string{"bob", "alice"},
	}, pairingSource())
	require.NoError(t, err)

	assert.Equal(t, []WorkItem{
		{TopicID: "t1", UserID: "alice"},
		{TopicID: "t3", UserID: "bob"},
	}, norm.WorkItems)
}

func TestNormalizeUserFilterExcludesForeignTopics(t *testing.T) {
	norm, err := Normalize(context.Background(), Payload{
		TopicIDs: []string{"t1", "t3"},
		UserIDs:  []string{"bob"},
	}, pairingSource())
	require.NoError(t, err)

	assert.Equal(t, []WorkItem{{TopicID: "t3", UserID: "bob"}}, norm.WorkItems)
}

func TestNormalizeUsersOnlyFansOutToTheirTopics(t *testing.T) {
	norm, err := Normalize(context.Background(), Payload{
		UserIDs: []string{"alice"},
	}, pairingSource())
	require.NoError(t, err)

	assert.Equal(t, []WorkItem{
		{TopicID: "t1", UserID: "alice"},
		{TopicID: "t2", UserID: "alice"},
	}, norm.WorkItems)
}

func TestNormalizeSkipsUnknownTopics(t *testing.T) {
	norm, err := Normalize(context.Background(), Payload{
		TopicIDs: []string{"t1", "nope"},
	}, pairingSource())
	require.NoError(t, err)

	assert.Equal(t, []WorkItem{{TopicID: "t1", UserID: "alice"}}, norm.WorkItems)
}

func TestNormalizeRejectsEmptyPayload(t *testing.T) {
	_, err := Normalize(context.Background(), Payload{}, pairingSource())
	var validation *registrystore.ValidationError
	require.ErrorAs(t, err, &validation)
}
