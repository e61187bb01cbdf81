package reddit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePostsClassicSchema(t *testing.T) {
	body := []byte(`{"data":[{
		"id":"abc123","title":"Best CRM for a tiny agency?","selftext":"We are 3 people",
		"author":"founder_joe","subreddit":"smallbusiness","permalink":"/r/smallbusiness/comments/abc123/best_crm/",
		"score":41,"num_comments":17,"created_utc":1714564800,"archived":false,"locked":true
	}]}`)

	posts, _, err := decodePosts(body)
	require.NoError(t, err)
	require.Len(t, posts, 1)

	p := posts[0]
	assert.Equal(t, "abc123", p.ID)
	assert.Equal(t, "We are 3 people", p.Body)
	assert.Equal(t, "founder_joe", p.Author)
	assert.Equal(t, "smallbusiness", p.Subreddit)
	assert.Equal(t, "https://www.reddit.com/r/smallbusiness/comments/abc123/best_crm/", p.Permalink)
	assert.Equal(t, 41, p.Score)
	assert.Equal(t, 17, p.NumComments)
	assert.True(t, p.Locked)
	assert.Equal(t, time.Unix(1714564800, 0).UTC(), p.CreatedAt)
}

func TestDecodePostsCommunitySchema(t *testing.T) {
	body := []byte(`{"posts":[{
		"id":"t3_xyz","title":"Switching from Notion","body":"Looking for options",
		"author":{"name":"pm_anna"},"community":{"name":"r/productivity","memberCount":1200},
		"url":"https://www.reddit.com/r/productivity/comments/xyz/switching/",
		"votes":12,"commentCount":4,"createdAt":"2024-05-01T10:00:00Z","isArchived":true
	}],"subreddit":{"name":"productivity","title":"Productivity","subscribers":1200}}`)

	posts, info, err := decodePosts(body)
	require.NoError(t, err)
	require.Len(t, posts, 1)

	p := posts[0]
	assert.Equal(t, "xyz", p.ID)
	assert.Equal(t, "Looking for options", p.Body)
	assert.Equal(t, "pm_anna", p.Author)
	assert.Equal(t, "productivity", p.Subreddit)
	assert.Equal(t, 12, p.Score)
	assert.Equal(t, 4, p.NumComments)
	assert.True(t, p.Archived)
	assert.Equal(t, "https://www.reddit.com/r/productivity/comments/xyz/switching/", p.Permalink)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), p.CreatedAt)

	require.NotNil(t, info)
	assert.Equal(t, "productivity", info.Name)
	assert.Equal(t, 1200, info.Subscribers)
}

func TestDecodePostsListing(t *testing.T) {
	body := []byte(`{"kind":"Listing","data":{"children":[
		{"kind":"t3","data":{"id":"p1","title":"one","subreddit":"golang","score":3}},
		{"kind":"t5","data":{"id":"sr"}},
		{"kind":"t3","data":{"id":"p2","title":"two","subreddit":"golang","score":5}}
	]}}`)

	posts, _, err := decodePosts(body)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "p1", posts[0].ID)
	assert.Equal(t, "p2", posts[1].ID)
}

func TestDecodePostsRejectsGarbage(t *testing.T) {
	_, _, err := decodePosts([]byte(`"nope"`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeCommentsFlattensNestedTrees(t *testing.T) {
	body := []byte(`{"post":{"id":"p1","title":"t","subreddit":"saas"},"comments":[
		{"id":"c1","author":"a","body":"Any tool for invoicing?","score":2,"replies":[
			{"id":"c2","author":"b","body":"Try spreadsheets","votes":1}
		]},
		{"id":"c3","author":"c","text":"How do you track churn?","children":[
			{"id":"c4","author":"d","body":""}
		]}
	]}`)

	result, err := decodeComments(body)
	require.NoError(t, err)
	require.NotNil(t, result.Post)
	assert.Equal(t, "p1", result.Post.ID)

	require.Len(t, result.Comments, 3)
	assert.Equal(t, "c1", result.Comments[0].ID)
	assert.Equal(t, 0, result.Comments[0].Depth)
	assert.Equal(t, "c2", result.Comments[1].ID)
	assert.Equal(t, "c1", result.Comments[1].ParentID)
	assert.Equal(t, 1, result.Comments[1].Depth)
	assert.Equal(t, "How do you track churn?", result.Comments[2].Body)
}

func TestDecodeCommentsRedditPair(t *testing.T) {
	body := []byte(`[
		{"kind":"Listing","data":{"children":[{"kind":"t3","data":{"id":"p9","title":"x","subreddit":"golang"}}]}},
		{"kind":"Listing","data":{"children":[
			{"kind":"t1","data":{"id":"k1","author":"z","body":"What about errgroup?","parent_id":"t3_p9","replies":""}},
			{"kind":"more","data":{"id":"m"}}
		]}}
	]`)

	result, err := decodeComments(body)
	require.NoError(t, err)
	require.NotNil(t, result.Post)
	assert.Equal(t, "p9", result.Post.ID)
	require.Len(t, result.Comments, 1)
	assert.Equal(t, "p9", result.Comments[0].ParentID)
}

func TestStripKindPrefix(t *testing.T) {
	assert.Equal(t, "abc", stripKindPrefix("t3_abc"))
	assert.Equal(t, "abc", stripKindPrefix("t1_abc"))
	assert.Equal(t, "tx_abc", stripKindPrefix("tx_abc"))
	assert.Equal(t, "abc", stripKindPrefix("abc"))
}
