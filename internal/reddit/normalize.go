package reddit

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"
)

const redditOrigin = "https://www.reddit.com"

// rawPost is the union of the upstream post schemas. The classic schema uses
// score/created_utc/selftext; the newer one uses votes/createdAt/body and a nested community.
type rawPost struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Title        string          `json:"title"`
	Selftext     string          `json:"selftext"`
	Body         string          `json:"body"`
	Author       json.RawMessage `json:"author"`
	Subreddit    string          `json:"subreddit"`
	Community    *rawCommunity   `json:"community"`
	Permalink    string          `json:"permalink"`
	URL          string          `json:"url"`
	Score        *float64        `json:"score"`
	Votes        *float64        `json:"votes"`
	NumComments  *float64        `json:"num_comments"`
	CommentCount *float64        `json:"commentCount"`
	CreatedUTC   *float64        `json:"created_utc"`
	CreatedAt    string          `json:"createdAt"`
	Archived     bool            `json:"archived"`
	Locked       bool            `json:"locked"`
	IsArchived   bool            `json:"isArchived"`
	IsLocked     bool            `json:"isLocked"`
}

type rawCommunity struct {
	Name          string   `json:"name"`
	DisplayName   string   `json:"display_name"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	PublicDesc    string   `json:"public_description"`
	Subscribers   *float64 `json:"subscribers"`
	MemberCount   *float64 `json:"memberCount"`
	Over18        bool     `json:"over18"`
	Over18Snake   bool     `json:"over_18"`
	IsNSFW        bool     `json:"isNsfw"`
	SubredditName string   `json:"subreddit"`
}

type rawComment struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Body       string          `json:"body"`
	Text       string          `json:"text"`
	Author     json.RawMessage `json:"author"`
	Score      *float64        `json:"score"`
	Votes      *float64        `json:"votes"`
	CreatedUTC *float64        `json:"created_utc"`
	CreatedAt  string          `json:"createdAt"`
	ParentID   string          `json:"parent_id"`
	ParentId   string          `json:"parentId"`
	Replies    json.RawMessage `json:"replies"`
	Children   []rawComment    `json:"children"`
}

type listingChild struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type listing struct {
	Kind string `json:"kind"`
	Data struct {
		Children []listingChild `json:"children"`
	} `json:"data"`
}

func normalizePost(raw rawPost) Post {
	post := Post{
		ID:        stripKindPrefix(firstNonEmpty(raw.ID, raw.Name)),
		Title:     strings.TrimSpace(raw.Title),
		Body:      strings.TrimSpace(firstNonEmpty(raw.Selftext, raw.Body)),
		Author:    decodeAuthor(raw.Author),
		Subreddit: raw.Subreddit,
		Permalink: absolutePermalink(raw.Permalink),
		URL:       raw.URL,
		Archived:  raw.Archived || raw.IsArchived,
		Locked:    raw.Locked || raw.IsLocked,
	}
	if post.Subreddit == "" && raw.Community != nil {
		post.Subreddit = firstNonEmpty(raw.Community.Name, raw.Community.DisplayName, raw.Community.SubredditName)
	}
	post.Subreddit = strings.TrimPrefix(strings.TrimSpace(post.Subreddit), "r/")

	switch {
	case raw.Score != nil:
		post.Score = int(math.Round(*raw.Score))
	case raw.Votes != nil:
		post.Score = int(math.Round(*raw.Votes))
	}
	switch {
	case raw.NumComments != nil:
		post.NumComments = int(*raw.NumComments)
	case raw.CommentCount != nil:
		post.NumComments = int(*raw.CommentCount)
	}
	post.CreatedAt = parseCreated(raw.CreatedUTC, raw.CreatedAt)

	if post.Permalink == "" && strings.Contains(post.URL, "/comments/") {
		post.Permalink = post.URL
	}
	return post
}

func normalizeCommunity(raw *rawCommunity) *SubredditInfo {
	if raw == nil {
		return nil
	}
	info := &SubredditInfo{
		Name:        strings.TrimPrefix(firstNonEmpty(raw.Name, raw.DisplayName, raw.SubredditName), "r/"),
		Title:       raw.Title,
		Description: firstNonEmpty(raw.PublicDesc, raw.Description),
		Over18:      raw.Over18 || raw.Over18Snake || raw.IsNSFW,
	}
	switch {
	case raw.Subscribers != nil:
		info.Subscribers = int(*raw.Subscribers)
	case raw.MemberCount != nil:
		info.Subscribers = int(*raw.MemberCount)
	}
	if info.Name == "" {
		return nil
	}
	return info
}

// flattenComments walks the tree depth-first and keeps only nodes with a body.
func flattenComments(nodes []rawComment, parentID string, depth int, out []Comment) []Comment {
	for _, node := range nodes {
		id := stripKindPrefix(firstNonEmpty(node.ID, node.Name))
		body := strings.TrimSpace(firstNonEmpty(node.Body, node.Text))
		if id != "" && body != "" {
			comment := Comment{
				ID:        id,
				ParentID:  stripKindPrefix(firstNonEmpty(node.ParentID, node.ParentId, parentID)),
				Author:    decodeAuthor(node.Author),
				Body:      body,
				Depth:     depth,
				CreatedAt: parseCreated(node.CreatedUTC, node.CreatedAt),
			}
			switch {
			case node.Score != nil:
				comment.Score = int(math.Round(*node.Score))
			case node.Votes != nil:
				comment.Score = int(math.Round(*node.Votes))
			}
			out = append(out, comment)
		}

		children := node.Children
		if len(children) == 0 {
			children = decodeReplies(node.Replies)
		}
		if len(children) > 0 {
			out = flattenComments(children, id, depth+1, out)
		}
	}
	return out
}

// decodeReplies accepts a bare array, a reddit listing, or the empty string reddit uses for no replies.
func decodeReplies(raw json.RawMessage) []rawComment {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '[' {
		var nodes []rawComment
		if err := json.Unmarshal(raw, &nodes); err != nil {
			return nil
		}
		return nodes
	}
	var l listing
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil
	}
	return commentsFromListing(l)
}

func commentsFromListing(l listing) []rawComment {
	nodes := make([]rawComment, 0, len(l.Data.Children))
	for _, child := range l.Data.Children {
		if child.Kind != "" && child.Kind != "t1" {
			continue
		}
		var node rawComment
		if err := json.Unmarshal(child.Data, &node); err != nil {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes
}

func postsFromListing(l listing) []rawPost {
	posts := make([]rawPost, 0, len(l.Data.Children))
	for _, child := range l.Data.Children {
		if child.Kind != "" && child.Kind != "t3" {
			continue
		}
		var post rawPost
		if err := json.Unmarshal(child.Data, &post); err != nil {
			continue
		}
		posts = append(posts, post)
	}
	return posts
}

// unwrapData strips an optional {"data": ...} envelope that is not itself a listing.
func unwrapData(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return raw
	}
	var envelope struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Data) == 0 || envelope.Kind == "Listing" {
		return raw
	}
	return unwrapData(envelope.Data)
}

// decodePosts accepts a bare post array, a listing, or an object carrying posts and subreddit info.
func decodePosts(body []byte) ([]Post, *SubredditInfo, error) {
	raw := unwrapData(body)
	if len(raw) == 0 {
		return nil, nil, ErrMalformed
	}

	var rawPosts []rawPost
	var info *SubredditInfo

	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &rawPosts); err != nil {
			return nil, nil, ErrMalformed
		}
	case '{':
		var obj struct {
			Kind      string          `json:"kind"`
			Posts     json.RawMessage `json:"posts"`
			Results   json.RawMessage `json:"results"`
			Subreddit *rawCommunity   `json:"subreddit"`
			Community *rawCommunity   `json:"community"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, nil, ErrMalformed
		}
		if obj.Kind == "Listing" {
			var l listing
			if err := json.Unmarshal(raw, &l); err != nil {
				return nil, nil, ErrMalformed
			}
			rawPosts = postsFromListing(l)
			break
		}
		list := obj.Posts
		if len(list) == 0 {
			list = obj.Results
		}
		if len(list) > 0 {
			nested, _, err := decodePosts(list)
			if err != nil {
				return nil, nil, err
			}
			info = normalizeCommunity(firstCommunity(obj.Subreddit, obj.Community))
			return nested, info, nil
		}
		info = normalizeCommunity(firstCommunity(obj.Subreddit, obj.Community))
	default:
		return nil, nil, ErrMalformed
	}

	posts := make([]Post, 0, len(rawPosts))
	for _, rp := range rawPosts {
		post := normalizePost(rp)
		if post.ID == "" {
			continue
		}
		posts = append(posts, post)
	}
	return posts, info, nil
}

// decodeComments accepts reddit's [postListing, commentListing] pair or an object with post and comments.
func decodeComments(body []byte) (PostComments, error) {
	raw := unwrapData(body)
	if len(raw) == 0 {
		return PostComments{}, ErrMalformed
	}

	if raw[0] == '[' {
		var pair []listing
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) == 0 {
			return PostComments{}, ErrMalformed
		}
		result := PostComments{}
		if posts := postsFromListing(pair[0]); len(posts) > 0 {
			post := normalizePost(posts[0])
			result.Post = &post
		}
		if len(pair) > 1 {
			result.Comments = flattenComments(commentsFromListing(pair[1]), "", 0, nil)
		}
		return result, nil
	}

	var obj struct {
		Post      *rawPost      `json:"post"`
		Comments  []rawComment  `json:"comments"`
		Subreddit *rawCommunity `json:"subreddit"`
		Community *rawCommunity `json:"community"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return PostComments{}, ErrMalformed
	}
	result := PostComments{
		Subreddit: normalizeCommunity(firstCommunity(obj.Subreddit, obj.Community)),
	}
	if obj.Post != nil {
		post := normalizePost(*obj.Post)
		result.Post = &post
		if result.Subreddit == nil && obj.Post.Community != nil {
			result.Subreddit = normalizeCommunity(obj.Post.Community)
		}
	}
	result.Comments = flattenComments(obj.Comments, "", 0, nil)
	return result, nil
}

func decodeAuthor(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var obj struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return firstNonEmpty(obj.Name, obj.Username)
	}
	return ""
}

func parseCreated(unix *float64, iso string) time.Time {
	if unix != nil && *unix > 0 {
		sec, frac := math.Modf(*unix)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	iso = strings.TrimSpace(iso)
	if iso == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700"} {
		if t, err := time.Parse(layout, iso); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func absolutePermalink(permalink string) string {
	permalink = strings.TrimSpace(permalink)
	if permalink == "" || strings.HasPrefix(permalink, "http") {
		return permalink
	}
	if !strings.HasPrefix(permalink, "/") {
		permalink = "/" + permalink
	}
	return redditOrigin + permalink
}

func stripKindPrefix(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > 3 && id[0] == 't' && id[2] == '_' && id[1] >= '1' && id[1] <= '6' {
		return id[3:]
	}
	return id
}

func firstCommunity(values ...*rawCommunity) *rawCommunity {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
