package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	campaigndomain "github.com/smallbiznis/threadscout/internal/campaign/domain"
	"github.com/smallbiznis/threadscout/internal/config"
	opportunitydomain "github.com/smallbiznis/threadscout/internal/opportunity/domain"
	"github.com/smallbiznis/threadscout/internal/reddit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// query is one scraping request and the keyword it represents.
type query struct {
	text    string
	keyword string
}

// candidate is a thread plus the keyword that surfaced it first.
type candidate struct {
	post    reddit.Post
	keyword string
}

// Engine gathers candidate threads for a campaign. A failing upstream call
// only empties its own source; the sweep always returns what it collected.
type Engine struct {
	reddit   reddit.Client
	policies *config.PipelineConfigHolder
	log      *zap.Logger
}

func NewEngine(client reddit.Client, policies *config.PipelineConfigHolder, log *zap.Logger) *Engine {
	return &Engine{
		reddit:   client,
		policies: policies,
		log:      log.Named("discovery.engine"),
	}
}

// minerQueries builds the one-shot sweep: one query per brand and feature
// keyword plus three comparison queries per competitor.
func minerQueries(c *campaigndomain.Campaign) []query {
	var out []query
	for _, kw := range c.ActiveKeywords(campaigndomain.BucketBrand, campaigndomain.BucketFeature) {
		out = append(out, query{text: kw.Term, keyword: kw.Term})
	}
	for _, kw := range c.ActiveKeywords(campaigndomain.BucketCompetitor) {
		out = append(out,
			query{text: fmt.Sprintf("alternative to %s", kw.Term), keyword: kw.Term},
			query{text: fmt.Sprintf("%s vs", kw.Term), keyword: kw.Term},
			query{text: fmt.Sprintf("switch from %s", kw.Term), keyword: kw.Term},
		)
	}
	return out
}

// scoutQueries searches every active keyword once.
func scoutQueries(c *campaigndomain.Campaign) []query {
	keywords := c.ActiveKeywords()
	out := make([]query, 0, len(keywords))
	for _, kw := range keywords {
		out = append(out, query{text: kw.Term, keyword: kw.Term})
	}
	return out
}

// mine runs the miner queries and merges results by thread id.
func (e *Engine) mine(ctx context.Context, c *campaigndomain.Campaign) []candidate {
	return e.search(ctx, minerQueries(c))
}

// scan runs the scout's keyword searches and community scans.
func (e *Engine) scan(ctx context.Context, c *campaigndomain.Campaign) []candidate {
	found := e.search(ctx, scoutQueries(c))
	return mergeCandidates(found, e.scanCommunities(ctx, c))
}

func (e *Engine) search(ctx context.Context, queries []query) []candidate {
	policy := e.policies.Get().Discovery
	opts := reddit.SearchOptions{Sort: policy.SearchSort, Timeframe: policy.SearchTimeframe}

	results := make([][]reddit.Post, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fanOut())
	for i, q := range queries {
		g.Go(func() error {
			posts, err := e.reddit.SearchReddit(gctx, q.text, opts)
			if err != nil {
				e.log.Warn("search failed", zap.String("query", q.text), zap.Error(err))
				return nil
			}
			results[i] = posts
			return nil
		})
	}
	_ = g.Wait()

	// Merge in query order so the first listed keyword wins.
	var out []candidate
	for i, posts := range results {
		for _, post := range posts {
			out = append(out, candidate{post: post, keyword: queries[i].keyword})
		}
	}
	return mergeCandidates(out)
}

// scanCommunities reads each target community's newest posts and matches
// keywords against titles locally.
func (e *Engine) scanCommunities(ctx context.Context, c *campaigndomain.Campaign) []candidate {
	communities := c.ActiveCommunities()
	keywords := c.ActiveKeywords()
	if len(communities) == 0 || len(keywords) == 0 {
		return nil
	}

	results := make([][]candidate, len(communities))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fanOut())
	for i, community := range communities {
		g.Go(func() error {
			posts, err := e.reddit.GetRecentSubredditPosts(gctx, community.Name)
			if err != nil {
				e.log.Warn("community scan failed", zap.String("subreddit", community.Name), zap.Error(err))
				return nil
			}
			for _, post := range posts {
				if kw := matchKeyword(post.Title, keywords); kw != "" {
					results[i] = append(results[i], candidate{post: post, keyword: kw})
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []candidate
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// replyTarget is a question-shaped comment worth answering directly.
type replyTarget struct {
	commentID string
	text      string
	reason    string
}

// findReplyTargets fetches comment trees for threads concurrently and returns
// the best matching question per thread id.
func (e *Engine) findReplyTargets(ctx context.Context, c *campaigndomain.Campaign, threads []candidate) map[string]replyTarget {
	keywords := c.ActiveKeywords()
	out := make(map[string]replyTarget)
	if len(keywords) == 0 {
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fanOut())
	for _, th := range threads {
		g.Go(func() error {
			tree, err := e.reddit.GetPostComments(gctx, th.post.Permalink)
			if err != nil {
				e.log.Warn("comment fetch failed", zap.String("thread_id", th.post.ID), zap.Error(err))
				return nil
			}
			if target, ok := pickQuestion(tree.Comments, keywords); ok {
				mu.Lock()
				out[th.post.ID] = target
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) fanOut() int {
	n := e.policies.Get().Discovery.FanOut
	if n <= 0 {
		n = config.DefaultPipelineConfig().Discovery.FanOut
	}
	return n
}

// mergeCandidates dedups by thread id keeping the first occurrence.
func mergeCandidates(groups ...[]candidate) []candidate {
	seen := make(map[string]struct{})
	var out []candidate
	for _, group := range groups {
		for _, c := range group {
			if c.post.ID == "" {
				continue
			}
			if _, ok := seen[c.post.ID]; ok {
				continue
			}
			seen[c.post.ID] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// rankByEngagement orders candidates by score then comment count.
func rankByEngagement(cands []candidate) []candidate {
	ranked := append([]candidate(nil), cands...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].post.Score != ranked[j].post.Score {
			return ranked[i].post.Score > ranked[j].post.Score
		}
		return ranked[i].post.NumComments > ranked[j].post.NumComments
	})
	return ranked
}

func matchKeyword(text string, keywords []campaigndomain.Keyword) string {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw.Term)) {
			return kw.Term
		}
	}
	return ""
}

var interrogatives = []string{
	"what", "which", "who", "whom", "whose", "when", "where", "why", "how",
	"is", "are", "does", "do", "can", "could", "should", "would", "will", "anyone", "any",
}

// IsQuestion reports whether text opens with an interrogative word or contains a question mark.
func IsQuestion(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if strings.Contains(text, "?") {
		return true
	}
	first := strings.ToLower(strings.Fields(text)[0])
	first = strings.TrimRight(first, ",.:;!")
	for _, word := range interrogatives {
		if first == word {
			return true
		}
	}
	return false
}

// pickQuestion returns the highest-scored question comment mentioning a keyword.
func pickQuestion(comments []reddit.Comment, keywords []campaigndomain.Keyword) (replyTarget, bool) {
	var (
		best  reddit.Comment
		match string
		found bool
	)
	for _, comment := range comments {
		if !IsQuestion(comment.Body) {
			continue
		}
		kw := matchKeyword(comment.Body, keywords)
		if kw == "" {
			continue
		}
		if !found || comment.Score > best.Score {
			best, match, found = comment, kw, true
		}
	}
	if !found {
		return replyTarget{}, false
	}
	author := best.Author
	if author == "" {
		author = "[deleted]"
	}
	return replyTarget{
		commentID: best.ID,
		text:      best.Body,
		reason:    fmt.Sprintf("u/%s asked a question mentioning %q", author, match),
	}, true
}

func toDiscovered(c candidate, source opportunitydomain.Source) opportunitydomain.Discovered {
	return opportunitydomain.Discovered{
		ThreadID:        c.post.ID,
		Permalink:       c.post.Permalink,
		Title:           c.post.Title,
		Body:            c.post.Body,
		Subreddit:       c.post.Subreddit,
		Upvotes:         c.post.Score,
		CommentCount:    c.post.NumComments,
		ThreadCreatedAt: c.post.CreatedAt,
		MatchedKeyword:  c.keyword,
		Source:          source,
	}
}
