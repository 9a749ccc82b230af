package reddit

import (
	"math"
	"strings"
	"time"

	"automemer/internal/ledger"
)

type listing struct {
	Kind string `json:"kind"`
	Data struct {
		Children []struct {
			Kind string `json:"kind"`
			Data post   `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type post struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	Subreddit   string  `json:"subreddit"`
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	Over18      bool    `json:"over_18"`
	Ups         int     `json:"ups"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	CreatedUTC  float64 `json:"created_utc"`
}

// observations keeps only link posts (t3) and stamps them with one
// observation time.
func (c *Client) observations(l listing) []ledger.Observation {
	now := c.now().UTC()
	out := make([]ledger.Observation, 0, len(l.Data.Children))
	for _, ch := range l.Data.Children {
		if ch.Kind != "t3" {
			continue
		}
		p := ch.Data
		out = append(out, ledger.Observation{
			ID:         p.ID,
			URL:        strings.TrimSpace(p.URL),
			Source:     p.Subreddit,
			Restricted: p.Over18,
			Score:      p.Ups,
			Ratio:      p.UpvoteRatio,
			Title:      p.Title,
			Permalink:  shortLinkBase + p.ID,
			Author:     p.Author,
			CreatedAt:  unixSeconds(p.CreatedUTC),
			ObservedAt: now,
		})
	}
	return out
}

func unixSeconds(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
