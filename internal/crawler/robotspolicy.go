package crawler

import (
	"fmt"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
)

// maxRobotsBytes caps how much of a robots file is read.
const maxRobotsBytes = 1 << 20

// RobotsPolicy answers allow/deny and crawl-delay questions for one host.
type RobotsPolicy struct {
	data  *robotstxt.RobotsData
	group *robotstxt.Group
	agent string
}

// ParseRobots builds a policy from a robots response. 2xx bodies are parsed;
// 4xx means no rules apply. 5xx statuses and unparsable bodies fail closed
// with ErrRobotsUnavailable.
func ParseRobots(status int, body []byte, userAgent string) (*RobotsPolicy, error) {
	switch {
	case status >= 500:
		return nil, fmt.Errorf("robots status %d: %w", status, ErrRobotsUnavailable)
	case status >= 400:
	case status >= 200 && status < 300:
	default:
		return nil, fmt.Errorf("robots status %d: %w", status, ErrRobotsUnavailable)
	}
	if len(body) > maxRobotsBytes {
		body = body[:maxRobotsBytes]
	}
	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %v: %w", err, ErrRobotsUnavailable)
	}
	agent := AgentToken(userAgent)
	return &RobotsPolicy{
		data:  data,
		group: data.FindGroup(agent),
		agent: agent,
	}, nil
}

// AllowAllPolicy returns a policy with no rules and no delay.
func AllowAllPolicy() *RobotsPolicy {
	p, _ := ParseRobots(404, nil, "")
	return p
}

// IsAllowed reports whether path may be fetched by this crawler.
func (p *RobotsPolicy) IsAllowed(path string) bool {
	if p == nil {
		return false
	}
	if path == "" {
		path = "/"
	}
	return p.data.TestAgent(path, p.agent)
}

// CrawlDelay returns the delay declared for the matched user-agent group.
func (p *RobotsPolicy) CrawlDelay() time.Duration {
	if p == nil || p.group == nil {
		return 0
	}
	return p.group.CrawlDelay
}

// Sitemaps lists the sitemap URLs the robots file advertises.
func (p *RobotsPolicy) Sitemaps() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.data.Sitemaps...)
}

// AgentToken extracts the product token robots groups are matched against,
// e.g. "AIToolFinderBot" from "AIToolFinderBot/1.0 (+https://...)".
func AgentToken(userAgent string) string {
	token := strings.TrimSpace(userAgent)
	if i := strings.IndexAny(token, "/ ("); i >= 0 {
		token = token[:i]
	}
	if token == "" {
		return "*"
	}
	return token
}
