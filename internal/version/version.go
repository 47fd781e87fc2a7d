/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version carries the build version and an optional release checker.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Version is set at build time via ldflags:
//
//	-X github.com/friendsincode/bayline/internal/version.Version=X.Y.Z
var Version = "0.3.0"

// GitHubRepo is the repository polled for releases.
const GitHubRepo = "friendsincode/bayline"

// Release describes the newest published release as last seen.
type Release struct {
	Current   string    `json:"current"`
	Latest    string    `json:"latest,omitempty"`
	Newer     bool      `json:"newer"`
	URL       string    `json:"url,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// CheckerConfig tunes the release checker.
type CheckerConfig struct {
	// ReleasesURL defaults to the GitHub latest-release endpoint of GitHubRepo.
	ReleasesURL string
	Period      time.Duration
	Timeout     time.Duration
}

// Checker polls the releases endpoint until stopped.
type Checker struct {
	cfg    CheckerConfig
	client *http.Client
	logger zerolog.Logger

	mu      sync.RWMutex
	release Release
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewChecker creates a release checker.
func NewChecker(cfg CheckerConfig, logger zerolog.Logger) *Checker {
	if cfg.ReleasesURL == "" {
		cfg.ReleasesURL = fmt.Sprintf("https://api.github.com/repos/%s/releases/latest", GitHubRepo)
	}
	if cfg.Period <= 0 {
		cfg.Period = 6 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Checker{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With().Str("component", "release_checker").Logger(),
		release: Release{Current: Version},
	}
}

// Start checks once in the background and then every period.
func (c *Checker) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.Period)
		defer ticker.Stop()

		for {
			if err := c.Check(ctx); err != nil && ctx.Err() == nil {
				c.logger.Debug().Err(err).Msg("release check failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends polling and waits for an in-flight check.
func (c *Checker) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

// Latest returns the last recorded release.
func (c *Checker) Latest() Release {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.release
}

type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
	Body    string `json:"body"`
}

// Check fetches the latest release once.
func (c *Checker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ReleasesURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "bayline/"+Version)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("releases endpoint returned %d", resp.StatusCode)
	}

	var gr githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return fmt.Errorf("decode release: %w", err)
	}

	latest := strings.TrimPrefix(gr.TagName, "v")
	rel := Release{
		Current:   Version,
		Latest:    latest,
		Newer:     Compare(Version, latest) < 0,
		URL:       gr.HTMLURL,
		Notes:     firstLine(gr.Body, 200),
		CheckedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	c.release = rel
	c.mu.Unlock()

	if rel.Newer {
		c.logger.Info().
			Str("current", Version).
			Str("latest", latest).
			Str("url", gr.HTMLURL).
			Msg("new version available")
	}
	return nil
}

// Compare orders two dotted versions numerically: -1, 0 or 1. A
// pre-release suffix ("-rc1") sorts before the plain version.
func Compare(a, b string) int {
	an, apre := split(a)
	bn, bpre := split(b)
	for i := range an {
		switch {
		case an[i] < bn[i]:
			return -1
		case an[i] > bn[i]:
			return 1
		}
	}
	switch {
	case apre == bpre:
		return 0
	case apre == "":
		return 1
	case bpre == "":
		return -1
	case apre < bpre:
		return -1
	default:
		return 1
	}
}

func split(v string) ([3]int, string) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	var pre string
	if i := strings.IndexByte(v, '-'); i >= 0 {
		v, pre = v[:i], v[i+1:]
	}
	var out [3]int
	for i, part := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(part)
		if err != nil {
			break
		}
		out[i] = n
	}
	return out, pre
}

func firstLine(s string, limit int) string {
	s = strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
	if len(s) > limit {
		return s[:limit-3] + "..."
	}
	return s
}
