// Package riotapi contains minimal helpers to fetch match and timeline data
// from the Riot match-v5 APIs using a developer API key.
package riotapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/matchscribe/backend/backoff"
)

// Client provides the two reads the analysis pipeline needs.
type Client struct {
	APIKey     string
	BaseURL    string // e.g. https://europe.api.riotgames.com
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Match is the subset of the match-v5 payload the scorers consume.
type Match struct {
	Metadata struct {
		MatchID string `json:"matchId"`
	} `json:"metadata"`
	Info struct {
		GameDuration int64         `json:"gameDuration"` // seconds
		GameMode     string        `json:"gameMode"`
		QueueID      int           `json:"queueId"`
		Participants []Participant `json:"participants"`
	} `json:"info"`
}

type Participant struct {
	PUUID                       string `json:"puuid"`
	SummonerName                string `json:"summonerName"`
	ChampionName                string `json:"championName"`
	TeamID                      int    `json:"teamId"`
	TeamPosition                string `json:"teamPosition"`
	Kills                       int    `json:"kills"`
	Deaths                      int    `json:"deaths"`
	Assists                     int    `json:"assists"`
	TotalDamageDealtToChampions int64  `json:"totalDamageDealtToChampions"`
	GoldEarned                  int64  `json:"goldEarned"`
	VisionScore                 int    `json:"visionScore"`
	TotalMinionsKilled          int    `json:"totalMinionsKilled"`
	NeutralMinionsKilled        int    `json:"neutralMinionsKilled"`
	Win                         bool   `json:"win"`
}

// Timeline carries per-frame events; the scorers only need coarse frame data.
type Timeline struct {
	Info struct {
		FrameInterval int64 `json:"frameInterval"`
		Frames        []struct {
			Timestamp int64 `json:"timestamp"`
		} `json:"frames"`
	} `json:"info"`
}

// APIError is a non-2xx upstream response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("riot api: status %d: %s", e.StatusCode, e.Body)
}

// GetMatch fetches the raw match payload for a match id.
func (c *Client) GetMatch(ctx context.Context, matchID string) (*Match, error) {
	if matchID == "" {
		return nil, backoff.NonRetryable(fmt.Errorf("match id empty"))
	}
	var m Match
	if err := c.getJSON(ctx, "/lol/match/v5/matches/"+matchID, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetTimeline fetches the timeline payload for a match id.
func (c *Client) GetTimeline(ctx context.Context, matchID string) (*Timeline, error) {
	if matchID == "" {
		return nil, backoff.NonRetryable(fmt.Errorf("match id empty"))
	}
	var tl Timeline
	if err := c.getJSON(ctx, "/lol/match/v5/matches/"+matchID+"/timeline", &tl); err != nil {
		return nil, err
	}
	return &tl, nil
}

// getJSON performs the request and folds the response status into the retry
// taxonomy: 429 carries the Retry-After hint, 4xx (bar 429) never retries,
// everything else is transient.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return backoff.NonRetryable(err)
	}
	req.Header.Set("X-Riot-Token", c.APIKey)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return backoff.RateLimited(&APIError{StatusCode: resp.StatusCode}, retryAfter(resp))
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return backoff.NonRetryable(&APIError{StatusCode: resp.StatusCode, Body: string(b)})
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode riot response: %w", err)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 0
}
