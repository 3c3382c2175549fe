/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Notifier posts session summaries to a chat channel.
type Notifier interface {
	PostSummary(ctx context.Context, text string) error
}

type slackWebhook struct {
	webhookURL string
	client     *http.Client
}

func newSlackWebhook(webhookURL string) *slackWebhook {
	return &slackWebhook{
		webhookURL: webhookURL,
		client:     &http.Client{},
	}
}

func (s *slackWebhook) PostSummary(ctx context.Context, text string) error {
	if s.webhookURL == "" {
		return nil
	}

	b, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned status %d", ErrExternalService, resp.StatusCode)
	}

	return nil
}

type storySummary struct {
	story    Story
	voters   []string
	votes    map[string]string
	estimate string
}

// formatSummary renders a session's results as Slack mrkdwn, one block per
// story. Later rounds override earlier votes from the same participant.
func formatSummary(sess Session) string {
	var b strings.Builder

	fmt.Fprintf(&b, "*Session: %s*\n*Sprint: %s*\n*Sprint Goal: %s*\n", sess.SessionName, sess.Sprint, sess.SprintGoal)

	var stories []*storySummary

	for _, r := range sess.ResultRounds {
		var s *storySummary
		for _, seen := range stories {
			if seen.story.sameIdentity(r.Story) {
				s = seen
				break
			}
		}
		if s == nil {
			s = &storySummary{story: r.Story, votes: make(map[string]string)}
			stories = append(stories, s)
		}

		for _, v := range r.Votes {
			if _, seen := s.votes[v.ParticipantName]; !seen {
				s.voters = append(s.voters, v.ParticipantName)
			}
			s.votes[v.ParticipantName] = v.Vote
		}

		if r.Story.FinalEstimate != "" {
			s.estimate = r.Story.FinalEstimate
		}
	}

	for i, s := range stories {
		if i > 0 {
			b.WriteString("\n\n")
		}

		votes := make([]string, 0, len(s.voters))
		for _, name := range s.voters {
			votes = append(votes, fmt.Sprintf("%s voted %s", name, s.votes[name]))
		}

		fmt.Fprintf(&b, "Summary: \"%s\"\nDescription: \"%s\"\nVotes: %s", s.story.Summary, s.story.Description, strings.Join(votes, ", "))

		if s.estimate != "" {
			fmt.Fprintf(&b, "\nFinal Estimate: %s", s.estimate)
		}
	}

	return b.String()
}
