/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"math"
	"strconv"
	"strings"
)

type Role string

const (
	RoleUser  Role = "User"
	RoleAdmin Role = "Admin"
)

func (r Role) valid() bool {
	return r == RoleUser || r == RoleAdmin
}

type SessionStatus string

const (
	SessionOpen   SessionStatus = "Open"
	SessionClosed SessionStatus = "Closed"
)

// User is the durable identity behind a display name.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Participant is a logged-in connection.
type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	HasVoted bool   `json:"voted"`
}

type Story struct {
	Summary       string `json:"summary"`
	Description   string `json:"description"`
	JiraURL       string `json:"jiraUrl,omitempty"`
	FinalEstimate string `json:"finalEstimate,omitempty"`
}

// sameIdentity reports whether two stories refer to the same work item.
func (s Story) sameIdentity(o Story) bool {
	return s.Summary == o.Summary && s.Description == o.Description
}

type VoteRecord struct {
	ParticipantName string `json:"participantName"`
	Vote            string `json:"vote"`
}

// Result is one persisted voting round.
type Result struct {
	Story     Story        `json:"story"`
	Votes     []VoteRecord `json:"votes"`
	Round     int          `json:"round"`
	Timestamp string       `json:"timestamp"`
}

type Session struct {
	ID           string        `json:"id"`
	SessionName  string        `json:"sessionName"`
	Sprint       string        `json:"sprint"`
	SprintGoal   string        `json:"sprintGoal"`
	Date         string        `json:"date"`
	Status       SessionStatus `json:"status"`
	Velocity     int           `json:"velocity"`
	ResultRounds []Result      `json:"results"`
}

// Proposal is a session suggested by a non-admin, held in memory until an
// admin approves it.
type Proposal struct {
	ID          string `json:"id"`
	SessionName string `json:"sessionName"`
	Sprint      string `json:"sprint"`
	SprintGoal  string `json:"sprintGoal"`
	Date        string `json:"date"`
	ProposedBy  string `json:"proposedBy"`
}

// estimatePoints returns the integer contribution of an estimate to
// velocity. Fractions are truncated; anything that is not a finite number
// in the 32-bit range of the velocity column contributes nothing.
func estimatePoints(estimate string) (int, bool) {
	s := strings.TrimSpace(estimate)
	if s == "" {
		return 0, false
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n > math.MaxInt32 || n < math.MinInt32 {
			return 0, false
		}

		return n, true
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}

	return int(math.Trunc(f)), true
}
