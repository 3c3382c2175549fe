/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Commands accepted from clients.
const (
	cmdLogin               = "login"
	cmdVote                = "vote"
	cmdNewStory            = "newStory"
	cmdSubmitFinalEstimate = "submitFinalEstimate"
	cmdStartTimer          = "startTimer"
	cmdEndVoting           = "endVoting"
	cmdRevote              = "revote"
	cmdEndSession          = "endSession"
	cmdProposeSession      = "proposeSession"
	cmdApproveSession      = "approveSession"
	cmdSaveSession         = "saveSession"
	cmdUpdateSession       = "updateSession"
	cmdStartSession        = "startSession"
	cmdRestartSession      = "restartSession"
	cmdDeleteSession       = "deleteSession"
	cmdCloseSession        = "closeSession"
	cmdSetUserRole         = "setUserRole"
	cmdImportExternalIssue = "importExternalIssue"
	cmdGetSessionVelocity  = "getSessionVelocity"
	cmdCloseServer         = "closeServer"
)

// Events sent to clients.
const (
	evLoginError                = "loginError"
	evSetAdminStatus            = "setAdminStatus"
	evRosterUpdated             = "rosterUpdated"
	evPendingProposalsSynced    = "pendingProposalsSynced"
	evSessionsSynced            = "sessionsSynced"
	evSessionStarted            = "sessionStarted"
	evStoryUpdated              = "storyUpdated"
	evVotesUpdated              = "votesUpdated"
	evVotesRevealed             = "votesRevealed"
	evVotesHidden               = "votesHidden"
	evVotingReset               = "votingReset"
	evTimerStarted              = "timerStarted"
	evTimerTick                 = "timerTick"
	evFinalEstimateCommitted    = "finalEstimateCommitted"
	evVelocityUpdated           = "velocityUpdated"
	evRevoteEnabled             = "revoteEnabled"
	evRevoteDisabled            = "revoteDisabled"
	evSessionSummary            = "sessionSummary"
	evSessionVelocity           = "sessionVelocity"
	evServerClosing             = "serverClosing"
	evExternalIssueImported     = "externalIssueImported"
	evExternalIssueUpdateFailed = "externalIssueUpdateFailed"
	evCommandFailed             = "commandFailed"
)

// adminOnly lists the commands that only the active admin may issue.
var adminOnly = map[string]bool{
	cmdNewStory:            true,
	cmdSubmitFinalEstimate: true,
	cmdStartTimer:          true,
	cmdEndVoting:           true,
	cmdRevote:              true,
	cmdEndSession:          true,
	cmdApproveSession:      true,
	cmdSaveSession:         true,
	cmdUpdateSession:       true,
	cmdStartSession:        true,
	cmdRestartSession:      true,
	cmdDeleteSession:       true,
	cmdCloseSession:        true,
	cmdSetUserRole:         true,
	cmdImportExternalIssue: true,
	cmdCloseServer:         true,
}

// ClientMessage is a command frame read from a client.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is a frame written to clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type LoginErrorData struct {
	Message string `json:"message"`
}

type AdminStatusData struct {
	IsAdmin bool   `json:"isAdmin"`
	AdminID string `json:"adminId"`
}

// VotesData carries who has voted while votes are hidden.
type VotesData struct {
	Votes  map[string]bool `json:"votes"`
	Roster []Participant   `json:"roster"`
}

// RevealedVotesData carries vote values keyed by connection, with the
// roster so clients can render names.
type RevealedVotesData struct {
	Votes  map[string]string `json:"votes"`
	Roster []Participant     `json:"roster"`
}

type TimerStartedData struct {
	Seconds int `json:"seconds"`
}

type TimerTickData struct {
	Remaining int `json:"remaining"`
}

type FinalEstimateData struct {
	Estimate string `json:"estimate"`
	Round    int    `json:"round"`
}

type VelocityData struct {
	SessionID string `json:"sessionId"`
	Velocity  int    `json:"velocity"`
}

type ImportedIssueData struct {
	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url"`
	Error       string `json:"error,omitempty"`
}

type IssueUpdateFailedData struct {
	URL     string `json:"url"`
	Message string `json:"message"`
}

type CommandFailedData struct {
	Command string `json:"command"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type votePayload struct {
	Value json.RawMessage `json:"value"`
	Vote  json.RawMessage `json:"vote"`
}

type estimatePayload struct {
	Estimate json.RawMessage `json:"estimate"`
	JiraURL  string          `json:"jiraUrl"`
}

type rolePayload struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// decodeField reads a command argument that clients send either bare
// ("data": "abc") or wrapped in an object ("data": {"id": "abc"}).
func decodeField(raw json.RawMessage, key string, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing %s", ErrBadRequest, key)
	}

	if raw[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		inner, ok := obj[key]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrBadRequest, key)
		}
		raw = inner
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadRequest, key, err)
	}

	return nil
}

func decodeData(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: missing data", ErrBadRequest)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	return nil
}

// voteValue reads a ballot sent as {"value": 5}, {"vote": "?"} or a bare
// number or string.
func voteValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)

	if len(raw) > 0 && raw[0] == '{' {
		var p votePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		raw = p.Value
		if len(raw) == 0 {
			raw = p.Vote
		}
	}

	value, ok := scalarText(raw)
	if !ok {
		return "", fmt.Errorf("%w: vote must be a number or a non-empty string", ErrBadRequest)
	}

	return value, nil
}

// scalarText normalizes a JSON number or string into its text form.
func scalarText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}

	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}
