/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type Client struct {
	conn *websocket.Conn
	send chan any
	id   string
}

type command struct {
	client *Client
	msg    ClientMessage
}

// Hub owns every piece of shared state: connections, roster, pending
// proposals, the active session and its voting round. Only the run
// goroutine touches it.
type Hub struct {
	cfg      *Config
	store    Store
	tracker  IssueTracker
	notifier Notifier

	ctx      context.Context
	shutdown func()

	clients   map[*Client]bool
	roster    *Roster
	round     *Round
	proposals []Proposal

	currentSessionID string

	// inflight counts store and external calls whose results have not been
	// applied yet.
	queue    *storeQueue
	inflight int

	timerSeq     uint64
	timerCancel  context.CancelFunc
	tickInterval time.Duration

	register  chan *Client
	unreg     chan *Client
	commands  chan command
	ticks     chan timerTick
	callbacks chan func()
	done      chan struct{}
}

func newHub(cfg *Config, store Store, tracker IssueTracker, notifier Notifier) *Hub {
	h := &Hub{
		cfg:          cfg,
		store:        store,
		tracker:      tracker,
		notifier:     notifier,
		ctx:          context.Background(),
		clients:      make(map[*Client]bool),
		roster:       newRoster(),
		round:        newRound(),
		proposals:    []Proposal{},
		queue:        newStoreQueue(),
		tickInterval: time.Second,
		register:     make(chan *Client),
		unreg:        make(chan *Client),
		commands:     make(chan command),
		ticks:        make(chan timerTick),
		callbacks:    make(chan func()),
		done:         make(chan struct{}),
	}

	go h.queue.run(h.done)

	return h
}

func (h *Hub) run(ctx context.Context) {
	h.ctx = ctx
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unreg:
			h.handleUnregister(c)

		case cmd := <-h.commands:
			h.handleCommand(cmd)

		case t := <-h.ticks:
			h.handleTick(t)

		case fn := <-h.callbacks:
			fn()

		case <-ctx.Done():
			h.stopCountdown()
			h.closeAll()

			if h.inflight > 0 {
				logf(h.cfg, "POKER: Abandoning %d unfinished store and external calls", h.inflight)
			}

			return
		}
	}
}

// enqueue runs fn on the hub goroutine.
func (h *Hub) enqueue(fn func()) {
	select {
	case h.callbacks <- fn:
	case <-h.done:
	}
}

// external runs fn off the hub goroutine with a bounded context. A
// non-nil callback returned by fn is applied back on the hub.
func (h *Hub) external(fn func(ctx context.Context) func()) {
	ctx := h.ctx
	h.inflight++

	go func() {
		ctx, cancel := context.WithTimeout(ctx, h.cfg.externalTimeout)
		cb := fn(ctx)
		cancel()

		h.enqueue(h.settled(cb))
	}()
}

// storeCall queues fn on the store worker. Store calls run one at a time in
// the order they were made, so a later call always sees earlier writes. The
// callback returned by fn is applied back on the hub and must re-check any
// state that may have moved on in the meantime.
func (h *Hub) storeCall(fn func(ctx context.Context) func()) {
	ctx := h.ctx
	h.inflight++

	h.queue.push(func() {
		ctx, cancel := context.WithTimeout(ctx, h.cfg.storeTimeout)
		cb := fn(ctx)
		cancel()

		h.enqueue(h.settled(cb))
	})
}

func (h *Hub) settled(cb func()) func() {
	return func() {
		h.inflight--

		if cb != nil {
			cb()
		}
	}
}

func (h *Hub) handleRegister(c *Client) {
	h.clients[c] = true

	logf(h.cfg, "POKER: Connection %s opened (%d connected)", c.id, len(h.clients))
}

func (h *Hub) handleUnregister(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	m, wasAdmin := h.roster.remove(c.id)
	if m == nil {
		return
	}

	logf(h.cfg, "POKER: %q left", m.user.Name)

	dropped := h.round.drop(c.id)

	if wasAdmin && h.cfg.adminFailover == failoverNext {
		if next, ok := h.roster.promoteNext(); ok {
			logf(h.cfg, "POKER: Admin passed to %q", next.user.Name)
			h.sendTo(next.client, Event{Type: evSetAdminStatus, Data: AdminStatusData{IsAdmin: true, AdminID: next.client.id}})
		}
	}

	h.broadcastRoster()
	if dropped {
		h.broadcastVotes()
	}
}

// sendTo queues ev for one client, dropping the client if its buffer is
// full.
func (h *Hub) sendTo(c *Client, ev Event) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	select {
	case c.send <- ev:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcast(ev Event) {
	for client := range h.clients {
		select {
		case client.send <- ev:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) broadcastRoster() {
	h.broadcast(Event{Type: evRosterUpdated, Data: h.roster.participants()})
}

func (h *Hub) broadcastVotes() {
	h.broadcast(Event{Type: evVotesUpdated, Data: VotesData{Votes: h.round.voted(), Roster: h.roster.participants()}})
}

func (h *Hub) fail(c *Client, cmd string, err error) {
	if errors.Is(err, ErrStore) || errors.Is(err, ErrExternalService) {
		logError("%s: %v", cmd, err)
	} else {
		logf(h.cfg, "POKER: %s from %s failed: %v", cmd, c.id, err)
	}

	h.sendTo(c, Event{Type: evCommandFailed, Data: CommandFailedData{
		Command: cmd,
		Code:    errorCode(err),
		Message: err.Error(),
	}})
}

// failAdmin reports an error raised outside a command, such as a timer
// driven reveal, to the active admin.
func (h *Hub) failAdmin(cmd string, err error) {
	if m, ok := h.roster.get(h.roster.adminID); ok {
		h.fail(m.client, cmd, err)
		return
	}

	logError("%s: %v", cmd, err)
}

func (h *Hub) unauthorized(c *Client, cmd string) {
	logf(h.cfg, "POKER: Ignoring %s from non-admin %s", cmd, c.id)

	if h.cfg.reportUnauthorized {
		h.sendTo(c, Event{Type: evCommandFailed, Data: CommandFailedData{
			Command: cmd,
			Code:    errorCode(ErrUnauthorized),
			Message: ErrUnauthorized.Error(),
		}})
	}
}

func (h *Hub) handleCommand(cmd command) {
	c, msg := cmd.client, cmd.msg

	if adminOnly[msg.Type] && !h.roster.isAdmin(c.id) {
		h.unauthorized(c, msg.Type)
		return
	}

	switch msg.Type {
	case cmdLogin:
		h.handleLogin(c, msg)
	case cmdSetUserRole:
		h.handleSetUserRole(c, msg)
	case cmdVote:
		h.handleVote(c, msg)
	case cmdNewStory:
		h.handleNewStory(c, msg)
	case cmdStartTimer:
		h.handleStartTimer(c, msg)
	case cmdEndVoting:
		h.handleEndVoting(c)
	case cmdRevote:
		h.handleRevote(c)
	case cmdSubmitFinalEstimate:
		h.handleSubmitFinalEstimate(c, msg)
	case cmdEndSession:
		h.handleEndSession(c)
	case cmdProposeSession:
		h.handleProposeSession(c, msg)
	case cmdApproveSession:
		h.handleApproveSession(c, msg)
	case cmdSaveSession:
		h.handleSaveSession(c, msg)
	case cmdUpdateSession:
		h.handleUpdateSession(c, msg)
	case cmdStartSession:
		h.handleStartSession(c, msg)
	case cmdRestartSession:
		h.handleRestartSession(c, msg)
	case cmdDeleteSession:
		h.handleDeleteSession(c, msg)
	case cmdCloseSession:
		h.handleCloseSession(c, msg)
	case cmdGetSessionVelocity:
		h.handleGetSessionVelocity(c, msg)
	case cmdImportExternalIssue:
		h.handleImportExternalIssue(c, msg)
	case cmdCloseServer:
		h.handleCloseServer(c)
	default:
		logf(h.cfg, "POKER: Ignoring unknown command %q from %s", msg.Type, c.id)
	}
}

func (h *Hub) loginError(c *Client, message string) {
	h.sendTo(c, Event{Type: evLoginError, Data: LoginErrorData{Message: message}})
}

func (h *Hub) handleLogin(c *Client, msg ClientMessage) {
	var name string
	if err := decodeField(msg.Data, "name", &name); err != nil {
		h.loginError(c, "A name is required.")
		return
	}

	name = strings.TrimSpace(name)
	if name == "" {
		h.loginError(c, "A name is required.")
		return
	}

	if !h.canLogin(c, name) {
		return
	}

	store := h.store
	sessionID := h.currentSessionID

	h.storeCall(func(ctx context.Context) func() {
		user, err := store.EnsureUser(ctx, name)
		if err != nil {
			return func() {
				logError("login %q: %v", name, err)
				h.loginError(c, "Unable to log in right now. Please try again.")
			}
		}

		state := loadJoinState(ctx, store, sessionID)

		return func() {
			h.completeLogin(c, user, state)
		}
	})
}

// canLogin rejects a login for a connection that already has a name, or for
// a name someone else holds.
func (h *Hub) canLogin(c *Client, name string) bool {
	if _, ok := h.roster.get(c.id); ok {
		h.loginError(c, "This connection is already logged in.")
		return false
	}

	if h.roster.nameTaken(name) {
		h.loginError(c, "That name is already in use. Please choose a different name.")
		return false
	}

	return true
}

func (h *Hub) completeLogin(c *Client, user User, state joinState) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	if !h.canLogin(c, user.Name) {
		return
	}

	if err := h.roster.add(c, user); err != nil {
		h.loginError(c, err.Error())
		return
	}

	logf(h.cfg, "POKER: %q logged in as %s on %s (%d participants)", user.Name, user.Role, c.id, h.roster.len())

	h.sendTo(c, Event{Type: evSetAdminStatus, Data: AdminStatusData{
		IsAdmin: h.roster.isAdmin(c.id),
		AdminID: h.roster.adminID,
	}})

	h.broadcastRoster()

	h.syncLateJoiner(c, state)
}

// joinState is what a newly logged-in client needs from the store.
type joinState struct {
	sessions    []Session
	sessionsErr error
	active      *Session
}

func loadJoinState(ctx context.Context, store Store, sessionID string) joinState {
	var state joinState

	state.sessions, state.sessionsErr = store.ListSessions(ctx)

	if sessionID == "" {
		return state
	}

	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		logError("get session %s: %v", sessionID, err)
		return state
	}
	state.active = &sess

	return state
}

// syncLateJoiner brings a newly logged-in client up to the current state.
func (h *Hub) syncLateJoiner(c *Client, state joinState) {
	if state.sessionsErr != nil {
		logError("list sessions: %v", state.sessionsErr)
	} else {
		h.sendTo(c, Event{Type: evSessionsSynced, Data: state.sessions})
	}

	h.sendTo(c, Event{Type: evPendingProposalsSynced, Data: h.proposals})

	// A session started or ended since the lookup was already broadcast.
	if h.currentSessionID == "" || state.active == nil || state.active.ID != h.currentSessionID {
		return
	}
	h.sendTo(c, Event{Type: evSessionStarted, Data: *state.active})

	if h.round.phase == phaseNoStory {
		return
	}

	h.sendTo(c, Event{Type: evStoryUpdated, Data: h.round.story})
	h.sendTo(c, Event{Type: evVotesUpdated, Data: VotesData{Votes: h.round.voted(), Roster: h.roster.participants()}})

	if h.round.phase == phaseRevealed {
		h.sendTo(c, Event{Type: evVotesRevealed, Data: RevealedVotesData{Votes: h.round.revealed, Roster: h.roster.participants()}})
		h.sendTo(c, Event{Type: evRevoteEnabled})
	}
}

func (h *Hub) handleSetUserRole(c *Client, msg ClientMessage) {
	var p rolePayload
	if err := decodeData(msg.Data, &p); err != nil {
		h.fail(c, msg.Type, err)
		return
	}
	if !p.Role.valid() {
		h.fail(c, msg.Type, fmt.Errorf("%w: unknown role %q", ErrBadRequest, p.Role))
		return
	}

	target, ok := h.roster.get(p.UserID)
	if !ok {
		h.fail(c, msg.Type, fmt.Errorf("participant %s: %w", p.UserID, ErrNotFound))
		return
	}

	store := h.store
	name, conn := target.user.Name, target.client

	h.storeCall(func(ctx context.Context) func() {
		err := store.SetUserRole(ctx, name, p.Role)

		return func() {
			if err != nil {
				h.fail(c, msg.Type, err)
				return
			}

			// The stored role stands even if the participant has since left.
			if m, ok := h.roster.get(p.UserID); ok && m.client == conn {
				h.applyRole(m, p.Role)
			}
		}
	})
}

func (h *Hub) applyRole(target *member, role Role) {
	target.role = role
	target.user.Role = role

	logf(h.cfg, "POKER: %q is now %s", target.user.Name, role)

	switch {
	case role == RoleAdmin && h.roster.adminID != target.client.id:
		previous, hadAdmin := h.roster.get(h.roster.adminID)
		h.roster.adminID = target.client.id

		if hadAdmin {
			h.sendTo(previous.client, Event{Type: evSetAdminStatus, Data: AdminStatusData{IsAdmin: false, AdminID: h.roster.adminID}})
		}
	case role == RoleUser && h.roster.adminID == target.client.id:
		h.roster.adminID = ""
	}

	h.sendTo(target.client, Event{Type: evSetAdminStatus, Data: AdminStatusData{
		IsAdmin: h.roster.isAdmin(target.client.id),
		AdminID: h.roster.adminID,
	}})

	h.broadcastRoster()
}

func (h *Hub) handleCloseServer(c *Client) {
	logf(h.cfg, "POKER: Server close requested by %s", c.id)

	h.broadcast(Event{Type: evServerClosing})

	time.AfterFunc(h.cfg.closeGrace, func() {
		h.enqueue(func() {
			h.closeAll()

			if h.shutdown != nil {
				h.shutdown()
			}
		})
	})
}

// closeAll disconnects every client.
func (h *Hub) closeAll() {
	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		delete(h.clients, c)
	}
}
