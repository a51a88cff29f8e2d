package main

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Messages coming from clients.
type ClientMessage struct {
	Type           string `json:"type"`                     // "host", "join", "start_game", "change_question", "reveal_answer", "show_results", "submit_answer", "resync"
	Name           string `json:"name,omitempty"`           // join
	Pin            int    `json:"pin,omitempty"`            // join
	GameID         string `json:"gameId,omitempty"`         // start_game
	QuestionNumber *int   `json:"questionNumber,omitempty"` // change_question / submit_answer
	Choice         *int   `json:"choice,omitempty"`         // submit_answer
}

// ErrorMessage is sent only to the offending connection.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JoinedMessage acknowledges a join or rejoin, carrying the score the
// identity has accumulated so far.
type JoinedMessage struct {
	Type     string `json:"type"` // "joined"
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
	Rejoined bool   `json:"rejoined"`
}

// QuestionView is a question as clients are allowed to see it: the correct
// option is only present once the answer has been revealed.
type QuestionView struct {
	Number        int      `json:"number"`
	Prompt        string   `json:"prompt"`
	Options       []string `json:"options"`
	CorrectOption *int     `json:"correctOption,omitempty"`
}

// StateMessage is the resync snapshot sent on connect and on request.
type StateMessage struct {
	Type            string        `json:"type"` // "state"
	Status          string        `json:"status"`
	CurrentQuestion int           `json:"currentQuestion"`
	AnswerRevealed  bool          `json:"answerRevealed"`
	QuestionCount   int           `json:"questionCount"`
	PlayerCount     int           `json:"playerCount"`
	Question        *QuestionView `json:"question,omitempty"`
	Standings       []standing    `json:"standings,omitempty"`
}

// Broadcast events, fanned out to every connected client.
type GameStartedMessage struct {
	Type   string `json:"type"` // "game_started"
	GameID string `json:"gameId"`
}

type QuestionChangedMessage struct {
	Type           string `json:"type"` // "question_changed"
	QuestionNumber int    `json:"questionNumber"`
}

type AnswerRevealedMessage struct {
	Type          string `json:"type"` // "answer_revealed"
	CorrectOption int    `json:"correctOption"`
}

// AnswerSubmittedMessage carries correctness only; the chosen option is
// never broadcast, so other players can still guess.
type AnswerSubmittedMessage struct {
	Type     string `json:"type"` // "answer_submitted"
	PlayerID string `json:"playerId"`
	Name     string `json:"name,omitempty"`
	Correct  bool   `json:"correct"`
}

type ResultsShownMessage struct {
	Type      string     `json:"type"` // "results_shown"
	Standings []standing `json:"standings"`
}

type client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
	isHost   bool
}

type inbound struct {
	client *client
	msg    ClientMessage
}

// Hub owns the authoritative game state, the connection registry and the
// score table. Its run loop is the single writer for all three; broadcasts
// fan out through per-client buffered channels so a slow client never
// blocks the critical section.
type Hub struct {
	cfg *Config

	game      *gameState
	reg       *registry
	scores    *scoreboard
	persister *persister

	register chan *client
	unreg    chan *client
	joins    chan inbound
	cmds     chan inbound
	answers  chan inbound
	resyncs  chan inbound

	mu sync.Mutex
}

func newQuizHub(cfg *Config, game *gameState, reg *registry, scores *scoreboard, persister *persister) *Hub {
	return &Hub{
		cfg:       cfg,
		game:      game,
		reg:       reg,
		scores:    scores,
		persister: persister,
		register:  make(chan *client),
		unreg:     make(chan *client),
		joins:     make(chan inbound),
		cmds:      make(chan inbound),
		answers:   make(chan inbound),
		resyncs:   make(chan inbound),
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.reg.add(c)
			h.sendLocked(c, h.snapshotLocked())
			h.mu.Unlock()

		case c := <-h.unreg:
			h.mu.Lock()
			if _, ok := h.reg.clients[c]; ok {
				h.reg.remove(c)
				close(c.send)
			}
			h.mu.Unlock()
			logf(h.cfg, "QUIZ: Connection closed (host=%t player=%q)", c.isHost, c.playerID)

		case in := <-h.joins:
			h.handleJoin(in)

		case in := <-h.cmds:
			h.handleHostCommand(in)

		case in := <-h.answers:
			h.handleAnswer(in)

		case in := <-h.resyncs:
			h.mu.Lock()
			h.sendLocked(in.client, h.snapshotLocked())
			h.mu.Unlock()
		}
	}
}

// sendLocked delivers to one client without blocking; a full buffer drops
// the client entirely, and it must recover via resync on reconnect.
func (h *Hub) sendLocked(c *client, msg any) {
	if !h.reg.clients[c] {
		return
	}

	select {
	case c.send <- msg:
	default:
		h.reg.remove(c)
		close(c.send)
	}
}

// broadcastLocked fans an event out to every connected client. Delivery is
// best-effort and per-client FIFO; a failed send to one client never blocks
// sends to others.
func (h *Hub) broadcastLocked(msg any) {
	for c := range h.reg.clients {
		h.sendLocked(c, msg)
	}
}

// questionViewLocked renders the active question with the correct flag
// stripped until the reveal.
func (h *Hub) questionViewLocked() *QuestionView {
	question := h.game.question()
	if question == nil {
		return nil
	}

	options, err := question.options()
	if err != nil {
		logf(h.cfg, "QUIZ: Corrupt answer set for question %d: %v", question.Number, err)
		return nil
	}

	view := &QuestionView{
		Number:  question.Number,
		Prompt:  question.Question,
		Options: make([]string, 0, len(options)),
	}
	for _, o := range options {
		view.Options = append(view.Options, o.Text)
	}

	if h.game.entity.AnswerRevealed {
		correct := question.correctOption()
		view.CorrectOption = &correct
	}

	return view
}

func (h *Hub) snapshotLocked() StateMessage {
	msg := StateMessage{
		Type:            "state",
		Status:          statusName(h.game.entity.Status),
		CurrentQuestion: h.game.entity.CurrentQuestion,
		AnswerRevealed:  h.game.entity.AnswerRevealed,
		QuestionCount:   len(h.game.questions),
		PlayerCount:     len(h.reg.records),
		Question:        h.questionViewLocked(),
	}

	if h.game.entity.Status == statusResultsShown {
		msg.Standings = h.scores.standings(h.reg.records)
	}

	return msg
}

func (h *Hub) sendErrorLocked(c *client, err error) {
	h.sendLocked(c, ErrorMessage{
		Type:    "error",
		Code:    errorCode(err),
		Message: err.Error(),
	})
}

// handleJoin processes "host" and "join" messages.
func (h *Hub) handleJoin(in inbound) {
	c := in.client
	msg := in.msg

	h.mu.Lock()

	if msg.Type == "host" {
		if err := h.reg.claimHost(c); err != nil {
			h.sendErrorLocked(c, err)
			h.mu.Unlock()
			return
		}
		h.sendLocked(c, h.snapshotLocked())
		h.mu.Unlock()
		logf(h.cfg, "QUIZ: Host connected")
		return
	}

	if msg.Name == "" {
		h.mu.Unlock()
		return
	}

	record, created, displaced, err := h.reg.join(c, msg.Name, msg.Pin)
	if err != nil {
		h.sendErrorLocked(c, err)
		h.mu.Unlock()
		return
	}

	h.sendLocked(c, JoinedMessage{
		Type:     "joined",
		PlayerID: record.Key.Row,
		Name:     record.Name,
		Score:    h.scores.total(record.Key.Row),
		Rejoined: !created,
	})
	h.sendLocked(c, h.snapshotLocked())

	// The displaced connection (a stale session for the same identity) is
	// dropped; its read pump notices the closed conn and unwinds.
	if displaced != nil && h.reg.clients[displaced] {
		h.reg.remove(displaced)
		close(displaced.send)
		if displaced.conn != nil {
			_ = displaced.conn.Close()
		}
	}
	h.mu.Unlock()

	if created {
		h.persister.enqueuePlayer(record)
		logf(h.cfg, "QUIZ: Player %q joined", record.Name)
	} else {
		logf(h.cfg, "QUIZ: Player %q rejoined", record.Name)
	}
}

// handleHostCommand applies a game-state transition. Commands from anyone
// but the registered host are ignored outright.
func (h *Hub) handleHostCommand(in inbound) {
	c := in.client
	msg := in.msg

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.reg.host != c {
		logf(h.cfg, "QUIZ: Ignoring %q from non-host connection", msg.Type)
		return
	}

	var err error
	var event any

	switch msg.Type {
	case "start_game":
		if err = h.game.startGame(); err == nil {
			event = GameStartedMessage{Type: "game_started", GameID: h.game.entity.Key.Row}
		}

	case "change_question":
		if msg.QuestionNumber == nil {
			return
		}
		if err = h.game.advanceQuestion(*msg.QuestionNumber); err == nil {
			event = QuestionChangedMessage{Type: "question_changed", QuestionNumber: *msg.QuestionNumber}
		}

	case "reveal_answer":
		if err = h.game.revealAnswer(); err == nil {
			event = AnswerRevealedMessage{Type: "answer_revealed", CorrectOption: h.game.question().correctOption()}
		}

	case "show_results":
		if err = h.game.showResults(); err == nil {
			event = ResultsShownMessage{Type: "results_shown", Standings: h.scores.standings(h.reg.records)}
		}

	default:
		return
	}

	if err != nil {
		h.sendErrorLocked(c, err)
		logf(h.cfg, "QUIZ: Rejected %q: %v", msg.Type, err)
		return
	}

	h.persister.enqueueGame(h.game.entity)
	h.broadcastLocked(event)
	logf(h.cfg, "QUIZ: %s → %s (question %d)", msg.Type, statusName(h.game.entity.Status), h.game.entity.CurrentQuestion)
}

// handleAnswer scores a player's submission and broadcasts correctness
// only. Stale and duplicate submissions are reported to the submitter and
// never surface to other clients.
func (h *Hub) handleAnswer(in inbound) {
	c := in.client
	msg := in.msg

	if msg.QuestionNumber == nil || msg.Choice == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if c.playerID == "" {
		return
	}

	correct, score, err := h.scores.submit(h.game, c.playerID, *msg.QuestionNumber, *msg.Choice)
	if err != nil {
		h.sendErrorLocked(c, err)
		return
	}

	h.persister.enqueueScore(score)

	name := ""
	if record := h.reg.records[c.playerID]; record != nil {
		name = record.Name
	}

	h.broadcastLocked(AnswerSubmittedMessage{
		Type:     "answer_submitted",
		PlayerID: c.playerID,
		Name:     name,
		Correct:  correct,
	})
	logf(h.cfg, "QUIZ: Player %q answered question %d (correct=%t)", name, *msg.QuestionNumber, correct)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades the connection and hands it to the hub.
func serveWS(cfg *Config, h *Hub) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		c := &client{
			conn: conn,
			send: make(chan any, 16),
		}

		h.register <- c

		go c.writePump()
		c.readPump(h)
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		in := inbound{client: c, msg: msg}

		switch msg.Type {
		case "host", "join":
			h.joins <- in
		case "start_game", "change_question", "reveal_answer", "show_results":
			h.cmds <- in
		case "submit_answer":
			h.answers <- in
		case "resync":
			h.resyncs <- in
		default:
			// ignore unknown types
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
