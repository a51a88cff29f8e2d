package main

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func testConfig() *Config {
	return &Config{
		gameID:       "1",
		points:       100,
		storeTimeout: time.Second,
	}
}

// startTestHub wires a hub to an in-memory store, mirroring what
// registerQuizGame does at boot.
func startTestHub(t *testing.T, questionCount int) (*Hub, TableStore) {
	t.Helper()

	cfg := testConfig()
	store := newMemoryStore()

	p := newPersister(cfg, store, 0)
	go p.run()
	t.Cleanup(p.stop)

	h := newQuizHub(cfg,
		newGame(newGameEntity(partitionGame, cfg.gameID), authoredQuestions(questionCount)),
		newRegistry(nil),
		newScoreboard(cfg.points, nil),
		p,
	)
	go h.run()

	return h, store
}

// connect registers a fake connection and swallows the initial snapshot.
func connect(t *testing.T, h *Hub) *client {
	t.Helper()

	c := &client{send: make(chan any, 32)}
	h.register <- c
	waitFor[StateMessage](t, c)

	return c
}

func connectHost(t *testing.T, h *Hub) *client {
	t.Helper()

	c := connect(t, h)
	h.joins <- inbound{client: c, msg: ClientMessage{Type: "host"}}
	waitFor[StateMessage](t, c)

	return c
}

func connectPlayer(t *testing.T, h *Hub, name string, pin int) (*client, JoinedMessage) {
	t.Helper()

	c := connect(t, h)
	h.joins <- inbound{client: c, msg: ClientMessage{Type: "join", Name: name, Pin: pin}}
	joined := waitFor[JoinedMessage](t, c)
	waitFor[StateMessage](t, c)

	return c, joined
}

// waitFor discards messages until one of the wanted type arrives.
func waitFor[T any](t *testing.T, c *client) T {
	t.Helper()

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-c.send:
			if v, ok := msg.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func intp(i int) *int {
	return &i
}

func TestHostCommandsDriveBroadcasts(t *testing.T) {
	h, _ := startTestHub(t, 2)
	host := connectHost(t, h)
	player, _ := connectPlayer(t, h, "Alice", 1234)

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "start_game", GameID: "1"}}

	for _, c := range []*client{host, player} {
		started := waitFor[GameStartedMessage](t, c)
		if started.GameID != "1" {
			t.Errorf("game id = %q, want 1", started.GameID)
		}
	}

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "reveal_answer"}}
	for _, c := range []*client{host, player} {
		revealed := waitFor[AnswerRevealedMessage](t, c)
		if revealed.CorrectOption != 1 {
			t.Errorf("correct option = %d, want 1", revealed.CorrectOption)
		}
	}

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "change_question", QuestionNumber: intp(1)}}
	for _, c := range []*client{host, player} {
		changed := waitFor[QuestionChangedMessage](t, c)
		if changed.QuestionNumber != 1 {
			t.Errorf("question = %d, want 1", changed.QuestionNumber)
		}
	}
}

func TestEventsArriveInEmissionOrder(t *testing.T) {
	h, _ := startTestHub(t, 2)
	host := connectHost(t, h)
	player, _ := connectPlayer(t, h, "Alice", 1234)

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "start_game"}}
	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "change_question", QuestionNumber: intp(1)}}

	// Per-client FIFO: the start event must land before the change event.
	first := waitFor[any](t, player)
	if _, ok := first.(GameStartedMessage); !ok {
		t.Fatalf("first event = %T, want GameStartedMessage", first)
	}
	second := waitFor[any](t, player)
	if _, ok := second.(QuestionChangedMessage); !ok {
		t.Fatalf("second event = %T, want QuestionChangedMessage", second)
	}
}

func TestInvalidCommandReportedToHostOnly(t *testing.T) {
	h, _ := startTestHub(t, 2)
	host := connectHost(t, h)
	player, _ := connectPlayer(t, h, "Alice", 1234)

	// Reveal before start is off the transition graph.
	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "reveal_answer"}}

	errMsg := waitFor[ErrorMessage](t, host)
	if errMsg.Code != "invalid_transition" {
		t.Errorf("code = %q, want invalid_transition", errMsg.Code)
	}

	// The player sees nothing; the next broadcast is the valid start.
	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "start_game"}}
	first := waitFor[any](t, player)
	if _, ok := first.(GameStartedMessage); !ok {
		t.Fatalf("player saw %T, want GameStartedMessage", first)
	}
}

func TestCommandsFromNonHostIgnored(t *testing.T) {
	h, _ := startTestHub(t, 2)
	host := connectHost(t, h)
	player, _ := connectPlayer(t, h, "Mallory", 1234)

	h.cmds <- inbound{client: player, msg: ClientMessage{Type: "start_game"}}

	// Still not started: the host's own start must succeed.
	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "start_game"}}
	waitFor[GameStartedMessage](t, host)
}

func TestAdvanceBeyondAuthoredSetKeepsState(t *testing.T) {
	h, _ := startTestHub(t, 1)
	host := connectHost(t, h)

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "start_game"}}
	waitFor[GameStartedMessage](t, host)
	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "reveal_answer"}}
	waitFor[AnswerRevealedMessage](t, host)

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "change_question", QuestionNumber: intp(1)}}
	errMsg := waitFor[ErrorMessage](t, host)
	if errMsg.Code != "out_of_range" {
		t.Errorf("code = %q, want out_of_range", errMsg.Code)
	}

	// The documented recovery is show_results.
	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "show_results"}}
	waitFor[ResultsShownMessage](t, host)
}

func TestAnswerBroadcastNeverRevealsChoice(t *testing.T) {
	h, _ := startTestHub(t, 1)
	host := connectHost(t, h)
	player, joined := connectPlayer(t, h, "Alice", 1234)

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "start_game"}}
	waitFor[GameStartedMessage](t, player)

	h.answers <- inbound{client: player, msg: ClientMessage{Type: "submit_answer", QuestionNumber: intp(0), Choice: intp(1)}}

	submitted := waitFor[AnswerSubmittedMessage](t, host)
	if submitted.PlayerID != joined.PlayerID || !submitted.Correct {
		t.Errorf("broadcast = %+v", submitted)
	}

	raw, err := json.Marshal(submitted)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "choice") {
		t.Errorf("broadcast leaks the submitted choice: %s", raw)
	}
}

func TestConcurrentDuplicateSubmissionsScoreOnce(t *testing.T) {
	h, store := startTestHub(t, 1)
	host := connectHost(t, h)
	player, _ := connectPlayer(t, h, "Alice", 1234)

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "start_game"}}
	waitFor[GameStartedMessage](t, player)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.answers <- inbound{client: player, msg: ClientMessage{Type: "submit_answer", QuestionNumber: intp(0), Choice: intp(1)}}
		}()
	}
	wg.Wait()

	// Exactly one scored broadcast and one duplicate rejection, in either
	// order.
	var scored, rejected int
	for i := 0; i < 2; i++ {
		switch msg := waitFor[any](t, player).(type) {
		case AnswerSubmittedMessage:
			scored++
		case ErrorMessage:
			if msg.Code != "duplicate_submission" {
				t.Errorf("error code = %q, want duplicate_submission", msg.Code)
			}
			rejected++
		default:
			t.Errorf("unexpected message %T", msg)
		}
	}
	if scored != 1 || rejected != 1 {
		t.Fatalf("scored=%d rejected=%d, want 1 and 1", scored, rejected)
	}

	h.mu.Lock()
	total := h.scores.total("alice")
	h.mu.Unlock()
	if total != 100 {
		t.Errorf("total = %d, want exactly one delta of 100", total)
	}

	// Flush the persister: exactly one score row must exist.
	h.persister.stop()
	records, err := store.QueryPartition(context.Background(), tableScores, "alice")
	if err != nil {
		t.Fatalf("query scores: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d score rows, want 1", len(records))
	}
}

func TestTwoPlayersScoredIndependently(t *testing.T) {
	h, _ := startTestHub(t, 1)
	host := connectHost(t, h)
	alice, _ := connectPlayer(t, h, "Alice", 1111)
	bob, _ := connectPlayer(t, h, "Bob", 2222)

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "start_game"}}
	waitFor[GameStartedMessage](t, alice)
	waitFor[GameStartedMessage](t, bob)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.answers <- inbound{client: alice, msg: ClientMessage{Type: "submit_answer", QuestionNumber: intp(0), Choice: intp(1)}}
	}()
	go func() {
		defer wg.Done()
		h.answers <- inbound{client: bob, msg: ClientMessage{Type: "submit_answer", QuestionNumber: intp(0), Choice: intp(0)}}
	}()
	wg.Wait()

	// Every client sees both broadcasts, each with the right flag.
	results := make(map[string]bool, 2)
	for i := 0; i < 2; i++ {
		msg := waitFor[AnswerSubmittedMessage](t, host)
		results[msg.PlayerID] = msg.Correct
	}
	if correct, ok := results["alice"]; !ok || !correct {
		t.Errorf("alice correct = %t, %t; want true", correct, ok)
	}
	if correct, ok := results["bob"]; !ok || correct {
		t.Errorf("bob correct = %t, %t; want false", correct, ok)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.scores.total("alice") != 100 || h.scores.total("bob") != 0 {
		t.Errorf("totals = %d/%d, want 100/0", h.scores.total("alice"), h.scores.total("bob"))
	}
}

func TestReconnectPreservesScore(t *testing.T) {
	h, _ := startTestHub(t, 1)
	host := connectHost(t, h)
	c1, _ := connectPlayer(t, h, "Alice", 1234)

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "start_game"}}
	waitFor[GameStartedMessage](t, c1)

	h.answers <- inbound{client: c1, msg: ClientMessage{Type: "submit_answer", QuestionNumber: intp(0), Choice: intp(1)}}
	waitFor[AnswerSubmittedMessage](t, c1)

	h.unreg <- c1

	c2, joined := connectPlayer(t, h, "alice", 1234)
	if !joined.Rejoined {
		t.Error("rejoin flagged as a fresh join")
	}
	if joined.PlayerID != "alice" {
		t.Errorf("player id = %q, want alice", joined.PlayerID)
	}
	if joined.Score != 100 {
		t.Errorf("score after reconnect = %d, want 100", joined.Score)
	}

	// The resumed identity is still barred from resubmitting.
	h.answers <- inbound{client: c2, msg: ClientMessage{Type: "submit_answer", QuestionNumber: intp(0), Choice: intp(1)}}
	errMsg := waitFor[ErrorMessage](t, c2)
	if errMsg.Code != "duplicate_submission" {
		t.Errorf("code = %q, want duplicate_submission", errMsg.Code)
	}
}

func TestSnapshotHidesCorrectOptionUntilReveal(t *testing.T) {
	h, _ := startTestHub(t, 1)
	host := connectHost(t, h)

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "start_game"}}
	waitFor[GameStartedMessage](t, host)

	viewer := connect(t, h)
	h.resyncs <- inbound{client: viewer, msg: ClientMessage{Type: "resync"}}
	snapshot := waitFor[StateMessage](t, viewer)
	if snapshot.Question == nil {
		t.Fatal("snapshot missing active question")
	}
	if snapshot.Question.CorrectOption != nil {
		t.Error("snapshot exposes the correct option before reveal")
	}
	if len(snapshot.Question.Options) != 3 {
		t.Errorf("got %d options, want 3", len(snapshot.Question.Options))
	}

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "reveal_answer"}}
	waitFor[AnswerRevealedMessage](t, viewer)

	h.resyncs <- inbound{client: viewer, msg: ClientMessage{Type: "resync"}}
	snapshot = waitFor[StateMessage](t, viewer)
	if snapshot.Question.CorrectOption == nil || *snapshot.Question.CorrectOption != 1 {
		t.Errorf("correct option after reveal = %v, want 1", snapshot.Question.CorrectOption)
	}
}

func TestSlowClientDroppedWithoutBlockingOthers(t *testing.T) {
	h, _ := startTestHub(t, 1)

	// A client whose send buffer is permanently full.
	slow := &client{send: make(chan any)}
	h.register <- slow

	host := connectHost(t, h)
	player, _ := connectPlayer(t, h, "Alice", 1234)

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "start_game"}}
	waitFor[GameStartedMessage](t, player)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reg.clients[slow] {
		t.Error("unresponsive client should have been dropped")
	}
}

func TestResultsIncludeStandings(t *testing.T) {
	h, _ := startTestHub(t, 1)
	host := connectHost(t, h)
	alice, _ := connectPlayer(t, h, "Alice", 1111)
	bob, _ := connectPlayer(t, h, "Bob", 2222)

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "start_game"}}
	waitFor[GameStartedMessage](t, bob)

	h.answers <- inbound{client: alice, msg: ClientMessage{Type: "submit_answer", QuestionNumber: intp(0), Choice: intp(1)}}
	h.answers <- inbound{client: bob, msg: ClientMessage{Type: "submit_answer", QuestionNumber: intp(0), Choice: intp(2)}}

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "reveal_answer"}}
	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "show_results"}}

	results := waitFor[ResultsShownMessage](t, alice)
	if len(results.Standings) != 2 {
		t.Fatalf("standings length = %d, want 2", len(results.Standings))
	}
	if results.Standings[0].Name != "Alice" || results.Standings[0].Score != 100 {
		t.Errorf("winner = %+v, want Alice with 100", results.Standings[0])
	}
}

func TestLateSubmissionRejectedAfterReveal(t *testing.T) {
	h, _ := startTestHub(t, 2)
	host := connectHost(t, h)
	player, _ := connectPlayer(t, h, "Alice", 1234)

	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "start_game"}}
	waitFor[GameStartedMessage](t, player)
	h.cmds <- inbound{client: host, msg: ClientMessage{Type: "reveal_answer"}}
	waitFor[AnswerRevealedMessage](t, player)

	h.answers <- inbound{client: player, msg: ClientMessage{Type: "submit_answer", QuestionNumber: intp(0), Choice: intp(1)}}
	errMsg := waitFor[ErrorMessage](t, player)
	if errMsg.Code != "stale_submission" {
		t.Errorf("code = %q, want stale_submission", errMsg.Code)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.scores.total("alice") != 0 {
		t.Errorf("score changed on stale submission: %d", h.scores.total("alice"))
	}
}
