// Quizbox live quiz
//
// One host drives the game from their device; players join with a name and
// a 4-digit pin and answer from their own. The server is the single source
// of truth: it owns the game state machine, evaluates every answer itself,
// and keeps all connected clients in sync over per-connection websockets.
//
// Features:
// - WebSocket endpoint at /quiz/ws shared by host and players
// - Host commands: start game, change question, reveal answer, show results
// - Answers close at reveal; late or repeated submissions are rejected
// - Correctness is broadcast, the chosen option never is
// - Name+pin lets a disconnected player reclaim identity and score
// - Game, players, questions and scores persisted to a SQLite table store
// - State reloaded from the store on startup (reconciliation)
// - Questions seeded from a JSON file on first run
// - In-browser QR button to share the join URL, backed by go-qrcode

package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// loadQuestionFile reads authored questions from a JSON file and persists
// any that the store does not already hold.
func loadQuestionFile(ctx context.Context, cfg *Config, store TableStore) error {
	data, err := os.ReadFile(cfg.questionsFile)
	if err != nil {
		return fmt.Errorf("read questions: %w", err)
	}

	var authored []struct {
		Number  int            `json:"number"`
		Prompt  string         `json:"prompt"`
		Options []AnswerOption `json:"options"`
	}
	if err := json.Unmarshal(data, &authored); err != nil {
		return fmt.Errorf("parse questions: %w", err)
	}

	for _, q := range authored {
		question := newQuestionEntity(partitionQuestions, strconv.Itoa(q.Number))
		question.Number = q.Number
		question.Question = q.Prompt

		question.Answers, err = encodeAnswers(q.Options)
		if err != nil {
			return err
		}

		err := putQuestion(ctx, store, question)
		if errors.Is(err, errConflict) {
			// Already authored; questions are immutable during play.
			continue
		}
		if err != nil {
			return fmt.Errorf("persist question %d: %w", q.Number, err)
		}
	}

	return nil
}

// loadQuizState performs the startup reconciliation read: the game row,
// the authored questions, the player set and their score rows. A missing
// game row is created NotStarted.
func loadQuizState(ctx context.Context, cfg *Config, store TableStore) (*gameState, *registry, *scoreboard, error) {
	entity, err := getGame(ctx, store, Key{Partition: partitionGame, Row: cfg.gameID})
	if errors.Is(err, errNotFound) {
		entity = newGameEntity(partitionGame, cfg.gameID)
		if err := putGame(ctx, store, entity); err != nil {
			return nil, nil, nil, fmt.Errorf("create game row: %w", err)
		}
	} else if err != nil {
		return nil, nil, nil, fmt.Errorf("read game row: %w", err)
	}

	questions, err := queryQuestions(ctx, store, partitionQuestions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read questions: %w", err)
	}

	players, err := queryPlayers(ctx, store, partitionPlayers)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read players: %w", err)
	}

	scores := make(map[string][]*ScoreEntity, len(players))
	for _, p := range players {
		entries, err := queryScores(ctx, store, p.Key.Row)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("read scores for %q: %w", p.Name, err)
		}
		scores[p.Key.Row] = entries
	}

	return newGame(entity, questions), newRegistry(players), newScoreboard(cfg.points, scores), nil
}

// qrHandler generates a PNG QR code for the quiz join URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /quiz/qr; strip the trailing "/qr" to get the join URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed quiz/index.html
var indexHTML []byte

//go:embed quiz/app.css
var quizCSS []byte

//go:embed quiz/app.js
var quizJS []byte

func getIndexHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(quizCSS)
	}
}

func getJsHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(quizJS)
	}
}

// registerQuizGame sets up routes so that:
//   - $path       → HTML client (host and player views)
//   - $path/ws    → WebSocket shared by host and players
//   - $path/qr    → PNG QR code of the join URL
//
// It returns a shutdown func that drains pending storage writes and closes
// the store.
func registerQuizGame(cfg *Config, path string, mux *httprouter.Router) (func(), error) {
	store, err := openStore(cfg.dbPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.storeTimeout)
	defer cancel()

	if cfg.questionsFile != "" {
		if err := loadQuestionFile(ctx, cfg, store); err != nil {
			store.Close()
			return nil, err
		}
	}

	game, reg, scores, err := loadQuizState(ctx, cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	logf(cfg, "QUIZ: Loaded game %q (%s, question %d of %d, %d players)",
		cfg.gameID,
		statusName(game.entity.Status),
		game.entity.CurrentQuestion,
		len(game.questions),
		len(reg.records),
	)

	persister := newPersister(cfg, store, game.entity.Version)
	go persister.run()

	hub := newQuizHub(cfg, game, reg, scores, persister)
	go hub.run()

	mux.GET(cfg.prefix+path, getIndexHandler(cfg))

	mux.GET(cfg.prefix+"/assets/quiz/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/quiz/app.js", getJsHandler(cfg))

	mux.GET(cfg.prefix+path+"/ws", serveWS(cfg, hub))

	mux.GET(cfg.prefix+path+"/qr", qrHandler)

	return func() {
		persister.stop()
		store.Close()
	}, nil
}
