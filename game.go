package main

import (
	"fmt"
	"time"
)

// Status values walk NotStarted → QuestionActive → AnswerRevealed →
// (QuestionActive | ResultsShown). ResultsShown is terminal; a new game
// needs a fresh identity.
const (
	statusNotStarted = iota
	statusQuestionActive
	statusAnswerRevealed
	statusResultsShown
)

func statusName(status int) string {
	switch status {
	case statusNotStarted:
		return "not_started"
	case statusQuestionActive:
		return "question_active"
	case statusAnswerRevealed:
		return "answer_revealed"
	case statusResultsShown:
		return "results_shown"
	default:
		return fmt.Sprintf("unknown(%d)", status)
	}
}

// gameState is the authoritative in-memory state of the one active game.
// Only the hub goroutine mutates it; every transition check is a pure
// function of the current state plus input.
type gameState struct {
	entity    *GameEntity
	questions []*QuestionEntity
}

func newGame(entity *GameEntity, questions []*QuestionEntity) *gameState {
	return &gameState{entity: entity, questions: questions}
}

// question returns the currently active question, or nil before the game
// has started.
func (g *gameState) question() *QuestionEntity {
	if g.entity.Status == statusNotStarted {
		return nil
	}
	if g.entity.CurrentQuestion < 0 || g.entity.CurrentQuestion >= len(g.questions) {
		return nil
	}
	return g.questions[g.entity.CurrentQuestion]
}

func (g *gameState) startGame() error {
	if g.entity.Status != statusNotStarted {
		return fmt.Errorf("start game in %s: %w", statusName(g.entity.Status), errInvalidTransition)
	}
	if len(g.questions) == 0 {
		return fmt.Errorf("start game with no authored questions: %w", errInvalidTransition)
	}

	now := time.Now().UTC()
	g.entity.StartDate = &now
	g.entity.CurrentQuestion = 0
	g.entity.AnswerRevealed = false
	g.entity.Status = statusQuestionActive

	return nil
}

// advanceQuestion moves to the next question. The answer must be revealed
// before moving on, except that the host may skip past question zero before
// any reveal has happened.
func (g *gameState) advanceQuestion(next int) error {
	switch g.entity.Status {
	case statusAnswerRevealed:
	case statusQuestionActive:
		if g.entity.CurrentQuestion != 0 || g.entity.AnswerRevealed {
			return fmt.Errorf("advance question in %s before reveal: %w", statusName(g.entity.Status), errInvalidTransition)
		}
	default:
		return fmt.Errorf("advance question in %s: %w", statusName(g.entity.Status), errInvalidTransition)
	}

	if next < 0 || next >= len(g.questions) {
		return fmt.Errorf("question %d of %d: %w", next, len(g.questions), errOutOfRange)
	}

	g.entity.CurrentQuestion = next
	g.entity.AnswerRevealed = false
	g.entity.Status = statusQuestionActive

	return nil
}

// revealAnswer closes submissions for the current question and exposes the
// correct answer. Double reveals are invalid transitions.
func (g *gameState) revealAnswer() error {
	if g.entity.Status != statusQuestionActive {
		return fmt.Errorf("reveal answer in %s: %w", statusName(g.entity.Status), errInvalidTransition)
	}

	g.entity.AnswerRevealed = true
	g.entity.Status = statusAnswerRevealed

	return nil
}

func (g *gameState) showResults() error {
	if g.entity.Status != statusAnswerRevealed {
		return fmt.Errorf("show results in %s: %w", statusName(g.entity.Status), errInvalidTransition)
	}

	g.entity.Status = statusResultsShown

	return nil
}
