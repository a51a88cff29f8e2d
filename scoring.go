package main

import (
	"fmt"
	"sort"
	"strconv"
)

// scoreboard tallies per-player totals and enforces at most one scored
// answer per player per question. Like the registry, it is only touched
// from the hub goroutine.
type scoreboard struct {
	points int

	totals map[string]int

	// playerID → question numbers already scored.
	answered map[string]map[int]bool
}

func newScoreboard(points int, scores map[string][]*ScoreEntity) *scoreboard {
	sb := &scoreboard{
		points:   points,
		totals:   make(map[string]int),
		answered: make(map[string]map[int]bool),
	}

	for playerID, entries := range scores {
		for _, entry := range entries {
			number, err := strconv.Atoi(entry.Key.Row)
			if err != nil {
				continue
			}
			sb.record(playerID, number, entry.Score)
		}
	}

	return sb
}

func (sb *scoreboard) record(playerID string, question, delta int) {
	if sb.answered[playerID] == nil {
		sb.answered[playerID] = make(map[int]bool)
	}
	sb.answered[playerID][question] = true
	sb.totals[playerID] += delta
}

func (sb *scoreboard) total(playerID string) int {
	return sb.totals[playerID]
}

// submit evaluates a player's answer against the active question. Answers
// close at reveal; resubmissions never double-count. On success it returns
// the evaluated correctness and the persisted-shape score entity.
func (sb *scoreboard) submit(game *gameState, playerID string, questionNumber, choice int) (bool, *ScoreEntity, error) {
	entity := game.entity

	if entity.Status != statusQuestionActive || entity.AnswerRevealed {
		return false, nil, fmt.Errorf("question %d closed: %w", questionNumber, errStaleSubmission)
	}

	question := game.question()
	if question == nil || question.Number != questionNumber {
		return false, nil, fmt.Errorf("question %d is not current: %w", questionNumber, errStaleSubmission)
	}

	if sb.answered[playerID][questionNumber] {
		return false, nil, fmt.Errorf("player %s question %d: %w", playerID, questionNumber, errDuplicateSubmission)
	}

	// Server-side evaluation: the client's claim about its own answer is
	// never trusted. An out-of-range choice scores as incorrect.
	correct := question.correctOption() >= 0 && choice == question.correctOption()

	delta := 0
	if correct {
		delta = sb.points
	}

	score := newScoreEntity(playerID, strconv.Itoa(questionNumber))
	score.Score = delta
	score.Correct = correct

	sb.record(playerID, questionNumber, delta)

	return correct, score, nil
}

// standing is one row of the final scoreboard.
type standing struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
}

// standings returns totals sorted by score descending, ties broken by name.
func (sb *scoreboard) standings(records map[string]*PlayerEntity) []standing {
	result := make([]standing, 0, len(records))
	for id, record := range records {
		result = append(result, standing{
			PlayerID: id,
			Name:     record.Name,
			Score:    sb.totals[id],
		})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			return result[i].Score > result[j].Score
		}
		return result[i].Name < result[j].Name
	})

	return result
}
