/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// Key is the two-part address of a record in the table store.
type Key struct {
	Partition string `json:"partitionKey"`
	Row       string `json:"rowKey"`
}

// Storage table names, one per entity kind.
const (
	tableGames     = "games"
	tablePlayers   = "players"
	tableQuestions = "questions"
	tableScores    = "scores"
)

// Games, questions and players all live under a single partition; score
// rows are partitioned by player id instead.
const (
	partitionGame      = "1"
	partitionQuestions = "1"
	partitionPlayers   = "1"
)

// GameEntity is the persisted snapshot of the singleton game. Version is the
// opaque optimistic-concurrency token handed back by the store; zero means
// the entity has never been written.
type GameEntity struct {
	Key     Key   `json:"-"`
	Version int64 `json:"-"`

	StartDate       *time.Time `json:"startDate,omitempty"`
	Status          int        `json:"status"`
	CurrentQuestion int        `json:"currentQuestion"`
	AnswerRevealed  bool       `json:"answerRevealed"`
}

func newGameEntity(partition, row string) *GameEntity {
	return &GameEntity{Key: Key{Partition: partition, Row: row}}
}

// PlayerEntity stores a joined participant. The row key doubles as the
// player's identity; the pin is a rejoin credential, not a security boundary.
type PlayerEntity struct {
	Key     Key   `json:"-"`
	Version int64 `json:"-"`

	Name string `json:"name"`
	Pin  int    `json:"pin"`
}

func newPlayerEntity(partition, row string) *PlayerEntity {
	return &PlayerEntity{Key: Key{Partition: partition, Row: row}}
}

// QuestionEntity is immutable once authored. Answers holds the option set
// serialized as JSON, one option marked correct.
type QuestionEntity struct {
	Key     Key   `json:"-"`
	Version int64 `json:"-"`

	Number   int    `json:"number"`
	Question string `json:"question"`
	Answers  string `json:"answers"`
}

func newQuestionEntity(partition, row string) *QuestionEntity {
	return &QuestionEntity{Key: Key{Partition: partition, Row: row}}
}

// ScoreEntity records one scored answer: partition key is the player id,
// row key is the question number.
type ScoreEntity struct {
	Key     Key   `json:"-"`
	Version int64 `json:"-"`

	Score   int  `json:"score"`
	Correct bool `json:"correct"`
}

func newScoreEntity(partition, row string) *ScoreEntity {
	return &ScoreEntity{Key: Key{Partition: partition, Row: row}}
}

// AnswerOption is one entry of a question's decoded option set.
type AnswerOption struct {
	Text    string `json:"text"`
	Correct bool   `json:"correct,omitempty"`
}

func encodeAnswers(options []AnswerOption) (string, error) {
	data, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("encode answers: %w", err)
	}
	return string(data), nil
}

func (q *QuestionEntity) options() ([]AnswerOption, error) {
	var options []AnswerOption
	if err := json.Unmarshal([]byte(q.Answers), &options); err != nil {
		return nil, fmt.Errorf("decode answers for question %d: %w", q.Number, err)
	}
	return options, nil
}

// correctOption returns the index of the option marked correct, or -1 if the
// question was authored without one.
func (q *QuestionEntity) correctOption() int {
	options, err := q.options()
	if err != nil {
		return -1
	}
	for i, o := range options {
		if o.Correct {
			return i
		}
	}
	return -1
}
