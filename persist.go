package main

import (
	"context"
	"errors"
	"sync"
	"time"
)

// persister applies storage writes off the hub's critical section, in
// emission order, with bounded per-attempt timeouts. In-memory state is
// never rolled back on a failed write; drift is resolved by the
// reconciliation read on next server start.
type persister struct {
	cfg   *Config
	store TableStore
	jobs  chan persistJob
	done  chan struct{}
	once  sync.Once

	// Version of the game row as last written by this process. Owned by
	// the persister goroutine.
	gameVersion int64
}

type persistJob struct {
	kind   string
	game   *GameEntity
	player *PlayerEntity
	score  *ScoreEntity
}

const persistRetries = 5

func newPersister(cfg *Config, store TableStore, gameVersion int64) *persister {
	return &persister{
		cfg:         cfg,
		store:       store,
		jobs:        make(chan persistJob, 256),
		done:        make(chan struct{}),
		gameVersion: gameVersion,
	}
}

func (p *persister) run() {
	defer close(p.done)

	for job := range p.jobs {
		p.apply(job)
	}
}

// stop drains the queue and blocks until pending writes have been applied.
func (p *persister) stop() {
	p.once.Do(func() { close(p.jobs) })
	<-p.done
}

// enqueueGame snapshots the entity so the hub can keep mutating it.
func (p *persister) enqueueGame(game *GameEntity) {
	snapshot := *game
	p.enqueue(persistJob{kind: "game", game: &snapshot})
}

func (p *persister) enqueuePlayer(player *PlayerEntity) {
	snapshot := *player
	p.enqueue(persistJob{kind: "player", player: &snapshot})
}

func (p *persister) enqueueScore(score *ScoreEntity) {
	snapshot := *score
	p.enqueue(persistJob{kind: "score", score: &snapshot})
}

func (p *persister) enqueue(job persistJob) {
	select {
	case p.jobs <- job:
	default:
		// A full queue means storage has been failing for a while; the
		// write is dropped and reconciliation picks it up on restart.
		logf(p.cfg, "STORE: Dropping %s write, queue full", job.kind)
	}
}

func (p *persister) apply(job persistJob) {
	var err error

	for attempt := 0; attempt < persistRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}

		err = p.attempt(job)
		if err == nil {
			return
		}

		logf(p.cfg, "STORE: Retrying %s write: %v", job.kind, err)
	}

	logf(p.cfg, "STORE: Giving up on %s write after %d attempts: %v", job.kind, persistRetries, err)
}

func (p *persister) attempt(job persistJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.storeTimeout)
	defer cancel()

	switch job.kind {
	case "game":
		job.game.Version = p.gameVersion
		err := putGame(ctx, p.store, job.game)
		if errors.Is(err, errConflict) {
			// Another writer bumped the row; re-read for a fresh token and
			// let the newer in-memory state win.
			stored, getErr := getGame(ctx, p.store, job.game.Key)
			if getErr != nil {
				return getErr
			}
			job.game.Version = stored.Version
			err = putGame(ctx, p.store, job.game)
		}
		if err == nil {
			p.gameVersion = job.game.Version
		}
		return err

	case "player":
		err := putPlayer(ctx, p.store, job.player)
		if errors.Is(err, errConflict) {
			// Same identity already persisted (for example by a previous
			// run); last write wins.
			rec, getErr := p.store.Get(ctx, tablePlayers, job.player.Key)
			if getErr != nil {
				return getErr
			}
			job.player.Version = rec.Version
			err = putPlayer(ctx, p.store, job.player)
		}
		return err

	case "score":
		err := putScore(ctx, p.store, job.score)
		if errors.Is(err, errConflict) {
			// The hub already guarantees one submission per player per
			// question, so an existing row is a leftover from a previous
			// run of the same game.
			rec, getErr := p.store.Get(ctx, tableScores, job.score.Key)
			if getErr != nil {
				return getErr
			}
			job.score.Version = rec.Version
			err = putScore(ctx, p.store, job.score)
		}
		return err
	}

	return nil
}
