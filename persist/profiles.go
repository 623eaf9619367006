package persist

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"realmsync/world"
)

// Profiles keeps the last known position of each user. Reads are
// synchronous; writes are queued to a single writer goroutine so callers on
// the simulation path never wait on disk.
type Profiles struct {
	db  *sql.DB
	log *zap.SugaredLogger

	mu     sync.RWMutex
	ch     chan profileRow
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Int64
}

type profileRow struct {
	userID   int64
	username string
	pos      world.Vec
	at       time.Time
}

// NewProfiles starts the writer goroutine.
func NewProfiles(db *sql.DB, log *zap.SugaredLogger) *Profiles {
	p := &Profiles{
		db:  db,
		log: log,
		ch:  make(chan profileRow, 1024),
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop()
	}()
	return p
}

// Position returns the stored position of userID, if any.
func (p *Profiles) Position(ctx context.Context, userID int64) (world.Vec, bool, error) {
	var v world.Vec
	row := p.db.QueryRowContext(ctx, `SELECT x, y FROM profiles WHERE user_id = ?`, userID)
	if err := row.Scan(&v.X, &v.Y); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return world.Vec{}, false, nil
		}
		return world.Vec{}, false, err
	}
	return v, true, nil
}

// SavePosition queues an upsert. When the queue is full the write is dropped
// and counted: persistence here is best effort.
func (p *Profiles) SavePosition(userID int64, username string, pos world.Vec) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- profileRow{userID: userID, username: username, pos: pos, at: time.Now()}:
	default:
		p.dropped.Add(1)
	}
}

// Dropped is the number of writes lost to a full queue.
func (p *Profiles) Dropped() int64 { return p.dropped.Load() }

// Close flushes queued writes and stops the writer.
func (p *Profiles) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *Profiles) loop() {
	const upsert = `INSERT INTO profiles(user_id, username, x, y, updated_at) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET username=excluded.username, x=excluded.x, y=excluded.y, updated_at=excluded.updated_at`
	for row := range p.ch {
		if _, err := p.db.Exec(upsert, row.userID, row.username, row.pos.X, row.pos.Y, row.at.UnixMilli()); err != nil {
			p.log.Warnw("save profile", "userId", row.userID, "error", err)
		}
	}
}
