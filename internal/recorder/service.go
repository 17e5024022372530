// Package recorder persists client audio captures: WAV files on disk plus a
// SQLite index for lookup and retention.
package recorder

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/nats-io/nats.go"
	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
)

// Recording is one indexed capture.
type Recording struct {
	ID         int64
	SessionID  string
	AgentID    string
	Path       string
	SampleRate int
	Bytes      int
	CreatedAt  time.Time
}

// Service consumes capture frames off the bus and flushes each session's
// audio to a WAV file when the final frame arrives.
type Service struct {
	cfg   config.RecorderConfig
	bus   *bus.Client
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time

	mu       sync.Mutex
	sessions map[string]*captureState
	sub      *nats.Subscription
	ready    bool
}

type captureState struct {
	AgentID    string
	SampleRate int
	PCM        []byte
}

// Open prepares the recorder: capture directory, index schema, startup
// retention pass. Disabled recorders return a no-op service.
func Open(ctx context.Context, cfg config.RecorderConfig, busClient *bus.Client, log *slog.Logger) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		bus:      busClient,
		log:      log,
		clock:    time.Now,
		sessions: make(map[string]*captureState),
	}
	if !cfg.Enabled {
		return s, nil
	}

	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	if dir := filepath.Dir(cfg.IndexPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.IndexPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite index: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("recorder prune on start failed", slogError(err))
	}
	return s, nil
}

func (s *Service) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    agent_id TEXT,
    path TEXT NOT NULL,
    sample_rate INTEGER NOT NULL,
    bytes INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recordings_created ON recordings(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Start subscribes to the capture subjects.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectCapturePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe capture frames: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

// Close drains the subscription, flushes any open captures, and closes the
// index.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}

	s.mu.Lock()
	open := make(map[string]*captureState, len(s.sessions))
	for id, st := range s.sessions {
		open[id] = st
	}
	s.sessions = make(map[string]*captureState)
	s.mu.Unlock()

	for id, st := range open {
		if err := s.flush(context.Background(), id, st); err != nil {
			s.log.Warn("flushing capture at close failed", slogError(err))
		}
	}

	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.CaptureFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode capture frame", slogError(err))
		return
	}
	s.ingest(frame)
}

func (s *Service) ingest(frame protocol.CaptureFrame) {
	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &captureState{AgentID: frame.AgentID, SampleRate: frame.SampleRate}
		s.sessions[frame.SessionID] = state
	}
	state.PCM = append(state.PCM, frame.PCM...)
	var done *captureState
	if frame.Final {
		done = state
		delete(s.sessions, frame.SessionID)
	}
	s.mu.Unlock()

	if done != nil {
		if err := s.flush(context.Background(), frame.SessionID, done); err != nil {
			s.log.Warn("flushing capture failed",
				slog.String("session_id", frame.SessionID), slogError(err))
		}
	}
}

// flush writes the accumulated PCM as a WAV file and indexes it. Empty
// captures are dropped silently.
func (s *Service) flush(ctx context.Context, sessionID string, state *captureState) error {
	if len(state.PCM) == 0 || s.db == nil {
		return nil
	}

	created := s.clock().UTC()
	name := fmt.Sprintf("%s-%s.wav", created.Format("20060102T150405"), sessionID)
	path := filepath.Join(s.cfg.Directory, name)

	if err := writeWAV(path, state.PCM, state.SampleRate); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(session_id, agent_id, path, sample_rate, bytes, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		sessionID, state.AgentID, path, state.SampleRate, len(state.PCM), created)
	if err != nil {
		return fmt.Errorf("index recording: %w", err)
	}

	s.log.Info("capture recorded",
		slog.String("session_id", sessionID),
		slog.String("path", path),
		slog.Int("bytes", len(state.PCM)))
	return nil
}

func writeWAV(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return enc.Close()
}

// ListSessionRecordings returns the indexed captures for one session,
// oldest first.
func (s *Service) ListSessionRecordings(ctx context.Context, sessionID string, limit int) ([]Recording, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, agent_id, path, sample_rate, bytes, created_at
		 FROM recordings WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Recording
	for rows.Next() {
		var r Recording
		var created string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.AgentID, &r.Path, &r.SampleRate, &r.Bytes, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Prune removes recordings past the retention window, files included.
func (s *Service) Prune(ctx context.Context) error {
	if s.db == nil || s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM recordings WHERE created_at < ?`, cutoff)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return err
		}
		stale = append(stale, path)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, path := range stale {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("removing expired capture failed",
				slog.String("path", path), slogError(err))
		}
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM recordings WHERE created_at < ?`, cutoff)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
