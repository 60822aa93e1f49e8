package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

type GameState string

const (
	StateLobby   GameState = "lobby"
	StateNight   GameState = "night"
	StateDay     GameState = "day"
	StateResults GameState = "results"
)

type Role string

const (
	RoleMafia     Role = "mafia"
	RoleDoctor    Role = "doctor"
	RoleDetective Role = "detective"
	RoleVillager  Role = "villager"
)

type Winner string

const (
	WinnerMafia     Winner = "mafia"
	WinnerVillagers Winner = "villagers"
)

type EventType string

const (
	EventDeath EventType = "death"
	EventSave  EventType = "save"
	EventInfo  EventType = "info"
)

// Game is the root record of one session. Players, Actions, Votes and Events
// live in their own tables and are assembled by loadGame.
type Game struct {
	ID             string    `db:"id" json:"id"`
	Code           string    `db:"code" json:"code"`
	HostUID        string    `db:"host_uid" json:"hostUid"`
	State          GameState `db:"state" json:"state"`
	Round          int       `db:"round" json:"round"`
	TotalRounds    int       `db:"total_rounds" json:"totalRounds"`
	PhaseStartTime int64     `db:"phase_start_time" json:"phaseStartTime"` // unix ms
	PhaseDuration  int64     `db:"phase_duration" json:"phaseDuration"`    // ms
	Winner         Winner    `db:"winner" json:"winner,omitempty"`
	CreatedAt      int64     `db:"created_at" json:"createdAt"`

	Players map[string]*Player     `db:"-" json:"players"`
	Actions map[string]NightAction `db:"-" json:"actions"`
	Votes   map[string]string      `db:"-" json:"votes"` // voter uid -> target uid
	Events  []LogEvent             `db:"-" json:"events"`
}

type Player struct {
	UID    string `db:"uid" json:"uid"`
	Name   string `db:"name" json:"name"`
	Avatar string `db:"avatar" json:"avatar"`
	IsBot  bool   `db:"is_bot" json:"isBot"`
	Role   Role   `db:"role" json:"role,omitempty"`
	Alive  bool   `db:"alive" json:"alive"`
	Points int    `db:"points" json:"points"`
	Seat   int    `db:"seat" json:"-"` // join order
}

// NightAction is one role action submitted during a night phase
type NightAction struct {
	Role      Role   `db:"role" json:"role"`
	Target    string `db:"target" json:"target"`
	Timestamp int64  `db:"timestamp" json:"timestamp"`
}

// LogEvent is an entry of the game log. Visibility is empty for public
// events, otherwise the uid of the only player allowed to see it.
type LogEvent struct {
	Type       EventType `db:"type" json:"type"`
	Message    string    `db:"message" json:"message"`
	Timestamp  int64     `db:"timestamp" json:"timestamp"`
	Visibility string    `db:"visibility" json:"visibility,omitempty"`
}

// Kinds of rows in game_action
const (
	actionKindNight = "night"
	actionKindVote  = "vote"
)

type actionRow struct {
	UID       string `db:"uid"`
	Kind      string `db:"kind"`
	Role      Role   `db:"role"`
	Target    string `db:"target"`
	Timestamp int64  `db:"timestamp"`
}

// guard returns the phase identity used for conditional writes.
func (g *Game) guard() Guard {
	return Guard{State: g.State, PhaseStartTime: g.PhaseStartTime}
}

// Deadline is the authoritative expiry instant of the current phase.
func (g *Game) Deadline() time.Time {
	return time.UnixMilli(g.PhaseStartTime + g.PhaseDuration)
}

func (g *Game) player(uid string) (*Player, bool) {
	p, ok := g.Players[uid]
	return p, ok && p != nil
}

// sortedPlayers returns players in join order.
func (g *Game) sortedPlayers() []*Player {
	players := make([]*Player, 0, len(g.Players))
	for _, p := range g.Players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].Seat != players[j].Seat {
			return players[i].Seat < players[j].Seat
		}
		return players[i].UID < players[j].UID
	})
	return players
}

func (g *Game) alivePlayers() []*Player {
	var alive []*Player
	for _, p := range g.sortedPlayers() {
		if p.Alive {
			alive = append(alive, p)
		}
	}
	return alive
}

func (g *Game) appendEvent(t EventType, message string, now time.Time) {
	g.Events = append(g.Events, LogEvent{Type: t, Message: message, Timestamp: now.UnixMilli()})
}

// clone returns a deep copy so resolvers never mutate a snapshot they were handed.
func (g *Game) clone() *Game {
	c := *g
	c.Players = make(map[string]*Player, len(g.Players))
	for uid, p := range g.Players {
		cp := *p
		c.Players[uid] = &cp
	}
	c.Actions = make(map[string]NightAction, len(g.Actions))
	for uid, a := range g.Actions {
		c.Actions[uid] = a
	}
	c.Votes = make(map[string]string, len(g.Votes))
	for uid, t := range g.Votes {
		c.Votes[uid] = t
	}
	c.Events = append([]LogEvent(nil), g.Events...)
	return &c
}

func openDB(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; one connection keeps transactions from
	// tripping over shared-cache table locks.
	db.SetMaxOpenConns(1)
	if err := initDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func initDB(db *sqlx.DB) error {
	schema := `
	PRAGMA journal_mode=WAL;

	CREATE TABLE IF NOT EXISTS game (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		host_uid TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'lobby',
		round INTEGER NOT NULL DEFAULT 1,
		total_rounds INTEGER NOT NULL,
		phase_start_time INTEGER NOT NULL DEFAULT 0,
		phase_duration INTEGER NOT NULL DEFAULT 0,
		winner TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS game_player (
		game_id TEXT NOT NULL,
		uid TEXT NOT NULL,
		name TEXT NOT NULL,
		avatar TEXT NOT NULL DEFAULT '',
		is_bot INTEGER NOT NULL DEFAULT 0,
		role TEXT NOT NULL DEFAULT '',
		alive INTEGER NOT NULL DEFAULT 1,
		points INTEGER NOT NULL DEFAULT 0,
		seat INTEGER NOT NULL,
		FOREIGN KEY (game_id) REFERENCES game(id),
		UNIQUE(game_id, uid)
	);
	CREATE TABLE IF NOT EXISTS game_action (
		game_id TEXT NOT NULL,
		uid TEXT NOT NULL,
		kind TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		target TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (game_id) REFERENCES game(id),
		UNIQUE(game_id, uid, kind)
	);
	CREATE TABLE IF NOT EXISTS game_event (
		game_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		visibility TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (game_id) REFERENCES game(id),
		UNIQUE(game_id, seq)
	);
	CREATE TABLE IF NOT EXISTS session (
		token TEXT PRIMARY KEY,
		uid TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	_, err := db.Exec(schema)
	if err != nil {
		log.Printf("initDB error: %v", err)
		return err
	}
	log.Printf("Database initialized successfully")
	return nil
}

// sqlStore is the SQLite-backed Store. Every successful write publishes a
// fresh snapshot of the game to its subscribers.
type sqlStore struct {
	db       *sqlx.DB
	watchers *watchers

	// publishMu orders snapshot loads with their delivery, so the last
	// snapshot handed out is never older than the last commit.
	publishMu sync.Mutex
}

func newSQLStore(db *sqlx.DB) *sqlStore {
	return &sqlStore{db: db, watchers: newWatchers()}
}

func (s *sqlStore) CreateGame(ctx context.Context, g *Game) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO game (id, code, host_uid, state, round, total_rounds, phase_start_time, phase_duration, winner, created_at)
			VALUES (:id, :code, :host_uid, :state, :round, :total_rounds, :phase_start_time, :phase_duration, :winner, :created_at)`, g)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrCodeTaken
			}
			return fmt.Errorf("insert game: %w", err)
		}
		return writePlayers(ctx, tx, g)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, g.ID)
	return nil
}

func (s *sqlStore) GetGame(ctx context.Context, id string) (*Game, error) {
	return loadGame(ctx, s.db, id)
}

func (s *sqlStore) GetGameByCode(ctx context.Context, code string) (*Game, error) {
	var id string
	err := s.db.GetContext(ctx, &id, "SELECT id FROM game WHERE code = ?", code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find game by code: %w", err)
	}
	return loadGame(ctx, s.db, id)
}

// SaveGame rewrites the game, its players and its pending inputs, and appends
// any new events, provided the stored phase still matches guard and nobody
// joined or left since g was read.
func (s *sqlStore) SaveGame(ctx context.Context, guard Guard, g *Game) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE game SET state = ?, round = ?, phase_start_time = ?, phase_duration = ?, winner = ?
			WHERE id = ? AND state = ? AND phase_start_time = ?`,
			g.State, g.Round, g.PhaseStartTime, g.PhaseDuration, g.Winner,
			g.ID, guard.State, guard.PhaseStartTime)
		if err != nil {
			return fmt.Errorf("update game: %w", err)
		}
		if err := checkGuarded(ctx, tx, res, g.ID); err != nil {
			return err
		}

		if err := checkRoster(ctx, tx, g); err != nil {
			return err
		}
		for _, p := range g.Players {
			if _, err := tx.ExecContext(ctx, `
				UPDATE game_player SET name = ?, avatar = ?, is_bot = ?, role = ?, alive = ?, points = ?, seat = ?
				WHERE game_id = ? AND uid = ?`,
				p.Name, p.Avatar, p.IsBot, p.Role, p.Alive, p.Points, p.Seat, g.ID, p.UID); err != nil {
				return fmt.Errorf("update player %s: %w", p.UID, err)
			}
		}

		if err := pruneInputs(ctx, tx, g.ID, actionKindNight, sortedKeys(g.Actions)); err != nil {
			return err
		}
		if err := pruneInputs(ctx, tx, g.ID, actionKindVote, sortedKeys(g.Votes)); err != nil {
			return err
		}
		for uid, a := range g.Actions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO game_action (game_id, uid, kind, role, target, timestamp) VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(game_id, uid, kind)
				DO UPDATE SET role = excluded.role, target = excluded.target, timestamp = excluded.timestamp`,
				g.ID, uid, actionKindNight, a.Role, a.Target, a.Timestamp); err != nil {
				return fmt.Errorf("write action: %w", err)
			}
		}
		// A vote keeps the time it was cast unless its target changed.
		for uid, target := range g.Votes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO game_action (game_id, uid, kind, target, timestamp) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(game_id, uid, kind)
				DO UPDATE SET target = excluded.target,
					timestamp = CASE WHEN game_action.target = excluded.target THEN game_action.timestamp ELSE excluded.timestamp END`,
				g.ID, uid, actionKindVote, target, g.PhaseStartTime); err != nil {
				return fmt.Errorf("write vote: %w", err)
			}
		}

		var stored int
		if err := tx.GetContext(ctx, &stored, "SELECT COUNT(*) FROM game_event WHERE game_id = ?", g.ID); err != nil {
			return fmt.Errorf("count events: %w", err)
		}
		for seq := stored; seq < len(g.Events); seq++ {
			e := g.Events[seq]
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO game_event (game_id, seq, type, message, timestamp, visibility) VALUES (?, ?, ?, ?, ?, ?)`,
				g.ID, seq, e.Type, e.Message, e.Timestamp, e.Visibility); err != nil {
				return fmt.Errorf("append event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, g.ID)
	return nil
}

func (s *sqlStore) AddPlayer(ctx context.Context, gameID string, guard Guard, p *Player) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO game_player (game_id, uid, name, avatar, is_bot, role, alive, points, seat)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, COALESCE((SELECT MAX(seat) FROM game_player WHERE game_id = ?), 0) + 1
		WHERE EXISTS (SELECT 1 FROM game WHERE id = ? AND state = ? AND phase_start_time = ?)
		ON CONFLICT(game_id, uid) DO UPDATE SET name = excluded.name, avatar = excluded.avatar`,
		gameID, p.UID, p.Name, p.Avatar, p.IsBot, p.Role, p.Alive, p.Points,
		gameID, gameID, guard.State, guard.PhaseStartTime)
	if err != nil {
		return fmt.Errorf("add player: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPhaseConflict
	}
	s.publish(ctx, gameID)
	return nil
}

func (s *sqlStore) RemovePlayer(ctx context.Context, gameID string, guard Guard, uid string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM game_player
		WHERE game_id = ? AND uid = ?
		AND EXISTS (SELECT 1 FROM game WHERE id = ? AND state = ? AND phase_start_time = ?)`,
		gameID, uid, gameID, guard.State, guard.PhaseStartTime)
	if err != nil {
		return fmt.Errorf("remove player: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPhaseConflict
	}
	s.publish(ctx, gameID)
	return nil
}

// SubmitAction records or replaces uid's night action for the guarded phase.
func (s *sqlStore) SubmitAction(ctx context.Context, gameID string, guard Guard, uid string, a NightAction) error {
	return s.upsertAction(ctx, gameID, guard, actionRow{
		UID: uid, Kind: actionKindNight, Role: a.Role, Target: a.Target, Timestamp: a.Timestamp,
	})
}

// SubmitVote records or replaces uid's day vote for the guarded phase.
func (s *sqlStore) SubmitVote(ctx context.Context, gameID string, guard Guard, uid, target string, at time.Time) error {
	return s.upsertAction(ctx, gameID, guard, actionRow{
		UID: uid, Kind: actionKindVote, Target: target, Timestamp: at.UnixMilli(),
	})
}

func (s *sqlStore) upsertAction(ctx context.Context, gameID string, guard Guard, row actionRow) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO game_action (game_id, uid, kind, role, target, timestamp)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM game WHERE id = ? AND state = ? AND phase_start_time = ?)
		ON CONFLICT(game_id, uid, kind)
		DO UPDATE SET role = excluded.role, target = excluded.target, timestamp = excluded.timestamp`,
		gameID, row.UID, row.Kind, row.Role, row.Target, row.Timestamp,
		gameID, guard.State, guard.PhaseStartTime)
	if err != nil {
		return fmt.Errorf("upsert %s action: %w", row.Kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPhaseConflict
	}
	s.publish(ctx, gameID)
	return nil
}

func (s *sqlStore) DeleteGame(ctx context.Context, id string) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{"game_event", "game_action", "game_player"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE game_id = ?", id); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM game WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete game: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrGameNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publishMu.Lock()
	s.watchers.publish(id, nil)
	s.publishMu.Unlock()
	return nil
}

func (s *sqlStore) Subscribe(id string) (<-chan *Game, func()) {
	return s.watchers.subscribe(id)
}

// ListActive returns the ids of all games that are not sitting in the lobby.
func (s *sqlStore) ListActive(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, "SELECT id FROM game WHERE state != ? ORDER BY created_at", StateLobby)
	return ids, err
}

// publish loads the committed game and hands it to subscribers. It runs after
// commit, so a cancelled request context must not stop the notification.
func (s *sqlStore) publish(ctx context.Context, id string) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	g, err := loadGame(context.WithoutCancel(ctx), s.db, id)
	if errors.Is(err, ErrGameNotFound) {
		s.watchers.publish(id, nil)
		return
	}
	if err != nil {
		logError("sqlStore.publish: loadGame", err)
		return
	}
	s.watchers.publish(id, g)
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// checkRoster fails when the stored players of g differ from the ones g was
// computed with.
func checkRoster(ctx context.Context, tx *sqlx.Tx, g *Game) error {
	var stored []string
	if err := tx.SelectContext(ctx, &stored, "SELECT uid FROM game_player WHERE game_id = ? ORDER BY uid", g.ID); err != nil {
		return fmt.Errorf("read roster: %w", err)
	}
	if !slices.Equal(stored, sortedKeys(g.Players)) {
		return ErrRosterChanged
	}
	return nil
}

// pruneInputs deletes the inputs of kind whose submitter is not in keep.
func pruneInputs(ctx context.Context, tx *sqlx.Tx, gameID, kind string, keep []string) error {
	if len(keep) == 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM game_action WHERE game_id = ? AND kind = ?", gameID, kind); err != nil {
			return fmt.Errorf("clear %s actions: %w", kind, err)
		}
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM game_action WHERE game_id = ? AND kind = ? AND uid NOT IN (?)", gameID, kind, keep)
	if err != nil {
		return fmt.Errorf("build %s prune: %w", kind, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("prune %s actions: %w", kind, err)
	}
	return nil
}

// checkGuarded turns a zero-row conditional update into the matching error.
func checkGuarded(ctx context.Context, tx *sqlx.Tx, res sql.Result, gameID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := tx.GetContext(ctx, &exists, "SELECT COUNT(*) FROM game WHERE id = ?", gameID); err != nil {
		return fmt.Errorf("check game: %w", err)
	}
	if exists == 0 {
		return ErrGameNotFound
	}
	return ErrPhaseConflict
}

func writePlayers(ctx context.Context, tx *sqlx.Tx, g *Game) error {
	for _, p := range g.sortedPlayers() {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO game_player (game_id, uid, name, avatar, is_bot, role, alive, points, seat)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ID, p.UID, p.Name, p.Avatar, p.IsBot, p.Role, p.Alive, p.Points, p.Seat)
		if err != nil {
			return fmt.Errorf("write player %s: %w", p.UID, err)
		}
	}
	return nil
}

func loadGame(ctx context.Context, q sqlx.QueryerContext, id string) (*Game, error) {
	var g Game
	err := sqlx.GetContext(ctx, q, &g, `
		SELECT id, code, host_uid, state, round, total_rounds, phase_start_time, phase_duration, winner, created_at
		FROM game WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load game: %w", err)
	}

	var players []*Player
	err = sqlx.SelectContext(ctx, q, &players, `
		SELECT uid, name, avatar, is_bot, role, alive, points, seat
		FROM game_player WHERE game_id = ? ORDER BY seat`, id)
	if err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	g.Players = make(map[string]*Player, len(players))
	for _, p := range players {
		g.Players[p.UID] = p
	}

	var actions []actionRow
	err = sqlx.SelectContext(ctx, q, &actions, `
		SELECT uid, kind, role, target, timestamp
		FROM game_action WHERE game_id = ? ORDER BY uid`, id)
	if err != nil {
		return nil, fmt.Errorf("load actions: %w", err)
	}
	g.Actions = make(map[string]NightAction)
	g.Votes = make(map[string]string)
	for _, a := range actions {
		switch a.Kind {
		case actionKindNight:
			g.Actions[a.UID] = NightAction{Role: a.Role, Target: a.Target, Timestamp: a.Timestamp}
		case actionKindVote:
			g.Votes[a.UID] = a.Target
		}
	}

	err = sqlx.SelectContext(ctx, q, &g.Events, `
		SELECT type, message, timestamp, visibility
		FROM game_event WHERE game_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return &g, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
