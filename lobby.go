package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

var avatars = []string{"👨", "👩", "👦", "👧", "🧔", "👴", "👵", "👱‍♂️", "👱‍♀️", "🧑"}

var botNames = []string{"Alice", "Bob", "Charlie", "Diana", "Eve", "Frank", "Grace", "Hank"}

const botAvatar = "🤖"

// Join codes are drawn again if they collide with a running game.
const maxCodeAttempts = 10

const maxDealAttempts = 3

// CreateGame opens a new lobby with hostUID as its host and first player.
func (e *Engine) CreateGame(ctx context.Context, hostUID, name string) (*Game, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}

	now := e.now()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := generateJoinCode()
		if err != nil {
			return nil, fmt.Errorf("generate join code: %w", err)
		}
		g := &Game{
			ID:          uuid.NewString(),
			Code:        code,
			HostUID:     hostUID,
			State:       StateLobby,
			Round:       1,
			TotalRounds: e.rules.TotalRounds,
			CreatedAt:   now.UnixMilli(),
			Players: map[string]*Player{
				hostUID: {UID: hostUID, Name: name, Avatar: randomAvatar(), Alive: true, Seat: 1},
			},
			Actions: make(map[string]NightAction),
			Votes:   make(map[string]string),
		}

		err = e.store.CreateGame(ctx, g)
		if errors.Is(err, ErrCodeTaken) {
			DebugLog("CreateGame", "Join code %s taken, retrying", code)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create game: %w", err)
		}

		log.Printf("Game %s created by %s with code %s", g.ID, name, code)
		LogDBState("after game created")
		e.Watch(g.ID)
		return g, nil
	}
	return nil, ErrCodeTaken
}

// JoinGame adds uid to the lobby behind code. A player already in the lobby
// only has their name and avatar refreshed and keeps their points.
func (e *Engine) JoinGame(ctx context.Context, code, uid, name string) (*Game, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}

	g, err := e.store.GetGameByCode(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, err
	}
	if g.State != StateLobby {
		return nil, ErrWrongPhase
	}
	if _, ok := g.player(uid); !ok && len(g.Players) >= e.rules.MaxPlayers {
		return nil, ErrGameFull
	}

	p := &Player{UID: uid, Name: name, Avatar: randomAvatar(), Alive: true}
	if err := e.addPlayer(ctx, g, p); err != nil {
		return nil, err
	}
	log.Printf("Player %s (%s) joined game %s", uid, name, g.ID)
	return e.store.GetGame(ctx, g.ID)
}

// AddBot fills a lobby seat with a bot. Only the host may add bots.
func (e *Engine) AddBot(ctx context.Context, gameID, uid string) (*Player, error) {
	g, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.HostUID != uid {
		return nil, ErrNotHost
	}
	if g.State != StateLobby {
		return nil, ErrWrongPhase
	}
	if len(g.Players) >= e.rules.MaxPlayers {
		return nil, ErrGameFull
	}

	bot := &Player{
		UID:    "bot_" + uuid.NewString(),
		Name:   pickBotName(g),
		Avatar: botAvatar,
		IsBot:  true,
		Alive:  true,
	}
	if err := e.addPlayer(ctx, g, bot); err != nil {
		return nil, err
	}
	log.Printf("Bot %s added to game %s", bot.Name, gameID)
	return bot, nil
}

func (e *Engine) addPlayer(ctx context.Context, g *Game, p *Player) error {
	err := e.store.AddPlayer(ctx, g.ID, g.guard(), p)
	if errors.Is(err, ErrPhaseConflict) {
		return ErrWrongPhase
	}
	if err != nil {
		return fmt.Errorf("add player: %w", err)
	}
	DebugLog("addPlayer", "'%s' (bot: %v) seated in game %s", p.Name, p.IsBot, g.ID)
	LogDBState("after player join: " + p.Name)
	return nil
}

// LeaveGame removes uid from a lobby. The host leaving closes the lobby.
// Once the game has started players stay on record.
func (e *Engine) LeaveGame(ctx context.Context, gameID, uid string) error {
	g, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if _, ok := g.player(uid); !ok {
		return ErrNotInGame
	}
	if g.State != StateLobby {
		return ErrWrongPhase
	}
	if g.HostUID == uid {
		return e.DeleteGame(ctx, gameID, uid)
	}

	err = e.store.RemovePlayer(ctx, gameID, g.guard(), uid)
	if errors.Is(err, ErrPhaseConflict) {
		return ErrWrongPhase
	}
	if err != nil {
		return fmt.Errorf("remove player: %w", err)
	}
	log.Printf("Player %s left game %s", uid, gameID)
	LogDBState("after player left")
	return nil
}

// StartGame deals roles and opens the first night. Only the host may start.
// Players joining or leaving while the roles are dealt restart the deal.
func (e *Engine) StartGame(ctx context.Context, gameID, uid string) error {
	var next *Game
	for attempt := 1; ; attempt++ {
		g, err := e.store.GetGame(ctx, gameID)
		if err != nil {
			return err
		}
		if g.HostUID != uid {
			return ErrNotHost
		}
		if g.State != StateLobby {
			return ErrWrongPhase
		}
		if len(g.Players) < 1 {
			return ErrNoPlayers
		}

		next, err = e.beginNight(g)
		if err != nil {
			return err
		}
		err = e.commitTransition(ctx, g, next)
		if errors.Is(err, ErrRosterChanged) && attempt < maxDealAttempts {
			DebugLog("StartGame", "Players of game %s changed during the deal, retrying", gameID)
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	log.Printf("Game %s started with %d players", gameID, len(next.Players))
	LogDBState("after game start")
	e.Watch(gameID)
	return nil
}

// NextRound deals fresh roles and opens the night of the following round.
// Points and the event log carry over.
func (e *Engine) NextRound(ctx context.Context, gameID, uid string) error {
	g, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if g.HostUID != uid {
		return ErrNotHost
	}
	if g.State != StateResults {
		return ErrWrongPhase
	}
	if g.Round >= g.TotalRounds {
		return ErrNoMoreRounds
	}

	next, err := e.beginNight(g)
	if err != nil {
		return err
	}
	next.Round = g.Round + 1
	next.Winner = ""
	if err := e.commitTransition(ctx, g, next); err != nil {
		return err
	}

	log.Printf("Game %s: round %d of %d started", gameID, next.Round, next.TotalRounds)
	LogDBState("after next round")
	e.Watch(gameID)
	return nil
}

// beginNight returns a copy of g with roles dealt and the first night of a
// round opened.
func (e *Engine) beginNight(g *Game) (*Game, error) {
	next := g.clone()
	if err := assignRoles(next.sortedPlayers()); err != nil {
		return nil, fmt.Errorf("assign roles: %w", err)
	}
	next.State = StateNight
	next.PhaseStartTime = e.now().UnixMilli()
	next.PhaseDuration = e.rules.NightDuration.Milliseconds()
	next.Actions = make(map[string]NightAction)
	next.Votes = make(map[string]string)
	return next, nil
}

func (e *Engine) commitTransition(ctx context.Context, g, next *Game) error {
	err := e.store.SaveGame(ctx, g.guard(), next)
	if errors.Is(err, ErrPhaseConflict) {
		return ErrWrongPhase
	}
	if err != nil {
		return fmt.Errorf("save game: %w", err)
	}
	return nil
}

// DeleteGame removes the game for everyone. Only the host may delete.
func (e *Engine) DeleteGame(ctx context.Context, gameID, uid string) error {
	g, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if g.HostUID != uid {
		return ErrNotHost
	}
	if err := e.store.DeleteGame(ctx, gameID); err != nil {
		return err
	}
	log.Printf("Game %s deleted by host", gameID)
	return nil
}

// buildRolePool returns the roles dealt to n players, before shuffling.
func buildRolePool(n int) []Role {
	mafiaCount := max(1, n/5)
	pool := make([]Role, 0, n)
	for i := 0; i < mafiaCount; i++ {
		pool = append(pool, RoleMafia)
	}
	if n >= 5 {
		pool = append(pool, RoleDetective)
	}
	if n >= 6 {
		pool = append(pool, RoleDoctor)
	}
	for len(pool) < n {
		pool = append(pool, RoleVillager)
	}
	return pool
}

// assignRoles deals a shuffled pool to players by position and revives everyone.
func assignRoles(players []*Player) error {
	pool := buildRolePool(len(players))
	if err := shuffleRoles(pool); err != nil {
		return err
	}
	for i, p := range players {
		p.Role = pool[i]
		p.Alive = true
	}
	return nil
}

// shuffleRoles is a Fisher-Yates shuffle driven by crypto/rand.
func shuffleRoles(roles []Role) error {
	for i := len(roles) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		j := int(jBig.Int64())
		roles[i], roles[j] = roles[j], roles[i]
	}
	return nil
}

// generateJoinCode returns a random code between 1000 and 9999.
func generateJoinCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", 1000+n.Int64()), nil
}

func randomAvatar() string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(avatars))))
	if err != nil {
		return avatars[0]
	}
	return avatars[n.Int64()]
}

func pickBotName(g *Game) string {
	used := make(map[string]bool)
	for _, p := range g.Players {
		used[p.Name] = true
	}
	var available []string
	for _, name := range botNames {
		if !used[name] {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return "Bot"
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(available))))
	if err != nil {
		return available[0]
	}
	return available[n.Int64()]
}
