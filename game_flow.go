package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Rules are the game settings shared by every session of the process.
type Rules struct {
	TotalRounds   int
	MaxPlayers    int
	NightDuration time.Duration
	DayDuration   time.Duration
	BotDelay      time.Duration
	ResolveTick   time.Duration

	// PrivateDetective delivers the detective's result to the detective only
	// instead of the public log.
	PrivateDetective bool
}

func defaultRules() Rules {
	return Rules{
		TotalRounds:      5,
		MaxPlayers:       20,
		NightDuration:    45 * time.Second,
		DayDuration:      60 * time.Second,
		BotDelay:         2 * time.Second,
		ResolveTick:      100 * time.Millisecond,
		PrivateDetective: true,
	}
}

// Points awarded when a game ends
const (
	pointsSurvivingVillager = 10
	pointsDeadVillager      = 5
	pointsSurvivingMafia    = 15
)

// plurality picks the target with the most ballots. Voters are read in
// ascending uid order, candidates are ranked in the order they were first seen
// in that scan, and a later candidate needs strictly more votes to overtake.
// tied reports whether another candidate reached the same count.
func plurality(ballots map[string]string) (target string, votes int, tied bool) {
	counts := make(map[string]int)
	var order []string
	for _, voter := range sortedKeys(ballots) {
		t := ballots[voter]
		if _, seen := counts[t]; !seen {
			order = append(order, t)
		}
		counts[t]++
	}

	for _, candidate := range order {
		switch n := counts[candidate]; {
		case n > votes:
			target, votes, tied = candidate, n, false
		case n == votes:
			tied = true
		}
	}
	return target, votes, tied
}

// evaluateWinner applies the win rule to the alive players: villagers win
// once no mafia is alive, mafia wins at parity or better.
func evaluateWinner(players map[string]*Player) (Winner, bool) {
	var aliveMafia, aliveVillagers int
	for _, p := range players {
		if !p.Alive {
			continue
		}
		if p.Role == RoleMafia {
			aliveMafia++
		} else {
			aliveVillagers++
		}
	}
	switch {
	case aliveMafia == 0:
		return WinnerVillagers, true
	case aliveMafia >= aliveVillagers:
		return WinnerMafia, true
	}
	return "", false
}

func awardPoints(players map[string]*Player, winner Winner) {
	for _, p := range players {
		switch {
		case winner == WinnerVillagers && p.Role != RoleMafia && p.Alive:
			p.Points += pointsSurvivingVillager
		case winner == WinnerVillagers && p.Role != RoleMafia:
			p.Points += pointsDeadVillager
		case winner == WinnerMafia && p.Role == RoleMafia && p.Alive:
			p.Points += pointsSurvivingMafia
		}
	}
}

// applyWinCondition ends the game if a side has won. It must be applied to the
// value that is about to be written, never to a game already in results.
func applyWinCondition(g *Game) bool {
	winner, ok := evaluateWinner(g.Players)
	if !ok {
		return false
	}
	awardPoints(g.Players, winner)
	g.State = StateResults
	g.Winner = winner
	g.PhaseDuration = 0
	return true
}

// Resolve advances the game past its current phase once the phase deadline
// has passed. It reports whether this call applied the transition; calls
// outside night or day, calls before the deadline and lost races are no-ops.
func (e *Engine) Resolve(ctx context.Context, gameID string) (bool, error) {
	g, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return false, err
	}

	now := e.now()
	if now.Before(g.Deadline()) {
		return false, nil
	}

	var next *Game
	switch g.State {
	case StateNight:
		next = resolveNight(g, now, e.rules)
	case StateDay:
		next = resolveDay(g, now, e.rules)
	default:
		DebugLog("Resolve", "Game %s is in %s, nothing to resolve", gameID, g.State)
		return false, nil
	}

	err = e.store.SaveGame(ctx, g.guard(), next)
	if errors.Is(err, ErrPhaseConflict) {
		DebugLog("Resolve", "Game %s: %s phase already resolved elsewhere", gameID, g.State)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", g.State, err)
	}

	if next.State == StateResults {
		log.Printf("Game %s round %d finished, winner: %s", gameID, next.Round, next.Winner)
	} else {
		log.Printf("Game %s: %s resolved, now %s", gameID, g.State, next.State)
	}
	LogDBState("after " + string(g.State) + " resolution")
	return true, nil
}
