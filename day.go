package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// DayTally is the outcome of one day's votes. Target is empty when nobody is
// eliminated, either because there were no valid votes or because of a tie.
type DayTally struct {
	Target string
	Votes  int
	Tied   bool
}

// tallyDay reduces the submitted day votes. Votes from absent or dead voters
// or against absent or dead targets count as abstentions.
func tallyDay(g *Game) DayTally {
	ballots := make(map[string]string)
	for voter, target := range g.Votes {
		p, ok := g.player(voter)
		if !ok || !p.Alive {
			continue
		}
		if t, ok := g.player(target); !ok || !t.Alive {
			continue
		}
		ballots[voter] = target
	}

	target, votes, tied := plurality(ballots)
	if votes == 0 || tied {
		return DayTally{Votes: votes, Tied: tied}
	}
	return DayTally{Target: target, Votes: votes}
}

// resolveDay computes the night that follows g's day. g is not modified.
func resolveDay(g *Game, now time.Time, rules Rules) *Game {
	next := g.clone()
	t := tallyDay(g)

	if t.Target != "" {
		victim := next.Players[t.Target]
		victim.Alive = false
		next.appendEvent(EventDeath, fmt.Sprintf("%s (%s) was voted out!", victim.Name, victim.Role), now)
	} else {
		next.appendEvent(EventInfo, "No one was eliminated. (No votes or tie)", now)
	}

	next.Actions = make(map[string]NightAction)
	next.Votes = make(map[string]string)
	next.State = StateNight
	next.PhaseStartTime = now.UnixMilli()
	next.PhaseDuration = rules.NightDuration.Milliseconds()
	applyWinCondition(next)
	return next
}

// SubmitDayVote records uid's vote against target for the running day.
// Resubmitting replaces the earlier vote.
func (e *Engine) SubmitDayVote(ctx context.Context, gameID, uid, target string) error {
	g, err := e.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	return e.submitDayVote(ctx, g, uid, target)
}

func (e *Engine) submitDayVote(ctx context.Context, g *Game, uid, target string) error {
	if g.State != StateDay {
		return ErrWrongPhase
	}

	voter, ok := g.player(uid)
	if !ok {
		return ErrNotInGame
	}
	if !voter.Alive {
		return ErrPlayerDead
	}
	candidate, ok := g.player(target)
	if !ok || !candidate.Alive || target == uid {
		return ErrInvalidTarget
	}

	err := e.store.SubmitVote(ctx, g.ID, g.guard(), uid, target, e.now())
	if errors.Is(err, ErrPhaseConflict) {
		return ErrWrongPhase
	}
	if err != nil {
		return fmt.Errorf("submit day vote: %w", err)
	}

	log.Printf("Game %s: %s voted for %s", g.ID, voter.Name, candidate.Name)
	DebugLog("SubmitDayVote", "'%s' voted to eliminate '%s'", voter.Name, candidate.Name)
	LogDBState("after day vote")
	return nil
}

// voteCounts returns the number of votes each candidate currently holds.
func voteCounts(g *Game) map[string]int {
	counts := make(map[string]int)
	for _, target := range g.Votes {
		counts[target]++
	}
	return counts
}
