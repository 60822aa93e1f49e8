package main

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
)

// BotPolicy picks the target of a bot's night action or day vote.
// An empty result means the bot sits the phase out.
type BotPolicy interface {
	ChooseTarget(ctx context.Context, g *Game, bot *Player) string
}

// randomBotPolicy picks uniformly among legal targets. Mafia bots back the
// target another mafia member already chose.
type randomBotPolicy struct{}

func (randomBotPolicy) ChooseTarget(_ context.Context, g *Game, bot *Player) string {
	if g.State == StateNight && bot.Role == RoleMafia {
		if t := tallyNight(g); t.MafiaTarget != "" {
			return t.MafiaTarget
		}
	}
	candidates := botCandidates(g, bot)
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.IntN(len(candidates))].UID
}

// botCandidates lists the players bot may sensibly target in the current phase.
func botCandidates(g *Game, bot *Player) []*Player {
	var candidates []*Player
	for _, p := range g.alivePlayers() {
		switch {
		case g.State == StateNight && bot.Role == RoleDoctor:
			candidates = append(candidates, p)
		case p.UID == bot.UID:
		case g.State == StateNight && bot.Role == RoleMafia && p.Role == RoleMafia:
		default:
			candidates = append(candidates, p)
		}
	}
	return candidates
}

// owesInput reports whether p still has to act in the current phase.
func owesInput(g *Game, p *Player) bool {
	if !p.Alive {
		return false
	}
	switch g.State {
	case StateNight:
		if p.Role == RoleVillager {
			return false
		}
		_, done := g.Actions[p.UID]
		return !done
	case StateDay:
		_, done := g.Votes[p.UID]
		return !done
	}
	return false
}

// runBots submits an input for every bot that owes one, against the phase g
// was read in. Once that phase is over the remaining bots are skipped.
func (e *Engine) runBots(ctx context.Context, g *Game) {
	for _, bot := range g.alivePlayers() {
		if !bot.IsBot || !owesInput(g, bot) {
			continue
		}
		target := e.bots.ChooseTarget(ctx, g, bot)
		if ctx.Err() != nil {
			return
		}
		if target == "" {
			DebugLog("runBots", "Bot '%s' skipped the %s", bot.Name, g.State)
			continue
		}

		var err error
		switch g.State {
		case StateNight:
			err = e.submitNightAction(ctx, g, bot.UID, target)
		case StateDay:
			err = e.submitDayVote(ctx, g, bot.UID, target)
		}
		if errors.Is(err, ErrWrongPhase) {
			return
		}
		if err != nil {
			log.Printf("Bot %s could not act on %s: %v", bot.Name, target, err)
			continue
		}
		if g.State == StateNight {
			// later mafia bots follow this choice
			g.Actions[bot.UID] = NightAction{Role: bot.Role, Target: target}
		}
	}
}
