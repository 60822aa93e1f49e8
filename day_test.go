package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func (tc *TestContext) vote(gameID, voter, target string) {
	tc.t.Helper()
	require.NoError(tc.t, tc.engine.SubmitDayVote(context.Background(), gameID, voter, target))
}

// ============================================================================
// Day Tally Tests
// ============================================================================

func TestTallyDay(t *testing.T) {
	tests := []struct {
		name  string
		votes map[string]string
		want  DayTally
	}{
		{"no votes", map[string]string{}, DayTally{}},
		{"clear majority", map[string]string{"host": "m1", "doc": "m1", "det": "m1", "m1": "v1"}, DayTally{Target: "m1", Votes: 3}},
		{"single vote", map[string]string{"v1": "v2"}, DayTally{Target: "v2", Votes: 1}},
		{"tie", map[string]string{"host": "m1", "doc": "m1", "m1": "v1", "v2": "v1"}, DayTally{Votes: 2, Tied: true}},
		{"ballot for a stranger", map[string]string{"host": "nobody", "doc": "v1"}, DayTally{Target: "v1", Votes: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := pureGame(StateDay, standardTown()...)
			g.Votes = tt.votes
			require.Equal(t, tt.want, tallyDay(g))
		})
	}
}

func TestTallyDayIgnoresDeadPlayers(t *testing.T) {
	g := pureGame(StateDay,
		player("m1", RoleMafia),
		dead(player("v1", RoleVillager)),
		player("v2", RoleVillager),
		player("v3", RoleVillager),
	)
	g.Votes = map[string]string{
		"v1": "v2", // dead voter
		"m1": "v1", // dead target
		"v3": "m1",
	}
	require.Equal(t, DayTally{Target: "m1", Votes: 1}, tallyDay(g))
}

func TestResolveDayAllAbstainKeepsEveryoneAlive(t *testing.T) {
	g := pureGame(StateDay, standardTown()...)
	next := resolveDay(g, time.UnixMilli(9000), defaultRules())

	require.Equal(t, StateNight, next.State)
	require.Equal(t, int64(45000), next.PhaseDuration)
	for _, p := range next.Players {
		require.True(t, p.Alive)
	}
	require.Equal(t, "No one was eliminated. (No votes or tie)", lastEvent(next).Message)
}

// ============================================================================
// Day Resolution Tests
// ============================================================================

func TestDayVoteElimination(t *testing.T) {
	tc := newTestContext(t)
	g := tc.seedGame(StateDay, standardTown()...)
	tc.vote(g.ID, "host", "v1")
	tc.vote(g.ID, "doc", "v1")
	tc.vote(g.ID, "m1", "v1")
	tc.vote(g.ID, "v1", "m1")

	g = tc.resolve(g.ID)
	require.Equal(t, StateNight, g.State)
	require.Equal(t, int64(45000), g.PhaseDuration)
	require.False(t, g.Players["v1"].Alive)
	require.Empty(t, g.Votes)

	e := lastEvent(g)
	require.Equal(t, EventDeath, e.Type)
	require.Equal(t, "v1 (villager) was voted out!", e.Message)
}

func TestDayVoteTie(t *testing.T) {
	tc := newTestContext(t)
	g := tc.seedGame(StateDay, standardTown()...)
	tc.vote(g.ID, "host", "m1")
	tc.vote(g.ID, "doc", "m1")
	tc.vote(g.ID, "m1", "v1")
	tc.vote(g.ID, "v2", "v1")

	g = tc.resolve(g.ID)
	require.Equal(t, StateNight, g.State)
	for _, p := range g.Players {
		require.True(t, p.Alive)
	}
	e := lastEvent(g)
	require.Equal(t, EventInfo, e.Type)
	require.Contains(t, e.Message, "tie")
}

func TestDayVoteChangeReplacesBallot(t *testing.T) {
	tc := newTestContext(t)
	g := tc.seedGame(StateDay, standardTown()...)
	tc.vote(g.ID, "host", "v1")
	tc.vote(g.ID, "host", "v2")

	g = tc.game(g.ID)
	require.Equal(t, map[string]string{"host": "v2"}, g.Votes)
	require.Equal(t, map[string]int{"v2": 1}, voteCounts(g))
}

func TestVoteKeepsCastTime(t *testing.T) {
	tc := newTestContext(t)
	g := tc.seedGame(StateDay, standardTown()...)
	castAt := func(voter string) int64 {
		var ts int64
		require.NoError(t, tc.db.Get(&ts, "SELECT timestamp FROM game_action WHERE game_id = ? AND uid = ? AND kind = ?", g.ID, voter, actionKindVote))
		return ts
	}

	tc.clock.Advance(5 * time.Second)
	tc.vote(g.ID, "v1", "m1")
	cast := tc.clock.Now().UnixMilli()
	require.Equal(t, cast, castAt("v1"))

	// rewriting the game leaves the ballot's time alone
	g = tc.game(g.ID)
	next := g.clone()
	next.Players["host"].Points = 3
	require.NoError(t, tc.store.SaveGame(context.Background(), g.guard(), next))
	require.Equal(t, cast, castAt("v1"))
	require.Equal(t, "m1", tc.game(g.ID).Votes["v1"])
}

func TestSubmitDayVoteValidation(t *testing.T) {
	tc := newTestContext(t)
	town := append(standardTown(), dead(player("ghost", RoleVillager)))
	g := tc.seedGame(StateDay, town...)
	ctx := context.Background()

	tests := []struct {
		name   string
		uid    string
		target string
		want   error
	}{
		{"self vote", "v1", "v1", ErrInvalidTarget},
		{"dead voter", "ghost", "m1", ErrPlayerDead},
		{"dead target", "v1", "ghost", ErrInvalidTarget},
		{"unknown target", "v1", "nobody", ErrInvalidTarget},
		{"stranger", "nobody", "m1", ErrNotInGame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tc.engine.SubmitDayVote(ctx, g.ID, tt.uid, tt.target), tt.want)
		})
	}
	require.Empty(t, tc.game(g.ID).Votes)
}

func TestDayVoteOutsideDay(t *testing.T) {
	tc := newTestContext(t)
	g := tc.seedGame(StateNight, standardTown()...)
	require.ErrorIs(t, tc.engine.SubmitDayVote(context.Background(), g.ID, "v1", "m1"), ErrWrongPhase)
}

func TestFullRoundNightThenDay(t *testing.T) {
	tc := newTestContext(t)
	g := tc.seedGame(StateNight, standardTown()...)

	tc.act(g.ID, "m1", "v1")
	g = tc.resolve(g.ID)
	require.Equal(t, StateDay, g.State)
	require.False(t, g.Players["v1"].Alive)

	// the dead cannot vote
	require.ErrorIs(t, tc.engine.SubmitDayVote(context.Background(), g.ID, "v1", "m1"), ErrPlayerDead)

	tc.vote(g.ID, "host", "m1")
	tc.vote(g.ID, "doc", "m1")
	g = tc.resolve(g.ID)
	require.Equal(t, StateResults, g.State)
	require.Equal(t, WinnerVillagers, g.Winner)
	require.Equal(t, "m1 (mafia) was voted out!", lastEvent(g).Message)

	require.Equal(t, 5, g.Players["v1"].Points)
	require.Equal(t, 10, g.Players["host"].Points)
	require.Equal(t, 0, g.Players["m1"].Points)
}
