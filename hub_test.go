package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// WebSocket Helpers
// ============================================================================

func (c *apiClient) dial(gameID string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{Jar: c.http.Jar, HandshakeTimeout: 2 * time.Second}
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws?game=" + gameID
	return dialer.Dial(url, nil)
}

// awaitEnvelope reads until an envelope satisfies match.
func awaitEnvelope(t *testing.T, conn *websocket.Conn, match func(wsEnvelope) bool) wsEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env wsEnvelope
		require.NoError(t, conn.ReadJSON(&env), "no matching message before deadline")
		if match(env) {
			return env
		}
	}
}

func stateIs(state GameState) func(wsEnvelope) bool {
	return func(env wsEnvelope) bool {
		return env.Type == "state" && env.Game != nil && env.Game.State == state
	}
}

// ============================================================================
// WebSocket Tests
// ============================================================================

func TestWebSocketPushesState(t *testing.T) {
	_, ts := newTestServer(t)
	host := newAPIClient(t, ts.URL)
	guest := newAPIClient(t, ts.URL)

	var g GameView
	require.Equal(t, http.StatusCreated, host.do(http.MethodPost, "/api/games", createGameRequest{Name: "Host"}, &g))

	conn, _, err := host.dial(g.ID)
	require.NoError(t, err)
	defer conn.Close()

	env := awaitEnvelope(t, conn, stateIs(StateLobby))
	require.Len(t, env.Game.Players, 1)
	require.Equal(t, host.uid, env.Game.You.UID)

	require.Equal(t, http.StatusOK, guest.do(http.MethodPost, "/api/games/join", joinGameRequest{Code: g.Code, Name: "Guest"}, nil))
	awaitEnvelope(t, conn, func(env wsEnvelope) bool {
		return env.Type == "state" && len(env.Game.Players) == 2
	})

	require.NoError(t, conn.WriteJSON(WSMessage{Action: "add_bot"}))
	awaitEnvelope(t, conn, func(env wsEnvelope) bool {
		return env.Type == "state" && len(env.Game.Players) == 3
	})

	require.NoError(t, conn.WriteJSON(WSMessage{Action: "start_game"}))
	env = awaitEnvelope(t, conn, stateIs(StateNight))
	require.NotEmpty(t, env.Game.You.Role)
	require.Positive(t, env.Game.RemainingMS)

	// a day vote at night comes back as an error toast
	require.NoError(t, conn.WriteJSON(WSMessage{Action: "day_vote", TargetPlayerID: guest.uid}))
	env = awaitEnvelope(t, conn, func(env wsEnvelope) bool { return env.Type == "toast" })
	require.Equal(t, "error", env.Toast.Type)
	require.Equal(t, ErrWrongPhase.Error(), env.Toast.Message)

	require.Equal(t, http.StatusNoContent, host.do(http.MethodDelete, "/api/games/"+g.ID, nil, nil))
	awaitEnvelope(t, conn, func(env wsEnvelope) bool { return env.Type == "deleted" })
}

func TestWebSocketViewsArePerPlayer(t *testing.T) {
	tc, ts := newTestServer(t)
	host := newAPIClient(t, ts.URL)
	guest := newAPIClient(t, ts.URL)
	g := tc.seedGame(StateNight,
		player(host.uid, RoleDetective),
		player(guest.uid, RoleVillager),
		player("m1", RoleMafia),
		player("v1", RoleVillager),
		player("v2", RoleVillager),
	)

	hostConn, _, err := host.dial(g.ID)
	require.NoError(t, err)
	defer hostConn.Close()
	guestConn, _, err := guest.dial(g.ID)
	require.NoError(t, err)
	defer guestConn.Close()
	awaitEnvelope(t, hostConn, stateIs(StateNight))
	awaitEnvelope(t, guestConn, stateIs(StateNight))

	require.NoError(t, hostConn.WriteJSON(WSMessage{Action: "night_action", TargetPlayerID: "m1"}))
	env := awaitEnvelope(t, hostConn, func(env wsEnvelope) bool {
		return env.Type == "state" && env.Game.MyTarget == "m1"
	})
	require.Equal(t, RoleDetective, env.Game.You.Role)

	tc.resolve(g.ID)
	hostView := awaitEnvelope(t, hostConn, stateIs(StateDay)).Game
	guestView := awaitEnvelope(t, guestConn, stateIs(StateDay)).Game

	require.Len(t, hostView.Events, 2)
	require.Equal(t, "Detective checked m1: MAFIA!", hostView.Events[1].Message)
	require.Len(t, guestView.Events, 1)
	require.Equal(t, "The night was quiet...", guestView.Events[0].Message)
}

func TestWebSocketRequiresMembership(t *testing.T) {
	_, ts := newTestServer(t)
	host := newAPIClient(t, ts.URL)
	stranger := newAPIClient(t, ts.URL)

	var g GameView
	require.Equal(t, http.StatusCreated, host.do(http.MethodPost, "/api/games", createGameRequest{Name: "Host"}, &g))

	_, resp, err := stranger.dial(g.ID)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = stranger.dial("missing")
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHubStopsFollowingWhenEmpty(t *testing.T) {
	tc, ts := newTestServer(t)
	host := newAPIClient(t, ts.URL)
	g := tc.seedGame(StateLobby, player(host.uid, ""))

	conn, _, err := host.dial(g.ID)
	require.NoError(t, err)
	awaitEnvelope(t, conn, stateIs(StateLobby))
	conn.Close()

	require.Eventually(t, func() bool {
		tc.store.watchers.mu.Lock()
		defer tc.store.watchers.mu.Unlock()
		return len(tc.store.watchers.subs[g.ID]) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

// ============================================================================
// View Tests
// ============================================================================

func TestGameViewHidesRoles(t *testing.T) {
	g := pureGame(StateNight,
		player("m1", RoleMafia),
		player("m2", RoleMafia),
		player("det", RoleDetective),
		player("v1", RoleVillager),
	)
	g.PhaseStartTime = 1000
	g.PhaseDuration = 45000
	g.Actions["m2"] = NightAction{Role: RoleMafia, Target: "v1"}
	g.Actions["det"] = NightAction{Role: RoleDetective, Target: "m1"}

	roles := func(v GameView) map[string]Role {
		m := make(map[string]Role)
		for _, p := range v.Players {
			m[p.UID] = p.Role
		}
		return m
	}

	mafia := buildGameView(g, "m1", time.UnixMilli(11000))
	require.Equal(t, map[string]Role{"m1": RoleMafia, "m2": RoleMafia, "det": "", "v1": ""}, roles(mafia))
	require.Equal(t, map[string]string{"m2": "v1"}, mafia.TeamTargets)
	require.Equal(t, int64(46000), mafia.PhaseEndsAt)
	require.Equal(t, int64(35000), mafia.RemainingMS)

	det := buildGameView(g, "det", time.UnixMilli(11000))
	require.Equal(t, map[string]Role{"m1": "", "m2": "", "det": RoleDetective, "v1": ""}, roles(det))
	require.Nil(t, det.TeamTargets)
	require.Equal(t, "m1", det.MyTarget)

	outsider := buildGameView(g, "nobody", time.UnixMilli(99000))
	require.Nil(t, outsider.You)
	require.Zero(t, outsider.RemainingMS)
	for _, role := range roles(outsider) {
		require.Empty(t, role)
	}

	g.State = StateResults
	require.Equal(t, map[string]Role{"m1": RoleMafia, "m2": RoleMafia, "det": RoleDetective, "v1": RoleVillager},
		roles(buildGameView(g, "v1", time.UnixMilli(11000))))
}

func TestGameViewDay(t *testing.T) {
	g := pureGame(StateDay, standardTown()...)
	g.Votes = map[string]string{"host": "m1", "v1": "m1", "m1": "v2"}
	g.Events = []LogEvent{
		{Type: EventInfo, Message: "public"},
		{Type: EventInfo, Message: "private", Visibility: "det"},
	}

	view := buildGameView(g, "v1", time.UnixMilli(0))
	require.Equal(t, "m1", view.MyTarget)
	require.Equal(t, map[string]int{"m1": 2, "v2": 1}, view.VoteCounts)
	require.Equal(t, []LogEvent{{Type: EventInfo, Message: "public"}}, view.Events)

	// players are listed in join order
	var order []string
	for _, p := range view.Players {
		order = append(order, p.UID)
	}
	require.Equal(t, []string{"host", "m1", "doc", "det", "v1", "v2"}, order)
}

func TestToastMessage(t *testing.T) {
	tests := []struct {
		err   error
		msg   string
		known bool
	}{
		{ErrGameFull, ErrGameFull.Error(), true},
		{fmt.Errorf("submit: %w", ErrInvalidTarget), ErrInvalidTarget.Error(), true},
		{fmt.Errorf("save game: %w", ErrRosterChanged), ErrRosterChanged.Error(), true},
		{context.DeadlineExceeded, "Something went wrong", false},
		// an unexpected error that happens to carry the generic text is still unexpected
		{errors.New("Something went wrong"), "Something went wrong", false},
	}
	for _, tt := range tests {
		msg, known := toastMessage(tt.err)
		require.Equal(t, tt.msg, msg, tt.err.Error())
		require.Equal(t, tt.known, known, tt.err.Error())
	}
}
