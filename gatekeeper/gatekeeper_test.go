package gatekeeper

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// newTestGatekeeper returns a Gatekeeper wired the way Run wires it,
// over a sqlite database, a mock discord session and fake members,
// without connecting to anything
func newTestGatekeeper(t testing.TB) (*Gatekeeper, *fakeMembers, *mockDiscordSession) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	g, err := New(cfg)
	require.NoError(t, err)

	g.signalStop = make(chan struct{}, 1)
	g.startedAt = time.Now()
	g.db = NewDatabase(setupTestDB(t), nil, false)
	g.store = newGormStore(g.db, nil, cfg.Verification, "test:", nil)

	notifier, err := newDBNotifier(
		dbTypeSQLite,
		g.db,
		cfg.Database,
		notifyTarget{stop: g.signalStop, settingsUpdated: g.store.InvalidateSetting},
		nil,
	)
	require.NoError(t, err)
	g.dbNotifier = notifier
	g.store.notifier = notifier

	members := &fakeMembers{guildName: "Test Guild"}
	g.engine = NewVerificationEngine(
		EngineDeps{
			Store:      g.store,
			Challenges: newChallengeStore(nil, "test:", time.Minute, 100),
			Captcha:    fixedCaptcha{},
			Locker:     newLocalLocker(cfg.Verification.LockWait),
			Notifier:   members,
			Members:    members,
		},
		cfg.Verification,
		nil,
	)

	session := newMockDiscordSession()
	g.discord.session = session
	return g, members, session
}

// stubInteractionHandler implements InteractionHandler, recording
// responses and edits
type stubInteractionHandler struct {
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger

	mu         sync.Mutex
	responses  []*discordgo.InteractionResponse
	edits      []*discordgo.WebhookEdit
	deleted    bool
	respondErr error
}

func newStubHandler(i *discordgo.InteractionCreate) *stubInteractionHandler {
	return &stubInteractionHandler{interaction: i, logger: slog.Default()}
}

func (s *stubInteractionHandler) Respond(_ context.Context, r *discordgo.InteractionResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.respondErr != nil {
		return s.respondErr
	}
	s.responses = append(s.responses, r)
	return nil
}

func (s *stubInteractionHandler) GetResponse(context.Context) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (s *stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, e)
	return &discordgo.Message{}, nil
}

func (s *stubInteractionHandler) Delete(context.Context, ...discordgo.RequestOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = true
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (s *stubInteractionHandler) Logger() *slog.Logger {
	return s.logger
}

func (s *stubInteractionHandler) lastEdit(t testing.TB) *discordgo.WebhookEdit {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.edits)
	return s.edits[len(s.edits)-1]
}

func (s *stubInteractionHandler) lastContent(t testing.TB) string {
	t.Helper()
	e := s.lastEdit(t)
	require.NotNil(t, e.Content)
	return *e.Content
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "invalid database type")
}

func TestGatekeeper_Run(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.RegisterCommands = true
	g, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	g.discord.session = session

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g.api.listener = ln

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() {
		runErr <- g.Run(ctx)
	}()

	select {
	case <-g.Ready():
	case err = <-runErr:
		t.Fatalf("run exited early: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for ready")
	}

	session.mu.Lock()
	assert.True(t, session.opened)
	assert.Len(t, session.registeredCommands, 2)
	assert.Len(t, session.handlers, 5)
	session.mu.Unlock()

	baseURL := fmt.Sprintf("http://%s", ln.Addr().String())
	resp, err := http.Get(baseURL + apiHealthCheck)
	require.NoError(t, err)
	var health healthCheckResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, health.DiscordGatewayConnected)

	req, err := http.NewRequest(http.MethodPost, baseURL+apiPrefix+apiPathQuit, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+cfg.API.Secret)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for shutdown")
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.True(t, session.closed)
	assert.Equal(t, 5, session.removedHandlers)
}

func TestGatekeeper_RunDiscordOpenError(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	g, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	session.openErr = fmt.Errorf("authentication failed")
	g.discord.session = session

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g.api.listener = ln

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	err = g.Run(ctx)
	assert.ErrorContains(t, err, "authentication failed")
}

func TestGatekeeper_RunInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = ""
	g, err := New(cfg)
	require.NoError(t, err)
	assert.Error(t, g.Run(context.Background()))
}

func TestGatekeeper_HandleMemberJoin(t *testing.T) {
	t.Parallel()
	g, members, _ := newTestGatekeeper(t)
	ctx := context.Background()
	setting := newTestSetting(t, g.store, func(vs *VerificationSetting) { vs.RequireCaptcha = true })

	// ignored
	g.handleMemberJoin(ctx, &discordgo.GuildMemberAdd{Member: &discordgo.Member{GuildID: setting.GuildID}})
	g.handleMemberJoin(
		ctx,
		&discordgo.GuildMemberAdd{
			Member: &discordgo.Member{
				GuildID: setting.GuildID,
				User:    &discordgo.User{ID: newID(t), Bot: true},
			},
		},
	)
	assert.Empty(t, members.dms)

	userID := newID(t)
	g.handleMemberJoin(
		ctx,
		&discordgo.GuildMemberAdd{
			Member: &discordgo.Member{GuildID: setting.GuildID, User: &discordgo.User{ID: userID}},
		},
	)
	require.Len(t, members.dms, 1)
	assert.Equal(t, userID, members.dms[0].UserID)

	vlog, err := g.store.InProgressLog(ctx, setting.GuildID, userID)
	require.NoError(t, err)
	assert.Equal(t, userID, vlog.UserID)
}

func TestGatekeeper_HandleMemberJoin_AccountAge(t *testing.T) {
	t.Parallel()
	g, members, _ := newTestGatekeeper(t)
	setting := newTestSetting(
		t, g.store, func(vs *VerificationSetting) {
			vs.RequireAccountAge = true
			vs.MinAccountAgeDays = 14
		},
	)

	// the account age comes from the user's ID
	userID := newSnowflake(t, time.Now().Add(-time.Hour))
	g.handleMemberJoin(
		context.Background(),
		&discordgo.GuildMemberAdd{
			Member: &discordgo.Member{GuildID: setting.GuildID, User: &discordgo.User{ID: userID}},
		},
	)
	assert.Equal(t, []string{userID}, members.kicks)

	_, err := g.store.InProgressLog(context.Background(), setting.GuildID, userID)
	assert.ErrorIs(t, err, ErrLogNotFound)
}
