package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"classmon/pkg/protocol"
)

// AppLister enumerates the programs currently running on a student
// machine.
type AppLister interface {
	List(ctx context.Context) ([]protocol.RunningApp, error)
}

// ScreenSource prepares a screen-sharing session on the student machine
// and returns the viewing token a teacher needs to connect.
type ScreenSource interface {
	OpenSession(ctx context.Context) (token string, err error)
}

const preparingTimeout = 10 * time.Second

type agentState int

const (
	stateIdle agentState = iota
	statePreparing
)

// StudentAgent answers the server-initiated requests a student machine
// receives: app-list queries and screen-sharing start signals. Install
// its HandlePush on the client carrying the connection.
type StudentAgent struct {
	lister AppLister
	source ScreenSource
	log    zerolog.Logger

	mu     sync.Mutex
	client *Client
	state  agentState
}

// NewStudentAgent creates an agent; Attach it to a client before use.
func NewStudentAgent(lister AppLister, source ScreenSource, log zerolog.Logger) *StudentAgent {
	return &StudentAgent{
		lister: lister,
		source: source,
		log:    log.With().Str("component", "student-agent").Logger(),
	}
}

// Attach binds the agent to the client it answers through.
func (a *StudentAgent) Attach(c *Client) {
	a.mu.Lock()
	a.client = c
	a.mu.Unlock()
}

// HandlePush is the agent's push handler.
func (a *StudentAgent) HandlePush(m *protocol.Message) {
	switch m.Kind {
	case protocol.KindRequestApps:
		a.handleAppRequest()
	case protocol.KindStartStreaming:
		a.handleStartStreaming()
	default:
		a.log.Debug().Str("kind", m.Kind).Msg("ignoring push")
	}
}

func (a *StudentAgent) handleAppRequest() {
	a.mu.Lock()
	c := a.client
	a.mu.Unlock()
	if c == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	apps, err := a.lister.List(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("app listing failed")
		apps = []protocol.RunningApp{}
	}
	reply, err := c.Request(ctx, &protocol.Message{Kind: protocol.KindReturnApps, Apps: apps})
	if err != nil {
		a.log.Warn().Err(err).Msg("app list send failed")
		return
	}
	if !reply.OK() {
		a.log.Warn().Str("reason", reply.Text).Msg("app list rejected")
	}
}

// handleStartStreaming kicks off session preparation. A second start
// signal while one is being prepared is ignored; the token already on
// its way answers both.
func (a *StudentAgent) handleStartStreaming() {
	a.mu.Lock()
	if a.state == statePreparing || a.client == nil {
		a.mu.Unlock()
		return
	}
	a.state = statePreparing
	c := a.client
	a.mu.Unlock()

	go a.prepareSession(c)
}

func (a *StudentAgent) prepareSession(c *Client) {
	defer func() {
		a.mu.Lock()
		a.state = stateIdle
		a.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), preparingTimeout)
	defer cancel()

	token, err := a.source.OpenSession(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("screen session preparation failed")
		return
	}

	reply, err := c.Request(ctx, &protocol.Message{Kind: protocol.KindScreenTokenData, Token: token})
	if err != nil {
		a.log.Warn().Err(err).Msg("token send failed")
		return
	}
	if !reply.OK() {
		a.log.Warn().Str("reason", reply.Text).Msg("token rejected")
	}
}

// TeacherCoordinator turns the two-hop request flows into blocking
// calls for a teacher console: ask for a student's app list or screen
// token and wait for the forwarded result. Install its HandlePush on
// the client carrying the connection.
type TeacherCoordinator struct {
	log zerolog.Logger

	mu           sync.Mutex
	client       *Client
	appWaiters   map[string]chan []protocol.RunningApp
	tokenWaiters map[string]chan string
	onNotice     func(*protocol.Message)
}

// NewTeacherCoordinator creates a coordinator; Attach it to a client
// before use.
func NewTeacherCoordinator(log zerolog.Logger) *TeacherCoordinator {
	return &TeacherCoordinator{
		log:          log.With().Str("component", "teacher-coordinator").Logger(),
		appWaiters:   make(map[string]chan []protocol.RunningApp),
		tokenWaiters: make(map[string]chan string),
	}
}

// Attach binds the coordinator to the client it requests through.
func (tc *TeacherCoordinator) Attach(c *Client) {
	tc.mu.Lock()
	tc.client = c
	tc.mu.Unlock()
}

// OnNotice installs a handler for pushes the coordinator does not
// consume itself.
func (tc *TeacherCoordinator) OnNotice(h func(*protocol.Message)) {
	tc.mu.Lock()
	tc.onNotice = h
	tc.mu.Unlock()
}

// HandlePush is the coordinator's push handler.
func (tc *TeacherCoordinator) HandlePush(m *protocol.Message) {
	switch m.Kind {
	case protocol.KindReturnApps:
		tc.mu.Lock()
		waiter, ok := tc.appWaiters[m.Username]
		if ok {
			delete(tc.appWaiters, m.Username)
		}
		tc.mu.Unlock()
		if !ok {
			tc.log.Warn().Str("student", m.Username).Msg("unexpected app list")
			return
		}
		waiter <- m.Apps
	case protocol.KindScreenTokenData:
		tc.mu.Lock()
		waiter, ok := tc.tokenWaiters[m.TargetClientID]
		if ok {
			delete(tc.tokenWaiters, m.TargetClientID)
		}
		tc.mu.Unlock()
		if !ok {
			tc.log.Warn().Str("student", m.TargetClientID).Msg("unexpected screen token")
			return
		}
		waiter <- m.Token
	default:
		tc.mu.Lock()
		h := tc.onNotice
		tc.mu.Unlock()
		if h != nil {
			h(m)
		}
	}
}

// RequestApps asks a student machine for its running programs and waits
// for the forwarded list.
func (tc *TeacherCoordinator) RequestApps(ctx context.Context, target string) ([]protocol.RunningApp, error) {
	waiter := make(chan []protocol.RunningApp, 1)
	if err := tc.startFlow(ctx, target, protocol.KindRequestApps, func() {
		tc.appWaiters[target] = waiter
	}, func() {
		delete(tc.appWaiters, target)
	}); err != nil {
		return nil, err
	}

	select {
	case apps := <-waiter:
		return apps, nil
	case <-ctx.Done():
		tc.mu.Lock()
		delete(tc.appWaiters, target)
		tc.mu.Unlock()
		return nil, ctx.Err()
	}
}

// RequestScreen asks a student machine to start sharing its screen and
// waits for the viewing token.
func (tc *TeacherCoordinator) RequestScreen(ctx context.Context, target string) (string, error) {
	waiter := make(chan string, 1)
	if err := tc.startFlow(ctx, target, protocol.KindStartStreaming, func() {
		tc.tokenWaiters[target] = waiter
	}, func() {
		delete(tc.tokenWaiters, target)
	}); err != nil {
		return "", err
	}

	select {
	case token := <-waiter:
		return token, nil
	case <-ctx.Done():
		tc.mu.Lock()
		delete(tc.tokenWaiters, target)
		tc.mu.Unlock()
		return "", ctx.Err()
	}
}

// startFlow registers the waiter before sending the request so the
// forwarded result cannot race past it. A rejected request rolls the
// waiter back.
func (tc *TeacherCoordinator) startFlow(ctx context.Context, target, kind string, register, unregister func()) error {
	tc.mu.Lock()
	c := tc.client
	if c == nil {
		tc.mu.Unlock()
		return ErrNotConnected
	}
	register()
	tc.mu.Unlock()

	reply, err := c.Request(ctx, &protocol.Message{Kind: kind, TargetUsername: target})
	if err == nil && !reply.OK() {
		err = fmt.Errorf("request %s for %s: %s", kind, target, reply.Text)
	}
	if err != nil {
		tc.mu.Lock()
		unregister()
		tc.mu.Unlock()
		return err
	}
	return nil
}
