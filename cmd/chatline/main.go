// Package main provides the chatline terminal chat client.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/verastack/chatline/pkg/api"
	"github.com/verastack/chatline/pkg/config"
	"github.com/verastack/chatline/pkg/envelope"
	"github.com/verastack/chatline/pkg/health"
	"github.com/verastack/chatline/pkg/lifecycle"
	"github.com/verastack/chatline/pkg/logger"
	"github.com/verastack/chatline/pkg/realtime"
	"github.com/verastack/chatline/pkg/storage"
)

var (
	envFile  = flag.String("env", ".env", "Path to .env file")
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFmt   = flag.String("log-format", "text", "Log format (text, json)")
	version  = "dev"
)

func main() {
	flag.Parse()

	logger.Init(*logLevel, *logFmt)
	health.Version = version

	logger.Info("Chatline starting", "version", version)

	if _, err := os.Stat(*envFile); err == nil {
		logger.Info("Loading environment", "file", *envFile)

		if err := godotenv.Load(*envFile); err != nil {
			logger.Error("Failed to load .env file", "error", err)
			os.Exit(1)
		}
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("Configuration error", "error", err)
		os.Exit(1)
	}

	logger.Info("Configuration loaded",
		"server_url", cfg.ServerURL,
		"api_url", cfg.APIURL,
		"reconnect_delay", cfg.ReconnectDelay,
		"max_reconnect_attempts", cfg.MaxReconnectAttempts,
	)

	if err := run(cfg); err != nil {
		logger.Error("Chatline failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Chatline shut down successfully")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewTokenStore(cfg.TokenDBPath, cfg.SecretKeyBase, cfg.DBTimeout)
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	defer store.Close() //nolint:errcheck // shutdown

	client, err := api.NewClient(api.Options{
		BaseURL: cfg.APIURL,
		Timeout: cfg.RequestTimeout,
	}, store)
	if err != nil {
		return err
	}

	if err := bootstrapSession(ctx, cfg, store, client); err != nil {
		return err
	}

	profile := loadProfile(ctx, store, client)

	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts == 0 {
		// Options treats 0 as "use the default".
		maxAttempts = -1
	}

	manager, err := realtime.NewManager(realtime.Options{
		URL:                  cfg.ServerURL,
		ConnectTimeout:       cfg.ConnectTimeout,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: maxAttempts,
	}, store)
	if err != nil {
		return err
	}
	defer manager.Close() //nolint:errcheck // always nil

	if err := manager.OnMessage(&printer{out: os.Stdout, self: profile}); err != nil {
		return err
	}

	if cfg.HealthCheckPort > 0 {
		hs := health.NewServer(manager, store, cfg.HealthCheckPort)
		if err := hs.Start(); err != nil {
			return err
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := hs.Stop(shutdownCtx); err != nil {
				logger.Error("Error stopping health server", "error", err)
			}
		}()
	}

	signals := lifecycle.NewSignalSource(ctx)
	go manager.WatchLifecycle(ctx, signals.States())

	// A freshly started client is in the foreground.
	manager.HandleLifecycle(ctx, lifecycle.StateActive)

	logger.Info("Chatline is running. Type '<conversation_id> <message>' to send, Ctrl+D or Ctrl+C to stop.")

	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		readInput(ctx, os.Stdin, &session{manager: manager, client: client, profile: profile, out: os.Stdout})
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received signal, shutting down")
	case <-inputDone:
		logger.Info("Input closed, shutting down")
	}

	return nil
}

// bootstrapSession makes sure a token is stored: the configured one first,
// then a login with the configured credentials.
func bootstrapSession(ctx context.Context, cfg *config.Config, store *storage.TokenStore, client *api.Client) error {
	if err := store.CleanupExpiredTokens(ctx); err != nil {
		logger.Warn("Failed to clean up expired tokens", "error", err)
	}

	if cfg.Token != "" {
		expiresAt, err := store.SaveBearerToken(ctx, cfg.Token)
		if err != nil {
			logger.Warn("Ignoring configured token", "error", err)
		} else {
			logger.Info("Stored configured token", "expires_at", expiresAt.Format(time.RFC3339))
		}
	}

	_, expiresAt, err := store.LoadToken(ctx)
	switch {
	case err == nil:
		logger.Info("Using stored token", "expires_in", time.Until(expiresAt).Round(time.Second).String())
		return nil
	case !errors.Is(err, storage.ErrNoToken):
		return fmt.Errorf("failed to load token: %w", err)
	}

	if !cfg.HasCredentials() {
		logger.Warn("No stored token and no credentials configured; connection attempts will fail until a token is available")
		return nil
	}

	if _, err := client.Login(ctx, cfg.Email, cfg.Password); err != nil {
		return err
	}

	return nil
}

// loadProfile fetches the signed-in profile, falling back to the cache.
func loadProfile(ctx context.Context, store *storage.TokenStore, client *api.Client) *storage.UserInfo {
	info, err := client.UserInfo(ctx)
	if err == nil {
		logger.Info("Signed in", "user_id", info.UserID, "name", info.FullName)
		return info
	}

	logger.Warn("Failed to fetch user info", "error", err)

	cached, cacheErr := store.LoadUserInfo(ctx)
	if cacheErr != nil {
		logger.Warn("Failed to load cached user info", "error", cacheErr)
	}

	return cached
}

// printer writes inbound chat traffic to the terminal.
type printer struct {
	out  io.Writer
	self *storage.UserInfo
}

func (p *printer) HandleEnvelope(env *envelope.Envelope) {
	payload, err := env.Decode()
	if err != nil {
		logger.Warn("Undecodable envelope", "type", env.Type, "error", err)
		return
	}

	switch msg := payload.(type) {
	case *envelope.ChatMessage:
		from := "unknown"
		if msg.User != nil {
			from = msg.User.FullName
			if p.self != nil && msg.User.UserID == p.self.UserID {
				from = "me"
			}
		}

		fmt.Fprintf(p.out, "[%s] %s: %s\n", msg.ConversationID, from, msg.Body)
	case *envelope.LastMessageUpdate:
		logger.Debug("Conversation updated",
			"conversation_id", msg.ConversationID,
			"last_message_id", msg.LastMessageID,
		)
	default:
		logger.Debug("Unhandled envelope", "type", env.Type)
	}
}

// session executes terminal commands.
type session struct {
	manager *realtime.Manager
	client  *api.Client
	profile *storage.UserInfo
	out     io.Writer
}

func readInput(ctx context.Context, in io.Reader, s *session) {
	scanner := bufio.NewScanner(in)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		cmd, err := parseLine(scanner.Text())
		if err != nil {
			fmt.Fprintln(s.out, err)
			continue
		}

		if cmd == nil {
			continue
		}

		if err := s.execute(ctx, cmd); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Error("Failed to read input", "error", err)
	}
}

func (s *session) execute(ctx context.Context, cmd *command) error {
	switch cmd.kind {
	case cmdSend:
		msg := envelope.ChatMessage{ConversationID: cmd.conversationID, Body: cmd.body, Type: "text"}

		env, err := envelope.New(envelope.TypeMessage, msg)
		if err != nil {
			return err
		}

		if s.profile != nil && s.profile.UserOnlineID != "" {
			env = env.Excluding(s.profile.UserOnlineID)
		}

		return s.manager.SendMessage(env)

	case cmdHistory:
		messages, err := s.client.Messages(ctx, cmd.conversationID)
		if err != nil {
			return err
		}

		for _, m := range messages {
			from := ""
			if m.User != nil {
				from = m.User.FullName
			}
			fmt.Fprintf(s.out, "[%s] %s %s: %s\n", m.ConversationID, m.CreatedAt, from, m.Body)
		}

		return s.client.MarkAsRead(ctx, cmd.conversationID)

	case cmdConversations:
		conversations, err := s.client.Conversations(ctx)
		if err != nil {
			return err
		}

		for _, c := range conversations {
			preview := ""
			if c.LastMessage != nil {
				preview = c.LastMessage.Body
			}
			fmt.Fprintf(s.out, "%s  %s\n", c.ConversationID, preview)
		}

		return nil

	case cmdRecent:
		conversations, err := s.client.LastMessages(ctx)
		if err != nil {
			return err
		}

		for _, c := range conversations {
			if c.LastMessage == nil {
				continue
			}
			fmt.Fprintf(s.out, "%s  %s  %s\n", c.ConversationID, c.LastMessage.CreatedAt, c.LastMessage.Body)
		}

		return nil

	case cmdDelete:
		if err := s.client.DeleteConversation(ctx, cmd.conversationID); err != nil {
			return err
		}

		fmt.Fprintf(s.out, "deleted %s\n", cmd.conversationID)

		return nil

	case cmdRename:
		info, err := s.client.UpdateUserInfo(ctx, &api.UpdateUserInfoRequest{FullName: cmd.body})
		if err != nil {
			return err
		}

		s.profile = info
		fmt.Fprintf(s.out, "name set to %s\n", info.FullName)

		return nil

	case cmdRegister:
		err := s.client.Register(ctx, &api.RegisterRequest{
			Email:    cmd.email,
			Password: cmd.password,
			FullName: cmd.body,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(s.out, "registered %s; set CHATLINE_EMAIL and CHATLINE_PASSWORD to sign in with it\n", cmd.email)

		return nil

	case cmdStatus:
		snap := s.manager.Snapshot()
		fmt.Fprintf(s.out, "state=%s attempts=%d pending=%t\n", snap.State, snap.ReconnectAttempts, snap.ReconnectPending)

		return nil

	case cmdLogout:
		s.manager.Disconnect()
		return s.client.Logout(ctx)
	}

	return nil
}

type commandKind int

const (
	cmdSend commandKind = iota
	cmdHistory
	cmdConversations
	cmdStatus
	cmdLogout
	cmdRecent
	cmdDelete
	cmdRename
	cmdRegister
)

type command struct {
	kind           commandKind
	conversationID string
	body           string
	email          string
	password       string
}

// parseLine turns one input line into a command. Blank lines yield nil.
func parseLine(line string) (*command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	head, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch head {
	case "/conversations":
		return &command{kind: cmdConversations}, nil
	case "/status":
		return &command{kind: cmdStatus}, nil
	case "/logout":
		return &command{kind: cmdLogout}, nil
	case "/recent":
		return &command{kind: cmdRecent}, nil
	case "/history":
		if rest == "" {
			return nil, errors.New("usage: /history <conversation_id>")
		}

		return &command{kind: cmdHistory, conversationID: rest}, nil
	case "/delete":
		if rest == "" {
			return nil, errors.New("usage: /delete <conversation_id>")
		}

		return &command{kind: cmdDelete, conversationID: rest}, nil
	case "/name":
		if rest == "" {
			return nil, errors.New("usage: /name <full name>")
		}

		return &command{kind: cmdRename, body: rest}, nil
	case "/register":
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			return nil, errors.New("usage: /register <email> <password> [full name]")
		}

		return &command{
			kind:     cmdRegister,
			email:    fields[0],
			password: fields[1],
			body:     strings.Join(fields[2:], " "),
		}, nil
	}

	if strings.HasPrefix(head, "/") {
		return nil, fmt.Errorf("unknown command %s", head)
	}

	if rest == "" {
		return nil, errors.New("usage: <conversation_id> <message>")
	}

	return &command{kind: cmdSend, conversationID: head, body: rest}, nil
}
