package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"chatline/internal/auth"
	"chatline/internal/config"
	"chatline/internal/conn"
	"chatline/internal/history"
	"chatline/internal/presence"
	"chatline/internal/rooms"
	"chatline/internal/session"
	"chatline/internal/timeline"
	"chatline/internal/types"
)

const defaultRoom = "general"

var (
	flagVerbose  bool
	flagUsername string
	flagPassword string
)

var rootCmd = &cobra.Command{
	Use:           "chatline",
	Short:         "Terminal client for the chat backend",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		if flagVerbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		}
	},
	RunE: runChat,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")

	loginCmd.Flags().StringVar(&flagUsername, "username", "", "username")
	loginCmd.Flags().StringVar(&flagPassword, "password", "", "password")
	registerCmd.Flags().StringVar(&flagUsername, "username", "", "username")
	registerCmd.Flags().StringVar(&flagPassword, "password", "", "password")

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func wire() (*config.Config, *session.Manager, error) {
	cfg := config.Load()

	v := viper.New()
	if cfg.SessionFile != "" {
		v.Set("session.path", cfg.SessionFile)
	}
	store, err := session.NewStore(v)
	if err != nil {
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}
	return cfg, session.NewManager(store), nil
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate and persist the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return authenticate(cmd.Context(), func(client *auth.Client, ctx context.Context, username, password string) (types.Session, error) {
			return client.Login(ctx, username, password)
		})
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and persist the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return authenticate(cmd.Context(), func(client *auth.Client, ctx context.Context, username, password string) (types.Session, error) {
			return client.Register(ctx, username, password)
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the persisted session",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, sessions, err := wire()
		if err != nil {
			return err
		}
		if err := sessions.Logout(); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

func authenticate(ctx context.Context, fn func(*auth.Client, context.Context, string, string) (types.Session, error)) error {
	cfg, sessions, err := wire()
	if err != nil {
		return err
	}

	username, password, err := credentials()
	if err != nil {
		return err
	}

	sess, err := fn(auth.NewClient(cfg.ServerURL), ctx, username, password)
	if err != nil {
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			return fmt.Errorf("%s", authErr.Message)
		}
		return err
	}

	if err := sessions.Activate(sess); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	fmt.Printf("Logged in as %s.\n", sess.Username)
	return nil
}

func credentials() (string, string, error) {
	username := strings.TrimSpace(flagUsername)
	password := flagPassword
	reader := bufio.NewReader(os.Stdin)

	if username == "" {
		fmt.Print("Username: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", "", err
		}
		username = strings.TrimSpace(line)
	}
	if password == "" {
		fmt.Print("Password: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", "", err
		}
		password = strings.TrimRight(line, "\r\n")
	}

	if username == "" || password == "" {
		return "", "", errors.New("username and password are required")
	}
	return username, password, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, sessions, err := wire()
	if err != nil {
		return err
	}

	sess, ok := sessions.Init()
	if !ok {
		return errors.New("no stored session, run 'chatline login' first")
	}
	if auth.TokenExpired(sess.Token, time.Now()) {
		_ = sessions.Logout()
		return errors.New("session expired, run 'chatline login' again")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tl := timeline.New()
	tl.SetOwner(sess.Username)
	tl.OnAppend(printEntry)

	manager := conn.NewManager(cfg.ServerURL, sessions, cfg.ReconnectDelay)
	manager.OnMessage(tl.ApplyLive)

	loader := history.NewLoader(cfg.ServerURL, sessions)
	switcher := rooms.NewSwitcher(manager, loader, tl, cfg.HistoryLimit)

	counts := newCountsView()
	poller := presence.NewPoller(cfg.ServerURL, rooms.Known(), counts.update)

	switcher.SwitchTo(ctx, defaultRoom)
	poller.Start(cfg.PresenceInterval)
	defer poller.Stop()

	printBanner(sess.Username, defaultRoom)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			manager.Disconnect()
			return nil
		case line, open := <-lines:
			if !open {
				manager.Disconnect()
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if strings.HasPrefix(text, "/") {
				quit, err := handleCommand(ctx, text, manager, poller, sessions, switcher, counts)
				if quit || err != nil {
					return err
				}
				continue
			}

			msg := types.Message{
				User:      sess.Username,
				Text:      text,
				Room:      switcher.Active(),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}
			if err := manager.Send(msg); errors.Is(err, conn.ErrNotOpen) {
				printMuted("(not connected, message not sent)")
			} else if err != nil {
				log.Warn().Err(err).Msg("[chatline] send failed")
			}
		}
	}
}

func handleCommand(ctx context.Context, text string, manager *conn.Manager, poller *presence.Poller, sessions *session.Manager, switcher *rooms.Switcher, counts *countsView) (bool, error) {
	parts := strings.SplitN(text, " ", 2)
	switch parts[0] {
	case "/join":
		if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
			printMuted("usage: /join <room>")
			return false, nil
		}
		room := strings.TrimSpace(parts[1])
		switcher.SwitchTo(ctx, room)
		printRoomHeader(room)
	case "/rooms":
		printRooms(counts.snapshot())
	case "/logout":
		manager.Shutdown()
		poller.Stop()
		if err := sessions.Logout(); err != nil {
			return true, err
		}
		fmt.Println("Logged out.")
		return true, nil
	case "/quit":
		manager.Disconnect()
		return true, nil
	default:
		printMuted("commands: /join <room>, /rooms, /logout, /quit")
	}
	return false, nil
}
