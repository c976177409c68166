package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/omochice/duo-chat/internal/auth"
	"github.com/omochice/duo-chat/internal/chat"
	"github.com/omochice/duo-chat/internal/client"
	"github.com/omochice/duo-chat/internal/config"
	"github.com/omochice/duo-chat/internal/logging"
)

func main() {
	cfg := config.LoadClient()
	serverURL := flag.String("server", cfg.ServerURL, "Server base URL (e.g. http://localhost:5000)")
	email := flag.String("email", "", "Email to log in with")
	password := flag.String("password", "", "Password")
	register := flag.String("register", "", "Register a new account with this username")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(logging.NewHandler(os.Stderr, &logging.Options{Level: level, Color: true}))
	slog.SetDefault(logger)

	sess, sessFile, err := establishSession(*serverURL, *email, *password, *register)
	if err != nil {
		logger.Error("authentication failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Signed in as %s\n", sess.Username)

	wsURL := "ws" + strings.TrimPrefix(*serverURL, "http") + "/ws"
	svc := client.New(sess.UserID, client.Options{
		URL:                  wsURL,
		Logger:               logger,
		TypingQuiet:          time.Duration(cfg.TypingQuietMs) * time.Millisecond,
		Reconnect:            true,
		ReconnectMaxAttempts: cfg.ReconnectMax,
	})
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = svc.Connect(ctx, sess)
	cancel()
	if err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	go printNotifications(svc, sess.UserID)
	go printStates(svc)

	fmt.Println("Commands: /to <user-id>, /who, /read, /logout, /quit")
	var peer string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/logout":
			if sessFile != nil {
				if err := sessFile.Clear(); err != nil {
					logger.Warn("failed to clear session", "error", err)
				}
			}
			svc.Disconnect()
			fmt.Println("Logged out")
			return
		case line == "/who":
			for _, u := range svc.OnlineUsers() {
				marker := " "
				if u.ID == sess.UserID {
					marker = "*"
				}
				fmt.Printf("%s %s (%s)\n", marker, u.Username, u.ID)
			}
		case line == "/read":
			if peer == "" {
				fmt.Println("No conversation selected, use /to <user-id>")
				continue
			}
			svc.MarkConversationRead(peer)
		case strings.HasPrefix(line, "/to "):
			if peer != "" {
				svc.StopTyping(peer)
			}
			peer = strings.TrimSpace(strings.TrimPrefix(line, "/to "))
			for _, m := range svc.Conversation(peer) {
				printMessage(m, sess.UserID)
			}
			if n := svc.Unread(peer); n > 0 {
				fmt.Printf("  (%d unread, /read to acknowledge)\n", n)
			}
		case strings.HasPrefix(line, "/"):
			fmt.Printf("Unknown command %q\n", line)
		default:
			if peer == "" {
				fmt.Println("No conversation selected, use /to <user-id>")
				continue
			}
			svc.Typing(peer)
			if err := svc.Send(peer, line); err != nil {
				fmt.Printf("Cannot send: %v\n", err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Warn("error reading input", "error", err)
	}
}

// establishSession rehydrates a persisted session, or authenticates
// with the provided credentials and persists the result.
func establishSession(serverURL, email, password, register string) (chat.Session, *auth.SessionFile, error) {
	var sessFile *auth.SessionFile
	if path, err := auth.DefaultSessionPath(); err == nil {
		sessFile = auth.NewSessionFile(path)
	}

	if email == "" && register == "" && sessFile != nil {
		if sess, err := sessFile.Load(); err == nil {
			return sess, sessFile, nil
		}
		return chat.Session{}, nil, fmt.Errorf("no stored session, pass -email/-password or -register")
	}

	ac := auth.NewClient(serverURL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		sess chat.Session
		err  error
	)
	if register != "" {
		sess, err = ac.Register(ctx, register, email, password)
	} else {
		sess, err = ac.Login(ctx, email, password)
	}
	if err != nil {
		return chat.Session{}, nil, err
	}
	if sessFile != nil {
		if err := sessFile.Save(sess); err != nil {
			slog.Warn("failed to persist session", "error", err)
		}
	}
	return sess, sessFile, nil
}

func printNotifications(svc *client.Service, selfID string) {
	for n := range svc.Notifications() {
		switch n.Kind {
		case client.NoticeMessage:
			if n.Message.SenderID != selfID {
				printMessage(n.Message, selfID)
			}
		case client.NoticeStatus:
			if n.Message.SenderID == selfID {
				fmt.Printf("  (message %q is now %s)\n", clip(n.Message.Text), n.Message.Status)
			}
		case client.NoticeTyping:
			if n.Typing {
				label := n.Label
				if label == "" {
					label = n.PeerID
				}
				fmt.Printf("  %s is typing...\n", label)
			}
		}
	}
}

func printStates(svc *client.Service) {
	for st := range svc.States() {
		fmt.Printf("  [%s]\n", st)
	}
}

func printMessage(m chat.Message, selfID string) {
	who := m.SenderID
	if m.SenderID == selfID {
		who = "me"
	}
	fmt.Printf("[%s] %s: %s (%s)\n",
		m.CreatedAt.Local().Format("15:04:05"), who, m.Text, m.Status)
}

func clip(s string) string {
	if len(s) > 24 {
		return s[:24] + "..."
	}
	return s
}
