package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shoalchat/shoal/internal/api"
	"github.com/shoalchat/shoal/internal/client"
	"github.com/shoalchat/shoal/internal/config"
	"github.com/shoalchat/shoal/internal/observ"
	"github.com/shoalchat/shoal/internal/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	username := flag.String("user", "", "username to mint a token for when SHOAL_TOKEN is unset")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Token == "" {
		if *username == "" {
			return fmt.Errorf("no token: set SHOAL_TOKEN or pass -user")
		}
		token, err := api.NewClient(cfg.ServerURL, "", logger).Token(ctx, *username)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		cfg.Token = token
	}

	cl, err := client.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if err := cl.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	defer cl.Close()

	cl.OnPush(func(event string, data []byte) {
		switch event {
		case wire.EventMessageCreated, wire.EventNewMessage:
			if msg, err := wire.DecodeMessage(data); err == nil && msg.SenderID != cl.UserID() {
				fmt.Printf("\n[%s] %s: %s\n> ", msg.CreatedAt.Format("15:04"), msg.SenderName, msg.Content)
			}
		case wire.EventUserTyping:
			if sig, err := wire.DecodeTypingSignal(data); err == nil && sig.UserID != cl.UserID() {
				fmt.Printf("\n%s is typing...\n> ", sig.Username)
			}
		}
	})

	fmt.Println("connected. commands: /channels, /open <id>, /thread <id>, /closethread, /say <text>, /reply <text>, /quit")

	scanner := bufio.NewScanner(os.Stdin)
	var activeChannel, activeThread string

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "/quit":
			return nil

		case "/channels":
			for _, ch := range cl.Channels() {
				fmt.Printf("  %s  %s (%s)\n", ch.ID, ch.Name, ch.Kind)
			}

		case "/open":
			if rest == "" {
				fmt.Println("usage: /open <channel-id>")
				continue
			}
			if err := cl.OpenChannel(ctx, rest); err != nil {
				fmt.Printf("open: %v\n", err)
				continue
			}
			activeChannel, activeThread = rest, ""
			for _, m := range cl.Messages(rest) {
				fmt.Printf("  [%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.SenderName, m.Content)
			}

		case "/thread":
			if rest == "" {
				fmt.Println("usage: /thread <message-id>")
				continue
			}
			if err := cl.OpenThread(ctx, rest); err != nil {
				fmt.Printf("thread: %v\n", err)
				continue
			}
			activeThread = rest
			for _, m := range cl.Replies(rest) {
				fmt.Printf("  [%s] %s: %s\n", m.CreatedAt.Format("15:04"), m.SenderName, m.Content)
			}

		case "/closethread":
			cl.CloseThread()
			activeThread = ""

		case "/say":
			if activeChannel == "" {
				fmt.Println("open a channel first")
				continue
			}
			if err := cl.Send(ctx, activeChannel, rest); err != nil {
				fmt.Printf("send: %v\n", err)
			}

		case "/reply":
			if activeThread == "" {
				fmt.Println("open a thread first")
				continue
			}
			if err := cl.SendReply(ctx, activeThread, rest); err != nil {
				fmt.Printf("reply: %v\n", err)
			}

		default:
			fmt.Println("unknown command")
		}
	}
}
