// peercall is the headless client: it joins a room, bridges stdin to the
// encrypted chat channel, and handles slash commands for file transfer
// and privacy controls. It exists for demos, soak testing, and driving
// the session core without a UI.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/peercall/config"
	"github.com/mossy-p/peercall/internal/media"
	"github.com/mossy-p/peercall/internal/rendezvous"
	"github.com/mossy-p/peercall/internal/session"
	"github.com/mossy-p/peercall/internal/transfer"
	"github.com/mossy-p/peercall/internal/transport"
)

func main() {
	room := flag.String("room", "", "room identifier")
	pass := flag.String("pass", "", "shared passphrase")
	name := flag.String("name", "", "display name shown to the peer")
	privacy := flag.String("privacy", string(media.PrivacyNone), "initial privacy mode (none|blur|mosaic|black)")
	printLink := flag.Bool("print-link", false, "print the share link for the room and exit")
	flag.Parse()

	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	sessionCfg := session.Config{
		Room:        *room,
		Passphrase:  *pass,
		DisplayName: *name,
		Privacy:     media.PrivacyMode(*privacy),
	}

	// "peercall join <link>" takes everything from the magic link.
	if flag.Arg(0) == "join" {
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: peercall join <share-link>")
			os.Exit(2)
		}
		parsed, err := session.ParseShareLink(flag.Arg(1))
		if err != nil {
			logger.Error("invalid share link", "error", err)
			os.Exit(2)
		}
		sessionCfg = parsed
	}

	if *printLink {
		link, err := session.ShareLink(cfg.Rendezvous.ShareLinkBase, sessionCfg.Room, sessionCfg.Passphrase)
		if err != nil {
			logger.Error("building share link", "error", err)
			os.Exit(1)
		}
		fmt.Println(link)
		return
	}

	store, cleanup, err := buildStore(cfg, logger)
	if err != nil {
		logger.Error("configuring rendezvous store", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := session.New(sessionCfg, store, &media.StaticPipeline{}, iceConfig(cfg.ICE), logger)
	if err != nil {
		logger.Error("creating session", "error", err)
		os.Exit(1)
	}
	defer sess.Close()

	done := make(chan struct{})
	go printEvents(sess, logger, done)

	if err := sess.Start(ctx); err != nil {
		logger.Error("session ended during setup", "error", err)
		os.Exit(1)
	}
	logger.Info("joined room", "room", sessionCfg.Room, "peer_id", sess.PeerID())

	go readCommands(ctx, sess, logger)

	select {
	case <-ctx.Done():
		logger.Info("interrupted, leaving call")
	case <-done:
	}
}

// buildStore selects the configured rendezvous backend.
func buildStore(cfg *config.Config, logger *slog.Logger) (rendezvous.Store, func(), error) {
	switch cfg.Rendezvous.Backend {
	case "http":
		return rendezvous.NewHTTPStore(cfg.Rendezvous.URL, logger), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return rendezvous.NewRedisStore(client, logger), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown rendezvous backend %q", cfg.Rendezvous.Backend)
	}
}

// iceConfig merges env overrides over the curated default server list.
func iceConfig(overrides config.ICEConfig) transport.ICEConfig {
	if len(overrides.STUNURLs) == 0 && len(overrides.TURNURLs) == 0 {
		return transport.DefaultICEConfig()
	}
	var servers []webrtc.ICEServer
	if len(overrides.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: overrides.STUNURLs})
	}
	if len(overrides.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       overrides.TURNURLs,
			Username:   overrides.TURNUsername,
			Credential: overrides.TURNCredential,
		})
	}
	return transport.ICEConfig{Servers: servers}
}

// printEvents renders the session feed to the terminal. Closes done when
// the session reaches a terminal state.
func printEvents(sess *session.Session, logger *slog.Logger, done chan struct{}) {
	defer close(done)
	for event := range sess.Events() {
		switch event.Kind {
		case session.EventStateChange:
			logger.Info("session state", "state", event.State)
			if event.State.Terminal() {
				return
			}
		case session.EventChat:
			name := "peer"
			if remote, ok := sess.Remote(); ok && remote.DisplayName != "" {
				name = remote.DisplayName
			}
			fmt.Printf("%s: %s\n", name, event.Message)
		case session.EventParticipantUpdate:
			if event.Participant != nil && event.Participant.Remote {
				logger.Info("peer update",
					"name", event.Participant.DisplayName,
					"audio", event.Participant.AudioEnabled,
					"video", event.Participant.VideoEnabled,
					"filter", event.Participant.Filter)
			}
		case session.EventFileProgress:
			if event.Progress != nil && event.Progress.Total > 0 {
				fmt.Printf("transfer %s: %d/%d bytes\r", event.Progress.Name, event.Progress.Done, event.Progress.Total)
			}
		case session.EventFileReceived:
			saveFile(event.File, logger)
		case session.EventWarning:
			logger.Warn(event.Message)
		case session.EventError:
			logger.Error("session error", "error", event.Err)
		}
	}
}

func saveFile(file *transfer.File, logger *slog.Logger) {
	if file == nil {
		return
	}
	target := filepath.Base(file.Name)
	if target == "" || target == "." || target == string(filepath.Separator) {
		target = file.ID
	}
	if err := os.WriteFile(target, file.Data, 0o600); err != nil {
		logger.Error("saving received file", "name", file.Name, "error", err)
		return
	}
	fmt.Printf("\nreceived %s (%d bytes) -> %s\n", file.Name, len(file.Data), target)
}

// readCommands bridges stdin to the session: plain lines are chat, slash
// commands drive transfers and privacy controls.
func readCommands(ctx context.Context, sess *session.Session, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := sess.SendChat(line); err != nil {
				logger.Warn("chat not sent", "error", err)
			}
			continue
		}

		command, argument, _ := strings.Cut(line[1:], " ")
		switch command {
		case "send":
			go sendFile(ctx, sess, strings.TrimSpace(argument), logger)
		case "cancel":
			sess.CancelTransfer()
		case "privacy":
			mode := media.PrivacyMode(strings.TrimSpace(argument))
			if err := sess.SetPrivacyMode(mode); err != nil {
				logger.Warn("privacy mode not applied", "mode", mode, "error", err)
			}
		case "audio":
			if err := sess.SetAudioEnabled(argument == "on"); err != nil {
				logger.Warn("audio toggle failed", "error", err)
			}
		case "video":
			if err := sess.SetVideoEnabled(argument == "on"); err != nil {
				logger.Warn("video toggle failed", "error", err)
			}
		case "renegotiate":
			if err := sess.Renegotiate(ctx); err != nil {
				logger.Warn("renegotiation failed", "error", err)
			}
		case "quit":
			sess.Close()
			return
		default:
			fmt.Println("commands: /send <path>, /cancel, /privacy <mode>, /audio on|off, /video on|off, /renegotiate, /quit")
		}
	}
}

func sendFile(ctx context.Context, sess *session.Session, path string, logger *slog.Logger) {
	if path == "" {
		logger.Warn("usage: /send <path>")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("reading file", "path", path, "error", err)
		return
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if err := sess.SendFile(ctx, filepath.Base(path), mimeType, data); err != nil {
		logger.Warn("file transfer failed", "path", path, "error", err)
		return
	}
	fmt.Printf("\nsent %s (%d bytes)\n", filepath.Base(path), len(data))
}
