// Package main provides the bot entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/audiolink/internal/app/node"
	"github.com/osa030/audiolink/internal/domain/track"
	"github.com/osa030/audiolink/internal/infra/config"
	"github.com/osa030/audiolink/internal/infra/discord"
	"github.com/osa030/audiolink/internal/infra/logger"
)

var (
	app        = kingpin.New("audiolink-bot", "Discord music bot backed by a remote audio node")
	configPath = app.Flag("config", "Path to config file").Default("config/bot.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	// Initialize logger
	loggerConfig := config.LogConfig{
		Output: "stdout",
		Level:  "info",
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
		loggerConfig.File = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Bot error: %v", err)
		os.Exit(1)
	}
}

// run executes the main bot logic. Using a separate function ensures defer
// statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	ctx := context.Background()

	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	session.ShardCount = cfg.Discord.ShardCount
	session.Identify.Intents |= discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	adapter, err := discord.New(session)
	if err != nil {
		return fmt.Errorf("failed to create discord adapter: %w", err)
	}

	n, err := node.New(cfg.Node, adapter, adapter)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer func() {
		if err := n.Dispose(context.Background()); err != nil {
			zlog.Error().Msgf("Failed to dispose node: %v", err)
		}
	}()

	adapter.BindVoiceEvents(n)
	n.OnError(func(err error) {
		zlog.Error().Msgf("Node error: %v", err)
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		handleMessage(ctx, s, m, n)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			zlog.Error().Msgf("Failed to close discord gateway: %v", err)
		}
	}()

	// The node needs the bot's user id for its connection headers, so connect
	// only after the gateway has identified.
	if err := connectWithRetry(ctx, n); err != nil {
		return fmt.Errorf("failed to connect to node: %w", err)
	}
	zlog.Info().Msgf("Connected to node %s", cfg.Node.Hostname)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	zlog.Info().Msg("Received shutdown signal...")
	return nil
}

// connectWithRetry waits out the gateway identify race on startup.
func connectWithRetry(ctx context.Context, n *node.Node) error {
	var err error
	for i := 0; i < 10; i++ {
		if err = n.Connect(ctx); err == nil {
			return nil
		}
		if !errors.Is(err, node.ErrHostNotReady) {
			return err
		}
		time.Sleep(500 * time.Millisecond)
	}
	return err
}

// handleMessage implements the minimal chat command surface.
func handleMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, n *node.Node) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	fields := strings.Fields(m.Content)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "!play":
		if len(fields) < 2 {
			reply(s, m, "Usage: !play <url or search terms>")
			return
		}
		query := strings.Join(fields[1:], " ")
		cmdPlay(ctx, s, m, n, query)
	case "!skip":
		cmdSkip(s, m, n)
	case "!pause":
		cmdPause(s, m, n, true)
	case "!resume":
		cmdPause(s, m, n, false)
	case "!leave":
		if err := n.Leave(ctx, m.GuildID); err != nil {
			reply(s, m, "Nothing to leave: "+err.Error())
		}
	}
}

func cmdPlay(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, n *node.Node, query string) {
	searchType := track.SearchTypeYouTube
	if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") {
		searchType = track.SearchTypeDirect
	}

	result, err := n.Search(ctx, searchType, query)
	if err != nil {
		reply(s, m, "Search failed: "+err.Error())
		return
	}
	if len(result.Tracks) == 0 {
		reply(s, m, "No matches.")
		return
	}
	t := result.Tracks[0]

	voiceChannelID := findVoiceChannel(s, m.GuildID, m.Author.ID)
	if voiceChannelID == "" {
		reply(s, m, "Join a voice channel first.")
		return
	}

	p, err := n.Join(ctx, m.GuildID, voiceChannelID, m.ChannelID)
	if err != nil {
		reply(s, m, "Failed to join: "+err.Error())
		return
	}
	if err := p.Enqueue(t); err != nil {
		reply(s, m, "Failed to play: "+err.Error())
		return
	}
	reply(s, m, "Queued: "+t.Title)
}

func cmdSkip(s *discordgo.Session, m *discordgo.MessageCreate, n *node.Node) {
	p, ok := n.Player(m.GuildID)
	if !ok || p.Current() == nil {
		reply(s, m, "Nothing is playing.")
		return
	}
	if err := p.Skip(); err != nil {
		reply(s, m, "Failed to skip: "+err.Error())
	}
}

func cmdPause(s *discordgo.Session, m *discordgo.MessageCreate, n *node.Node, paused bool) {
	p, ok := n.Player(m.GuildID)
	if !ok {
		reply(s, m, "Nothing is playing.")
		return
	}
	if err := p.SetPaused(paused); err != nil {
		reply(s, m, "Failed: "+err.Error())
	}
}

// findVoiceChannel returns the voice channel the user currently sits in.
func findVoiceChannel(s *discordgo.Session, guildID, userID string) string {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return ""
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

func reply(s *discordgo.Session, m *discordgo.MessageCreate, text string) {
	if _, err := s.ChannelMessageSend(m.ChannelID, text); err != nil {
		zlog.Warn().Msgf("Failed to send reply: %v", err)
	}
}
