package luna

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// customStatuses rotate on DiscordConfig.StatusRotationInterval.
var customStatuses = []string{
	"daydreaming...",
	"waiting for your message",
	"listening to music",
	"doodling",
}

// Discord owns the gateway session and the message-handling path.
type Discord struct {
	session *discordgo.Session
	config  *DiscordConfig
	logger  *slog.Logger
	bot     *Luna

	connected             atomic.Bool
	metricConnects        atomic.Int64
	metricMessagesHandled atomic.Int64

	removeHandlerFuncs []func()
}

func newDiscord(bot *Luna, config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config: config,
		bot:    bot,
		logger: slog.New(newLogHandler(config.LogLevel)).With(
			loggerNameKey,
			"discord",
		),
	}

	session, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = config.GatewayIntents
	session.StateEnabled = true
	if config.httpClient != nil {
		session.Client = config.httpClient
	}
	d.session = session
	return d, nil
}

// connect opens the gateway session and registers handlers. The
// status rotation goroutine runs until ctx is canceled.
func (d *Discord) connect(ctx context.Context) error {
	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		newLogHandler(d.config.DiscordGoLogLevel),
	)

	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(d.handleReady),
		d.session.AddHandler(d.handleMessageCreate),
	)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	d.connected.Store(true)
	d.metricConnects.Add(1)

	if d.config.StatusRotationInterval > 0 {
		go d.rotateStatus(ctx)
	}
	return nil
}

func (d *Discord) close() error {
	d.connected.Store(false)
	for _, remove := range d.removeHandlerFuncs {
		remove()
	}
	d.removeHandlerFuncs = nil
	return d.session.Close()
}

// rotateStatus cycles the bot's custom status until ctx is canceled.
func (d *Discord) rotateStatus(ctx context.Context) {
	ticker := time.NewTicker(d.config.StatusRotationInterval)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i = (i + 1) % len(customStatuses)
			if err := d.session.UpdateCustomStatus(customStatuses[i]); err != nil {
				d.logger.Warn("error updating status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	d.logger.Info(
		"discord session ready",
		"username", r.User.Username,
		"session_id", r.SessionID,
	)
	if err := s.UpdateCustomStatus(customStatuses[0]); err != nil {
		d.logger.Warn("error setting status", tint.Err(err))
	}
	if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
		_, err := s.ChannelMessageSend(
			d.config.NotificationChannelID,
			d.config.StartupMessage,
		)
		if err != nil {
			d.logger.Warn("error sending startup message", tint.Err(err))
		}
	}
}

// shouldHandle filters inbound messages: no bot authors, and either
// the configured channel, a DM, or a mention of the bot.
func (d *Discord) shouldHandle(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) bool {
	if m.Author == nil || m.Author.Bot {
		return false
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return false
	}
	if d.config.ChannelID != "" && m.ChannelID == d.config.ChannelID {
		return true
	}
	if m.GuildID == "" {
		// direct message
		return true
	}
	if s.State.User != nil {
		for _, mention := range m.Mentions {
			if mention.ID == s.State.User.ID {
				return true
			}
		}
	}
	return false
}

// handleMessageCreate runs the full message path for one inbound
// message. Panics are contained here: the process never dies over a
// single message, the user gets the canned error reply instead.
func (d *Discord) handleMessageCreate(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if !d.shouldHandle(s, m) {
		return
	}
	d.metricMessagesHandled.Add(1)

	go func() {
		defer func() {
			if rc := recover(); rc != nil {
				d.logger.Error(
					"panic handling message",
					"recovered", rc,
					"stack", string(debug.Stack()),
				)
				d.reply(s, m, DefaultDiscordErrorMessage)
			}
		}()
		d.respond(s, m)
	}()
}

func (d *Discord) respond(s *discordgo.Session, m *discordgo.MessageCreate) {
	text := d.stripMention(s, m.Content)
	if text == "" {
		return
	}
	displayName := m.Author.GlobalName
	if displayName == "" {
		displayName = m.Author.Username
	}

	logger := d.logger.With(
		"user_id", m.Author.ID,
		"channel_id", m.ChannelID,
	)
	ctx := WithLogger(context.Background(), logger)

	if strings.HasPrefix(strings.ToLower(text), DefaultStatsCommandPrefix) {
		d.sendStats(s, m)
		return
	}

	if err := s.ChannelTyping(m.ChannelID); err != nil {
		logger.Debug("error sending typing indicator", tint.Err(err))
	}

	if isImageRequest(text) {
		d.respondWithImage(ctx, s, m, displayName, text)
		return
	}

	intent := detectIntent(text)
	prompt := buildPrompt(
		d.bot.config.OpenAI.Persona,
		d.bot.store.RecentContext(m.Author.ID, d.bot.config.Store.ContextMessages),
		displayName,
		text,
	)

	response, err := d.bot.generator.Generate(ctx, m.Author.ID, prompt)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoKeysAvailable),
			errors.Is(err, ErrAllKeysFailed):
			logger.Warn("generation exhausted all keys", tint.Err(err))
			d.reply(s, m, cannedExhaustedResponse())
		default:
			logger.Error("generation failed", tint.Err(err))
			d.reply(s, m, DefaultDiscordErrorMessage)
		}
		return
	}

	d.reply(s, m, shortenString(response, discordMaxMessageLength))

	levelUp := d.bot.store.AppendEntry(
		m.Author.ID,
		displayName,
		text,
		response,
		intent,
		EntryTypeChat,
	)
	if levelUp != nil {
		d.sendLevelUp(s, m, levelUp)
	}
}

func (d *Discord) respondWithImage(
	ctx context.Context,
	s *discordgo.Session,
	m *discordgo.MessageCreate,
	displayName string,
	text string,
) {
	data, err := d.bot.images.Generate(ctx, m.Author.ID, text)
	if err != nil {
		d.logger.Warn("image generation failed", tint.Err(err))
		d.reply(s, m, cannedImageFailureResponse())
		return
	}

	caption := "here you go! what do you think?"
	_, err = s.ChannelMessageSendComplex(
		m.ChannelID, &discordgo.MessageSend{
			Content:   caption,
			Reference: m.Reference(),
			Files: []*discordgo.File{
				{
					Name:        "luna.png",
					ContentType: "image/png",
					Reader:      bytes.NewReader(data),
				},
			},
		},
	)
	if err != nil {
		d.logger.Error("error sending image", tint.Err(err))
		return
	}

	levelUp := d.bot.store.AppendEntry(
		m.Author.ID,
		displayName,
		text,
		caption,
		"image",
		EntryTypeImage,
	)
	if levelUp != nil {
		d.sendLevelUp(s, m, levelUp)
	}
}

func (d *Discord) sendStats(s *discordgo.Session, m *discordgo.MessageCreate) {
	stats, err := d.bot.store.Statistics(m.Author.ID)
	if err != nil {
		d.reply(s, m, "we haven't talked yet! say hi first?")
		return
	}

	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Luna & %s", stats.DisplayName),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Messages",
				Value:  fmt.Sprintf("%d", stats.TotalMessages),
				Inline: true,
			},
			{
				Name:   "Relationship level",
				Value:  fmt.Sprintf("%d", stats.RelationshipLevel),
				Inline: true,
			},
			{
				Name:   "Days known",
				Value:  fmt.Sprintf("%d", stats.DaysKnown),
				Inline: true,
			},
			{
				Name:   "Images",
				Value:  fmt.Sprintf("%d", stats.ImagesGenerated),
				Inline: true,
			},
			{
				Name:   "Favorite topic",
				Value:  stats.FavoriteIntent,
				Inline: true,
			},
		},
	}
	if _, err = s.ChannelMessageSendEmbed(m.ChannelID, embed); err != nil {
		d.logger.Error("error sending stats embed", tint.Err(err))
	}
}

func (d *Discord) sendLevelUp(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
	moment *SpecialMoment,
) {
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Level %d!", moment.Level),
		Description: moment.Message,
	}
	if _, err := s.ChannelMessageSendEmbed(m.ChannelID, embed); err != nil {
		d.logger.Warn("error sending level-up embed", tint.Err(err))
	}
}

func (d *Discord) reply(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
	content string,
) {
	_, err := s.ChannelMessageSendReply(
		m.ChannelID,
		content,
		m.Reference(),
	)
	if err != nil {
		d.logger.Error("error sending reply", tint.Err(err))
	}
}

// stripMention removes the bot's own mention tokens from the message
// content.
func (d *Discord) stripMention(s *discordgo.Session, content string) string {
	if s.State.User != nil {
		id := s.State.User.ID
		content = strings.ReplaceAll(content, "<@"+id+">", "")
		content = strings.ReplaceAll(content, "<@!"+id+">", "")
	}
	return strings.TrimSpace(content)
}
