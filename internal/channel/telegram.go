package channel

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/lorekeeper/internal/bus"
	"github.com/stellarlinkco/lorekeeper/internal/config"
	"github.com/stellarlinkco/lorekeeper/internal/logging"
)

const (
	telegramChannelName = "telegram"
	// AnyStream is the Chats key used for streams without their own entry.
	AnyStream = "*"
	// Telegram has a 4096 char limit per message
	telegramMaxLen = 4000
)

// TelegramBot is the part of the bot API the channel uses.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel posts agent replies into the Telegram chat mapped to
// their stream; streams with no mapping are not mirrored. With inbound on,
// it also polls for updates and publishes every chat message, plus a
// mention when the bot is addressed, as signals on the bus.
type TelegramChannel struct {
	token      string
	proxy      string
	workspace  string
	inbound    bool
	chats      map[string]int64
	streams    map[int64]string
	bus        *bus.MessageBus
	bot        TelegramBot
	botFactory BotFactory
	cancel     context.CancelFunc
	log        zerolog.Logger
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.Inbound && b == nil {
		return nil, errors.New("telegram inbound needs a message bus")
	}
	chats := make(map[string]int64, len(cfg.Chats))
	streams := make(map[int64]string, len(cfg.Chats))
	for k, v := range cfg.Chats {
		chats[k] = v
		if k != AnyStream {
			streams[v] = k
		}
	}
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = config.DefaultTelegramWorkspace
	}
	return &TelegramChannel{
		token:      cfg.Token,
		proxy:      cfg.Proxy,
		workspace:  workspace,
		inbound:    cfg.Inbound,
		chats:      chats,
		streams:    streams,
		bus:        b,
		botFactory: factory,
		log:        logging.For(telegramChannelName),
	}, nil
}

func (t *TelegramChannel) Name() string { return telegramChannelName }

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.log.Info().Str("bot", bot.GetSelf().UserName).Int("chats", len(t.chats)).Msg("authorized")
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}
	if !t.inbound {
		return nil
	}

	ctx, t.cancel = context.WithCancel(ctx)
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				t.handleMessage(ctx, update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.log.Info().Str("workspace", t.workspace).Msg("polling started")
	return nil
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
		t.bot.StopReceivingUpdates()
	}
	t.log.Info().Msg("stopped")
	return nil
}

// handleMessage turns one Telegram message into a message signal and, when
// the bot is mentioned or replied to, a mention signal for the same event.
func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if strings.TrimSpace(content) == "" || msg.Chat == nil {
		return
	}

	streamID := t.streamFor(msg.Chat.ID)
	sig := bus.Signal{
		Kind:        bus.SignalMessage,
		WorkspaceID: t.workspace,
		StreamID:    streamID,
		MessageID:   messageID(msg.Chat.ID, msg.MessageID),
		Content:     content,
		StreamType:  "channel",
		StreamName:  msg.Chat.Title,
		Timestamp:   time.Unix(int64(msg.Date), 0),
	}
	sig.EventID = sig.MessageID
	if msg.From != nil {
		sig.AuthorID = authorName(msg.From)
		if msg.From.IsBot {
			sig.AuthorType = "system"
		}
	}
	if reply := msg.ReplyToMessage; reply != nil {
		sig.StreamID = streamID + "/" + strconv.Itoa(reply.MessageID)
		sig.StreamType = "thread"
		sig.ThreadRootID = messageID(msg.Chat.ID, reply.MessageID)
	}

	if err := t.bus.PublishSignal(ctx, sig); err != nil {
		t.log.Warn().Err(err).Str("stream", sig.StreamID).Msg("inbound message dropped")
		return
	}

	question, mentioned := t.mentioned(msg, content)
	if !mentioned {
		return
	}
	err := t.bus.PublishSignal(ctx, bus.Signal{
		Kind:        bus.SignalMention,
		WorkspaceID: t.workspace,
		StreamID:    sig.StreamID,
		EventID:     sig.EventID,
		AuthorID:    sig.AuthorID,
		Content:     question,
		Timestamp:   sig.Timestamp,
	})
	if err != nil {
		t.log.Warn().Err(err).Str("stream", sig.StreamID).Msg("mention dropped")
	}
}

// mentioned reports whether the message addresses the bot, either by
// @username or by replying to one of its messages, and returns the text
// without the mention.
func (t *TelegramChannel) mentioned(msg *tgbotapi.Message, content string) (string, bool) {
	self := t.bot.GetSelf()
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil && reply.From.ID == self.ID && self.ID != 0 {
		return content, true
	}
	if self.UserName == "" {
		return "", false
	}
	handle := "@" + strings.ToLower(self.UserName)
	idx := strings.Index(strings.ToLower(content), handle)
	if idx < 0 {
		return "", false
	}
	question := strings.TrimSpace(content[:idx] + content[idx+len(handle):])
	if question == "" {
		question = content
	}
	return question, true
}

func (t *TelegramChannel) streamFor(chatID int64) string {
	if id, ok := t.streams[chatID]; ok {
		return id
	}
	return telegramStreamPrefix + strconv.FormatInt(chatID, 10)
}

const telegramStreamPrefix = "telegram:"

func messageID(chatID int64, id int) string {
	return telegramStreamPrefix + strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(id)
}

func authorName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strconv.FormatInt(u.ID, 10)
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// chatFor resolves the chat of a stream: configured streams first, then the
// streams this channel named itself, then the catch-all entry. Threads
// resolve through the stream they hang off.
func (t *TelegramChannel) chatFor(msg bus.OutboundMessage) (int64, bool) {
	streamID := msg.StreamID
	if id, ok := t.chats[streamID]; ok {
		return id, true
	}
	if base, _, found := strings.Cut(streamID, "/"); found {
		if id, ok := t.chats[base]; ok {
			return id, true
		}
		streamID = base
	}
	if rest, ok := strings.CutPrefix(streamID, telegramStreamPrefix); ok {
		if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
			return id, true
		}
	}
	id, ok := t.chats[AnyStream]
	return id, ok
}

func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return errors.New("telegram bot not initialized")
	}
	chatID, ok := t.chatFor(msg)
	if !ok {
		t.log.Debug().Str("stream", msg.StreamID).Msg("no chat mapped, reply not mirrored")
		return nil
	}

	label := replyLabel(msg)
	content := "<i>" + html.EscapeString(label) + "</i>\n" + toTelegramHTML(msg.Content)
	for _, chunk := range splitMessage(content, telegramMaxLen) {
		tgMsg := tgbotapi.NewMessage(chatID, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(tgMsg); err != nil {
			// Retry without HTML parse mode
			plain := tgbotapi.NewMessage(chatID, label+"\n"+msg.Content)
			if _, err2 := t.bot.Send(plain); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
			return nil
		}
	}
	return nil
}

func replyLabel(msg bus.OutboundMessage) string {
	label := "lorekeeper in " + msg.StreamID
	if msg.Fallback {
		label += " (could not answer)"
	}
	return label
}

// splitMessage cuts s into chunks of at most max bytes, preferring the last
// newline before the limit.
func splitMessage(s string, max int) []string {
	var out []string
	for len(s) > 0 {
		chunk := s
		if len(chunk) > max {
			if idx := strings.LastIndex(chunk[:max], "\n"); idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:max]
			}
		}
		out = append(out, chunk)
		s = s[len(chunk):]
	}
	return out
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	// Escape HTML entities first
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	// Code blocks: ```...``` -> <pre>...</pre>
	for {
		start := strings.Index(s, "```")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+3:], "```")
		if end == -1 {
			break
		}
		end += start + 3
		code := s[start+3 : end]
		// Strip optional language tag on first line
		if nl := strings.Index(code, "\n"); nl >= 0 {
			firstLine := strings.TrimSpace(code[:nl])
			if len(firstLine) > 0 && !strings.Contains(firstLine, " ") {
				code = code[nl+1:]
			}
		}
		s = s[:start] + "<pre>" + code + "</pre>" + s[end+3:]
	}

	s = wrapPairs(s, "`", "code")
	s = wrapPairs(s, "**", "b")
	// after bold to avoid conflicts
	s = wrapPairs(s, "*", "i")
	return s
}

func wrapPairs(s, marker, tag string) string {
	for {
		start := strings.Index(s, marker)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(marker):], marker)
		if end == -1 {
			return s
		}
		end += start + len(marker)
		s = s[:start] + "<" + tag + ">" + s[start+len(marker):end] + "</" + tag + ">" + s[end+len(marker):]
	}
}
