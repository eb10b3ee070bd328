package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/onnwee/condorbot/league"
	"github.com/onnwee/condorbot/telemetry"
)

// maxMessageLen is the longest PRIVMSG body Twitch accepts.
const maxMessageLen = 500

// ircClient is the subset of *twitch.Client the bot uses.
type ircClient interface {
	Say(channel, text string)
	Join(channels ...string)
	Depart(channel string)
	OnConnect(callback func())
	OnPrivateMessage(callback func(message twitch.PrivateMessage))
	Connect() error
	Disconnect() error
}

// Executor runs league commands.
type Executor interface {
	Execute(ctx context.Context, cmd league.Command) error
}

// Options configure a Bot.
type Options struct {
	Username string
	Token    string
	Prefix   string
	// Channels are joined on every connect.
	Channels []string
	// WhisperChannel receives whispers as mentions.
	WhisperChannel string
}

// Bot is a league.Messenger and league.ChannelJoiner over Twitch IRC.
type Bot struct {
	client ircClient
	opts   Options
	log    *slog.Logger

	mu     sync.Mutex
	exec   Executor
	ctx    context.Context
	joined map[string]bool
	topics map[string]string
}

var (
	_ league.Messenger     = (*Bot)(nil)
	_ league.ChannelJoiner = (*Bot)(nil)
)

// New builds a bot with a go-twitch-irc client.
func New(opts Options) *Bot {
	token := opts.Token
	if token != "" && !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	return newBot(twitch.NewClient(strings.ToLower(opts.Username), token), opts)
}

func newBot(client ircClient, opts Options) *Bot {
	if opts.Prefix == "" {
		opts.Prefix = "."
	}
	b := &Bot{
		client: client,
		opts:   opts,
		log:    slog.Default().With(slog.String("component", "chat")),
		ctx:    context.Background(),
		joined: make(map[string]bool),
		topics: make(map[string]string),
	}
	for _, ch := range opts.Channels {
		b.Join(ch)
	}
	client.OnConnect(func() {
		b.log.Info("connected to twitch chat", slog.Int("channels", len(b.Joined())))
	})
	client.OnPrivateMessage(b.handle)
	return b
}

// SetExecutor sets the command target. Lines read before it is set are
// dropped.
func (b *Bot) SetExecutor(exec Executor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exec = exec
}

// Run connects and reads chat until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := b.client.Disconnect(); err != nil {
				b.log.Debug("twitch chat disconnect", slog.Any("err", err))
			}
		case <-done:
		}
	}()

	err := b.client.Connect()
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("twitch chat connect: %w", err)
	}
	return nil
}

func normalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}

// Join subscribes to a channel. Joining twice is a no-op.
func (b *Bot) Join(channel string) {
	ch := normalizeChannel(channel)
	if ch == "" {
		return
	}
	b.mu.Lock()
	if b.joined[ch] {
		b.mu.Unlock()
		return
	}
	b.joined[ch] = true
	b.mu.Unlock()
	b.client.Join(ch)
}

// Depart leaves a channel and forgets its topic.
func (b *Bot) Depart(channel string) {
	ch := normalizeChannel(channel)
	b.mu.Lock()
	if !b.joined[ch] {
		b.mu.Unlock()
		return
	}
	delete(b.joined, ch)
	delete(b.topics, ch)
	b.mu.Unlock()
	b.client.Depart(ch)
}

// Joined lists the joined channels.
func (b *Bot) Joined() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.joined))
	for ch := range b.joined {
		out = append(out, ch)
	}
	return out
}

// Send says text in channel, one message per line. Lines over the Twitch
// limit are split between words.
func (b *Bot) Send(_ context.Context, channel, text string) error {
	ch := normalizeChannel(channel)
	if ch == "" {
		return fmt.Errorf("send: empty channel")
	}
	for _, line := range splitMessage(text) {
		b.client.Say(ch, line)
	}
	return nil
}

func (b *Bot) Whisper(ctx context.Context, user, text string) error {
	if b.opts.WhisperChannel == "" {
		return fmt.Errorf("whisper to %s: no whisper channel", user)
	}
	return b.Send(ctx, b.opts.WhisperChannel, "@"+user+" "+text)
}

// SetTopic posts topic when it differs from the channel's current one.
func (b *Bot) SetTopic(ctx context.Context, channel, topic string) error {
	ch := normalizeChannel(channel)
	b.mu.Lock()
	if b.topics[ch] == topic {
		b.mu.Unlock()
		return nil
	}
	b.topics[ch] = topic
	b.mu.Unlock()
	return b.Send(ctx, ch, topic)
}

// Topic returns the last topic set on channel.
func (b *Bot) Topic(channel string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[normalizeChannel(channel)]
}

func (b *Bot) handle(msg twitch.PrivateMessage) {
	if strings.EqualFold(msg.User.Name, b.opts.Username) {
		return
	}
	name, args, ok := league.ParseCommand(b.opts.Prefix, msg.Message)
	if !ok {
		return
	}
	b.mu.Lock()
	exec, parent := b.exec, b.ctx
	b.mu.Unlock()
	if exec == nil {
		return
	}

	ctx := telemetry.WithCorrelation(parent, uuid.NewString())
	cmd := league.Command{
		Name:       name,
		Args:       args,
		Channel:    normalizeChannel(msg.Channel),
		Sender:     strings.ToLower(msg.User.Name),
		SenderName: msg.User.DisplayName,
	}
	telemetry.LoggerWithCorr(ctx).Debug("chat command",
		slog.String("component", "chat"),
		slog.String("command", cmd.Name),
		slog.String("channel", cmd.Channel),
		slog.String("sender", cmd.Sender))
	ctx, span := telemetry.StartSpan(ctx, "condor-chat", "command "+cmd.Name, telemetry.CommandAttrs(cmd.Name, cmd.Channel, cmd.Sender)...)
	// Execute answers rejections in chat itself.
	telemetry.EndSpan(span, exec.Execute(ctx, cmd))
}

func splitMessage(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \r")
		for len(line) > maxMessageLen {
			cut := strings.LastIndex(line[:maxMessageLen], " ")
			if cut <= 0 {
				cut = maxMessageLen
				for cut > 0 && !utf8.RuneStart(line[cut]) {
					cut--
				}
				if cut == 0 {
					cut = maxMessageLen
				}
			}
			out = append(out, line[:cut])
			line = strings.TrimLeft(line[cut:], " ")
		}
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
