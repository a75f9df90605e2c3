// Package discord connects the gateway to Discord via the Bot API
// using gateway events.
package discord

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// textLimit is Discord's message length limit.
const textLimit = 2000

// Plugin implements the Discord channel.
type Plugin struct {
	channels.BasePlugin
}

// New creates the Discord plugin.
func New() *Plugin {
	return &Plugin{
		BasePlugin: channels.BasePlugin{
			PluginID:        "discord",
			PluginMeta:      channels.Meta{Label: "Discord", Order: 40},
			DefaultDMPolicy: channels.DMPolicyOpen,
			PluginCaps: channels.Capabilities{
				ChatTypes: []bus.ChatType{bus.ChatDirect, bus.ChatGroup},
				Media:     true,
				Reactions: true,
				Threads:   true,
				// Discord renders many small messages poorly; hold for
				// the final.
				BlockStreaming: false,
			},
		},
	}
}

// transport sends through one bot session. dmChannels maps user ids to
// their DM channel, recorded as DMs arrive, so replies to a direct
// peer land on the right channel.
type transport struct {
	session    *discordgo.Session
	dmChannels sync.Map // userID string → channelID string
}

func (t *transport) resolveTarget(to string) string {
	if ch, ok := t.dmChannels.Load(to); ok {
		return ch.(string)
	}
	return to
}

func (t *transport) SendText(_ context.Context, to, text string) error {
	_, err := t.session.ChannelMessageSend(t.resolveTarget(to), text)
	return err
}

func (t *transport) SendTyping(_ context.Context, to string) error {
	return t.session.ChannelTyping(t.resolveTarget(to))
}

func (t *transport) SendMedia(_ context.Context, to string, urls []string) error {
	_, err := t.session.ChannelMessageSend(t.resolveTarget(to), strings.Join(urls, "\n"))
	return err
}

func (t *transport) TextLimit() int       { return textLimit }
func (t *transport) BlockStreaming() bool { return false }

// StartAccount opens the gateway connection and blocks until the abort
// signal fires.
func (p *Plugin) StartAccount(sc channels.StartContext) error {
	cred, err := config.ResolveCredential(p.PluginID, sc.AccountID, sc.Account)
	if err != nil {
		return fmt.Errorf("discord credentials: %w", err)
	}
	if cred.Token == "" {
		return fmt.Errorf("discord: no token for account %s", sc.AccountID)
	}

	session, err := discordgo.New("Bot " + cred.Token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	tr := &transport{session: session}
	var botID string

	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || m.Author.ID == botID {
			return
		}
		if m.GuildID == "" {
			tr.dmChannels.Store(m.Author.ID, m.ChannelID)
		}
		now := bus.NowMillis()
		sc.SetStatus(channels.StatusDelta{LastInboundAt: &now})

		env := p.normalize(m, sc.AccountID, botID)
		go sc.Core.HandleInbound(sc.Context, env, tr)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	defer session.Close()

	user, err := session.User("@me")
	if err != nil {
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	botID = user.ID
	sc.Log.Info("discord bot connected", "username", user.Username, "id", user.ID)

	<-sc.Context.Done()
	return nil
}

// normalize converts a message-create event into the envelope. Guild
// messages map to group chats keyed by the channel id; the @mention is
// stripped from the text.
func (p *Plugin) normalize(m *discordgo.MessageCreate, accountID, botID string) *bus.Envelope {
	isGroup := m.GuildID != ""

	text := m.Content
	mentioned := !isGroup
	for _, u := range m.Mentions {
		if u.ID == botID {
			mentioned = true
			break
		}
	}
	if mentioned && botID != "" {
		for _, marker := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
			text = strings.ReplaceAll(text, marker, "")
		}
		text = strings.TrimSpace(text)
	}

	env := &bus.Envelope{
		Channel:   "discord",
		AccountID: accountID,
		MessageID: m.ID,
		Timestamp: m.Timestamp.UnixMilli(),
		Sender:    bus.Sender{ID: m.Author.ID, Name: m.Author.Username},
		ChatType:  bus.ChatDirect,
		Text:      text,
		Raw:       map[string]string{"mentioned": fmt.Sprintf("%t", mentioned)},
	}
	if isGroup {
		env.ChatType = bus.ChatGroup
		env.GroupID = m.ChannelID
	}
	for _, att := range m.Attachments {
		env.Attachments = append(env.Attachments, bus.Attachment{
			URL:  att.URL,
			MIME: att.ContentType,
			Size: int64(att.Size),
		})
	}
	return env
}
