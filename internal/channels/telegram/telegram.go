// Package telegram connects the gateway to Telegram via the Bot API
// using long polling.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

const (
	// textLimit is Telegram's message length limit.
	textLimit = 4096
)

// Plugin implements the Telegram channel.
type Plugin struct {
	channels.BasePlugin
}

// New creates the Telegram plugin.
func New() *Plugin {
	return &Plugin{
		BasePlugin: channels.BasePlugin{
			PluginID:        "telegram",
			PluginMeta:      channels.Meta{Label: "Telegram", Aliases: []string{"tg"}, Order: 30},
			DefaultDMPolicy: channels.DMPolicyPairing,
			PluginCaps: channels.Capabilities{
				ChatTypes:      []bus.ChatType{bus.ChatDirect, bus.ChatGroup},
				Media:          true,
				Reactions:      true,
				Threads:        true,
				BlockStreaming: true,
			},
		},
	}
}

// transport sends through one bot instance.
type transport struct {
	bot *telego.Bot
}

func chatID(to string) telego.ChatID {
	if id, err := strconv.ParseInt(to, 10, 64); err == nil {
		return telegoutil.ID(id)
	}
	return telego.ChatID{Username: to}
}

func (t *transport) SendText(ctx context.Context, to, text string) error {
	_, err := t.bot.SendMessage(ctx, telegoutil.Message(chatID(to), text))
	return err
}

func (t *transport) SendTyping(ctx context.Context, to string) error {
	return t.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: chatID(to),
		Action: telego.ChatActionTyping,
	})
}

func (t *transport) SendMedia(ctx context.Context, to string, urls []string) error {
	return t.SendText(ctx, to, strings.Join(urls, "\n"))
}

func (t *transport) TextLimit() int       { return textLimit }
func (t *transport) BlockStreaming() bool { return true }

// StartAccount begins long polling and blocks until the abort signal
// fires or the transport fails fatally.
func (p *Plugin) StartAccount(sc channels.StartContext) error {
	cred, err := config.ResolveCredential(p.PluginID, sc.AccountID, sc.Account)
	if err != nil {
		return fmt.Errorf("telegram credentials: %w", err)
	}
	if cred.Token == "" {
		return fmt.Errorf("telegram: no token for account %s", sc.AccountID)
	}

	bot, err := telego.NewBot(cred.Token)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(sc.Context, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	botUser, err := bot.GetMe(sc.Context)
	if err != nil {
		return fmt.Errorf("fetch telegram bot identity: %w", err)
	}
	sc.Log.Info("telegram bot connected", "username", botUser.Username)

	tr := &transport{bot: bot}

	for {
		select {
		case <-sc.Context.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram updates channel closed")
			}
			msg := update.Message
			if msg == nil || msg.From == nil || msg.From.IsBot {
				continue
			}

			now := bus.NowMillis()
			sc.SetStatus(channels.StatusDelta{LastInboundAt: &now})

			env := p.normalize(msg, sc.AccountID, botUser.Username)
			go sc.Core.HandleInbound(sc.Context, env, tr)
		}
	}
}

// normalize converts a Telegram update into the envelope. The bot
// mention is resolved out of the text; groups record whether it was
// present.
func (p *Plugin) normalize(msg *telego.Message, accountID, botUsername string) *bus.Envelope {
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	mention := "@" + botUsername
	mentioned := !isGroup
	if isGroup && botUsername != "" && strings.Contains(text, mention) {
		mentioned = true
		text = strings.TrimSpace(strings.ReplaceAll(text, mention, ""))
	}
	// Replies to the bot's own messages count as mentions.
	if isGroup && msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.Username == botUsername {
		mentioned = true
	}

	env := &bus.Envelope{
		Channel:   "telegram",
		AccountID: accountID,
		MessageID: fmt.Sprintf("%d", msg.MessageID),
		Timestamp: int64(msg.Date) * 1000,
		Sender: bus.Sender{
			ID:   fmt.Sprintf("%d", msg.From.ID),
			Name: strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		},
		ChatType: bus.ChatDirect,
		Text:     text,
		Raw:      map[string]string{"mentioned": fmt.Sprintf("%t", mentioned)},
	}
	if isGroup {
		env.ChatType = bus.ChatGroup
		env.GroupID = fmt.Sprintf("%d", msg.Chat.ID)
		env.GroupName = msg.Chat.Title
	}

	if len(msg.Photo) > 0 {
		// Largest size is last.
		photo := msg.Photo[len(msg.Photo)-1]
		env.Attachments = append(env.Attachments, bus.Attachment{
			FileID: photo.FileID,
			MIME:   "image/jpeg",
			Size:   int64(photo.FileSize),
		})
	}
	if msg.Document != nil {
		env.Attachments = append(env.Attachments, bus.Attachment{
			FileID: msg.Document.FileID,
			MIME:   msg.Document.MimeType,
			Size:   int64(msg.Document.FileSize),
		})
	}
	if msg.Voice != nil {
		env.Attachments = append(env.Attachments, bus.Attachment{
			FileID: msg.Voice.FileID,
			MIME:   msg.Voice.MimeType,
			Size:   int64(msg.Voice.FileSize),
		})
	}
	return env
}
