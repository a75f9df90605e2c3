// Package slack connects the gateway to Slack over Socket Mode.
//
// Two credential modes exist: raw bot+app tokens, and OAuth client
// credentials. Raw tokens always win; OAuth only engages when no raw
// tokens are present, and Socket Mode cannot run on client credentials
// alone, so that mode fails fast with a config error.
package slack

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// textLimit keeps messages within Slack's posting limit.
const textLimit = 4000

// Plugin implements the Slack channel.
type Plugin struct {
	channels.BasePlugin
}

// New creates the Slack plugin.
func New() *Plugin {
	return &Plugin{
		BasePlugin: channels.BasePlugin{
			PluginID:        "slack",
			PluginMeta:      channels.Meta{Label: "Slack", Order: 50},
			DefaultDMPolicy: channels.DMPolicyAllowlist,
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

// IsConfigured requires a bot token; the app token check happens at
// start so the error reaches account status.
func (p *Plugin) IsConfigured(cfg *config.Config) bool {
	cc := cfg.Channels.Channel(p.PluginID)
	if cc == nil || !cc.Enabled {
		return false
	}
	for _, id := range cc.ListAccountIDs() {
		cred, err := config.ResolveCredential(p.PluginID, id, cc.ResolveAccount(id))
		if err == nil && cred.Source != config.TokenSourceNone {
			return true
		}
	}
	return false
}

// transport sends through one workspace client.
type transport struct {
	api *slack.Client
}

// resolveTarget opens the IM conversation when the target is a user id
// rather than a channel.
func (t *transport) resolveTarget(ctx context.Context, to string) (string, error) {
	if !strings.HasPrefix(to, "U") && !strings.HasPrefix(to, "W") {
		return to, nil
	}
	ch, _, _, err := t.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users: []string{to},
	})
	if err != nil {
		return "", fmt.Errorf("open slack conversation: %w", err)
	}
	return ch.ID, nil
}

func (t *transport) SendText(ctx context.Context, to, text string) error {
	target, err := t.resolveTarget(ctx, to)
	if err != nil {
		return err
	}
	_, _, err = t.api.PostMessageContext(ctx, target, slack.MsgOptionText(text, false))
	return err
}

func (t *transport) SendTyping(context.Context, string) error {
	// Socket Mode has no typing RPC for bots; presence is enough.
	return nil
}

func (t *transport) SendMedia(ctx context.Context, to string, urls []string) error {
	return t.SendText(ctx, to, strings.Join(urls, "\n"))
}

func (t *transport) TextLimit() int       { return textLimit }
func (t *transport) BlockStreaming() bool { return true }

// StartAccount runs the Socket Mode event loop until aborted.
func (p *Plugin) StartAccount(sc channels.StartContext) error {
	cred, err := config.ResolveCredential(p.PluginID, sc.AccountID, sc.Account)
	if err != nil {
		return fmt.Errorf("slack credentials: %w", err)
	}
	if cred.Token == "" {
		if sc.Account.ClientID != "" || sc.Account.ClientSecret != "" {
			return fmt.Errorf("slack: OAuth client credentials configured but Socket Mode needs bot+app tokens; install the app and set token/app_token")
		}
		return fmt.Errorf("slack: no bot token for account %s", sc.AccountID)
	}
	if sc.Account.AppToken == "" {
		return fmt.Errorf("slack: no app token for account %s (Socket Mode requires xapp-...)", sc.AccountID)
	}

	api := slack.New(cred.Token, slack.OptionAppLevelToken(sc.Account.AppToken))
	client := socketmode.New(api)
	tr := &transport{api: api}

	auth, err := api.AuthTestContext(sc.Context)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	botID := auth.UserID
	sc.Log.Info("slack connected", "team", auth.Team, "bot", auth.UserID)

	go func() {
		for {
			select {
			case <-sc.Context.Done():
				return
			case evt, ok := <-client.Events:
				if !ok {
					return
				}
				if evt.Type != socketmode.EventTypeEventsAPI {
					continue
				}
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				client.Ack(*evt.Request)

				msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
				if !ok || msg.BotID != "" || msg.User == "" || msg.User == botID {
					continue
				}
				if msg.SubType != "" && msg.SubType != "file_share" {
					continue
				}

				now := bus.NowMillis()
				sc.SetStatus(channels.StatusDelta{LastInboundAt: &now})

				env := p.normalize(msg, sc.AccountID, botID)
				go sc.Core.HandleInbound(sc.Context, env, tr)
			}
		}
	}()

	if err := client.RunContext(sc.Context); err != nil && sc.Context.Err() == nil {
		return fmt.Errorf("slack socket mode: %w", err)
	}
	return nil
}

// normalize converts a message event into the envelope. Channel
// messages map to group chats; DMs arrive on "D..." channel ids.
func (p *Plugin) normalize(msg *slackevents.MessageEvent, accountID, botID string) *bus.Envelope {
	isDM := strings.HasPrefix(msg.Channel, "D")

	text := msg.Text
	mentioned := isDM
	if botID != "" {
		marker := "<@" + botID + ">"
		if strings.Contains(text, marker) {
			mentioned = true
			text = strings.TrimSpace(strings.ReplaceAll(text, marker, ""))
		}
	}

	env := &bus.Envelope{
		Channel:   "slack",
		AccountID: accountID,
		MessageID: msg.TimeStamp,
		Sender:    bus.Sender{ID: msg.User},
		ChatType:  bus.ChatDirect,
		Text:      text,
		Raw:       map[string]string{"mentioned": fmt.Sprintf("%t", mentioned)},
	}
	if !isDM {
		env.ChatType = bus.ChatGroup
		env.GroupID = msg.Channel
	}
	for _, f := range msg.Message.Files {
		env.Attachments = append(env.Attachments, bus.Attachment{
			URL:  f.URLPrivate,
			MIME: f.Mimetype,
			Size: int64(f.Size),
		})
	}
	return env
}
