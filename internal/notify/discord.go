package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

var levelColors = map[Level]int{
	LevelInfo:    0x3498db,
	LevelWarning: 0xf1c40f,
	LevelError:   0xe74c3c,
}

// Discord posts notices as embeds to one Discord channel.
type Discord struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

// NewDiscord creates a Discord notifier using a bot token.
func NewDiscord(token, channel string, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &Discord{session: session, channel: channel, logger: logger}, nil
}

func (d *Discord) Platform() string { return "discord" }

// Notify sends n as an embed.
func (d *Discord) Notify(ctx context.Context, n *Notice) error {
	_, err := d.session.ChannelMessageSendComplex(d.channel, embedFor(n), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	d.logger.Debug("discord notice sent", zap.String("channel", d.channel), zap.String("title", n.Title))
	return nil
}

func embedFor(n *Notice) *discordgo.MessageSend {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Engine", Value: n.Engine, Inline: true},
	}
	if n.Branch != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Branch", Value: n.Branch, Inline: true})
	}
	embed := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Text,
		Color:       levelColors[n.Level],
		Fields:      fields,
	}
	if !n.At.IsZero() {
		embed.Timestamp = n.At.Format("2006-01-02T15:04:05Z07:00")
	}
	return &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}
}
