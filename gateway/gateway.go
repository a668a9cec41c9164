// Package gateway performs moderation side effects on Discord.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"zealot/model"
	"zealot/utils"

	"github.com/bwmarrin/discordgo"
)

// Session is the subset of *discordgo.Session the gateway uses.
type Session interface {
	GuildBanDelete(guildID, userID string, options ...discordgo.RequestOption) error
	GuildBan(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.GuildBan, error)
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

const evidenceFilename = "evidence.jpg"

var kindColors = map[model.ActionKind]string{
	model.ActionBan:      "#E74C3C",
	model.ActionTempBan:  "#E67E22",
	model.ActionUnban:    "#2ECC71",
	model.ActionMute:     "#F1C40F",
	model.ActionTempMute: "#F1C40F",
	model.ActionUnmute:   "#2ECC71",
	model.ActionKick:     "#E67E22",
	model.ActionPurge:    "#95A5A6",
}

// Discord implements model.PlatformGateway and model.RestrictionProbe.
type Discord struct {
	s   Session
	log *slog.Logger
}

var (
	_ model.PlatformGateway  = (*Discord)(nil)
	_ model.RestrictionProbe = (*Discord)(nil)
)

func New(s Session, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{s: s, log: logger.With("module", "gateway")}
}

// restCode returns the Discord JSON error code carried by err, if any.
func restCode(err error) (int, bool) {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		return restErr.Message.Code, true
	}
	return 0, false
}

func restStatus(err error) int {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode
	}
	return 0
}

func isCode(err error, codes ...int) bool {
	code, ok := restCode(err)
	if !ok {
		return false
	}
	for _, c := range codes {
		if code == c {
			return true
		}
	}
	return false
}

// LiftBan removes the ban. A subject who is not banned is already in the
// desired state.
func (d *Discord) LiftBan(ctx context.Context, communityID, subjectID string) error {
	err := d.s.GuildBanDelete(communityID, subjectID, discordgo.WithContext(ctx))
	if err == nil || isCode(err, discordgo.ErrCodeUnknownBan) {
		return nil
	}
	return model.NewTransientError(fmt.Sprintf("failed to lift ban of %s in %s", subjectID, communityID), err)
}

// RevokeRole removes roleID from the subject. A member who left, or a role
// that no longer exists, counts as success.
func (d *Discord) RevokeRole(ctx context.Context, communityID, subjectID, roleID string) error {
	err := d.s.GuildMemberRoleRemove(communityID, subjectID, roleID, discordgo.WithContext(ctx))
	if err == nil || isCode(err, discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownRole, discordgo.ErrCodeUnknownUser) {
		return nil
	}
	return model.NewTransientError(fmt.Sprintf("failed to remove role %s from %s in %s", roleID, subjectID, communityID), err)
}

// IsBanned reports whether the subject is currently banned.
func (d *Discord) IsBanned(ctx context.Context, communityID, subjectID string) (bool, error) {
	_, err := d.s.GuildBan(communityID, subjectID, discordgo.WithContext(ctx))
	switch {
	case err == nil:
		return true, nil
	case isCode(err, discordgo.ErrCodeUnknownBan) || restStatus(err) == http.StatusNotFound:
		return false, nil
	}
	return false, model.NewTransientError(fmt.Sprintf("failed to look up ban of %s in %s", subjectID, communityID), err)
}

// HasRole reports whether the subject is a member holding roleID.
func (d *Discord) HasRole(ctx context.Context, communityID, subjectID, roleID string) (bool, error) {
	member, err := d.s.GuildMember(communityID, subjectID, discordgo.WithContext(ctx))
	switch {
	case err == nil:
	case isCode(err, discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser):
		return false, nil
	default:
		return false, model.NewTransientError(fmt.Sprintf("failed to look up member %s in %s", subjectID, communityID), err)
	}

	for _, r := range member.Roles {
		if r == roleID {
			return true, nil
		}
	}
	return false, nil
}

// SendAuditNotification posts the record as an embed to destinationID,
// attaching the evidence image when present.
func (d *Discord) SendAuditNotification(ctx context.Context, destinationID string, record model.CaseRecord) error {
	msg := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{AuditEmbed(record)}}
	if len(record.Evidence) > 0 {
		msg.Files = []*discordgo.File{{
			Name:        evidenceFilename,
			ContentType: "image/jpeg",
			Reader:      bytes.NewReader(record.Evidence),
		}}
	}

	if _, err := d.s.ChannelMessageSendComplex(destinationID, msg, discordgo.WithContext(ctx)); err != nil {
		return model.NewTransientError(fmt.Sprintf("failed to send case %d to %s", record.CaseNumber, destinationID), err)
	}
	d.log.Debug("audit notification sent", "community_id", record.CommunityID, "case_number", record.CaseNumber, "destination", destinationID)
	return nil
}

// AuditEmbed renders a case record for the audit channel.
func AuditEmbed(record model.CaseRecord) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:     fmt.Sprintf("Case #%d | %s", record.CaseNumber, record.Kind),
		Color:     utils.ParseHexColor(kindColors[record.Kind]),
		Timestamp: record.CreatedAt.Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Moderator", Value: mention(record.ActorID), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: "Community " + record.CommunityID},
	}

	if record.HasSubject() {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "User", Value: mention(record.SubjectID), Inline: true})
	}
	if record.Duration > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Duration", Value: record.Duration.String(), Inline: true})
	}
	if record.ExpiresAt != nil {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Expires", Value: fmt.Sprintf("<t:%d:R>", record.ExpiresAt.Unix()), Inline: true})
	}

	reason := record.Reason
	if reason == "" {
		reason = "No reason provided"
	}
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Reason", Value: reason})

	if len(record.Evidence) > 0 {
		embed.Image = &discordgo.MessageEmbedImage{URL: "attachment://" + evidenceFilename}
	}
	return embed
}

func mention(userID string) string {
	return fmt.Sprintf("<@%s> (%s)", userID, userID)
}

// CapabilitiesFromPermissions maps a member's computed permission bits to
// capabilities.
func CapabilitiesFromPermissions(perms int64) []model.Capability {
	var caps []model.Capability
	if perms&discordgo.PermissionAdministrator != 0 {
		caps = append(caps, model.CapabilityAdministrator)
	}
	return caps
}
