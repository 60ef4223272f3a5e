package ollamacord

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

var (
	columnUserIgnored    = "ignored"
	columnUserUsername   = "username"
	columnUserGlobalName = "global_name"
	columnUserLastSeen   = "last_seen"
)

// User is a record of a Discord user, and their current state.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type User struct {
	//
	// The first set of fields are set from the Discord user object
	//

	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Indicates this user is a Discord bot user. Bots are ignored
	// by default.
	Bot bool `json:"bot" gorm:"type:bool"`

	//
	// The fields below are OllamaCord-specific
	//

	// If true, mention-triggered requests from this user are queued ahead
	// of non-priority requests, and survive queue-full eviction longer
	Priority bool `json:"priority" gorm:"type:bool;default:false"`

	// If true, messages and commands from this user will be ignored
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// LastSeen is the last time this user was seen in a Discord message
	// or interaction
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

func NewUser(u discordgo.User) *User {
	user := User{
		ID:         u.ID,
		Username:   u.Username,
		Ignored:    false,
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
	if u.Bot {
		user.Ignored = true
	}

	return &user
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String(columnUserID, u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
		slog.Bool("ignored", u.Ignored),
		slog.Bool(columnChatRequestPriority, u.Priority),
	}

	return slog.GroupValue(attrs...)
}

// userChangedDiscordUsername compares [User.Username] and [User.GlobalName] with
// the given discordgo.User, and returns a bool indicating whether either
// field has changed (true) or not (false). This helps avoid 'drift'
// if the user updates their Discord profile.
func (u *User) userChangedDiscordUsername(d discordgo.User) bool {
	return (d.Username != u.Username) || (d.GlobalName != u.GlobalName)
}

// Mention returns the Discord mention markup for the user.
func (u *User) Mention() string {
	return fmt.Sprintf("<@%s>", u.ID)
}

// getStats collects per-user usage counts for the admin API.
func (u *User) getStats(ctx context.Context, db *gorm.DB) (UserStats, error) {
	s := UserStats{}

	var errs []error

	var chatRequestCount int64
	err := db.WithContext(ctx).Unscoped().Model(&ChatRequest{}).Where(
		"user_id = ?",
		u.ID,
	).Count(&chatRequestCount).Error
	if err != nil {
		errs = append(
			errs,
			fmt.Errorf("error getting chat request stats: %w", err),
		)
	}
	s.ChatRequests = int(chatRequestCount)

	var resetCommandCount int64
	err = db.WithContext(ctx).Unscoped().Model(&ResetCommand{}).Where(
		"user_id = ?",
		u.ID,
	).Count(&resetCommandCount).Error
	if err != nil {
		errs = append(
			errs,
			fmt.Errorf("error getting reset command stats: %w", err),
		)
	}
	s.ResetCommands = int(resetCommandCount)

	var toggleCommandCount int64
	err = db.WithContext(ctx).Unscoped().Model(&ToggleCommand{}).Where(
		"user_id = ?",
		u.ID,
	).Count(&toggleCommandCount).Error
	if err != nil {
		errs = append(
			errs,
			fmt.Errorf("error getting toggle command stats: %w", err),
		)
	}
	s.ToggleCommands = int(toggleCommandCount)

	return s, errors.Join(errs...)
}

type UserStats struct {
	ChatRequests   int `json:"chat_requests"`
	ResetCommands  int `json:"reset_commands"`
	ToggleCommands int `json:"toggle_commands"`
}
