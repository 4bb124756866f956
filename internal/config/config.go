package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"wabot/internal/errors"
)

// EnvPrefix is prepended to every environment variable the bot reads.
const EnvPrefix = "WABOT"

// Mode values for Config.Mode.
const (
	ModePublic  = "public"
	ModePrivate = "private"
)

// Pairing values for Config.PairingMode.
const (
	PairingQR   = "qr"
	PairingCode = "code"
)

// Link actions for Moderation.LinkAction.
const (
	LinkActionDelete = "delete"
	LinkActionWarn   = "warn"
	LinkActionKick   = "kick"
)

// DefaultBadWords is used when WABOT_BAD_WORDS is unset.
var DefaultBadWords = []string{"fuck", "shit", "bitch", "bastard", "asshole", "idiot"}

// Config holds application configuration.
type Config struct {
	// DataDir holds the JSON state namespaces and, by default, the session database.
	DataDir string
	// SessionDB is the whatsmeow sqlstore file backing the credential artifact.
	SessionDB string

	Prefix      string
	Mode        string
	OwnerNumber string
	SudoNumbers []string
	BotName     string

	PairingMode  string
	PairingPhone string
	// QRFile, when set, receives a PNG of every pairing QR code.
	QRFile string

	// CommandReaction is the emoji put on a successfully handled command;
	// empty disables it.
	CommandReaction string
	// NotifyOwner sends the owner a short message whenever the session opens.
	NotifyOwner bool
	// GroupCacheTTL bounds how long group metadata is reused.
	GroupCacheTTL time.Duration

	ConnectTimeout time.Duration
	SendTimeout    time.Duration

	Backoff    BackoffConfig
	Presence   PresenceConfig
	Moderation ModerationConfig
	Store      StoreConfig
	Send       SendConfig
	AI         AIConfig
	Log        LogConfig

	FFmpegPath string
	TempDir    string
}

// BackoffConfig controls reconnect delays.
type BackoffConfig struct {
	Base time.Duration
	Max  time.Duration
}

// PresenceConfig controls the presence simulation loops.
type PresenceConfig struct {
	Interval   time.Duration
	IdleWindow time.Duration
}

// ModerationConfig controls the group safety checks.
type ModerationConfig struct {
	// BanNoticeRate is the probability that a banned sender is told so.
	BanNoticeRate float64
	WarnLimit     int
	BadWords      []string
	LinkAction    string
	// TagLimit is the mention count at which a message counts as mass tagging.
	TagLimit int
}

// StoreConfig controls the KV store.
type StoreConfig struct {
	FlushInterval time.Duration
}

// SendConfig controls the outbound rate limiter.
type SendConfig struct {
	RatePerSecond float64
	Burst         int
}

// AIConfig configures the OpenAI-compatible backend used by the assistant.
type AIConfig struct {
	BaseURL    string
	Model      string
	APIKey     string
	ReplyDelay time.Duration
	MaxHistory int
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level   string
	Format  string
	DBLevel string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("prefix", ".")
	v.SetDefault("mode", ModePublic)
	v.SetDefault("bot_name", "wabot")
	v.SetDefault("pairing_mode", PairingQR)
	v.SetDefault("command_reaction", "✅")
	v.SetDefault("notify_owner", true)
	v.SetDefault("group_cache_ttl", 5*time.Minute)
	v.SetDefault("connect_timeout", 30*time.Second)
	v.SetDefault("send_timeout", 20*time.Second)
	v.SetDefault("backoff.base", 2*time.Second)
	v.SetDefault("backoff.max", 60*time.Second)
	v.SetDefault("presence.interval", 4500*time.Millisecond)
	v.SetDefault("presence.idle", 5*time.Minute)
	v.SetDefault("moderation.ban_notice_rate", 0.10)
	v.SetDefault("moderation.warn_limit", 3)
	v.SetDefault("moderation.link_action", LinkActionDelete)
	v.SetDefault("moderation.tag_limit", 5)
	v.SetDefault("store.flush", 10*time.Second)
	v.SetDefault("send.rate", 2.0)
	v.SetDefault("send.burst", 5)
	v.SetDefault("ffmpeg", "ffmpeg")
	v.SetDefault("ai.base_url", "http://localhost:11434/v1")
	v.SetDefault("ai.model", "llama3:latest")
	v.SetDefault("ai.reply_delay", 6*time.Second)
	v.SetDefault("ai.max_history", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
	v.SetDefault("log.db_level", "error")
}

// Load reads .env (if present), the optional config file at path and the
// WABOT_* environment. Environment wins over the file, the file over defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{
		DataDir:      v.GetString("data_dir"),
		SessionDB:    v.GetString("session_db"),
		Prefix:       v.GetString("prefix"),
		Mode:         strings.ToLower(strings.TrimSpace(v.GetString("mode"))),
		OwnerNumber:  SanitizePhone(v.GetString("owner_number")),
		SudoNumbers:  sanitizeAll(splitList(v.GetString("sudo_numbers"))),
		BotName:      v.GetString("bot_name"),
		PairingMode:  strings.ToLower(strings.TrimSpace(v.GetString("pairing_mode"))),
		PairingPhone: SanitizePhone(v.GetString("pairing_phone")),
		QRFile:       v.GetString("qr_file"),

		CommandReaction: v.GetString("command_reaction"),
		NotifyOwner:     v.GetBool("notify_owner"),
		GroupCacheTTL:   v.GetDuration("group_cache_ttl"),

		ConnectTimeout: v.GetDuration("connect_timeout"),
		SendTimeout:    v.GetDuration("send_timeout"),

		Backoff: BackoffConfig{
			Base: v.GetDuration("backoff.base"),
			Max:  v.GetDuration("backoff.max"),
		},
		Presence: PresenceConfig{
			Interval:   v.GetDuration("presence.interval"),
			IdleWindow: v.GetDuration("presence.idle"),
		},
		Moderation: ModerationConfig{
			BanNoticeRate: v.GetFloat64("moderation.ban_notice_rate"),
			WarnLimit:     v.GetInt("moderation.warn_limit"),
			BadWords:      splitList(v.GetString("moderation.bad_words")),
			LinkAction:    strings.ToLower(v.GetString("moderation.link_action")),
			TagLimit:      v.GetInt("moderation.tag_limit"),
		},
		Store: StoreConfig{FlushInterval: v.GetDuration("store.flush")},
		Send: SendConfig{
			RatePerSecond: v.GetFloat64("send.rate"),
			Burst:         v.GetInt("send.burst"),
		},
		AI: AIConfig{
			BaseURL:    v.GetString("ai.base_url"),
			Model:      v.GetString("ai.model"),
			APIKey:     v.GetString("ai.api_key"),
			ReplyDelay: v.GetDuration("ai.reply_delay"),
			MaxHistory: v.GetInt("ai.max_history"),
		},
		Log: LogConfig{
			Level:   v.GetString("log.level"),
			Format:  v.GetString("log.format"),
			DBLevel: v.GetString("log.db_level"),
		},

		FFmpegPath: v.GetString("ffmpeg"),
		TempDir:    v.GetString("tmp_dir"),
	}

	if len(cfg.Moderation.BadWords) == 0 {
		cfg.Moderation.BadWords = append([]string(nil), DefaultBadWords...)
	}
	if cfg.SessionDB == "" {
		cfg.SessionDB = filepath.Join(cfg.DataDir, "session.db")
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(cfg.DataDir, "tmp")
	}
	return cfg
}

// Validate rejects configurations the bot cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePublic, ModePrivate:
	default:
		return errors.NewInvalidConfig(fmt.Sprintf("unknown mode %q (want public or private)", c.Mode))
	}
	switch c.PairingMode {
	case PairingQR:
	case PairingCode:
		if c.PairingPhone == "" {
			return errors.NewInvalidConfig("pairing mode \"code\" requires WABOT_PAIRING_PHONE")
		}
	default:
		return errors.NewInvalidConfig(fmt.Sprintf("unknown pairing mode %q (want qr or code)", c.PairingMode))
	}
	if c.Prefix == "" {
		return errors.NewInvalidConfig("command prefix must not be empty")
	}
	if c.OwnerNumber == "" {
		return errors.NewInvalidConfig("WABOT_OWNER_NUMBER is required")
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max < c.Backoff.Base {
		return errors.NewInvalidConfig(fmt.Sprintf("backoff base %s must be positive and not exceed max %s", c.Backoff.Base, c.Backoff.Max))
	}
	if c.Presence.Interval <= 0 {
		return errors.NewInvalidConfig("presence interval must be positive")
	}
	if c.Moderation.BanNoticeRate < 0 || c.Moderation.BanNoticeRate > 1 {
		return errors.NewInvalidConfig(fmt.Sprintf("ban notice rate %v outside [0,1]", c.Moderation.BanNoticeRate))
	}
	switch c.Moderation.LinkAction {
	case LinkActionDelete, LinkActionWarn, LinkActionKick:
	default:
		return errors.NewInvalidConfig(fmt.Sprintf("unknown link action %q", c.Moderation.LinkAction))
	}
	return nil
}

// IsPrivate reports whether only operators may run commands.
func (c *Config) IsPrivate() bool {
	return c.Mode == ModePrivate
}

// Operators returns the owner followed by the sudo numbers.
func (c *Config) Operators() []string {
	out := make([]string, 0, 1+len(c.SudoNumbers))
	if c.OwnerNumber != "" {
		out = append(out, c.OwnerNumber)
	}
	return append(out, c.SudoNumbers...)
}

var nonDigits = regexp.MustCompile(`[^0-9]`)

// SanitizePhone removes all non-numeric characters from a phone number.
func SanitizePhone(phone string) string {
	return nonDigits.ReplaceAllString(phone, "")
}

func sanitizeAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if p := SanitizePhone(s); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// splitList splits a comma separated value, trimming blanks and duplicates.
func splitList(raw string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
