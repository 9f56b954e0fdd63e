// Package config provides YAML-based configuration loading for signalbox.
// Secrets may also come from a .env file or the process environment, which
// take precedence over the YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level signalbox configuration, loaded from signalbox.yaml.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Database   DatabaseConfig   `yaml:"database"`
	Mattermost MattermostConfig `yaml:"mattermost"`
	Chat       ChatConfig       `yaml:"chat"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Relay      RelayConfig      `yaml:"relay"`
	Linking    LinkingConfig    `yaml:"linking"`
}

// DatabaseConfig selects the store backend. Driver is "sqlite" (default) or
// "mysql" (MySQL or a Dolt SQL server).
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// MattermostConfig holds the source channel settings.
type MattermostConfig struct {
	ServerURL          string   `yaml:"server_url"`
	Team               string   `yaml:"team"`
	ChannelID          string   `yaml:"channel_id"`
	Token              string   `yaml:"token"`
	BotUserID          string   `yaml:"bot_user_id"`
	Trigger            string   `yaml:"trigger"` // substring that marks a post as a support request; empty = every post
	PollInterval       Duration `yaml:"poll_interval"`
	RetryInterval      Duration `yaml:"retry_interval"`
	Timeout            Duration `yaml:"timeout"`
	Lookback           Duration `yaml:"lookback"`
	RateLimit          float64  `yaml:"rate_limit"` // requests per second
	ProfileURLTemplate string   `yaml:"profile_url_template"`
}

// ChatConfig holds the team chat platform settings.
type ChatConfig struct {
	Platform       string        `yaml:"platform"` // "slack" or "discord"
	SupportChannel string        `yaml:"support_channel"`
	ManagerChannel string        `yaml:"manager_channel"`
	Slack          SlackConfig   `yaml:"slack"`
	Discord        DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord gateway credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	GuildID  string `yaml:"guild_id"` // slash commands are registered here; empty = global
}

// WebhookConfig controls the HTTP listener for Mattermost outgoing webhooks.
type WebhookConfig struct {
	Port  int    `yaml:"port"`
	Path  string `yaml:"path"`
	Token string `yaml:"token"` // static bearer token; empty disables the check
}

// ScheduleConfig defines the working window. The first zone is the primary
// zone whose weekday decides weekends.
type ScheduleConfig struct {
	StartHour int          `yaml:"start_hour"`
	EndHour   int          `yaml:"end_hour"`
	Weekend   []string     `yaml:"weekend"`
	Zones     []ZoneConfig `yaml:"zones"`
}

// ZoneConfig names an IANA location and the free-text aliases users may
// type when declaring it.
type ZoneConfig struct {
	Name     string   `yaml:"name"`
	Location string   `yaml:"location"`
	Aliases  []string `yaml:"aliases"`
}

// RelayConfig tunes the queue and the reminder/escalation engine.
type RelayConfig struct {
	QueueCapacity    int      `yaml:"queue_capacity"`
	ReminderInterval Duration `yaml:"reminder_interval"`
	MaxReminders     int      `yaml:"max_reminders"`
	ResponseDeadline Duration `yaml:"response_deadline"`
	Retention        Duration `yaml:"retention"`
	MaxPending       int      `yaml:"max_pending"`
	SweepCron        string   `yaml:"sweep_cron"`
}

// LinkingConfig controls identity linking and the specialist lookup.
type LinkingConfig struct {
	EmailDomain        string `yaml:"email_domain"`
	SpecialistPosition string `yaml:"specialist_position"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "7m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts Go duration strings or plain integers (seconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		d.Duration = parsed
		return nil
	}
	var secs int
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	d.Duration = time.Duration(secs) * time.Second
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// envOverrides maps environment variables onto config fields.
var envOverrides = []struct {
	key   string
	apply func(c *Config, v string)
}{
	{"MATTERMOST_SERVER_URL", func(c *Config, v string) { c.Mattermost.ServerURL = v }},
	{"MATTERMOST_CHANNEL_ID", func(c *Config, v string) { c.Mattermost.ChannelID = v }},
	{"MATTERMOST_BEARER_TOKEN", func(c *Config, v string) { c.Mattermost.Token = v }},
	{"MATTERMOST_BOT_USER_ID", func(c *Config, v string) { c.Mattermost.BotUserID = v }},
	{"SLACK_APP_TOKEN", func(c *Config, v string) { c.Chat.Slack.AppToken = v }},
	{"SLACK_BOT_TOKEN", func(c *Config, v string) { c.Chat.Slack.BotToken = v }},
	{"DISCORD_BOT_TOKEN", func(c *Config, v string) { c.Chat.Discord.BotToken = v }},
	{"SUPPORT_CHANNEL_ID", func(c *Config, v string) { c.Chat.SupportChannel = v }},
	{"MANAGER_CHANNEL_ID", func(c *Config, v string) { c.Chat.ManagerChannel = v }},
	{"WEBHOOK_TOKEN", func(c *Config, v string) { c.Webhook.Token = v }},
	{"LOG_LEVEL", func(c *Config, v string) { c.LogLevel = v }},
}

// LoadDotEnv loads variables from a .env file into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Load reads a YAML config file from path and returns a validated Config.
// A missing file is tolerated so that deployments can be configured purely
// through the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = nil
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config, applying environment
// overrides and defaults.
func Parse(data []byte) (*Config, error) {
	return parse(data, os.LookupEnv)
}

func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	for _, o := range envOverrides {
		if v, ok := lookup(o.key); ok && v != "" {
			o.apply(&cfg, v)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "signalbox.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "signalbox"
		}
	}

	mm := &c.Mattermost
	mm.ServerURL = strings.TrimRight(mm.ServerURL, "/")
	if mm.Team == "" {
		mm.Team = "kontur"
	}
	if mm.PollInterval.Duration == 0 {
		mm.PollInterval.Duration = 10 * time.Second
	}
	if mm.RetryInterval.Duration == 0 {
		mm.RetryInterval.Duration = 15 * time.Second
	}
	if mm.Timeout.Duration == 0 {
		mm.Timeout.Duration = 20 * time.Second
	}
	if mm.Lookback.Duration == 0 {
		mm.Lookback.Duration = 5 * time.Minute
	}
	if mm.RateLimit == 0 {
		mm.RateLimit = 10
	}
	if mm.ProfileURLTemplate == "" {
		mm.ProfileURLTemplate = "https://staff.skbkontur.ru/profile/{username}"
	}

	if c.Chat.Platform == "" {
		c.Chat.Platform = "slack"
	}

	if c.Webhook.Port == 0 {
		c.Webhook.Port = 5000
	}
	if c.Webhook.Path == "" {
		c.Webhook.Path = "/mattermost_webhook"
	}

	s := &c.Schedule
	if s.StartHour == 0 && s.EndHour == 0 {
		s.StartHour, s.EndHour = 9, 18
	}
	if s.Weekend == nil {
		s.Weekend = []string{"saturday", "sunday"}
	}
	if len(s.Zones) == 0 {
		s.Zones = []ZoneConfig{
			{Name: "ekb", Location: "Asia/Yekaterinburg", Aliases: []string{"екб", "yekaterinburg", "екатеринбург"}},
			{Name: "msk", Location: "Europe/Moscow", Aliases: []string{"мск", "moscow", "москва"}},
		}
	}

	r := &c.Relay
	if r.QueueCapacity == 0 {
		r.QueueCapacity = 100
	}
	if r.ReminderInterval.Duration == 0 {
		r.ReminderInterval.Duration = 7 * time.Minute
	}
	if r.MaxReminders == 0 {
		r.MaxReminders = 3
	}
	if r.ResponseDeadline.Duration == 0 {
		r.ResponseDeadline.Duration = 6 * time.Minute
	}
	if r.Retention.Duration == 0 {
		r.Retention.Duration = 24 * time.Hour
	}
	if r.MaxPending == 0 {
		r.MaxPending = 1000
	}
	if r.SweepCron == "" {
		r.SweepCron = "*/10 * * * *"
	}

	if c.Linking.EmailDomain == "" {
		c.Linking.EmailDomain = "skbkontur.ru"
	}
	if c.Linking.SpecialistPosition == "" {
		c.Linking.SpecialistPosition = "Менеджер проектов по внедрению"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Mattermost.ServerURL == "" {
		errs = append(errs, "mattermost.server_url is required")
	}
	if c.Mattermost.ChannelID == "" {
		errs = append(errs, "mattermost.channel_id is required")
	}
	if c.Mattermost.Token == "" {
		errs = append(errs, "mattermost.token is required")
	}
	if c.Mattermost.BotUserID == "" {
		errs = append(errs, "mattermost.bot_user_id is required")
	}

	switch c.Chat.Platform {
	case "slack":
		if c.Chat.Slack.BotToken == "" {
			errs = append(errs, "chat.slack.bot_token is required")
		}
		if c.Chat.Slack.AppToken == "" {
			errs = append(errs, "chat.slack.app_token is required")
		}
	case "discord":
		if c.Chat.Discord.BotToken == "" {
			errs = append(errs, "chat.discord.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("chat.platform %q is not supported (slack, discord)", c.Chat.Platform))
	}
	if c.Chat.SupportChannel == "" {
		errs = append(errs, "chat.support_channel is required")
	}
	if c.Chat.ManagerChannel == "" {
		errs = append(errs, "chat.manager_channel is required")
	}

	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}

	s := c.Schedule
	if s.StartHour < 0 || s.StartHour > 23 || s.EndHour < 1 || s.EndHour > 24 || s.StartHour >= s.EndHour {
		errs = append(errs, fmt.Sprintf("schedule hours [%d, %d) are invalid", s.StartHour, s.EndHour))
	}
	for _, day := range s.Weekend {
		if _, ok := ParseWeekday(day); !ok {
			errs = append(errs, fmt.Sprintf("schedule.weekend: unknown day %q", day))
		}
	}
	for i, z := range s.Zones {
		if z.Name == "" {
			errs = append(errs, fmt.Sprintf("schedule.zones[%d].name is required", i))
		}
		if _, err := time.LoadLocation(z.Location); z.Location == "" || err != nil {
			errs = append(errs, fmt.Sprintf("schedule.zones[%d].location %q is invalid", i, z.Location))
		}
	}

	if c.Relay.QueueCapacity < 0 {
		errs = append(errs, "relay.queue_capacity must be positive")
	}
	if c.Relay.MaxReminders < 0 {
		errs = append(errs, "relay.max_reminders must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday resolves an English day name (case-insensitive, full or
// three-letter form).
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if d, ok := weekdays[s]; ok {
		return d, true
	}
	for name, d := range weekdays {
		if len(s) == 3 && strings.HasPrefix(name, s) {
			return d, true
		}
	}
	return 0, false
}

// WeekendDays returns the configured weekend as time.Weekday values.
// Unknown names are skipped (validate rejects them).
func (s ScheduleConfig) WeekendDays() []time.Weekday {
	var days []time.Weekday
	for _, name := range s.Weekend {
		if d, ok := ParseWeekday(name); ok {
			days = append(days, d)
		}
	}
	return days
}
