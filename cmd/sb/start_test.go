package main

import (
	"strings"
	"testing"

	"github.com/zulandar/signalbox/internal/chat/discord"
	"github.com/zulandar/signalbox/internal/chat/slack"
	"github.com/zulandar/signalbox/internal/config"
)

func TestParseIngestMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ingestMode
		wantErr bool
	}{
		{"poll", ingestMode{poll: true}, false},
		{"webhook", ingestMode{webhook: true}, false},
		{"both", ingestMode{poll: true, webhook: true}, false},
		{"", ingestMode{}, true},
		{"push", ingestMode{}, true},
	}
	for _, tt := range tests {
		got, err := parseIngestMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseIngestMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseIngestMode(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestStartCmd_Flags(t *testing.T) {
	cmd := newStartCmd()
	if cmd.Use != "start" {
		t.Errorf("Use = %q, want start", cmd.Use)
	}
	f := cmd.Flags().Lookup("ingest")
	if f == nil {
		t.Fatal("expected --ingest flag")
	}
	if f.DefValue != "poll" {
		t.Errorf("--ingest default = %q, want poll", f.DefValue)
	}
}

func TestStartCmd_RejectsUnknownIngestMode(t *testing.T) {
	_, err := run(t, "start", "-c", writeConfig(t), "--env", noEnv(t), "--ingest", "push")
	if err == nil || !strings.Contains(err.Error(), "unknown ingest mode") {
		t.Errorf("err = %v, want unknown ingest mode", err)
	}
}

func TestStartCmd_InvalidConfig(t *testing.T) {
	_, err := run(t, "start", "-c", "/nonexistent/signalbox.yaml", "--env", noEnv(t))
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Errorf("err = %v, want a config load error", err)
	}
}

func TestNewAdapter(t *testing.T) {
	cfg := &config.Config{}
	cfg.Chat.Platform = "slack"
	cfg.Chat.Slack = config.SlackConfig{AppToken: "xapp-1", BotToken: "xoxb-1"}
	a, err := newAdapter(cfg)
	if err != nil {
		t.Fatalf("slack adapter: %v", err)
	}
	if _, ok := a.(*slack.Adapter); !ok {
		t.Errorf("adapter = %T, want *slack.Adapter", a)
	}

	cfg.Chat.Platform = "discord"
	cfg.Chat.Discord = config.DiscordConfig{BotToken: "discord-token"}
	a, err = newAdapter(cfg)
	if err != nil {
		t.Fatalf("discord adapter: %v", err)
	}
	if _, ok := a.(*discord.Adapter); !ok {
		t.Errorf("adapter = %T, want *discord.Adapter", a)
	}

	cfg.Chat.Platform = "telegram"
	if a, err := newAdapter(cfg); err == nil || a != nil {
		t.Errorf("unsupported platform: adapter = %v, err = %v", a, err)
	}
}
