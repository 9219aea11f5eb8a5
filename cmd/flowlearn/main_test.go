package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/flowlearn/internal/command"
	"github.com/danmuck/flowlearn/internal/config"
	"github.com/danmuck/flowlearn/internal/feed"
	"github.com/danmuck/flowlearn/internal/testutil/testlog"
)

func TestParseInput(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		line string
		want command.Command
		ok   bool
	}{
		{line: "   ", ok: false},
		{line: "hello there", want: command.Chat{Username: "alice", Content: "hello there"}, ok: true},
		{line: "/task resize images", want: command.Task{TaskData: "resize images"}, ok: true},
		{line: "/notify Deploy: rolling out v2", want: command.Notification{Title: "Deploy", Message: "rolling out v2"}, ok: true},
		{line: "/notify heads up", want: command.Notification{Title: "Notice", Message: "heads up"}, ok: true},
	}
	for _, tc := range cases {
		got, ok := parseInput("alice", tc.line)
		if ok != tc.ok {
			t.Fatalf("parseInput(%q) ok=%v want %v", tc.line, ok, tc.ok)
		}
		if got != tc.want {
			t.Fatalf("parseInput(%q) = %#v want %#v", tc.line, got, tc.want)
		}
	}
}

func TestRootOptionsOverrideConfig(t *testing.T) {
	testlog.Start(t)
	t.Setenv(config.EnvPath, "")

	opts := &rootOptions{httpURL: "http://gateway:9000", streamURL: "ws://gateway:9000/ws/websocket"}
	cfg, err := opts.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.HTTPURL != "http://gateway:9000" {
		t.Fatalf("http url: %q", cfg.Gateway.HTTPURL)
	}
	if cfg.Gateway.StreamURL != "ws://gateway:9000/ws/websocket" {
		t.Fatalf("stream url: %q", cfg.Gateway.StreamURL)
	}

	opts = &rootOptions{transport: config.TransportNATS, streamURL: "nats://bus:4222"}
	cfg, err = opts.load()
	if err != nil {
		t.Fatalf("load nats: %v", err)
	}
	if cfg.Transport != config.TransportNATS || cfg.NATS.URL != "nats://bus:4222" {
		t.Fatalf("nats override not applied: %+v", cfg.NATS)
	}
}

func TestConfigInitThenValidate(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "flowlearn.toml")
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("template not written: %v", err)
	}

	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", path})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected init without --force to refuse overwrite")
	}

	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "validate", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out.String(), "Validated config at") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestPrinterBacklogOldestFirst(t *testing.T) {
	testlog.Start(t)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := feed.New(10)
	f.MergeBacklog([]feed.Message{
		{ID: "1", Type: feed.TypeChat, Username: "a", Content: "first", Timestamp: feed.Timestamp{Time: base}},
		{ID: "2", Type: feed.TypeChat, Username: "b", Content: "second", Timestamp: feed.Timestamp{Time: base.Add(time.Minute)}},
	})
	var out bytes.Buffer
	(&printer{out: &out}).backlog(f, []string{feed.TopicChat})

	text := out.String()
	first, second := strings.Index(text, "first"), strings.Index(text, "second")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("backlog order wrong:\n%s", text)
	}
}
