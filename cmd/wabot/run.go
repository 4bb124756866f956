package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"wabot/internal/assistant"
	"wabot/internal/commands"
	"wabot/internal/config"
	"wabot/internal/kvstore"
	"wabot/internal/logging"
	"wabot/internal/moderation"
	"wabot/internal/presence"
	"wabot/internal/router"
	"wabot/internal/session"
	"wabot/internal/transcode"
	"wabot/internal/wa"
)

func pair(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := wa.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer client.Close()
	if client.IsPaired() {
		fmt.Println("✅ Already linked. Unlink the device in WhatsApp to pair again.")
		return nil
	}
	return client.Pair(ctx, os.Stdout)
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", Version).Str("mode", cfg.Mode).Str("prefix", cfg.Prefix).Msg("🚀 starting")

	store, err := kvstore.Open(cfg.DataDir, kvstore.Options{FlushInterval: cfg.Store.FlushInterval}, logging.Component(log, "store"))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("flushing state")
		}
	}()

	client, err := wa.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Pair(ctx, os.Stdout); err != nil {
		return err
	}

	settings, err := commands.LoadSettings(store, cfg)
	if err != nil {
		return err
	}
	engine := presence.New(client, store, presence.Options{
		Interval:   cfg.Presence.Interval,
		IdleWindow: cfg.Presence.IdleWindow,
	}, logging.Component(log, "presence"))
	defer engine.StopAll()

	state := moderation.NewState(store)
	pipeline := moderation.New(client, state, moderation.ConfigFrom(cfg.Moderation), logging.Component(log, "moderation"))

	asst := assistant.New(assistant.NewOpenAI(cfg.AI), assistant.DefaultPersona(cfg.BotName, cfg.Prefix), logging.Component(log, "assistant"))
	chatbot := assistant.NewChatbot(asst, client, store, cfg.AI.ReplyDelay, cfg.AI.MaxHistory, logging.Component(log, "chatbot"))
	defer chatbot.Close()

	svc := &commands.Services{
		Config:     cfg,
		Messenger:  client,
		Store:      store,
		Settings:   settings,
		Counters:   commands.NewCounters(store, logging.Component(log, "counters")),
		Presence:   engine,
		Moderation: state,
		Transcoder: transcode.New(cfg.FFmpegPath, cfg.TempDir, logging.Component(log, "transcode")),
		Assistant:  asst,
		Chatbot:    chatbot,
		Registry:   commands.NewBuiltinRegistry(),
		Version:    Version,
		Started:    time.Now(),
		Log:        logging.Component(log, "commands"),
	}

	var mgr *session.Manager
	reader := &router.AutoReader{Settings: settings, Messenger: client, Log: logging.Component(log, "autoread")}
	disp := router.New(svc, pipeline, router.Options{
		Ambient:      []router.Ambient{engine, chatbot, reader},
		Status:       reader,
		Pulser:       engine,
		Reaction:     cfg.CommandReaction,
		ResolvePhone: client.ResolvePhone,
		OnPanic: func(r any) {
			mgr.RequestRestart(fmt.Sprintf("router panic: %v", r))
		},
	}, logging.Component(log, "router"))

	mgr = session.New(client, session.Options{
		BaseDelay:      cfg.Backoff.Base,
		MaxDelay:       cfg.Backoff.Max,
		ConnectTimeout: cfg.ConnectTimeout,
	}, logging.Component(log, "session"))
	mgr.OnTransition(func(from, to session.State) {
		if from == session.Open && to != session.Open {
			go engine.StopAll()
		}
	})

	var notified sync.Once
	client.SetHooks(wa.Hooks{
		Open: func() {
			mgr.HandleOpen()
			go func() {
				defer mgr.Recover()
				engine.Resume()
				if cfg.NotifyOwner {
					notified.Do(func() { notifyOwner(ctx, client, cfg, settings.Mode(), log) })
				}
			}()
		},
		Close: mgr.HandleClose,
		Message: func(evt *events.Message) {
			disp.Submit(evt)
		},
		Participants: func(group types.JID, joined, left []types.JID) {
			disp.SubmitParticipants(router.ParticipantsUpdate{Group: group, Joined: joined, Left: left})
		},
	})

	go disp.Run(ctx)
	go engine.RunReaper(ctx)

	if err := mgr.Start(ctx); err != nil {
		select {
		case <-mgr.Terminated():
			return err
		default:
			log.Warn().Err(err).Msg("first connect failed, retrying")
		}
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("👋 shutting down")
		mgr.Stop()
		return nil
	case <-mgr.Terminated():
		mgr.Stop()
		return fmt.Errorf("session ended: %w; run `wabot pair` to link the device again", mgr.Err())
	}
}

// notifyOwner tells the owner the bot came online. It runs once per process.
func notifyOwner(ctx context.Context, m *wa.Client, cfg *config.Config, mode string, log zerolog.Logger) {
	owner := types.NewJID(cfg.OwnerNumber, types.DefaultUserServer)
	text := fmt.Sprintf("✅ *%s* is online.\nMode: %s | Prefix: %s | Version: %s", cfg.BotName, mode, cfg.Prefix, Version)
	if _, err := m.SendText(ctx, owner, text); err != nil {
		log.Warn().Err(err).Msg("notifying owner")
	}
}
