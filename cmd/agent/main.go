package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gradesync-api/pkg/protocol"
	"github.com/noah-isme/gradesync-api/pkg/syncagent"
)

func main() {
	server := flag.String("server", "http://localhost:3001", "gradesync server base url")
	token := flag.String("token", "", "bearer token presented after connecting")
	room := flag.String("room", "", "room to join once connected")
	attempts := flag.Int("attempts", 10, "reconnection attempts before going offline")
	dump := flag.Bool("dump", false, "print the replica as JSON on exit")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	transport, err := syncagent.NewServerTransport(*server, logger)
	if err != nil {
		log.Fatalf("invalid server: %v", err)
	}

	agent := syncagent.New(transport, syncagent.Options{
		MaxAttempts: *attempts,
		Logger:      logger,
		OnStateChange: func(state syncagent.State) {
			logger.Info().Str("state", string(state)).Msg("connection state")
		},
	})

	agent.Subscribe(syncagent.AnyEvent, func(env protocol.Envelope) {
		logger.Info().Str("event", env.Event).RawJSON("data", payload(env)).Msg("event received")
	})
	agent.Subscribe(protocol.EventDataInit, func(protocol.Envelope) {
		// rooms are per session; rejoin after every resync
		if *room == "" {
			return
		}
		if err := agent.JoinRoom(context.Background(), *room); err != nil {
			logger.Warn().Err(err).Str("room", *room).Msg("join room failed")
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *token != "" {
		// kept by the agent and presented on every connection
		if err := agent.Authenticate(ctx, *token); err != nil && !errors.Is(err, syncagent.ErrNotConnected) {
			log.Fatalf("authenticate: %v", err)
		}
	}

	if err := agent.Connect(ctx); err != nil {
		agent.Disconnect()
		log.Fatalf("connect failed: %v", err)
	}

	status := agent.Status()
	logger.Info().
		Str("session_id", status.SessionID).
		Str("transport", status.Transport).
		Int("students", len(agent.Replica().Students())).
		Int("grades", len(agent.Replica().Grades())).
		Msg("replica synchronized")

	select {
	case <-ctx.Done():
	case <-agent.Done():
		logger.Warn().Str("error", agent.Status().LastError).Msg("agent went offline")
	}

	if *dump {
		encoded, err := json.MarshalIndent(agent.Replica(), "", "  ")
		if err == nil {
			_, _ = os.Stdout.Write(append(encoded, '\n'))
		}
	}
	agent.Disconnect()
}

func payload(env protocol.Envelope) []byte {
	if len(env.Data) == 0 {
		return []byte("null")
	}
	return env.Data
}
