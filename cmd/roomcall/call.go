package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/immxrtalbeast/meetsignal/internal/client"
	"github.com/immxrtalbeast/meetsignal/internal/config"
	"github.com/immxrtalbeast/meetsignal/internal/domain"
	"github.com/immxrtalbeast/meetsignal/internal/rtc"
	"github.com/immxrtalbeast/meetsignal/internal/session"
	"github.com/immxrtalbeast/meetsignal/lib/logger/sl"
	"golang.org/x/sync/errgroup"
)

const (
	dialTimeout  = 10 * time.Second
	leaveTimeout = 5 * time.Second
)

func runCall(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := client.Dial(dialCtx, flagServer, cfg.Signaling, log)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", flagServer, err)
	}
	defer conn.Close()

	factory := rtc.NewPionFactory(cfg.WebRTC)
	source := rtc.SyntheticSource{Audio: flagAudio, Video: flagVideo}

	sess := session.New(conn, func(localID string, signaler rtc.Signaler) (*rtc.Orchestrator, error) {
		orch, err := rtc.New(rtc.Options{
			LocalID:           localID,
			NewPeerConnection: factory,
			Media:             source,
			Signaler:          signaler,
			AnswerTimeout:     cfg.WebRTC.AnswerTimeout,
			Log:               log,
		})
		if err != nil {
			return nil, err
		}
		orch.Subscribe(func(ev rtc.Event) { printEvent(ev) })
		return orch, nil
	}, log)

	user, err := sess.Login(ctx, flagName, flagPassword)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Printf("logged in as %s (%s)\n", color.CyanString(user.DisplayName), user.ID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sess.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		room, err := sess.Join(gctx, flagRoom)
		if err != nil {
			return fmt.Errorf("join %s: %w", flagRoom, err)
		}
		printRoom(room)
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-conn.Done():
			if err := conn.Err(); err != nil && !errors.Is(err, client.ErrClosed) {
				return err
			}
			return nil
		}
	})

	runErr := g.Wait()

	if sess.RoomID() != "" {
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
		defer cancel()
		if err := leaveDraining(leaveCtx, conn.Events(), sess.Leave); err != nil {
			log.Warn("leave failed", sl.Err(err))
		}
	}

	if errors.Is(runErr, session.ErrEventsEnded) {
		return errors.New("signaling connection closed")
	}
	return runErr
}

// leaveDraining runs leave while discarding server events. Nothing else reads
// events once the run loop has stopped, and a full queue would hold back the
// leave reply.
func leaveDraining(ctx context.Context, events <-chan domain.Envelope, leave func(context.Context) error) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-events:
				if !ok {
					return
				}
			}
		}
	}()

	return leave(ctx)
}

func printRoom(room domain.RoomSnapshot) {
	fmt.Printf("joined %s %q with %d participant(s)\n",
		color.GreenString(room.ID), room.Name, len(room.Participants))
	for _, p := range room.Participants {
		fmt.Printf("  %s %s\n", p.ID, p.DisplayName)
	}
}

func printEvent(ev rtc.Event) {
	switch ev.Kind {
	case rtc.EventTrack:
		fmt.Printf("%s %s track from %s\n", color.GreenString("+"), ev.Track.Kind, ev.PeerID)
	case rtc.EventConnectionState:
		fmt.Printf("%s %s\n", ev.PeerID, ev.State)
	case rtc.EventLinkFailed:
		fmt.Printf("%s link to %s failed: %v\n", color.RedString("!"), ev.PeerID, ev.Err)
	case rtc.EventLinkClosed:
		fmt.Printf("%s link to %s closed\n", color.YellowString("-"), ev.PeerID)
	}
}
