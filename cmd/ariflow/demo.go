package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sebas/ariflow/internal/control/conference"
	"github.com/sebas/ariflow/internal/control/stasis"
)

// rooms shares conferences between calls by name.
type rooms struct {
	mu    sync.Mutex
	confs map[string]*conference.Conference
}

func newRooms() *rooms {
	return &rooms{confs: make(map[string]*conference.Conference)}
}

func (r *rooms) get(ctx context.Context, d *stasis.Dispatcher, name string) (*conference.Conference, error) {
	r.mu.Lock()
	c, ok := r.confs[name]
	if ok && !c.State().IsTerminal() {
		r.mu.Unlock()
		return c, nil
	}
	c, err := conference.Create(ctx, d, name, conference.DefaultOptions())
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.confs[name] = c
	r.mu.Unlock()

	c.Done().OnComplete(func(struct{}, error) {
		r.mu.Lock()
		if r.confs[name] == c {
			delete(r.confs, name)
		}
		r.mu.Unlock()
	})
	return c, nil
}

// demoApp routes on the first application argument:
//
//	conference,<room>  join a shared conference
//	(anything else)    greet, record a message until '#', play it back
type demoApp struct {
	rooms *rooms
}

func (a *demoApp) Run(ctx context.Context, s *stasis.Session) error {
	args := s.Args()
	if len(args) >= 2 && args[0] == "conference" {
		return a.conference(ctx, s, args[1])
	}
	return a.voicemail(ctx, s)
}

func (a *demoApp) conference(ctx context.Context, s *stasis.Session, room string) error {
	c, err := a.rooms.get(ctx, s.Dispatcher(), room)
	if err != nil {
		return err
	}
	return c.Join(ctx, s)
}

func (a *demoApp) voicemail(ctx context.Context, s *stasis.Session) error {
	log := s.Dispatcher().Logger().With("channel_id", s.ChannelID())
	if err := s.Answer(ctx); err != nil {
		return err
	}
	if err := s.Play("hello-world").Run(ctx); err != nil {
		return err
	}

	name := fmt.Sprintf("msg-%s", s.ChannelID())
	rec := s.Record(name).MaxDuration(30 * time.Second).MaxSilence(5 * time.Second).Beep(true).TerminateOn("#")
	if _, err := rec.Run(ctx); err != nil {
		return err
	}
	log.Info("[Demo] Message recorded", "name", name, "duration", rec.Duration(), "term_key", rec.TermKeyPressed())

	if err := s.Play(name).Scheme(stasis.SchemeRecording).Run(ctx); err != nil {
		log.Warn("[Demo] Playback of recording failed", "name", name, "error", err)
	}
	return s.Hangup(ctx)
}
