package ari

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	goari "github.com/CyCoreSystems/ari/v5"
	"github.com/CyCoreSystems/ari/v5/client/native"
)

// NativeConfig configures the connection to the PBX.
type NativeConfig struct {
	App string
	// URL is the REST root, e.g. http://localhost:8088/ari
	URL string
	// WebsocketURL defaults to URL's events endpoint.
	WebsocketURL string
	Username     string
	Password     string

	RequestTimeout time.Duration
	// PollInterval is how often the websocket state is sampled for
	// connect/disconnect notifications.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Native binds the command port and the event stream to the library's
// native client. Commands work before Run has connected.
type Native struct {
	cfg       NativeConfig
	nc        *native.Client
	log       *slog.Logger
	connected atomic.Bool

	// OnConnect and OnDisconnect are called from the Run goroutine.
	OnConnect    func()
	OnDisconnect func(err error)
}

// NewNative creates the client; nothing is dialled until Run.
func NewNative(cfg NativeConfig) (*Native, error) {
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse rest url: %w", err)
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")
	if cfg.WebsocketURL == "" {
		ws, err := WebSocketURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		cfg.WebsocketURL = ws
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	nc := native.New(&native.Options{
		Application:  cfg.App,
		URL:          cfg.URL,
		WebsocketURL: cfg.WebsocketURL,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SubscribeAll: true,
	})
	return &Native{cfg: cfg, nc: nc, log: log}, nil
}

// WebSocketURL derives the events endpoint from a REST base URL.
func WebSocketURL(restURL string) (string, error) {
	u, err := url.Parse(restURL)
	if err != nil {
		return "", fmt.Errorf("parse rest url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	return u.String(), nil
}

func (n *Native) Channels() Channels     { return nativeChannels{n} }
func (n *Native) Bridges() Bridges       { return nativeBridges{n} }
func (n *Native) Playbacks() Playbacks   { return nativePlaybacks{n} }
func (n *Native) Recordings() Recordings { return nativeRecordings{n} }

// Connected reports whether the event websocket is believed open.
func (n *Native) Connected() bool {
	return n.connected.Load()
}

// Run connects the event stream and hands events to sink one at a time in
// receipt order until ctx is cancelled. Reconnects are handled inside the
// library; Run only reports the transitions.
func (n *Native) Run(ctx context.Context, sink func(*Event)) error {
	connectErr := make(chan error, 1)
	go func() { connectErr <- n.nc.Connect() }()

	select {
	case err := <-connectErr:
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	case <-ctx.Done():
		// Connect only returns once a websocket is up; close it then.
		go func() {
			if err := <-connectErr; err == nil {
				n.nc.Close()
			}
		}()
		return ctx.Err()
	}
	defer n.nc.Close()

	sub := n.nc.Bus().Subscribe(nil, goari.Events.All)
	defer sub.Cancel()

	n.setConnected(true, nil)
	defer n.setConnected(false, ctx.Err())

	poll := time.NewTicker(n.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.Events():
			if !ok {
				return errors.New("event subscription closed")
			}
			if e == nil {
				continue
			}
			sink(FromARI(e))
		case <-poll.C:
			if up := n.nc.Connected(); up != n.connected.Load() {
				var err error
				if !up {
					err = errors.New("websocket disconnected")
				}
				n.setConnected(up, err)
			}
		}
	}
}

func (n *Native) setConnected(up bool, err error) {
	if n.connected.Swap(up) == up {
		return
	}
	if up {
		n.log.Info("[Native] Connected", "app", n.cfg.App, "url", n.cfg.WebsocketURL)
		if n.OnConnect != nil {
			n.OnConnect()
		}
		return
	}
	if err != nil && !IsClosed(err) {
		n.log.Warn("[Native] Disconnected", "error", err)
	}
	if n.OnDisconnect != nil {
		n.OnDisconnect(err)
	}
}

// IsClosed reports whether err is the error Run returns after a clean stop.
func IsClosed(err error) bool {
	return errors.Is(err, context.Canceled)
}

// call runs one library request under the request timeout. The library's
// calls are not context-aware, so a timed out request is abandoned rather
// than cancelled.
func (n *Native) call(ctx context.Context, resource, op, id string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.RequestTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil {
		return nil
	}
	return &RequestError{Resource: resource, Op: op, ID: id, StatusCode: statusCode(err), Err: err}
}

func channelKey(id string) *goari.Key   { return goari.NewKey(goari.ChannelKey, id) }
func bridgeKey(id string) *goari.Key    { return goari.NewKey(goari.BridgeKey, id) }
func playbackKey(id string) *goari.Key  { return goari.NewKey(goari.PlaybackKey, id) }
func recordingKey(id string) *goari.Key { return goari.NewKey(goari.LiveRecordingKey, id) }

type nativeChannels struct{ n *Native }

func (c nativeChannels) Get(ctx context.Context, id string) (*ChannelData, error) {
	var data *ChannelData
	err := c.n.call(ctx, ResourceChannel, "get", id, func() (err error) {
		data, err = c.n.nc.Channel().Data(channelKey(id))
		return err
	})
	return data, err
}

func (c nativeChannels) List(ctx context.Context) ([]ChannelData, error) {
	var keys []*goari.Key
	err := c.n.call(ctx, ResourceChannel, "list", "", func() (err error) {
		keys, err = c.n.nc.Channel().List(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]ChannelData, 0, len(keys))
	for _, k := range keys {
		data, err := c.Get(ctx, k.ID)
		if IsNotFound(err) {
			continue // hung up between list and get
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *data)
	}
	return out, nil
}

func (c nativeChannels) Answer(ctx context.Context, id string) error {
	return c.n.call(ctx, ResourceChannel, "answer", id, func() error {
		return c.n.nc.Channel().Answer(channelKey(id))
	})
}

func (c nativeChannels) Hangup(ctx context.Context, id, reason string) error {
	return c.n.call(ctx, ResourceChannel, "hangup", id, func() error {
		return c.n.nc.Channel().Hangup(channelKey(id), reason)
	})
}

func (c nativeChannels) Ring(ctx context.Context, id string) error {
	return c.n.call(ctx, ResourceChannel, "ring", id, func() error {
		return c.n.nc.Channel().Ring(channelKey(id))
	})
}

func (c nativeChannels) RingStop(ctx context.Context, id string) error {
	return c.n.call(ctx, ResourceChannel, "stop ring", id, func() error {
		return c.n.nc.Channel().StopRing(channelKey(id))
	})
}

// Play sets the channel language first when one is requested; the library's
// play request carries only the media.
func (c nativeChannels) Play(ctx context.Context, id string, req PlayRequest) (*PlaybackData, error) {
	if req.Language != "" {
		if err := c.SetVariable(ctx, id, "CHANNEL(language)", req.Language); err != nil {
			return nil, err
		}
	}
	err := c.n.call(ctx, ResourceChannel, "play", id, func() error {
		_, err := c.n.nc.Channel().Play(channelKey(id), req.PlaybackID, req.Media)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &PlaybackData{ID: req.PlaybackID, MediaURI: req.Media, Language: req.Language, TargetURI: "channel:" + id}, nil
}

func (c nativeChannels) Record(ctx context.Context, id, name string, opts RecordingOptions) (*LiveRecordingData, error) {
	err := c.n.call(ctx, ResourceChannel, "record", id, func() error {
		_, err := c.n.nc.Channel().Record(channelKey(id), name, &opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &LiveRecordingData{Name: name, Format: opts.Format, State: "queued", TargetURI: "channel:" + id}, nil
}

func (c nativeChannels) Originate(ctx context.Context, req OriginateRequest) (*ChannelData, error) {
	var h *goari.ChannelHandle
	err := c.n.call(ctx, ResourceChannel, "originate", req.ChannelID, func() (err error) {
		h, err = c.n.nc.Channel().Originate(nil, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ChannelData{ID: h.ID(), State: ChannelStateDown}, nil
}

func (c nativeChannels) StartMOH(ctx context.Context, id, class string) error {
	return c.n.call(ctx, ResourceChannel, "start moh", id, func() error {
		return c.n.nc.Channel().MOH(channelKey(id), class)
	})
}

func (c nativeChannels) StopMOH(ctx context.Context, id string) error {
	return c.n.call(ctx, ResourceChannel, OpStopMOH, id, func() error {
		return c.n.nc.Channel().StopMOH(channelKey(id))
	})
}

func (c nativeChannels) Mute(ctx context.Context, id, direction string) error {
	return c.n.call(ctx, ResourceChannel, "mute", id, func() error {
		return c.n.nc.Channel().Mute(channelKey(id), goari.Direction(direction))
	})
}

func (c nativeChannels) Unmute(ctx context.Context, id, direction string) error {
	return c.n.call(ctx, ResourceChannel, "unmute", id, func() error {
		return c.n.nc.Channel().Unmute(channelKey(id), goari.Direction(direction))
	})
}

func (c nativeChannels) SetVariable(ctx context.Context, id, name, value string) error {
	return c.n.call(ctx, ResourceChannel, "set variable", id, func() error {
		return c.n.nc.Channel().SetVariable(channelKey(id), name, value)
	})
}

type nativeBridges struct{ n *Native }

func (b nativeBridges) Create(ctx context.Context, id, bridgeType, name string) (*BridgeData, error) {
	err := b.n.call(ctx, ResourceBridge, "create", id, func() error {
		_, err := b.n.nc.Bridge().Create(bridgeKey(id), bridgeType, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BridgeData{ID: id, Type: bridgeType, Name: name}, nil
}

func (b nativeBridges) Get(ctx context.Context, id string) (*BridgeData, error) {
	var data *BridgeData
	err := b.n.call(ctx, ResourceBridge, "get", id, func() (err error) {
		data, err = b.n.nc.Bridge().Data(bridgeKey(id))
		return err
	})
	return data, err
}

func (b nativeBridges) Destroy(ctx context.Context, id string) error {
	return b.n.call(ctx, ResourceBridge, "destroy", id, func() error {
		return b.n.nc.Bridge().Delete(bridgeKey(id))
	})
}

func (b nativeBridges) AddChannel(ctx context.Context, id, channelID, role string) error {
	return b.n.call(ctx, ResourceBridge, OpAddChannel, id, func() error {
		return b.n.nc.Bridge().AddChannelWithOptions(bridgeKey(id), channelID, &goari.BridgeAddChannelOptions{Role: role})
	})
}

func (b nativeBridges) RemoveChannel(ctx context.Context, id, channelID string) error {
	return b.n.call(ctx, ResourceBridge, OpRemoveChannel, id, func() error {
		return b.n.nc.Bridge().RemoveChannel(bridgeKey(id), channelID)
	})
}

func (b nativeBridges) Play(ctx context.Context, id string, req PlayRequest) (*PlaybackData, error) {
	err := b.n.call(ctx, ResourceBridge, "play", id, func() error {
		_, err := b.n.nc.Bridge().Play(bridgeKey(id), req.PlaybackID, req.Media)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &PlaybackData{ID: req.PlaybackID, MediaURI: req.Media, TargetURI: "bridge:" + id}, nil
}

func (b nativeBridges) Record(ctx context.Context, id, name string, opts RecordingOptions) (*LiveRecordingData, error) {
	err := b.n.call(ctx, ResourceBridge, "record", id, func() error {
		_, err := b.n.nc.Bridge().Record(bridgeKey(id), name, &opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &LiveRecordingData{Name: name, Format: opts.Format, State: "queued", TargetURI: "bridge:" + id}, nil
}

func (b nativeBridges) StartMOH(ctx context.Context, id, class string) error {
	return b.n.call(ctx, ResourceBridge, "start moh", id, func() error {
		return b.n.nc.Bridge().MOH(bridgeKey(id), class)
	})
}

func (b nativeBridges) StopMOH(ctx context.Context, id string) error {
	return b.n.call(ctx, ResourceBridge, OpStopMOH, id, func() error {
		return b.n.nc.Bridge().StopMOH(bridgeKey(id))
	})
}

type nativePlaybacks struct{ n *Native }

func (p nativePlaybacks) Stop(ctx context.Context, id string) error {
	return p.n.call(ctx, ResourcePlayback, "stop", id, func() error {
		return p.n.nc.Playback().Stop(playbackKey(id))
	})
}

type nativeRecordings struct{ n *Native }

func (r nativeRecordings) Stop(ctx context.Context, name string) error {
	return r.n.call(ctx, ResourceRecording, "stop", name, func() error {
		return r.n.nc.LiveRecording().Stop(recordingKey(name))
	})
}
