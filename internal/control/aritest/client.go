// Package aritest provides an in-memory ari.Client for tests. It records
// every command, keeps minimal channel and bridge state, and can be
// scripted to fail.
package aritest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/sebas/ariflow/internal/ari"
)

// Command operation names recorded by the fake.
const (
	OpChannelGet      = "channels.get"
	OpChannelList     = "channels.list"
	OpAnswer          = "channels.answer"
	OpHangup          = "channels.hangup"
	OpRing            = "channels.ring"
	OpRingStop        = "channels.ringStop"
	OpChannelPlay     = "channels.play"
	OpChannelRecord   = "channels.record"
	OpOriginate       = "channels.originate"
	OpChannelMOHStart = "channels.startMoh"
	OpChannelMOHStop  = "channels.stopMoh"
	OpMute            = "channels.mute"
	OpUnmute          = "channels.unmute"
	OpSetVariable     = "channels.setVariable"
	OpBridgeCreate    = "bridges.create"
	OpBridgeGet       = "bridges.get"
	OpBridgeDestroy   = "bridges.destroy"
	OpBridgeAdd       = "bridges.addChannel"
	OpBridgeRemove    = "bridges.removeChannel"
	OpBridgePlay      = "bridges.play"
	OpBridgeRecord    = "bridges.record"
	OpBridgeMOHStart  = "bridges.startMoh"
	OpBridgeMOHStop   = "bridges.stopMoh"
	OpPlaybackStop    = "playbacks.stop"
	OpRecordingStop   = "recordings.stop"
)

// Call is one recorded command.
type Call struct {
	Op   string
	ID   string
	Args map[string]string
}

// Client is the fake. The zero value is not usable; call New.
type Client struct {
	mu       sync.Mutex
	calls    []Call
	failures map[string][]error
	channels map[string]*ari.ChannelData
	bridges  map[string]*ari.BridgeData

	hookMu sync.RWMutex
	hook   func(Call)
}

// New creates an empty fake.
func New() *Client {
	return &Client{
		failures: make(map[string][]error),
		channels: make(map[string]*ari.ChannelData),
		bridges:  make(map[string]*ari.BridgeData),
	}
}

// OnCall installs a hook run after every successful command, on the
// caller's goroutine. Tests use it to emit the events the server would.
func (c *Client) OnCall(fn func(Call)) {
	c.hookMu.Lock()
	c.hook = fn
	c.hookMu.Unlock()
}

// FailNext queues errors returned by the next calls of op, one per call.
func (c *Client) FailNext(op string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], errs...)
}

// PutChannel adds or replaces a channel.
func (c *Client) PutChannel(ch ari.ChannelData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := ch
	c.channels[ch.ID] = &cp
}

// Calls returns recorded commands, filtered to op when op is non-empty.
func (c *Client) Calls(op string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if op == "" || call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// Count returns how many times op was called, failed attempts included.
func (c *Client) Count(op string) int {
	return len(c.Calls(op))
}

// Bridge returns a copy of a bridge's state.
func (c *Client) Bridge(id string) (ari.BridgeData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	br, ok := c.bridges[id]
	if !ok {
		return ari.BridgeData{}, false
	}
	cp := *br
	cp.ChannelIDs = append([]string(nil), br.ChannelIDs...)
	return cp, true
}

// Status returns a server error with the given status code.
func Status(resource, op string, code int) error {
	return &ari.RequestError{Resource: resource, Op: op, StatusCode: code, Err: fmt.Errorf("status %d", code)}
}

// Transient returns a retryable server error.
func Transient(resource, op string) error {
	return Status(resource, op, http.StatusServiceUnavailable)
}

// NotFound returns a 404 for the given resource.
func NotFound(resource, id string) error {
	return &ari.RequestError{Resource: resource, Op: "get", ID: id, StatusCode: http.StatusNotFound, Err: errors.New("not found")}
}

// Conflict returns the 409 the server sends for a resource outside the
// application.
func Conflict(resource, op string) error {
	return Status(resource, op, http.StatusConflict)
}

// record logs the call and pops a scripted failure. The returned function
// runs the hook; call it after applying state and releasing the lock.
func (c *Client) record(op, id string, args map[string]string) (func(), error) {
	call := Call{Op: op, ID: id, Args: args}
	c.calls = append(c.calls, call)
	if q := c.failures[op]; len(q) > 0 {
		c.failures[op] = q[1:]
		return func() {}, q[0]
	}
	return func() {
		c.hookMu.RLock()
		hook := c.hook
		c.hookMu.RUnlock()
		if hook != nil {
			hook(call)
		}
	}, nil
}

func (c *Client) simple(op, id string, args map[string]string, apply func() error) error {
	c.mu.Lock()
	after, err := c.record(op, id, args)
	if err == nil && apply != nil {
		err = apply()
		if err != nil {
			after = func() {}
		}
	}
	c.mu.Unlock()
	after()
	return err
}

func (c *Client) Channels() ari.Channels     { return channels{c} }
func (c *Client) Bridges() ari.Bridges       { return bridges{c} }
func (c *Client) Playbacks() ari.Playbacks   { return playbacks{c} }
func (c *Client) Recordings() ari.Recordings { return recordings{c} }

type channels struct{ c *Client }

func (f channels) Get(_ context.Context, id string) (*ari.ChannelData, error) {
	var out *ari.ChannelData
	err := f.c.simple(OpChannelGet, id, nil, func() error {
		ch, ok := f.c.channels[id]
		if !ok {
			return NotFound(ari.ResourceChannel, id)
		}
		cp := *ch
		out = &cp
		return nil
	})
	return out, err
}

func (f channels) List(context.Context) ([]ari.ChannelData, error) {
	var out []ari.ChannelData
	err := f.c.simple(OpChannelList, "", nil, func() error {
		for _, ch := range f.c.channels {
			out = append(out, *ch)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return nil
	})
	return out, err
}

func (f channels) Answer(_ context.Context, id string) error {
	return f.c.simple(OpAnswer, id, nil, func() error {
		if ch, ok := f.c.channels[id]; ok {
			ch.State = ari.ChannelStateUp
		}
		return nil
	})
}

func (f channels) Hangup(_ context.Context, id, reason string) error {
	return f.c.simple(OpHangup, id, map[string]string{"reason": reason}, func() error {
		delete(f.c.channels, id)
		return nil
	})
}

func (f channels) Ring(_ context.Context, id string) error {
	return f.c.simple(OpRing, id, nil, nil)
}

func (f channels) RingStop(_ context.Context, id string) error {
	return f.c.simple(OpRingStop, id, nil, nil)
}

func (f channels) Play(_ context.Context, id string, req ari.PlayRequest) (*ari.PlaybackData, error) {
	args := map[string]string{"playbackId": req.PlaybackID, "media": req.Media, "lang": req.Language}
	err := f.c.simple(OpChannelPlay, id, args, nil)
	if err != nil {
		return nil, err
	}
	return &ari.PlaybackData{ID: req.PlaybackID, MediaURI: req.Media, TargetURI: "channel:" + id, Language: req.Language, State: "queued"}, nil
}

func recordArgs(name string, opts ari.RecordingOptions) map[string]string {
	return map[string]string{
		"name":        name,
		"format":      opts.Format,
		"ifExists":    opts.Exists,
		"beep":        strconv.FormatBool(opts.Beep),
		"terminateOn": opts.Terminate,
		"maxDuration": opts.MaxDuration.String(),
		"maxSilence":  opts.MaxSilence.String(),
	}
}

func (f channels) Record(_ context.Context, id, name string, opts ari.RecordingOptions) (*ari.LiveRecordingData, error) {
	if err := f.c.simple(OpChannelRecord, id, recordArgs(name, opts), nil); err != nil {
		return nil, err
	}
	return &ari.LiveRecordingData{Name: name, Format: opts.Format, TargetURI: "channel:" + id, State: "queued"}, nil
}

func (f channels) Originate(_ context.Context, req ari.OriginateRequest) (*ari.ChannelData, error) {
	args := map[string]string{
		"endpoint":   req.Endpoint,
		"app":        req.App,
		"callerId":   req.CallerID,
		"originator": req.Originator,
		"timeout":    strconv.Itoa(req.Timeout),
	}
	var out *ari.ChannelData
	err := f.c.simple(OpOriginate, req.ChannelID, args, func() error {
		ch := &ari.ChannelData{ID: req.ChannelID, Name: req.Endpoint, State: ari.ChannelStateDown}
		f.c.channels[req.ChannelID] = ch
		cp := *ch
		out = &cp
		return nil
	})
	return out, err
}

func (f channels) StartMOH(_ context.Context, id, class string) error {
	return f.c.simple(OpChannelMOHStart, id, map[string]string{"class": class}, nil)
}

func (f channels) StopMOH(_ context.Context, id string) error {
	return f.c.simple(OpChannelMOHStop, id, nil, nil)
}

func (f channels) Mute(_ context.Context, id, direction string) error {
	return f.c.simple(OpMute, id, map[string]string{"direction": direction}, nil)
}

func (f channels) Unmute(_ context.Context, id, direction string) error {
	return f.c.simple(OpUnmute, id, map[string]string{"direction": direction}, nil)
}

func (f channels) SetVariable(_ context.Context, id, name, value string) error {
	return f.c.simple(OpSetVariable, id, map[string]string{"variable": name, "value": value}, nil)
}

type bridges struct{ c *Client }

func (f bridges) Create(_ context.Context, id, bridgeType, name string) (*ari.BridgeData, error) {
	var out *ari.BridgeData
	err := f.c.simple(OpBridgeCreate, id, map[string]string{"type": bridgeType, "name": name}, func() error {
		br, ok := f.c.bridges[id]
		if !ok {
			br = &ari.BridgeData{ID: id, Type: bridgeType, Name: name}
			f.c.bridges[id] = br
		}
		cp := *br
		out = &cp
		return nil
	})
	return out, err
}

func (f bridges) Get(_ context.Context, id string) (*ari.BridgeData, error) {
	var out *ari.BridgeData
	err := f.c.simple(OpBridgeGet, id, nil, func() error {
		br, ok := f.c.bridges[id]
		if !ok {
			return NotFound(ari.ResourceBridge, id)
		}
		cp := *br
		cp.ChannelIDs = append([]string(nil), br.ChannelIDs...)
		out = &cp
		return nil
	})
	return out, err
}

func (f bridges) Destroy(_ context.Context, id string) error {
	return f.c.simple(OpBridgeDestroy, id, nil, func() error {
		if _, ok := f.c.bridges[id]; !ok {
			return NotFound(ari.ResourceBridge, id)
		}
		delete(f.c.bridges, id)
		return nil
	})
}

func (f bridges) AddChannel(_ context.Context, id, channelID, role string) error {
	return f.c.simple(OpBridgeAdd, id, map[string]string{"channel": channelID, "role": role}, func() error {
		br, ok := f.c.bridges[id]
		if !ok {
			return NotFound(ari.ResourceBridge, id)
		}
		for _, ch := range br.ChannelIDs {
			if ch == channelID {
				return nil
			}
		}
		br.ChannelIDs = append(br.ChannelIDs, channelID)
		return nil
	})
}

func (f bridges) RemoveChannel(_ context.Context, id, channelID string) error {
	return f.c.simple(OpBridgeRemove, id, map[string]string{"channel": channelID}, func() error {
		br, ok := f.c.bridges[id]
		if !ok {
			return NotFound(ari.ResourceBridge, id)
		}
		f.c.dropMember(br, channelID)
		return nil
	})
}

func (c *Client) dropMember(br *ari.BridgeData, channelID string) {
	kept := br.ChannelIDs[:0]
	for _, ch := range br.ChannelIDs {
		if ch != channelID {
			kept = append(kept, ch)
		}
	}
	br.ChannelIDs = kept
}

// LeaveBridge removes a member without recording a command, as when the
// far end hangs up.
func (c *Client) LeaveBridge(bridgeID, channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if br, ok := c.bridges[bridgeID]; ok {
		c.dropMember(br, channelID)
	}
}

func (f bridges) Play(_ context.Context, id string, req ari.PlayRequest) (*ari.PlaybackData, error) {
	args := map[string]string{"playbackId": req.PlaybackID, "media": req.Media, "lang": req.Language}
	if err := f.c.simple(OpBridgePlay, id, args, nil); err != nil {
		return nil, err
	}
	return &ari.PlaybackData{ID: req.PlaybackID, MediaURI: req.Media, TargetURI: "bridge:" + id, Language: req.Language, State: "queued"}, nil
}

func (f bridges) Record(_ context.Context, id, name string, opts ari.RecordingOptions) (*ari.LiveRecordingData, error) {
	if err := f.c.simple(OpBridgeRecord, id, recordArgs(name, opts), nil); err != nil {
		return nil, err
	}
	return &ari.LiveRecordingData{Name: name, Format: opts.Format, TargetURI: "bridge:" + id, State: "queued"}, nil
}

func (f bridges) StartMOH(_ context.Context, id, class string) error {
	return f.c.simple(OpBridgeMOHStart, id, map[string]string{"class": class}, nil)
}

func (f bridges) StopMOH(_ context.Context, id string) error {
	return f.c.simple(OpBridgeMOHStop, id, nil, nil)
}

type playbacks struct{ c *Client }

func (f playbacks) Stop(_ context.Context, id string) error {
	return f.c.simple(OpPlaybackStop, id, nil, nil)
}

type recordings struct{ c *Client }

func (f recordings) Stop(_ context.Context, name string) error {
	return f.c.simple(OpRecordingStop, name, nil, nil)
}

var _ ari.Client = (*Client)(nil)

// String summarises recorded calls for failure messages.
func (c *Client) String() string {
	calls := c.Calls("")
	s := ""
	for _, call := range calls {
		s += fmt.Sprintf("%s(%s) ", call.Op, call.ID)
	}
	return s
}
