package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// PionConnector implements PeerConnector on pion/webrtc. Offers and answers
// are exchanged as complete session descriptions (gathering finishes before
// the signal is returned), so a call needs exactly one signal each way.
type PionConnector struct {
	pc *webrtc.PeerConnection

	mu            sync.Mutex
	closed        bool
	onLocalSignal func(json.RawMessage)
	onRemoteTrack func(string)
	onClose       func()
	onError       func(error)
}

// NewPionFactory returns a PeerFactory producing receive-ready peer
// connections. Recvonly transceivers for audio and video make sure the
// offer carries both m-lines even before local tracks are attached.
func NewPionFactory(cfg webrtc.Configuration) PeerFactory {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		panic(err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	return func() (PeerConnector, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}

		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, err
		}
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, err
		}

		c := &PionConnector{pc: pc}
		c.install()
		return c, nil
	}
}

func (c *PionConnector) install() {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		c.mu.Lock()
		fn := c.onLocalSignal
		c.mu.Unlock()
		if fn == nil {
			return
		}
		if b, err := json.Marshal(candidate.ToJSON()); err == nil {
			fn(b)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mu.Lock()
		fn := c.onRemoteTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track.ID())
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.mu.Lock()
			fn := c.onError
			c.mu.Unlock()
			if fn != nil {
				fn(errors.New("peer connection failed"))
			}
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			c.mu.Lock()
			fn := c.onClose
			c.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})
}

func (c *PionConnector) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	if err := c.waitGathering(ctx); err != nil {
		return nil, err
	}
	return json.Marshal(c.pc.LocalDescription())
}

func (c *PionConnector) CreateAnswer(ctx context.Context, remoteOffer json.RawMessage) (json.RawMessage, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(remoteOffer, &desc); err != nil {
		return nil, err
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return nil, err
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	if err := c.waitGathering(ctx); err != nil {
		return nil, err
	}
	return json.Marshal(c.pc.LocalDescription())
}

// ApplyRemoteSignal handles a remote answer or a trickled candidate; the
// two are distinguished by shape.
func (c *PionConnector) ApplyRemoteSignal(signal json.RawMessage) error {
	var shape struct {
		Type      string `json:"type"`
		Candidate string `json:"candidate"`
	}
	if err := json.Unmarshal(signal, &shape); err != nil {
		return err
	}

	if shape.Type != "" {
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(signal, &desc); err != nil {
			return err
		}
		return c.pc.SetRemoteDescription(desc)
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(signal, &candidate); err != nil {
		return err
	}
	return c.pc.AddICECandidate(candidate)
}

func (c *PionConnector) OnLocalSignal(fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLocalSignal = fn
}

func (c *PionConnector) OnRemoteTrack(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoteTrack = fn
}

func (c *PionConnector) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *PionConnector) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

func (c *PionConnector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.pc.Close()
}

// waitGathering blocks until ICE gathering completes or the context
// expires. A short cap keeps a slow STUN round from stalling the dial.
func (c *PionConnector) waitGathering(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	done := webrtc.GatheringCompletePromise(c.pc)
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}
