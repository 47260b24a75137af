package shipcall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/shipcall/av"
	"github.com/opd-ai/shipcall/av/device"
	"github.com/opd-ai/shipcall/config"
	"github.com/opd-ai/shipcall/noise"
	"github.com/opd-ai/shipcall/signaling"
	"github.com/opd-ai/shipcall/transport"
)

var (
	// ErrMissingIdentity indicates a configuration without phone.id.
	ErrMissingIdentity = errors.New("phone.id is required")

	// ErrAlreadyStarted indicates Start on a running phone.
	ErrAlreadyStarted = errors.New("phone already started")

	// ErrNotStarted indicates Stop on a phone that is not running.
	ErrNotStarted = errors.New("phone not started")
)

// Options configures a Phone.
type Options struct {
	// Config holds every phone setting. Required.
	Config *config.Config
	// Host is the platform call UI. Nil ignores reports.
	Host av.Host
	// AudioIO overrides the local audio device. When nil and audio is
	// enabled in Config, the default device is opened through miniaudio.
	AudioIO av.AudioIO
	// Registerer receives engine and transport metrics. Nil disables them.
	Registerer prometheus.Registerer
	// HTTPClient is used for signaling requests.
	HTTPClient *http.Client
}

// Phone wires a signaling client, transport factory, audio device and
// call manager from one configuration.
type Phone struct {
	cfg     *config.Config
	client  *signaling.HTTPClient
	manager *av.Manager
	device  *device.Device

	mu      sync.Mutex
	cancel  context.CancelFunc
	feedErr chan error
}

// NewPhone builds a phone from opts. Nothing touches the network until
// Start.
//
// Parameters:
//   - opts: Configuration and collaborators
//
// Returns:
//   - *Phone: The configured phone
//   - error: Invalid configuration or an audio device that cannot open
func NewPhone(opts *Options) (*Phone, error) {
	if opts == nil || opts.Config == nil {
		return nil, errors.New("phone options need a config")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Phone.ID == "" {
		return nil, ErrMissingIdentity
	}

	self := signaling.Party{ID: cfg.Phone.ID, DisplayName: cfg.Phone.DisplayName}

	copts := signaling.NewClientOptions()
	copts.BaseURL = cfg.Phone.ServerURL
	copts.Self = self
	copts.EventMode = cfg.Phone.EventMode
	copts.PollInterval = cfg.Phone.PollInterval.Duration
	copts.RequestTimeout = cfg.Phone.RequestTimeout.Duration
	if opts.HTTPClient != nil {
		copts.HTTP = opts.HTTPClient
	}
	client, err := signaling.NewHTTPClient(copts)
	if err != nil {
		return nil, err
	}

	var tmetrics *transport.Metrics
	var emetrics *av.Metrics
	if opts.Registerer != nil {
		tmetrics = transport.NewMetrics(opts.Registerer)
		emetrics = av.NewMetrics(opts.Registerer)
	}

	factory, err := newFactory(cfg, self.ID, tmetrics)
	if err != nil {
		return nil, err
	}

	p := &Phone{cfg: cfg, client: client}

	audioIO := opts.AudioIO
	if audioIO == nil && cfg.Audio.Enabled {
		dev, err := device.New(&device.Options{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			Period:     time.Duration(cfg.Audio.PeriodMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("audio device: %w", err)
		}
		p.device = dev
		audioIO = dev
	}

	mopts := av.NewOptions()
	mopts.Kind = cfg.TransportKind()
	mopts.InitiateTimeout = cfg.Call.InitiateTimeout.Duration
	mopts.AnswerTimeout = cfg.Call.AnswerTimeout.Duration
	mopts.ConnectTimeout = cfg.Call.ConnectTimeout.Duration
	mopts.JitterBudget = cfg.Call.JitterBudget.Duration
	mopts.Metrics = emetrics

	p.manager, err = av.NewManager(client, factory, opts.Host, audioIO, mopts)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewPhone",
		"party":     self.ID,
		"server":    cfg.Phone.ServerURL,
		"transport": mopts.Kind.String(),
		"events":    cfg.Phone.EventMode,
	}).Info("Phone configured")
	return p, nil
}

func newFactory(cfg *config.Config, party string, m *transport.Metrics) (*transport.Factory, error) {
	direct := transport.NewDirectOptions()
	direct.ListenHost = cfg.Direct.ListenHost
	direct.ListenPort = cfg.Direct.Port
	direct.Advertise = cfg.Direct.Advertise
	direct.DialTimeout = cfg.Direct.DialTimeout.Duration
	direct.Encrypt = cfg.Direct.Encrypt
	direct.Metrics = m
	if direct.Encrypt {
		key, err := noise.GenerateKeypair()
		if err != nil {
			return nil, fmt.Errorf("noise static key: %w", err)
		}
		direct.StaticKey = &key
	}

	relay := transport.NewRelayOptions()
	relay.ServerURL = cfg.Phone.ServerURL
	relay.Party = party
	relay.PingPeriod = cfg.Relay.PingPeriod.Duration
	relay.PongWait = cfg.Relay.PongWait.Duration
	relay.Metrics = m

	return &transport.Factory{Direct: direct, Relay: relay}, nil
}

// Start runs the call manager and subscribes to the event feed until
// ctx is done or Stop is called.
func (p *Phone) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrAlreadyStarted
	}
	if err := p.manager.Start(); err != nil {
		return err
	}

	// skip events from before this start; a phone that was offline must not
	// ring for calls that already finished
	timeout := p.cfg.Phone.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = signaling.NewClientOptions().RequestTimeout
	}
	syncCtx, syncCancel := context.WithTimeout(ctx, timeout)
	err := p.client.Sync(syncCtx)
	syncCancel()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Phone.Start",
			"error":    err.Error(),
		}).Warn("Coordination server unreachable, will sync in background")
	}

	feedCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.feedErr = make(chan error, 1)
	go func() {
		if err := p.client.AwaitSync(feedCtx); err != nil {
			p.feedErr <- err
			return
		}
		p.feedErr <- p.client.Subscribe(feedCtx, p.manager.HandleSignalingEvent)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Phone.Start",
		"party":    p.client.Self().ID,
	}).Info("Phone started")
	return nil
}

// Stop hangs up, closes the feed and releases the audio device.
func (p *Phone) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return ErrNotStarted
	}
	p.cancel()
	<-p.feedErr
	p.cancel = nil

	err := p.manager.Stop()
	if p.device != nil {
		if cerr := p.device.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Phone.Stop",
		"party":    p.client.Self().ID,
	}).Info("Phone stopped")
	return err
}

// Call places an outgoing call to the phone with the given id.
func (p *Phone) Call(remoteID string) (*av.Call, error) {
	return p.manager.RequestCall(signaling.Party{ID: remoteID})
}

// Manager exposes the call engine for host callbacks and call control.
func (p *Phone) Manager() *av.Manager {
	return p.manager
}

// Self returns this phone's party.
func (p *Phone) Self() signaling.Party {
	return p.client.Self()
}
