package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cretz/bine/control"
	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"

	"github.com/mak2salazarjr/ploggy/identity"
	"github.com/mak2salazarjr/ploggy/protocol"
)

// ErrNoCircuit indicates the Tor circuit is not established yet.
var ErrNoCircuit = errors.New("transport: no circuit established")

// HiddenServiceAuth authorizes the local client to reach one friend's
// onion service.
type HiddenServiceAuth struct {
	Hostname   string
	AuthCookie string
}

// TorWrapper supervises the Tor process in run-services mode: it
// publishes the local onion service onto the server's loopback port,
// installs the friend authorization cookies, and reports circuit
// health.
type TorWrapper struct {
	dataDir     string
	auths       []HiddenServiceAuth
	keyMaterial identity.HiddenServiceKeyMaterial
	localPort   int
	onCircuit   func()

	mu                 sync.Mutex
	process            *tor.Tor
	onion              *tor.OnionService
	cancelWait         context.CancelFunc
	circuitEstablished atomic.Bool
}

// NewTorWrapper creates a stopped wrapper. onCircuitEstablished is
// invoked once per Start, when the network becomes usable.
func NewTorWrapper(dataDir string, auths []HiddenServiceAuth, keyMaterial identity.HiddenServiceKeyMaterial, localPort int, onCircuitEstablished func()) *TorWrapper {
	return &TorWrapper{
		dataDir:     dataDir,
		auths:       auths,
		keyMaterial: keyMaterial,
		localPort:   localPort,
		onCircuit:   onCircuitEstablished,
	}
}

// Start launches the Tor process, publishes the onion service and
// begins waiting for circuit establishment in the background.
func (t *TorWrapper) Start() error {
	process, err := tor.Start(context.Background(), &tor.StartConf{
		DataDir: t.dataDir,
	})
	if err != nil {
		return fmt.Errorf("starting tor: %w", err)
	}

	for _, auth := range t.auths {
		entry := strings.TrimSuffix(auth.Hostname, ".onion") + " " + auth.AuthCookie
		if err := process.Control.SetConf(control.KeyVals("HidServAuth", entry)...); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"hostname": auth.Hostname,
				"error":    err.Error(),
			}).Warn("Failed to install hidden service auth")
		}
	}

	onion, err := process.Listen(context.Background(), &tor.ListenConf{
		LocalPort:   t.localPort,
		RemotePorts: []int{protocol.WebServerVirtualPort},
		Version3:    true,
		Key:         t.keyMaterial.PrivateKey,
	})
	if err != nil {
		process.Close()
		return fmt.Errorf("publishing onion service: %w", err)
	}

	waitCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.process = process
	t.onion = onion
	t.cancelWait = cancel
	t.circuitEstablished.Store(false)
	t.mu.Unlock()

	go t.awaitCircuit(waitCtx, process)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"onion":    t.keyMaterial.Hostname,
	}).Info("Tor wrapper started")
	return nil
}

// awaitCircuit blocks until Tor reports network liveness, then flips
// the circuit flag and notifies the engine.
func (t *TorWrapper) awaitCircuit(ctx context.Context, process *tor.Tor) {
	if err := process.EnableNetwork(ctx, true); err != nil {
		if ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "awaitCircuit",
				"error":    err.Error(),
			}).Warn("Tor network did not come up")
		}
		return
	}
	t.circuitEstablished.Store(true)
	logrus.WithFields(logrus.Fields{
		"function": "awaitCircuit",
	}).Info("Tor circuit established")
	if t.onCircuit != nil {
		t.onCircuit()
	}
}

// Stop tears down the onion service and the Tor process.
func (t *TorWrapper) Stop() {
	t.mu.Lock()
	process := t.process
	onion := t.onion
	cancel := t.cancelWait
	t.process = nil
	t.onion = nil
	t.cancelWait = nil
	t.mu.Unlock()

	t.circuitEstablished.Store(false)
	if cancel != nil {
		cancel()
	}
	if onion != nil {
		onion.Close()
	}
	if process != nil {
		process.Close()
	}
}

// IsCircuitEstablished reports whether peer requests can succeed.
func (t *TorWrapper) IsCircuitEstablished() bool {
	return t.circuitEstablished.Load()
}

// SocksProxyPort returns the local SOCKS port of the running Tor
// process.
func (t *TorWrapper) SocksProxyPort() (int, error) {
	t.mu.Lock()
	process := t.process
	t.mu.Unlock()
	if process == nil {
		return 0, ErrNoCircuit
	}
	info, err := process.Control.GetInfo("net/listeners/socks")
	if err != nil {
		return 0, fmt.Errorf("querying socks listener: %w", err)
	}
	for _, entry := range info {
		address := strings.Trim(entry.Val, `"`)
		_, portString, found := strings.Cut(address, ":")
		if !found {
			continue
		}
		port, err := strconv.Atoi(portString)
		if err == nil {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no socks listener reported")
}
