// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package netwatch turns platform connectivity and app-lifecycle reports
// into the signals the sync engine consumes.
package netwatch

import (
	"log/slog"
	"sync"
)

// Transport is the network transport reported by the platform
type Transport string

const (
	TransportNone     Transport = "none"
	TransportCellular Transport = "cellular"
	TransportWifi     Transport = "wifi"
	TransportEthernet Transport = "ethernet"
	TransportUnknown  Transport = "unknown"
)

// Quality is a coarse classification of the current connection
type Quality string

const (
	QualityPoor      Quality = "poor"
	QualityFair      Quality = "fair"
	QualityExcellent Quality = "excellent"
	QualityUnknown   Quality = "unknown"
)

// NetworkState is a connectivity snapshot as reported by the OS
type NetworkState struct {
	Connected         bool
	InternetReachable bool
	Transport         Transport
}

// Online reports whether the device can reach the internet
func (s NetworkState) Online() bool {
	return s.Connected && s.InternetReachable
}

// Classify maps a network state to a quality tier
func Classify(s NetworkState) Quality {
	if !s.Online() || s.Transport == TransportNone {
		return QualityPoor
	}
	switch s.Transport {
	case TransportCellular:
		return QualityFair
	case TransportWifi, TransportEthernet:
		return QualityExcellent
	default:
		return QualityUnknown
	}
}

// AppState is the app lifecycle state reported by the platform
type AppState string

const (
	AppActive     AppState = "active"
	AppBackground AppState = "background"
	AppInactive   AppState = "inactive"
)

// Observer holds the latest platform reports and fans them out to listeners
type Observer struct {
	mu       sync.RWMutex
	state    NetworkState
	appState AppState
	logger   *slog.Logger

	nextID        int
	connListeners map[int]func(NetworkState)
	fgListeners   map[int]func()
}

// NewObserver creates an observer seeded with the initial network state
func NewObserver(initial NetworkState, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		state:         initial,
		appState:      AppActive,
		logger:        logger,
		connListeners: make(map[int]func(NetworkState)),
		fgListeners:   make(map[int]func()),
	}
}

// OnConnectivityChange registers fn for every change of the network state
func (o *Observer) OnConnectivityChange(fn func(NetworkState)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.connListeners[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.connListeners, id)
		o.mu.Unlock()
	}
}

// OnAppForeground registers fn for every background/inactive -> active transition
func (o *Observer) OnAppForeground(fn func()) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.fgListeners[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.fgListeners, id)
		o.mu.Unlock()
	}
}

// SetNetworkState records a platform connectivity report
func (o *Observer) SetNetworkState(s NetworkState) {
	o.mu.Lock()
	if o.state == s {
		o.mu.Unlock()
		return
	}
	prev := o.state
	o.state = s
	listeners := make([]func(NetworkState), 0, len(o.connListeners))
	for _, fn := range o.connListeners {
		listeners = append(listeners, fn)
	}
	o.mu.Unlock()

	o.logger.Debug("Connectivity changed",
		"from", Classify(prev), "to", Classify(s),
		"transport", s.Transport, "online", s.Online())
	for _, fn := range listeners {
		fn(s)
	}
}

// SetAppState records a platform lifecycle report
func (o *Observer) SetAppState(next AppState) {
	o.mu.Lock()
	prev := o.appState
	o.appState = next
	foreground := (prev == AppBackground || prev == AppInactive) && next == AppActive
	var listeners []func()
	if foreground {
		for _, fn := range o.fgListeners {
			listeners = append(listeners, fn)
		}
	}
	o.mu.Unlock()

	if foreground {
		o.logger.Debug("App returned to foreground")
	}
	for _, fn := range listeners {
		fn()
	}
}

// NetworkState returns the latest connectivity snapshot
func (o *Observer) NetworkState() NetworkState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Quality returns the classification of the latest snapshot
func (o *Observer) Quality() Quality {
	return Classify(o.NetworkState())
}

// IsOnline reports whether the latest snapshot is connected and reachable
func (o *Observer) IsOnline() bool {
	return o.NetworkState().Online()
}

// AppState returns the latest lifecycle state
func (o *Observer) AppState() AppState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.appState
}
