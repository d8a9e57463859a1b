// Package notify shows desktop notifications for session transitions
// through the freedesktop notification service on the session bus.
package notify

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/orchestrator"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = "/org/freedesktop/Notifications"
	notifyCall = busName + ".Notify"

	expireMillis = 5000
	queueSize    = 16
)

// Urgency levels understood by org.freedesktop.Notifications.
const (
	urgencyLow      byte = 0
	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

// caller is the part of dbus.BusObject used here.
type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

type note struct {
	title, body, icon string
	urgency           byte
}

// Notifier posts notifications. Sends are queued so Observe never blocks
// the session goroutine; when the queue is full the note is dropped.
type Notifier struct {
	obj   caller
	queue chan note
	wg    sync.WaitGroup
	once  sync.Once
}

var (
	_ common.Notifier       = (*Notifier)(nil)
	_ orchestrator.Observer = (*Notifier)(nil)
)

// New connects to the session bus.
func New() (*Notifier, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to session bus: %w", err)
	}
	return newNotifier(conn.Object(busName, dbus.ObjectPath(objectPath))), nil
}

func newNotifier(obj caller) *Notifier {
	n := &Notifier{obj: obj, queue: make(chan note, queueSize)}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *Notifier) loop() {
	defer n.wg.Done()
	for m := range n.queue {
		if err := n.send(m); err != nil {
			common.LogDebug("Notify: %v", err)
		}
	}
}

func (n *Notifier) send(m note) error {
	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(m.urgency)}
	call := n.obj.Call(notifyCall, 0,
		common.AppName, uint32(0), m.icon, m.title, m.body,
		[]string{}, hints, int32(expireMillis))
	return call.Err
}

// Notify implements common.Notifier.
func (n *Notifier) Notify(title, message string) error {
	return n.NotifyWithIcon(title, message, "network-vpn")
}

// NotifyWithIcon implements common.Notifier.
func (n *Notifier) NotifyWithIcon(title, message, icon string) error {
	return n.send(note{title: title, body: message, icon: icon, urgency: urgencyNormal})
}

// Observe implements orchestrator.Observer.
func (n *Notifier) Observe(s orchestrator.Snapshot) {
	m, ok := noteFor(s)
	if !ok {
		return
	}
	select {
	case n.queue <- m:
	default:
		common.LogDebug("Notify: queue full, dropping %q", m.title)
	}
}

// Close flushes queued notes and stops the sender.
func (n *Notifier) Close() {
	n.once.Do(func() {
		close(n.queue)
		n.wg.Wait()
	})
}

func noteFor(s orchestrator.Snapshot) (note, bool) {
	switch s.State {
	case orchestrator.StateConnectingVPN:
		return note{
			title:   "Connecting",
			body:    "Connecting to " + s.Profile + "...",
			icon:    "network-vpn-acquiring",
			urgency: urgencyLow,
		}, true
	case orchestrator.StateConnected:
		return note{
			title:   "Connected",
			body:    "Remote desktop on " + s.Profile + " is open",
			icon:    "network-vpn",
			urgency: urgencyLow,
		}, true
	case orchestrator.StateFailed:
		body := s.Profile + ": connection failed"
		if s.Err != nil {
			body = s.Profile + ": " + s.Err.Error()
		}
		return note{title: "Connection Error", body: body, icon: "network-vpn-error", urgency: urgencyCritical}, true
	case orchestrator.StateDisconnected:
		if s.Err != nil {
			return note{
				title:   "Connection Lost",
				body:    s.Profile + ": " + s.Err.Error(),
				icon:    "network-vpn-disconnected",
				urgency: urgencyNormal,
			}, true
		}
		return note{
			title:   "Disconnected",
			body:    "Disconnected from " + s.Profile,
			icon:    "network-vpn-disconnected",
			urgency: urgencyLow,
		}, true
	default:
		return note{}, false
	}
}
