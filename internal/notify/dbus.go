package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	notifyObj    = "org.freedesktop.Notifications"
	notifyPath   = "/org/freedesktop/Notifications"
	notifyMethod = "org.freedesktop.Notifications.Notify"
)

// caller is the part of dbus.BusObject the sink uses.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// DBusSink shows notifications on the local desktop through the
// freedesktop notification service. It ignores the owner id: whoever is
// logged in to the session gets the message.
type DBusSink struct {
	appName string
	timeout int32
	obj     caller
	conn    *dbus.Conn
}

// NewDBusSink connects to the session bus.
func NewDBusSink(appName string, timeoutMs int32) (*DBusSink, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &DBusSink{
		appName: appName,
		timeout: timeoutMs,
		obj:     conn.Object(notifyObj, notifyPath),
		conn:    conn,
	}, nil
}

// Close releases the bus connection.
func (s *DBusSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *DBusSink) Deliver(ctx context.Context, _ string, text string) error {
	head, body := split(text)

	res := s.obj.CallWithContext(ctx,
		notifyMethod,
		0,
		s.appName,
		uint32(0),
		"",
		head,
		body,
		[]string{},
		map[string]dbus.Variant{},
		s.timeout,
	)
	if res.Err != nil {
		return fmt.Errorf("cannot send notification %q: %w", head, res.Err)
	}
	return nil
}

// split uses the first line as the summary and the rest as the body.
func split(text string) (head, body string) {
	head, body, _ = strings.Cut(strings.TrimSpace(text), "\n")
	return head, strings.TrimSpace(body)
}
