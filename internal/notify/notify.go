// Package notify defines the notification interface and its webhook
// implementation. Notifications are fire-and-forget: they never block
// and never fail the caller.
package notify

import (
	"fmt"
	"os"
	"time"
)

// Options modifies a single notification.
type Options struct {
	Priority bool
	Link     string
}

// Notifier delivers operator notifications.
type Notifier interface {
	Send(title, message string, opts Options)
}

// Nop discards all notifications.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(string, string, Options) {}

// Stderr prints notifications to stderr. Used in dry-run and tests.
type Stderr struct{}

// Send implements Notifier.
func (Stderr) Send(title, message string, opts Options) {
	tag := "notify"
	if opts.Priority {
		tag = "NOTIFY"
	}
	fmt.Fprintf(os.Stderr, "%s [%s] %s: %s\n",
		time.Now().UTC().Format("2006-01-02T15:04:05Z"), tag, title, message)
}
