// Package tray shows the session state in the system tray using
// getlantern/systray.
package tray

import (
	"context"
	"fmt"
	"time"

	"github.com/getlantern/systray"
	"github.com/sirupsen/logrus"

	"github.com/makeagreatcoup/inputleapcode/internal/filetransfer"
	"github.com/makeagreatcoup/inputleapcode/internal/session"
)

// RefreshInterval is how often the menu is rebuilt from the session status.
const RefreshInterval = time.Second

// Controller is the part of a session the tray drives.
type Controller interface {
	Status() session.Status
	ReturnToLocal()
}

// Tray owns the tray icon and its menu
type Tray struct {
	ctrl  Controller
	title string
	quit  func()

	state     State
	summary   *systray.MenuItem
	peers     *systray.MenuItem
	transfers *systray.MenuItem
	giveBack  *systray.MenuItem
	exit      *systray.MenuItem
}

// New creates a tray for ctrl. quit is called when the user picks Quit.
func New(title string, ctrl Controller, quit func()) *Tray {
	return &Tray{
		ctrl:  ctrl,
		title: title,
		quit:  quit,
		state: -1,
	}
}

// Run shows the tray and blocks until ctx is done or the user quits. It
// must be called from the main goroutine.
func (t *Tray) Run(ctx context.Context) {
	systray.Run(func() { t.onReady(ctx) }, func() {
		logrus.WithFields(logrus.Fields{
			"function": "Run",
		}).Debug("Tray closed")
	})
}

func (t *Tray) onReady(ctx context.Context) {
	systray.SetTitle(t.title)

	t.summary = systray.AddMenuItem("", "")
	t.summary.Disable()
	t.peers = systray.AddMenuItem("", "")
	t.peers.Disable()
	t.transfers = systray.AddMenuItem("", "")
	t.transfers.Disable()
	systray.AddSeparator()
	t.giveBack = systray.AddMenuItem("Return control", "Bring the pointer back to this screen")
	systray.AddSeparator()
	t.exit = systray.AddMenuItem("Quit", "Stop sharing and exit")

	t.refresh()
	go t.loop(ctx)
}

func (t *Tray) loop(ctx context.Context) {
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			systray.Quit()
			return
		case <-t.giveBack.ClickedCh:
			t.ctrl.ReturnToLocal()
			t.refresh()
		case <-t.exit.ClickedCh:
			if t.quit != nil {
				t.quit()
			}
			systray.Quit()
			return
		case <-ticker.C:
			t.refresh()
		}
	}
}

func (t *Tray) refresh() {
	st := t.ctrl.Status()
	v := describe(st)

	if v.state != t.state {
		t.state = v.state
		systray.SetIcon(icon(v.state))
	}
	systray.SetTooltip(t.title + " - " + v.summary)
	t.summary.SetTitle(v.summary)
	t.peers.SetTitle(v.peers)
	t.transfers.SetTitle(v.transfers)
	if st.Edge.Transferred {
		t.giveBack.Enable()
	} else {
		t.giveBack.Disable()
	}
}

// view is what the menu shows for one status.
type view struct {
	state     State
	summary   string
	peers     string
	transfers string
}

func describe(st session.Status) view {
	v := view{summary: st.Summary()}

	switch {
	case st.Edge.Transferred:
		v.state = StateControlling
	case st.Edge.Controlled:
		v.state = StateControlled
	case len(st.Peers) > 0:
		v.state = StateConnected
	default:
		v.state = StateIdle
	}

	switch len(st.Peers) {
	case 0:
		v.peers = "Waiting for peers"
		if st.Port > 0 {
			v.peers = fmt.Sprintf("Waiting for peers on port %d", st.Port)
		}
	case 1:
		p := st.Peers[0]
		lock := ""
		if p.Secure {
			lock = " (TLS)"
		}
		v.peers = fmt.Sprintf("Peer: %s%s", peerName(p), lock)
	default:
		v.peers = fmt.Sprintf("%d peers", len(st.Peers))
	}

	var active, done int
	for _, tr := range st.Transfers {
		switch tr.Status {
		case filetransfer.StatusPreparing, filetransfer.StatusTransferring:
			active++
		case filetransfer.StatusCompleted:
			done++
		}
	}
	v.transfers = fmt.Sprintf("Transfers: %d active, %d done", active, done)
	return v
}

func peerName(p session.Peer) string {
	if p.Name != "" {
		return p.Name
	}
	return p.Remote
}
