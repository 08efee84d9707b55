// fsct-monitor is a debugging tool: it runs an FSCT host driver instance
// in-process and renders its device and player event streams live. Useful
// when bringing up new firmware without a media player in the loop.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/HEM-RnD/fsct-host/internal/config"
	"github.com/HEM-RnD/fsct-host/internal/device"
	"github.com/HEM-RnD/fsct-host/internal/driver"
	"github.com/HEM-RnD/fsct-host/internal/events"
	"github.com/HEM-RnD/fsct-host/internal/player"
	"github.com/HEM-RnD/fsct-host/internal/usb"
	"github.com/HEM-RnD/fsct-host/internal/watcher"
	"github.com/HEM-RnD/fsct-host/pkg/fsct"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableStyle = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).Padding(0, 1)
	eventStyle = lipgloss.NewStyle().Faint(true).Padding(0, 1)
)

type deviceEventMsg struct {
	ev  device.Event
	err error
}

type playerEventMsg struct {
	ev  player.Event
	err error
}

type model struct {
	ctx       context.Context
	drv       *driver.Driver
	svc       *driver.Service
	devSub    *events.Subscription[device.Event]
	playerSub *events.Subscription[player.Event]

	deviceTable table.Model
	playerTable table.Model
	lastEvent   string
	eventCount  int
}

func newModel(ctx context.Context, drv *driver.Driver, svc *driver.Service) model {
	devTable := table.New(
		table.WithColumns([]table.Column{
			{Title: "Device", Width: 8},
			{Title: "Status cap", Width: 10},
			{Title: "Timeline cap", Width: 12},
			{Title: "Text cap", Width: 8},
		}),
		table.WithHeight(5),
	)
	playerTable := table.New(
		table.WithColumns([]table.Column{
			{Title: "Player", Width: 8},
			{Title: "Self ID", Width: 18},
			{Title: "Status", Width: 10},
			{Title: "Assigned", Width: 9},
			{Title: "Title", Width: 28},
		}),
		table.WithHeight(8),
	)
	return model{
		ctx:         ctx,
		drv:         drv,
		svc:         svc,
		devSub:      drv.SubscribeDeviceEvents(),
		playerSub:   drv.SubscribePlayerEvents(),
		deviceTable: devTable,
		playerTable: playerTable,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.waitDevice(), m.waitPlayer())
}

func (m model) waitDevice() tea.Cmd {
	return func() tea.Msg {
		ev, err := m.devSub.Recv(m.ctx)
		return deviceEventMsg{ev: ev, err: err}
	}
}

func (m model) waitPlayer() tea.Cmd {
	return func() tea.Msg {
		ev, err := m.playerSub.Recv(m.ctx)
		return playerEventMsg{ev: ev, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.svc.Stop()
			return m, tea.Quit
		}
	case deviceEventMsg:
		if msg.err != nil {
			if _, lagged := msg.err.(*events.Lagged); !lagged {
				return m, nil
			}
		} else {
			m.eventCount++
			m.lastEvent = fmt.Sprintf("device %d %s", msg.ev.Device, msg.ev.Type)
		}
		m.refresh()
		return m, m.waitDevice()
	case playerEventMsg:
		if msg.err != nil {
			if _, lagged := msg.err.(*events.Lagged); !lagged {
				return m, nil
			}
		} else {
			m.eventCount++
			m.lastEvent = fmt.Sprintf("player %d %s", msg.ev.Player, msg.ev.Type)
		}
		m.refresh()
		return m, m.waitPlayer()
	}
	return m, nil
}

// refresh rebuilds both tables from registry snapshots; events only tell us
// when to look, not what to render.
func (m *model) refresh() {
	devRows := make([]table.Row, 0, 4)
	for _, id := range m.drv.Devices() {
		caps, err := m.drv.DeviceManager().Capability(id)
		if err != nil {
			continue
		}
		devRows = append(devRows, table.Row{
			fmt.Sprintf("%d", id),
			yesNo(caps.Has(fsct.CapStatus)),
			yesNo(caps.Has(fsct.CapTimeline)),
			yesNo(caps.Has(fsct.CapText)),
		})
	}
	m.deviceTable.SetRows(devRows)

	playerRows := make([]table.Row, 0, 8)
	for _, p := range m.drv.Players() {
		assigned := "-"
		if p.Assigned != nil {
			assigned = fmt.Sprintf("%d", *p.Assigned)
		}
		title := "-"
		if v, ok := p.State.Text(fsct.TextTitle); ok {
			title = v
		}
		playerRows = append(playerRows, table.Row{
			fmt.Sprintf("%d", p.ID),
			p.SelfID,
			p.State.Status.String(),
			assigned,
			title,
		})
	}
	m.playerTable.SetRows(playerRows)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func (m model) View() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("FSCT host monitor"),
		tableStyle.Render(m.deviceTable.View()),
		tableStyle.Render(m.playerTable.View()),
		eventStyle.Render(fmt.Sprintf("%d events · last: %s · q to quit", m.eventCount, m.lastEvent)),
	)
}

func main() {
	logLevel := pflag.StringP("log-level", "l", "error", "log level for the embedded driver")
	pflag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	// Logs would fight the TUI for the terminal; keep them quiet and on
	// stderr so redirection still works.
	logger := log.NewWithOptions(os.Stderr, log.Options{Level: level})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	usbHost := usb.NewHost(logger)
	defer usbHost.Close()
	source := watcher.NewPlatformSource(usbHost, logger)

	drv := driver.New(config.Default(), logger, source, usbHost)
	svc, err := drv.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if _, err := tea.NewProgram(newModel(ctx, drv, svc)).Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
