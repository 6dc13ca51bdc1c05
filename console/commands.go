package console

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/roomctl/buildinfo"
	"github.com/coder/roomctl/fleet"
	"github.com/coder/roomctl/inventory"
	"github.com/coder/roomctl/usage"
)

// Loading is the body of the placeholder posted while usage is sampled.
const Loading = "Loading…"

func (d *Dispatcher) help(ctx context.Context, inv *invocation) error {
	reply := Reply{Title: "Commands"}
	for _, name := range d.commandNames() {
		reply.Fields = append(reply.Fields, Field{
			Name:  d.usageOf(name),
			Value: d.handlers[name].description,
		})
	}
	return inv.Reply(ctx, reply)
}

func (d *Dispatcher) info(ctx context.Context, inv *invocation) error {
	rooms := d.opts.Fleet.List()
	entries := inventory.Entries(ctx, rooms)

	bots := d.opts.Fleet.Catalog().Names()
	botList := "none"
	if len(bots) > 0 {
		botList = strings.Join(bots, ", ")
	}
	reply := Reply{
		Title: "Rooms",
		Body:  inventory.Describe(entries),
		Fields: []Field{
			{Name: "Open rooms", Value: strconv.Itoa(len(rooms)), Inline: true},
			{Name: "Bots", Value: botList, Inline: true},
		},
	}
	if proxies := d.opts.Fleet.Proxies(); len(proxies) > 0 {
		load := map[string]int{}
		for _, r := range rooms {
			if r.HasProxy() {
				load[r.Proxy]++
			}
		}
		var sb strings.Builder
		for i, px := range proxies {
			if i > 0 {
				_, _ = sb.WriteString(", ")
			}
			_, _ = fmt.Fprintf(&sb, "%s (%d)", px.Label, load[px.Label])
		}
		reply.Fields = append(reply.Fields, Field{Name: "Proxies", Value: sb.String(), Inline: true})
	}
	return inv.Reply(ctx, reply)
}

func (d *Dispatcher) meminfo(ctx context.Context, inv *invocation) error {
	const title = "Resource usage"
	if err := inv.Reply(ctx, Reply{Title: title, Body: Loading}); err != nil {
		return xerrors.Errorf("send placeholder: %w", err)
	}

	list := d.opts.Fleet.List()
	rooms := make([]usage.Room, 0, len(list))
	for _, r := range list {
		rooms = append(rooms, r)
	}
	report, err := d.opts.Sampler.Sample(ctx, rooms)
	if err != nil {
		return xerrors.Errorf("sample usage: %w", err)
	}

	h := report.Host
	return inv.Reply(ctx, Reply{
		Title: title,
		Body:  "```\n" + report.RoomsTable() + "\n```",
		Fields: []Field{
			{Name: "CPU cores", Value: strconv.Itoa(h.CPUCount), Inline: true},
			{Name: "CPU usage", Value: usage.FormatPercent(h.CPUPercent), Inline: true},
			{Name: "CPU idle", Value: usage.FormatPercent(report.IdlePercent()), Inline: true},
			{Name: "Memory", Value: fmt.Sprintf("%s / %s", usage.FormatMB(h.MemoryUsedMB), usage.FormatMB(h.MemoryTotalMB)), Inline: true},
			{Name: "Memory free", Value: usage.FormatPercent(report.MemoryFreePercent()), Inline: true},
			{Name: "OS", Value: h.OS, Inline: true},
			{Name: "Uptime", Value: usage.FormatUptime(h.Uptime), Inline: true},
			{Name: "Console CPU", Value: consoleValue(report.Console, usage.FormatPercent(report.Console.CPUPercent)), Inline: true},
			{Name: "Console memory", Value: consoleValue(report.Console, usage.FormatMB(report.Console.MemoryMB())), Inline: true},
		},
	})
}

func consoleValue(s usage.Sample, v string) string {
	if s.Err != nil {
		return "unavailable"
	}
	return v
}

func (d *Dispatcher) open(ctx context.Context, inv *invocation) error {
	args := inv.cmd.Args
	if len(args) == 0 {
		return inv.Reply(ctx, usageReply(d.usageOf("open")))
	}
	var token, proxy string
	if len(args) > 1 {
		token = args[1]
	}
	if len(args) > 2 {
		proxy = args[2]
	}

	res, err := d.opts.Fleet.Open(ctx, args[0], token, proxy)
	if err != nil {
		return inv.Reply(ctx, d.openErrorReply(args[0], proxy, err))
	}

	proxyLabel := "direct"
	if res.Room.HasProxy() {
		proxyLabel = res.Room.Proxy
	}
	reply := Reply{
		Title: "Room opened",
		Body:  res.JoinLink,
		Fields: []Field{
			{Name: "Bot", Value: res.Room.Bot, Inline: true},
			{Name: "PID", Value: strconv.Itoa(int(res.PID)), Inline: true},
			{Name: "Proxy", Value: proxyLabel, Inline: true},
		},
	}
	for _, w := range res.Warnings {
		reply.Fields = append(reply.Fields, Field{Name: "Warning", Value: w})
	}
	return inv.Reply(ctx, reply)
}

func (d *Dispatcher) openErrorReply(bot, proxy string, err error) Reply {
	reply := Reply{Title: "Could not open room", Error: true}
	switch {
	case xerrors.Is(err, fleet.ErrUnknownBot):
		reply.Body = fmt.Sprintf("There is no bot named %q.", bot)
		reply.Fields = []Field{{Name: "Bots", Value: strings.Join(d.opts.Fleet.Catalog().Names(), ", ")}}
	case xerrors.Is(err, fleet.ErrUnknownProxy):
		var labels []string
		for _, px := range d.opts.Fleet.Proxies() {
			labels = append(labels, px.Label)
		}
		sort.Strings(labels)
		reply.Body = fmt.Sprintf("There is no proxy named %q.", proxy)
		reply.Fields = []Field{{Name: "Proxies", Value: strings.Join(labels, ", ")}}
	case xerrors.Is(err, fleet.ErrMissingToken):
		reply.Body = "A room token is required. Usage: " + d.usageOf("open")
	default:
		// Payload and spawn failures carry the bot name and cause.
		reply.Body = err.Error()
	}
	return reply
}

func (d *Dispatcher) close(ctx context.Context, inv *invocation) error {
	target := inv.cmd.Tail
	if target == "" {
		return inv.Reply(ctx, usageReply(d.usageOf("close")))
	}
	closed, err := d.opts.Fleet.Close(ctx, target)
	switch {
	case !closed && err == nil:
		return inv.Reply(ctx, Reply{
			Title: "Room not found",
			Body:  fmt.Sprintf("No room is titled or proxied by %q.", target),
		})
	case !closed:
		return err
	case err != nil:
		return inv.Reply(ctx, Reply{
			Title: "Room closed with errors",
			Body:  err.Error(),
			Error: true,
		})
	default:
		return inv.Reply(ctx, Reply{
			Title: "Room closed",
			Body:  target,
		})
	}
}

func (d *Dispatcher) exit(ctx context.Context, inv *invocation) error {
	n := len(d.opts.Fleet.List())
	if err := inv.Reply(ctx, Reply{
		Title: "Shutting down",
		Body:  fmt.Sprintf("Closing %d room(s)…", n),
	}); err != nil {
		d.logger.Warn(ctx, "send shutdown notice", slog.Error(err))
	}

	reply := Reply{
		Title: "Shut down",
		Body:  fmt.Sprintf("Closed %d room(s).", n),
	}
	if err := d.opts.Fleet.CloseAll(ctx); err != nil {
		d.logger.Warn(ctx, "close all rooms", slog.Error(err))
		reply.Body += "\n" + err.Error()
		reply.Error = true
	}
	err := inv.Reply(ctx, reply)
	d.opts.Shutdown()
	return err
}

func (d *Dispatcher) diag(ctx context.Context, inv *invocation) error {
	topic := ""
	if len(inv.cmd.Args) > 0 {
		topic = strings.ToLower(inv.cmd.Args[0])
	}
	switch topic {
	case "fleet":
		return inv.Reply(ctx, d.diagFleet(ctx))
	case "config":
		keys := make([]string, 0, len(d.opts.Settings))
		for k := range d.opts.Settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		reply := Reply{Title: "Configuration"}
		for _, k := range keys {
			reply.Fields = append(reply.Fields, Field{Name: k, Value: d.opts.Settings[k], Inline: true})
		}
		return inv.Reply(ctx, reply)
	case "version":
		return inv.Reply(ctx, Reply{
			Title: "Version",
			Body:  buildinfo.Version(),
			Fields: []Field{
				{Name: "Source", Value: buildinfo.ExternalURL()},
			},
		})
	default:
		return inv.Reply(ctx, usageReply(d.usageOf("diag")))
	}
}

func (d *Dispatcher) diagFleet(ctx context.Context) Reply {
	rooms := d.opts.Fleet.List()
	reply := Reply{
		Title: "Fleet",
		Body:  fmt.Sprintf("%d room(s) open.", len(rooms)),
	}
	entries := inventory.Entries(ctx, rooms)
	for i, r := range rooms {
		proxy := "direct"
		if r.HasProxy() {
			proxy = r.Proxy
		}
		reply.Fields = append(reply.Fields, Field{
			Name: entries[i].Title,
			Value: fmt.Sprintf("id=%s bot=%s pid=%d proxy=%s opened=%s link=%s",
				r.ID, r.Bot, r.PID(), proxy, r.OpenedAt.UTC().Format("2006-01-02T15:04:05Z"), r.JoinLink()),
		})
	}
	return reply
}

func usageReply(usage string) Reply {
	return Reply{
		Title: "Usage",
		Body:  usage,
		Error: true,
	}
}
