// Package inventory renders the live rooms of a fleet for operators.
package inventory

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// NoRooms is reported when the fleet is empty.
const NoRooms = "There are no open rooms."

// DirectGroup is the header of rooms that have no proxy.
const DirectGroup = "direct"

// Room is the view of a live room the inventory needs.
type Room interface {
	Title(ctx context.Context) (string, error)
	// HasProxy reports whether ProxyLabel is meaningful.
	HasProxy() bool
	ProxyLabel() string
}

// Entry is a room with its title already read.
type Entry struct {
	Title string
	Proxy string
	// Direct is true when the room has no proxy.
	Direct bool
}

// Entries reads the titles of rooms concurrently, preserving order. A
// title that cannot be read is replaced by a placeholder instead of
// failing the whole inventory.
func Entries[R Room](ctx context.Context, rooms []R) []Entry {
	entries := make([]Entry, len(rooms))
	var eg errgroup.Group
	for i, r := range rooms {
		eg.Go(func() error {
			title, err := r.Title(ctx)
			if err != nil {
				title = fmt.Sprintf("<unavailable: %s>", err)
			}
			entries[i] = Entry{
				Title:  title,
				Proxy:  r.ProxyLabel(),
				Direct: !r.HasProxy(),
			}
			return nil
		})
	}
	_ = eg.Wait()
	return entries
}

// Describe renders entries as text. Without any proxied room the titles
// are listed one per line. Otherwise rooms are grouped under their proxy
// label, groups in the order they are first seen, with all direct rooms
// forming a single group.
func Describe(entries []Entry) string {
	if len(entries) == 0 {
		return NoRooms
	}

	grouped := false
	for _, e := range entries {
		if !e.Direct {
			grouped = true
			break
		}
	}

	var sb strings.Builder
	if !grouped {
		for i, e := range entries {
			if i > 0 {
				_, _ = sb.WriteString("\n")
			}
			_, _ = sb.WriteString(e.Title)
		}
		return sb.String()
	}

	var (
		order  []string
		groups = map[string][]string{}
	)
	for _, e := range entries {
		key := DirectGroup
		if !e.Direct {
			// Prefix proxied labels so a proxy literally named
			// "direct" is not merged with direct rooms.
			key = "proxy:" + e.Proxy
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e.Title)
	}

	for i, key := range order {
		if i > 0 {
			_, _ = sb.WriteString("\n")
		}
		_, _ = sb.WriteString(strings.TrimPrefix(key, "proxy:"))
		for _, title := range groups[key] {
			_, _ = sb.WriteString("\n- ")
			_, _ = sb.WriteString(title)
		}
	}
	return sb.String()
}
