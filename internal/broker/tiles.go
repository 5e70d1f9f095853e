package broker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rzbill/inkbroker/internal/tilecache"
	logpkg "github.com/rzbill/inkbroker/pkg/log"
)

// tileSubscriber adapts a session.Session to tilecache.Subscriber.
type tileSubscriber struct {
	id   string
	send func(header string, png []byte) error
}

func (t tileSubscriber) ID() string { return t.id }
func (t tileSubscriber) SendTile(header string, png []byte) error {
	return t.send(header, png)
}

// HandleTileRequest is the tile entry point: parse the
// request, consult the cache, and either serve cached bytes immediately
// or, on the first request for a given region, forward it to the child.
// Reads the cache and child under b.mu, the lock every accessor of
// broker state takes.
func (b *Broker) HandleTileRequest(sessionID, args string) error {
	desc, err := parseTileArgs(args)
	if err != nil {
		return fmt.Errorf("broker: parse tile request: %w", err)
	}

	b.mu.Lock()
	cache := b.cache
	s, ok := b.sessions[sessionID]
	child := b.child
	b.mu.Unlock()
	if !ok || cache == nil {
		return fmt.Errorf("broker: unknown session %s or cache not ready", sessionID)
	}

	if bytes, hit := cache.Lookup(desc); hit {
		return s.SendTile(desc.Header(), bytes)
	}

	sub := tileSubscriber{id: sessionID, send: s.SendTile}
	if !cache.Subscribe(desc, sub) {
		return nil
	}
	if child == nil {
		return fmt.Errorf("broker: no live child to render tile")
	}
	return child.Send(fmt.Sprintf("tile %s", args))
}

// HandleTileCombinedRequest splits a tilecombine request into its
// constituent tile descriptors and forwards each through the same
// coalescing path as HandleTileRequest.
func (b *Broker) HandleTileCombinedRequest(sessionID, args string) error {
	for _, part := range strings.Split(args, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if err := b.HandleTileRequest(sessionID, part); err != nil {
			b.logger.Warn("tilecombine part failed", logpkg.Err(err), logpkg.Str("part", part))
		}
	}
	return nil
}

// HandleTileResponse is called when the child delivers rendered PNG
// bytes for a tile: it saves the bytes to the cache and notifies every
// coalesced subscriber.
func (b *Broker) HandleTileResponse(args string, png []byte) error {
	desc, err := parseTileArgs(args)
	if err != nil {
		return fmt.Errorf("broker: parse tile response header: %w", err)
	}
	b.mu.Lock()
	cache := b.cache
	b.mu.Unlock()
	if cache == nil {
		return fmt.Errorf("broker: no cache to save into")
	}
	return cache.SaveAndNotify(desc, png)
}

// CancelTileRequests drops sessionID from every in-flight tile's
// subscriber list and forwards a canceltiles command to the child for
// any entry left with no subscribers.
func (b *Broker) CancelTileRequests(sessionID string) {
	b.mu.Lock()
	cache := b.cache
	child := b.child
	b.mu.Unlock()
	if cache == nil {
		return
	}
	orphaned := cache.Cancel(sessionID)
	if len(orphaned) == 0 || child == nil {
		return
	}
	_ = child.Send(fmt.Sprintf("canceltiles %s", sessionID))
}

// parseTileArgs parses a "part=0 x=0 y=0 width=256 height=256" style
// argument string into a Descriptor.
func parseTileArgs(args string) (tilecache.Descriptor, error) {
	var d tilecache.Descriptor
	var rest []string
	for _, field := range strings.Fields(args) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		switch key {
		case "part":
			d.Part, _ = strconv.Atoi(val)
		case "x":
			d.X, _ = strconv.Atoi(val)
		case "y":
			d.Y, _ = strconv.Atoi(val)
		case "width":
			d.Width, _ = strconv.Atoi(val)
		case "height":
			d.Height, _ = strconv.Atoi(val)
		case "ver":
			v, _ := strconv.ParseInt(val, 10, 64)
			d.Version = v
		case "broadcast":
			d.Broadcast = val == "1" || val == "true"
		default:
			rest = append(rest, field)
		}
	}
	d.RenderParams = strings.Join(rest, " ")
	return d, nil
}
