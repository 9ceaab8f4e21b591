package announce

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/libp2p/zeroconf/v2"

	"audiowallet/host/internal/core"
)

// ServiceType is the DNS-SD service type clients browse for.
const ServiceType = "_audiowallet._tcp"

const serviceDomain = "local."

// FallbackInstanceName replaces instance names that sanitise to nothing.
const FallbackInstanceName = "PandemicRoom"

// maxInstanceLen caps the DNS-SD instance label length.
const maxInstanceLen = 63

// Announcer advertises the host on the local link and re-registers whenever
// the room record changes, so browsers see lock and name updates within one
// advertisement interval. Publish failures are non-fatal; peers can still
// reach the host by QR code or manual IP.
type Announcer struct {
	port int

	mu   sync.Mutex
	room core.Room
	poke chan struct{}

	server *zeroconf.Server
}

func New(port int) *Announcer {
	return &Announcer{
		port: port,
		poke: make(chan struct{}, 1),
	}
}

// Republish records the latest room record and nudges the run loop. Rapid
// mutations coalesce; only the newest record is ever advertised.
func (a *Announcer) Republish(room core.Room) {
	a.mu.Lock()
	a.room = room
	a.mu.Unlock()
	select {
	case a.poke <- struct{}{}:
	default:
	}
}

// Run owns the zeroconf server. All registration happens on this goroutine;
// other subsystems only ever call Republish.
func (a *Announcer) Run(ctx context.Context) {
	defer a.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.poke:
			a.mu.Lock()
			room := a.room
			a.mu.Unlock()
			a.register(room)
		}
	}
}

func (a *Announcer) register(room core.Room) {
	a.shutdown()

	instance := SanitizeInstanceName(room.Name)
	server, err := zeroconf.Register(instance, ServiceType, serviceDomain, a.port, TXTRecords(room, a.port), nil)
	if err != nil {
		slog.Warn("mdns publish failed, continuing without discovery",
			"instance", instance, "err", err)
		return
	}
	a.server = server
	slog.Info("service advertised", "instance", instance, "type", ServiceType,
		"port", a.port, "room_id", room.RoomID, "locked", room.Locked)
}

func (a *Announcer) shutdown() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// TXTRecords builds the advertisement payload for a room.
func TXTRecords(room core.Room, port int) []string {
	lock := "0"
	if room.Locked {
		lock = "1"
	}
	return []string{
		"v=1",
		"room=" + room.Name,
		"roomId=" + room.RoomID,
		"lock=" + lock,
		"relay=1",
		"port=" + strconv.Itoa(port),
	}
}

// SanitizeInstanceName coerces a room name into a valid DNS-SD instance
// label: ASCII [A-Za-z0-9-], at most 63 characters. Runs of disallowed
// characters collapse to a single dash; a name that sanitises to nothing
// becomes FallbackInstanceName.
func SanitizeInstanceName(name string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		default:
			pendingDash = true
		}
		if b.Len() >= maxInstanceLen {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxInstanceLen {
		out = strings.Trim(out[:maxInstanceLen], "-")
	}
	if out == "" {
		return FallbackInstanceName
	}
	return out
}
