// Package window decides whether the support team is inside its working
// hours. Outside those hours inbound requests are relayed to the chat
// platform; inside them the team watches Mattermost directly.
package window

import (
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/config"
)

// Zone is a named location with the free-text aliases users may type.
type Zone struct {
	Name     string
	Location *time.Location
	Aliases  []string
}

// Policy is the working window: hours [StartHour, EndHour) in every zone,
// excluding Weekend days of the primary (first) zone.
type Policy struct {
	Zones     []Zone
	StartHour int
	EndHour   int
	Weekend   []time.Weekday
}

// ZoneStatus is a point-in-time view of one zone.
type ZoneStatus struct {
	Zone    Zone
	Local   time.Time
	Working bool
}

// FromConfig resolves zone locations and builds a Policy.
func FromConfig(cfg config.ScheduleConfig) (*Policy, error) {
	if len(cfg.Zones) == 0 {
		return nil, fmt.Errorf("window: at least one zone is required")
	}
	p := &Policy{
		StartHour: cfg.StartHour,
		EndHour:   cfg.EndHour,
		Weekend:   cfg.WeekendDays(),
	}
	for _, zc := range cfg.Zones {
		loc, err := time.LoadLocation(zc.Location)
		if err != nil {
			return nil, fmt.Errorf("window: zone %s: %w", zc.Name, err)
		}
		p.Zones = append(p.Zones, Zone{Name: zc.Name, Location: loc, Aliases: zc.Aliases})
	}
	return p, nil
}

// IsWorkingTime reports whether now falls inside the working window in
// every zone and is not a weekend day in the primary zone.
func (p *Policy) IsWorkingTime(now time.Time) bool {
	if len(p.Zones) == 0 {
		return false
	}
	if p.isWeekend(now.In(p.Zones[0].Location).Weekday()) {
		return false
	}
	for _, z := range p.Zones {
		if !p.inHours(now.In(z.Location)) {
			return false
		}
	}
	return true
}

// ZoneWorking evaluates a single zone using its own local weekday.
func (p *Policy) ZoneWorking(z Zone, now time.Time) bool {
	local := now.In(z.Location)
	return !p.isWeekend(local.Weekday()) && p.inHours(local)
}

// MatchZone resolves free text against zone names and aliases,
// case-insensitively and ignoring surrounding whitespace.
func (p *Policy) MatchZone(text string) (Zone, bool) {
	want := strings.ToLower(strings.TrimSpace(text))
	if want == "" {
		return Zone{}, false
	}
	for _, z := range p.Zones {
		if strings.ToLower(z.Name) == want || strings.ToLower(z.Location.String()) == want {
			return z, true
		}
		for _, a := range z.Aliases {
			if strings.ToLower(a) == want {
				return z, true
			}
		}
	}
	return Zone{}, false
}

// Status reports every zone's local time and working state.
func (p *Policy) Status(now time.Time) []ZoneStatus {
	out := make([]ZoneStatus, 0, len(p.Zones))
	for _, z := range p.Zones {
		out = append(out, ZoneStatus{Zone: z, Local: now.In(z.Location), Working: p.ZoneWorking(z, now)})
	}
	return out
}

func (p *Policy) inHours(local time.Time) bool {
	h := local.Hour()
	return h >= p.StartHour && h < p.EndHour
}

func (p *Policy) isWeekend(d time.Weekday) bool {
	for _, w := range p.Weekend {
		if w == d {
			return true
		}
	}
	return false
}
