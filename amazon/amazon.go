// Package amazon reads Amazon shipment, delivery and locker notifications.
package amazon

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dhcgn/mail-and-packages/catalog"
	"github.com/dhcgn/mail-and-packages/message"
	"github.com/dhcgn/mail-and-packages/model"
	"github.com/dhcgn/mail-and-packages/stats"
)

// Sources lists where Amazon notifications come from. Forwards are
// addresses (used as is) or extra domains.
type Sources struct {
	Domains  []string
	Forwards []string
}

// Senders returns prefix@domain for every domain and forwarded domain, plus
// every forwarded address verbatim.
func (s Sources) Senders(prefix string) []string {
	domains := s.Domains
	if len(domains) == 0 {
		domains = catalog.AmazonDomains
	}
	var out []string
	for _, domain := range append(append([]string{}, domains...), s.Forwards...) {
		domain = strings.TrimSpace(domain)
		switch {
		case domain == "" || domain == `""`:
			continue
		case strings.Contains(domain, "@"):
			out = append(out, domain)
		default:
			out = append(out, prefix+domain)
		}
	}
	return out
}

// Orders is the result of scanning shipment notifications.
type Orders struct {
	// Today counts shipments expected to arrive today.
	Today   int
	Numbers []string
}

// ScanOrders reads shipment notifications from the last few days, collects
// order numbers and counts the ones expected today.
func ScanOrders(ctx context.Context, env model.Env, src Sources) Orders {
	logger := env.Log().With("stage", stats.StageAmazon)
	var res Orders

	ids := search(ctx, env, model.Criteria{
		From:  src.Senders(catalog.AmazonShipmentPrefix),
		Since: lookback(env.Today),
	}, catalog.AmazonPackages)

	seen := make(map[string]bool)
	for _, id := range ids {
		raw, ok := fetch(ctx, env, id, catalog.AmazonPackages)
		if !ok {
			continue
		}

		if subject, err := message.Subject(raw); err == nil {
			if number := catalog.AmazonOrderPattern.FindString(subject); number != "" && !seen[number] {
				seen[number] = true
				res.Numbers = append(res.Numbers, number)
			}
		}

		body, err := message.FirstPart(raw)
		if err != nil {
			logger.Debug("skipping undecodable shipment mail", "id", id, "err", err)
			env.Record(stats.Event{Stage: stats.StageAmazon, Type: stats.EventTypeDecodeError, Sensor: catalog.AmazonPackages, Err: err})
			continue
		}
		arrival, ok, err := ArrivalDate(body)
		if err != nil {
			logger.Warn("unparsable arrival date", "id", id, "err", err)
			continue
		}
		if ok && arrival.Month() == env.Today.Month() && arrival.Day() == env.Today.Day() {
			res.Today++
		}
	}

	logger.Debug("amazon orders", "today", res.Today, "orders", res.Numbers)
	return res
}

var nonDigits = regexp.MustCompile(`\D`)

// ArrivalDate finds the expected delivery date in a shipment notification.
// ok is false when the text has no arrival phrase. The year is not set.
func ArrivalDate(body string) (date time.Time, ok bool, err error) {
	for _, phrase := range catalog.AmazonArrivals {
		start := strings.Index(body, phrase.Marker)
		if start < 0 {
			continue
		}
		segment := body[start+len(phrase.Marker):]
		if end := strings.Index(segment, phrase.End); end >= 0 {
			segment = segment[:end]
		}

		fields := strings.Fields(segment)
		if len(fields) < 3 {
			return time.Time{}, true, fmt.Errorf("%w: arrival %q", model.ErrDecode, strings.TrimSpace(segment))
		}
		value := fields[0] + " " + fields[1] + " " + nonDigits.ReplaceAllString(fields[2], "")
		date, err := time.Parse("Monday, January 2", value)
		if err != nil {
			return time.Time{}, true, fmt.Errorf("%w: arrival %q: %v", model.ErrDecode, value, err)
		}
		return date, true, nil
	}
	return time.Time{}, false, nil
}

// Hub is the result of scanning Amazon Hub locker notifications.
type Hub struct {
	Count int
	Codes []string
}

// ScanHub collects pickup codes from recent locker notifications.
func ScanHub(ctx context.Context, env model.Env, src Sources) Hub {
	senders := []string{catalog.AmazonHubSender}
	for _, fwd := range src.Forwards {
		if fwd = strings.TrimSpace(fwd); strings.Contains(fwd, "@") {
			senders = append(senders, fwd)
		}
	}

	var res Hub
	ids := search(ctx, env, model.Criteria{From: senders, Since: lookback(env.Today)}, catalog.AmazonHub)
	for _, id := range ids {
		raw, ok := fetch(ctx, env, id, catalog.AmazonHub)
		if !ok {
			continue
		}
		subject, err := message.Subject(raw)
		if err != nil {
			continue
		}
		if match := catalog.AmazonPickupPattern.FindStringSubmatch(subject); match != nil {
			res.Codes = append(res.Codes, match[1])
		}
	}
	res.Count = len(res.Codes)
	return res
}

func lookback(today time.Time) time.Time {
	if today.IsZero() {
		return today
	}
	return today.AddDate(0, 0, -catalog.AmazonLookbackDays)
}

func search(ctx context.Context, env model.Env, criteria model.Criteria, sensor string) []uint32 {
	if len(criteria.From) == 0 {
		return nil
	}
	ids, err := env.Store.Search(ctx, criteria)
	env.Record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeSearched, Sensor: sensor})
	if err != nil {
		env.Log().Warn("amazon search failed", "sensor", sensor, "err", err)
		env.Record(stats.Event{Stage: stats.StageAmazon, Type: stats.EventTypeError, Sensor: sensor, Err: err})
		return nil
	}
	return ids
}

func fetch(ctx context.Context, env model.Env, id uint32, sensor string) ([]byte, bool) {
	raw, err := env.Store.Fetch(ctx, id)
	env.Record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeFetched, Sensor: sensor})
	if err != nil {
		env.Log().Warn("amazon fetch failed", "sensor", sensor, "id", id, "err", err)
		env.Record(stats.Event{Stage: stats.StageAmazon, Type: stats.EventTypeError, Sensor: sensor, Err: err})
		return nil, false
	}
	return raw, true
}
