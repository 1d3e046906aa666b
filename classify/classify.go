// Package classify counts the messages matching one carrier rule and pulls
// tracking numbers out of them.
package classify

import (
	"context"
	"fmt"
	"regexp"

	"github.com/dhcgn/mail-and-packages/catalog"
	"github.com/dhcgn/mail-and-packages/message"
	"github.com/dhcgn/mail-and-packages/model"
	"github.com/dhcgn/mail-and-packages/stats"
)

// Result is the outcome of classifying one rule. When Tracking is non-empty
// Count never exceeds len(Tracking).
type Result struct {
	Count    int
	Tracking []string
}

// Count searches every subject alternative of rule for messages sent on
// env.Today (any date when Today is zero). Failures degrade the result and
// are logged; Count never fails.
func Count(ctx context.Context, env model.Env, rule catalog.Rule, withTracking bool) Result {
	c := &classifier{env: env, rule: rule, cache: make(map[uint32][]byte)}

	var (
		raw     int
		matched []uint32
	)
	for _, subject := range rule.Subjects {
		ids, err := env.Store.Search(ctx, model.Criteria{From: rule.Senders, Subject: subject, On: env.Today})
		env.Record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeSearched, Sensor: rule.Carrier})
		if err != nil {
			env.Log().Warn("search failed", "carrier", rule.Carrier, "subject", subject, "err", err)
			env.Record(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeError, Sensor: rule.Carrier, Err: err})
			continue
		}
		matched = append(matched, ids...)

		if !rule.HasBodyFilter() {
			raw += len(ids)
			continue
		}
		for _, id := range ids {
			body, ok := c.body(ctx, id)
			if ok && matchAny(rule.Body, body) {
				raw++
			}
		}
	}
	env.Record(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeMatched, Sensor: rule.Carrier, Detail: fmt.Sprint(raw)})

	res := Result{Count: raw}
	if !withTracking || !rule.HasTracking() || raw == 0 {
		return res
	}

	res.Tracking = c.tracking(ctx, matched)
	if len(res.Tracking) > 0 && len(res.Tracking) < res.Count {
		res.Count = len(res.Tracking)
	}
	env.Log().Debug("tracking numbers found", "carrier", rule.Carrier, "raw", raw, "tracking", res.Tracking)
	return res
}

type classifier struct {
	env   model.Env
	rule  catalog.Rule
	cache map[uint32][]byte
}

func (c *classifier) fetch(ctx context.Context, id uint32) ([]byte, bool) {
	if raw, ok := c.cache[id]; ok {
		return raw, true
	}
	raw, err := c.env.Store.Fetch(ctx, id)
	c.env.Record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeFetched, Sensor: c.rule.Carrier})
	if err != nil {
		c.env.Log().Warn("fetch failed", "carrier", c.rule.Carrier, "id", id, "err", err)
		c.env.Record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Sensor: c.rule.Carrier, Err: err})
		return nil, false
	}
	c.cache[id] = raw
	return raw, true
}

func (c *classifier) body(ctx context.Context, id uint32) (string, bool) {
	raw, ok := c.fetch(ctx, id)
	if !ok {
		return "", false
	}
	body, err := message.FirstPart(raw)
	if err != nil {
		c.env.Log().Warn("skipping undecodable message", "carrier", c.rule.Carrier, "id", id, "err", err)
		c.env.Record(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeDecodeError, Sensor: c.rule.Carrier, Err: err})
		return "", false
	}
	return body, true
}

// tracking returns the first tracking number of each message, subject
// before body, deduplicated in first-seen order.
func (c *classifier) tracking(ctx context.Context, ids []uint32) []string {
	var (
		out  []string
		seen = make(map[string]bool)
	)
	for _, id := range ids {
		raw, ok := c.fetch(ctx, id)
		if !ok {
			continue
		}

		number := ""
		if subject, err := message.Subject(raw); err == nil {
			number = c.rule.Tracking.FindString(subject)
		}
		if number == "" {
			body, ok := c.body(ctx, id)
			if !ok {
				continue
			}
			number = c.rule.Tracking.FindString(body)
		}
		if number == "" || seen[number] {
			continue
		}
		seen[number] = true
		out = append(out, number)
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
