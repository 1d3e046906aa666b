// Package catalog holds the static carrier rules and the sensor table the
// aggregator dispatches on. Adding a carrier is a data change here.
package catalog

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Rule describes how one carrier announces one delivery state.
type Rule struct {
	Carrier  string
	Senders  []string
	Subjects []string
	// Body, when set, must match the decoded first body part for a message
	// to count.
	Body     []*regexp.Regexp
	Tracking *regexp.Regexp
}

// HasBodyFilter reports whether matched messages need their body inspected.
func (r Rule) HasBodyFilter() bool { return len(r.Body) > 0 }

// HasTracking reports whether tracking numbers can be extracted for r.
func (r Rule) HasTracking() bool { return r.Tracking != nil }

// Kind tags how the aggregator computes a sensor.
type Kind int

const (
	KindUnknown Kind = iota
	KindImage
	KindAmazonOrders
	KindAmazonDelivered
	KindAmazonHub
	KindCarrier
	KindDelivering
	KindPackages
	KindTotalDelivered
	KindTotalTransit
	KindUpdated
)

const (
	USPSMail          = "usps_mail"
	AmazonPackages    = "amazon_packages"
	AmazonOrder       = "amazon_order"
	AmazonDelivered   = "amazon_delivered"
	AmazonHub         = "amazon_hub"
	AmazonHubCode     = "amazon_hub_code"
	TotalDelivered    = "zpackages_delivered"
	TotalTransit      = "zpackages_transit"
	MailUpdated       = "mail_updated"
	SuffixDelivered   = "_delivered"
	SuffixDelivering  = "_delivering"
	SuffixPackages    = "_packages"
	SuffixTracking    = "_tracking"
	UpdatedTimeLayout = "Jan-02-2006 03:04 PM"
)

// Shippers are the carriers summed into the grand totals.
var Shippers = []string{"capost", "dhl", "fedex", "ups", "usps"}

var (
	uspsTracking  = regexp.MustCompile(`9[234]\d{15,25}`)
	upsTracking   = regexp.MustCompile(`1Z?[0-9A-Z]{16}`)
	fedexTracking = regexp.MustCompile(`\d{12,20}`)
	dhlTracking   = regexp.MustCompile(`\d{10,11}`)
)

var rules = map[string]Rule{
	"usps_delivered": {
		Carrier:  "usps",
		Senders:  []string{"auto-reply@usps.com"},
		Subjects: []string{"Item Delivered"},
	},
	"usps_delivering": {
		Carrier:  "usps",
		Senders:  []string{"auto-reply@usps.com"},
		Subjects: []string{"Expected Delivery on"},
		Body:     bodyFilters("Your item is out for delivery"),
		Tracking: uspsTracking,
	},
	"ups_delivered": {
		Carrier:  "ups",
		Senders:  []string{"mcinfo@ups.com"},
		Subjects: []string{"Your UPS Package was delivered"},
	},
	"ups_delivering": {
		Carrier: "ups",
		Senders: []string{"mcinfo@ups.com"},
		Subjects: []string{
			"UPS Update: Package Scheduled for Delivery Today",
			"UPS Update: Follow Your Delivery on a Live Map",
		},
		Tracking: upsTracking,
	},
	"fedex_delivered": {
		Carrier:  "fedex",
		Senders:  []string{"TrackingUpdates@fedex.com"},
		Subjects: []string{"Your package has been delivered"},
	},
	"fedex_delivering": {
		Carrier: "fedex",
		Senders: []string{"TrackingUpdates@fedex.com"},
		Subjects: []string{
			"Delivery scheduled for today",
			"Your package is scheduled for delivery today",
		},
		Tracking: fedexTracking,
	},
	"dhl_delivered": {
		Carrier:  "dhl",
		Senders:  []string{"donotreply_odd@dhl.com"},
		Subjects: []string{"DHL On Demand Delivery"},
		Body:     bodyFilters("This shipment has been delivered"),
	},
	"dhl_delivering": {
		Carrier:  "dhl",
		Senders:  []string{"donotreply_odd@dhl.com"},
		Subjects: []string{"DHL On Demand Delivery"},
		Body:     bodyFilters("scheduled for delivery TODAY"),
		Tracking: dhlTracking,
	},
	"capost_delivered": {
		Carrier:  "capost",
		Senders:  []string{"donotreply@canadapost.postescanada.ca"},
		Subjects: []string{"Delivery Notification"},
	},
}

// DefaultSensors is every known sensor in an order that satisfies Inputs.
var DefaultSensors = []string{
	USPSMail,
	"usps_delivered", "usps_delivering", "usps_packages",
	"ups_delivered", "ups_delivering", "ups_packages",
	"fedex_delivered", "fedex_delivering", "fedex_packages",
	"dhl_delivered", "dhl_delivering", "dhl_packages",
	"capost_delivered",
	AmazonPackages, AmazonDelivered, AmazonHub,
	TotalDelivered, TotalTransit,
	MailUpdated,
}

func bodyFilters(texts ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(texts))
	for _, text := range texts {
		out = append(out, regexp.MustCompile(text))
	}
	return out
}

// Lookup returns the classification rule for a raw carrier sensor.
func Lookup(sensor string) (Rule, bool) {
	rule, ok := rules[sensor]
	return rule, ok
}

// RuleSensors returns the names of all classification rules, sorted.
func RuleSensors() []string {
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Carrier returns the carrier prefix of a sensor name.
func Carrier(sensor string) string {
	prefix, _, _ := strings.Cut(sensor, "_")
	return prefix
}

// KindOf classifies sensor for dispatch.
func KindOf(sensor string) Kind {
	switch sensor {
	case USPSMail:
		return KindImage
	case AmazonPackages:
		return KindAmazonOrders
	case AmazonDelivered:
		return KindAmazonDelivered
	case AmazonHub:
		return KindAmazonHub
	case TotalDelivered:
		return KindTotalDelivered
	case TotalTransit:
		return KindTotalTransit
	case MailUpdated:
		return KindUpdated
	}
	switch {
	case strings.HasSuffix(sensor, SuffixPackages):
		return KindPackages
	case strings.HasSuffix(sensor, SuffixDelivering):
		return KindDelivering
	}
	if _, ok := rules[sensor]; ok {
		return KindCarrier
	}
	return KindUnknown
}

// Inputs lists the sensors that must already be computed before sensor.
func Inputs(sensor string) []string {
	carrier := Carrier(sensor)
	switch KindOf(sensor) {
	case KindPackages:
		return []string{carrier + SuffixDelivering, carrier + SuffixDelivered}
	case KindDelivering:
		return []string{carrier + SuffixDelivered}
	}
	return nil
}

// CheckOrder reports the first sensor configured before one of its inputs.
func CheckOrder(sensors []string) error {
	seen := make(map[string]bool, len(sensors))
	for _, sensor := range sensors {
		for _, input := range Inputs(sensor) {
			if !seen[input] {
				return fmt.Errorf("sensor %q requires %q to be listed before it", sensor, input)
			}
		}
		seen[sensor] = true
	}
	return nil
}

// Informed Delivery notification.
const (
	InformedDeliverySender  = "USPSInformeddelivery@email.informeddelivery.usps.com"
	InformedDeliverySubject = "Your Daily Digest"
	NoMailpiecesMarker      = "image-no-mailpieces700.jpg"
)

// NoMailpiecesPattern finds the digest's "no mail pieces" banner reference.
var NoMailpiecesPattern = regexp.MustCompile(`\bimage-no-mailpieces?700\.jpg\b`)

// AnnouncementImages are filename fragments of non-content USPS images.
var AnnouncementImages = []string{"mailerProvidedImage", "ra_0", "Mail Attachment.txt"}

// Amazon notifications.
const (
	AmazonShipmentPrefix   = "shipment-tracking@"
	AmazonDeliveredPrefix  = "order-update@"
	AmazonDeliveredSubject = "Delivered: Your"
	AmazonHubSender        = "thehub@amazon.com"
	AmazonImageHost        = "us-prod-temp.s3.amazonaws.com"
	AmazonLookbackDays     = 3
)

// AmazonDomains are the regional storefronts searched by default.
var AmazonDomains = []string{"amazon.com", "amazon.ca", "amazon.co.uk", "amazon.in", "amazon.de"}

var (
	AmazonOrderPattern  = regexp.MustCompile(`#[0-9]{3}-[0-9]{7}-[0-9]{7}`)
	AmazonPickupPattern = regexp.MustCompile(`You have a package to pick up.*?(\d{6})`)
)

// AmazonArrival is one locale's wording of the expected delivery date.
type AmazonArrival struct {
	Marker string
	End    string
}

var AmazonArrivals = []AmazonArrival{
	{Marker: "will arrive:", End: "Track your package:"},
	{Marker: "estimated delivery date is:", End: "Track your package at"},
	{Marker: "guaranteed delivery date is:", End: "Track your package at"},
}
