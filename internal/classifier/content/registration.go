package content

import (
	"context"
	"errors"
	"strings"
	"time"

	whois "github.com/likexian/whois"
	parser "github.com/likexian/whois-parser"
)

var ErrNoCreationDate = errors.New("whois record has no creation date")

// RegistrationLookup reports how many days ago a registrable domain was created.
type RegistrationLookup interface {
	AgeDays(ctx context.Context, domain string) (int, error)
}

// WhoisLookup resolves registration age over WHOIS.
type WhoisLookup struct {
	client *whois.Client
	now    func() time.Time
}

func NewWhoisLookup(timeout time.Duration) *WhoisLookup {
	client := whois.NewClient()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &WhoisLookup{client: client, now: time.Now}
}

var creationLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-Jan-2006",
	"2006.01.02",
}

// AgeDays queries WHOIS for domain. The client has its own timeout; ctx only short-cuts
// the wait for the result.
func (w *WhoisLookup) AgeDays(ctx context.Context, domain string) (int, error) {
	type answer struct {
		raw string
		err error
	}

	done := make(chan answer, 1)
	go func() {
		raw, err := w.client.Whois(domain)
		done <- answer{raw: raw, err: err}
	}()

	var res answer
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return 0, res.err
	}

	info, err := parser.Parse(res.raw)
	if err != nil {
		return 0, err
	}
	if info.Domain == nil {
		return 0, ErrNoCreationDate
	}

	created, ok := parseCreationDate(info.Domain.CreatedDate)
	if !ok {
		return 0, ErrNoCreationDate
	}
	return ageInDays(created, w.now()), nil
}

func parseCreationDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range creationLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func ageInDays(created, now time.Time) int {
	if created.After(now) {
		return 0
	}
	return int(now.Sub(created).Hours() / 24)
}
