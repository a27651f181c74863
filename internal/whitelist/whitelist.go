// Package whitelist decides which senders skip spam classification.
package whitelist

import (
	"net/mail"
	"strings"

	"go.uber.org/zap"
)

// Checker matches sender addresses against trusted domains and addresses.
// A domain entry also covers its subdomains.
type Checker struct {
	domains   map[string]struct{}
	addresses map[string]struct{}
	logger    *zap.Logger
}

// NewChecker creates a new whitelist checker. Entries containing "@" are
// full addresses, anything else is a domain.
func NewChecker(entries []string, logger *zap.Logger) *Checker {
	c := &Checker{
		domains:   make(map[string]struct{}),
		addresses: make(map[string]struct{}),
		logger:    logger,
	}
	for _, entry := range entries {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
		case strings.Contains(entry, "@"):
			c.addresses[entry] = struct{}{}
		default:
			c.domains[strings.TrimPrefix(entry, "*.")] = struct{}{}
		}
	}

	if c.Len() > 0 && logger != nil {
		logger.Debug("Initialized whitelist checker",
			zap.Int("domains", len(c.domains)),
			zap.Int("addresses", len(c.addresses)))
	}
	return c
}

// Len returns the number of entries
func (c *Checker) Len() int {
	return len(c.domains) + len(c.addresses)
}

// IsWhitelisted checks if the sender is trusted. from may be a bare address
// or a header value such as "Alice <alice@example.com>".
func (c *Checker) IsWhitelisted(from string) bool {
	if c.Len() == 0 {
		return false
	}

	address := strings.TrimSpace(from)
	if parsed, err := mail.ParseAddress(address); err == nil {
		address = parsed.Address
	}
	address = strings.ToLower(address)

	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return false
	}

	if _, ok := c.addresses[address]; ok {
		c.debug("Address is whitelisted", address)
		return true
	}

	domain := address[at+1:]
	for domain != "" {
		if _, ok := c.domains[domain]; ok {
			c.debug("Domain is whitelisted", address)
			return true
		}
		dot := strings.IndexByte(domain, '.')
		if dot < 0 {
			break
		}
		domain = domain[dot+1:]
	}
	return false
}

func (c *Checker) debug(msg, address string) {
	if c.logger != nil {
		c.logger.Debug(msg, zap.String("email", address))
	}
}
