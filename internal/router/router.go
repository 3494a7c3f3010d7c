// Package router resolves an inbound request path and Host header to a
// logical service name using an ordered rule table.
package router

import "strings"

// DefaultService is returned when no rule matches.
const DefaultService = "default-service"

// Rule maps a path prefix to a target service. A non-empty Host restricts
// the rule to requests whose lower-cased Host header contains the substring.
type Rule struct {
	Host    string
	Prefix  string
	Service string
}

// Resolver holds the ordered rule table. Rule order is significant: more
// specific prefixes must precede less specific ones, and host-scoped rules
// are consulted before host-agnostic ones.
type Resolver struct {
	rules []Rule
}

// New creates a resolver with the given rule table.
func New(rules []Rule) *Resolver {
	return &Resolver{rules: rules}
}

// DefaultRules returns the rule table installed at startup.
func DefaultRules() []Rule {
	return []Rule{
		{Host: "dushu.com", Prefix: "/user-orch/", Service: "user-orch"},
		{Host: "dushu.com", Prefix: "/order-orch/", Service: "order-orch"},
		{Prefix: "/springboot-grpc-server/", Service: "springboot-grpc-server"},
		{Prefix: "/order/", Service: "order-service"},
		{Prefix: "/product/", Service: "product-service"},
		{Prefix: "/payment/", Service: "payment-service"},
	}
}

// Resolve returns the target service for the given path and Host header.
// Host-scoped rules whose host substring appears in the lower-cased header
// win first; then host-agnostic rules in table order; then DefaultService.
func (r *Resolver) Resolve(path, host string) string {
	host = strings.ToLower(host)

	for _, rule := range r.rules {
		if rule.Host == "" {
			continue
		}
		if strings.Contains(host, rule.Host) && strings.HasPrefix(path, rule.Prefix) {
			return rule.Service
		}
	}

	for _, rule := range r.rules {
		if rule.Host != "" {
			continue
		}
		if strings.HasPrefix(path, rule.Prefix) {
			return rule.Service
		}
	}

	return DefaultService
}

// Prefixes returns every distinct path prefix in the rule table, in table
// order. The HTTP server mounts a proxy route for each.
func (r *Resolver) Prefixes() []string {
	seen := make(map[string]struct{}, len(r.rules))
	out := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		if _, ok := seen[rule.Prefix]; ok {
			continue
		}
		seen[rule.Prefix] = struct{}{}
		out = append(out, rule.Prefix)
	}
	return out
}
