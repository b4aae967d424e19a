package webhooks

import "strings"

// TestEvent is the event name used by test deliveries when none is given.
const TestEvent = "system.test"

type EventDescriptor struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// Categories are listed in display order.
var Categories = []string{"user", "case", "document", "payment", "subscription", "ai", "system"}

var catalog = []EventDescriptor{
	{Name: "user.created", Description: "A user account was created"},
	{Name: "user.updated", Description: "A user profile was updated"},
	{Name: "user.deleted", Description: "A user account was deleted"},
	{Name: "user.role_changed", Description: "A user's role changed"},

	{Name: "case.created", Description: "A case was opened"},
	{Name: "case.updated", Description: "Case details were updated"},
	{Name: "case.status_changed", Description: "A case moved to a new status"},
	{Name: "case.closed", Description: "A case was closed"},
	{Name: "case.deleted", Description: "A case was deleted"},

	{Name: "document.uploaded", Description: "A document was uploaded"},
	{Name: "document.generated", Description: "A document was generated from a template"},
	{Name: "document.deleted", Description: "A document was deleted"},

	{Name: "payment.succeeded", Description: "A payment completed"},
	{Name: "payment.failed", Description: "A payment attempt failed"},
	{Name: "payment.refunded", Description: "A payment was refunded"},

	{Name: "subscription.created", Description: "A subscription started"},
	{Name: "subscription.updated", Description: "A subscription plan changed"},
	{Name: "subscription.canceled", Description: "A subscription was canceled"},

	{Name: "ai.chat.completed", Description: "An AI chat response was produced"},
	{Name: "ai.document.generated", Description: "An AI-drafted document was produced"},
	{Name: "ai.provider.failover", Description: "AI traffic failed over to a backup provider"},

	{Name: "system.maintenance", Description: "Scheduled maintenance notice"},
	{Name: "system.test", Description: "Test delivery from the admin console"},
}

var catalogIndex = func() map[string]struct{} {
	idx := make(map[string]struct{}, len(catalog))
	for i := range catalog {
		catalog[i].Category = CategoryOf(catalog[i].Name)
		idx[catalog[i].Name] = struct{}{}
	}
	return idx
}()

// CategoryOf returns the prefix before the first dot.
func CategoryOf(event string) string {
	if i := strings.IndexByte(event, '.'); i >= 0 {
		return event[:i]
	}
	return event
}

func ListEvents() []EventDescriptor {
	out := make([]EventDescriptor, len(catalog))
	copy(out, catalog)
	return out
}

func IsValid(event string) bool {
	_, ok := catalogIndex[event]
	return ok
}

type EventGroup struct {
	Category string            `json:"category"`
	Events   []EventDescriptor `json:"events"`
}

// Grouped returns the catalog bucketed by category, in Categories order.
func Grouped() []EventGroup {
	byCategory := make(map[string][]EventDescriptor, len(Categories))
	for _, d := range catalog {
		byCategory[d.Category] = append(byCategory[d.Category], d)
	}

	groups := make([]EventGroup, 0, len(Categories))
	for _, c := range Categories {
		if events := byCategory[c]; len(events) > 0 {
			groups = append(groups, EventGroup{Category: c, Events: events})
		}
	}
	return groups
}
