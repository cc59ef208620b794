package policy

import "strings"

// Actor is the normalized sender/channel context for one evaluation.
type Actor struct {
	Channel      string
	ChatID       string
	SenderID     string
	Aliases      []string
	IsGroup      bool
	MentionedBot bool
	ReplyToBot   bool
	Transcript   string
}

// normalizeToken lowers one identity token and strips a leading @.
func normalizeToken(value string) string {
	token := strings.TrimSpace(value)
	token = strings.TrimPrefix(token, "@")
	return strings.ToLower(strings.TrimSpace(token))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// expandAliases turns one normalized token into its channel-aware variants.
// WhatsApp JIDs lose their :device suffix and gain bare-number and
// plus-prefixed forms; Telegram usernames gain the @-prefixed form.
func expandAliases(channel, token string) []string {
	if token == "" {
		return nil
	}
	seen := map[string]bool{token: true}
	out := []string{token}
	add := func(alias string) {
		if alias != "" && !seen[alias] {
			seen[alias] = true
			out = append(out, alias)
		}
	}

	switch channel {
	case "telegram":
		if !isDigits(token) {
			add("@" + token)
		}
	case "whatsapp":
		left, right := token, ""
		if at := strings.Index(token, "@"); at >= 0 {
			left, right = token[:at], token[at+1:]
		}
		leftBase := left
		if colon := strings.Index(left, ":"); colon >= 0 {
			leftBase = left[:colon]
		}
		add(leftBase)
		if right != "" {
			add(leftBase + "@" + right)
		}
		if strings.HasPrefix(leftBase, "+") {
			add(leftBase[1:])
		} else if isDigits(leftBase) {
			add("+" + leftBase)
		}
	}
	return out
}

// normalizeSenderSet expands a policy sender list into the canonical match
// set for a channel.
func normalizeSenderSet(channel string, values []string) map[string]bool {
	set := make(map[string]bool)
	for _, v := range values {
		for _, alias := range expandAliases(channel, normalizeToken(v)) {
			set[alias] = true
		}
	}
	return set
}

// actorMatchSet returns all canonical forms the actor can be matched under.
func actorMatchSet(actor Actor) map[string]bool {
	set := make(map[string]bool)
	candidates := append([]string{actor.SenderID}, actor.Aliases...)
	for _, c := range candidates {
		for _, alias := range expandAliases(actor.Channel, normalizeToken(c)) {
			set[alias] = true
		}
	}
	delete(set, "")
	return set
}

// senderMatches reports whether any canonical form of the actor appears in
// the normalized policy set.
func senderMatches(actor Actor, allowed map[string]bool) bool {
	if len(allowed) == 0 {
		return false
	}
	for form := range actorMatchSet(actor) {
		if allowed[form] {
			return true
		}
	}
	return false
}
