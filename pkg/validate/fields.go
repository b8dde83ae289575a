package validate

import (
	"context"
	"net/mail"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// SkipWord lets a user leave an optional field empty.
const SkipWord = "skip"

// Uniqueness answers whether a value already belongs to another identity.
// Implementations live next to the record store.
type Uniqueness interface {
	PhoneTaken(ctx context.Context, phone, identity string) (bool, error)
	EmailTaken(ctx context.Context, email, identity string) (bool, error)
}

// Name accepts 2 to 255 characters containing at least one letter.
func Name() Validator {
	return func(_ context.Context, raw, _ string) (string, error) {
		name := strings.Join(strings.Fields(raw), " ")
		n := utf8.RuneCountInString(name)
		if n < 2 {
			return "", Reject("That name is too short. Please enter at least 2 characters.")
		}
		if n > 255 {
			return "", Reject("That name is too long. Please keep it under 255 characters.")
		}
		if !strings.ContainsFunc(name, unicode.IsLetter) {
			return "", Reject("A name needs at least one letter. Please try again.")
		}
		return name, nil
	}
}

// Email checks the structure of an address. Optional fields also accept
// "skip", which yields an empty value. A non-nil uniq rejects addresses used
// by another identity.
func Email(optional bool, uniq Uniqueness) Validator {
	return func(ctx context.Context, raw, identity string) (string, error) {
		s := strings.TrimSpace(raw)
		if optional && strings.EqualFold(s, SkipWord) {
			return "", nil
		}
		addr, ok := parseEmail(s)
		if !ok {
			msg := "That doesn't look like an email address. Please send something like name@example.com."
			if optional {
				msg += " Or reply \"skip\" to leave it out."
			}
			return "", Reject("%s", msg)
		}
		if uniq != nil {
			taken, err := uniq.EmailTaken(ctx, addr, identity)
			if err != nil {
				return "", err
			}
			if taken {
				return "", RejectDuplicate("That email is already registered with another account.")
			}
		}
		return addr, nil
	}
}

func parseEmail(s string) (string, bool) {
	if s == "" || strings.ContainsAny(s, " \t<>") {
		return "", false
	}
	a, err := mail.ParseAddress(s)
	if err != nil || a.Name != "" || a.Address != s {
		return "", false
	}
	at := strings.LastIndexByte(s, '@')
	local, domain := s[:at], s[at+1:]
	if local == "" || !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", false
	}
	return local + "@" + strings.ToLower(domain), true
}

// Option is one entry of an enumerated choice.
type Option struct {
	Value   string   `yaml:"value"`
	Label   string   `yaml:"label"`
	Aliases []string `yaml:"aliases"`
}

var shortcutRe = regexp.MustCompile(`^#?\s*(\d+)\s*[.)]?$`)

// Choice accepts a numeric shortcut (1-based), or a label, value or alias
// typed out in any case. With allowOther, any other text naming something
// (2 to 50 characters with a letter) is accepted as a custom value.
func Choice(options []Option, allowOther bool) Validator {
	return func(_ context.Context, raw, _ string) (string, error) {
		s := strings.TrimSpace(raw)
		if m := shortcutRe.FindStringSubmatch(s); m != nil {
			i, err := strconv.Atoi(m[1])
			if err == nil && i >= 1 && i <= len(options) {
				return options[i-1].Value, nil
			}
			return "", Reject("Please reply with a number between 1 and %d.", len(options))
		}
		folded := strings.ToLower(strings.Join(strings.Fields(s), " "))
		for _, o := range options {
			if folded == strings.ToLower(o.Value) || folded == strings.ToLower(o.Label) {
				return o.Value, nil
			}
			for _, a := range o.Aliases {
				if folded == strings.ToLower(a) {
					return o.Value, nil
				}
			}
		}
		if allowOther {
			n := utf8.RuneCountInString(folded)
			if n >= 2 && n <= 50 && strings.ContainsFunc(folded, unicode.IsLetter) {
				return strings.Join(strings.Fields(s), " "), nil
			}
		}
		return "", Reject("Please pick one of the options by replying with its number.")
	}
}

// Yes and No are the values produced by YesNo.
const (
	Yes = "yes"
	No  = "no"
)

// YesNoOptions are the options offered for confirmations.
var YesNoOptions = []Option{
	{Value: Yes, Label: "Yes", Aliases: []string{"y", "yeah", "yep", "agree", "ok", "okay", "sure"}},
	{Value: No, Label: "No", Aliases: []string{"n", "nope", "decline", "reject"}},
}

// YesNo is a two-option confirmation.
func YesNo() Validator { return Choice(YesNoOptions, false) }

// AllWord selects every field in an edit menu.
const AllWord = "all"

var selectionSplit = regexp.MustCompile(`[\s,;&]+|\band\b`)

// ParseSelection parses an index list such as "1,3", "3 1 3" or "all" for a
// menu of n entries. The result is de-duplicated and sorted ascending.
func ParseSelection(raw string, n int) ([]int, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == AllWord {
		out := make([]int, n)
		for i := range out {
			out[i] = i + 1
		}
		return out, nil
	}
	bad := Reject("Please reply with field numbers between 1 and %d (for example 1,3) or \"all\".", n)
	seen := make(map[int]bool)
	var out []int
	for _, part := range selectionSplit.Split(s, -1) {
		if part == "" {
			continue
		}
		i, err := strconv.Atoi(strings.TrimSuffix(part, "."))
		if err != nil || i < 1 || i > n {
			return nil, bad
		}
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		return nil, bad
	}
	sort.Ints(out)
	return out, nil
}

// Selection validates an edit menu selection and returns it as a
// comma-separated ascending list.
func Selection(n int) Validator {
	return func(_ context.Context, raw, _ string) (string, error) {
		idx, err := ParseSelection(raw, n)
		if err != nil {
			return "", err
		}
		parts := make([]string, len(idx))
		for i, v := range idx {
			parts[i] = strconv.Itoa(v)
		}
		return strings.Join(parts, ","), nil
	}
}
