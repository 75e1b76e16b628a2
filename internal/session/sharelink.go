package session

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/mossy-p/peercall/internal/media"
)

// ShareLink builds a magic link for a room: the room identifier and the
// passphrase ride in the URL fragment, which never reaches a server in
// HTTP requests. Treat the result as an out-of-band secret.
func ShareLink(base, room, passphrase string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	fragment := url.Values{}
	fragment.Set("room", strings.ToUpper(strings.TrimSpace(room)))
	fragment.Set("pass", passphrase)
	u.Fragment = fragment.Encode()
	return u.String(), nil
}

// ParseShareLink extracts a session configuration from a magic link. The
// caller joins immediately with a generated guest display name and
// privacy mode none.
func ParseShareLink(link string) (Config, error) {
	u, err := url.Parse(link)
	if err != nil {
		return Config{}, fmt.Errorf("parsing share link: %w", err)
	}
	fragment, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return Config{}, fmt.Errorf("parsing share link fragment: %w", err)
	}
	room := fragment.Get("room")
	if room == "" {
		return Config{}, fmt.Errorf("share link missing room")
	}
	pass := fragment.Get("pass")
	if pass == "" {
		return Config{}, fmt.Errorf("share link missing passphrase")
	}
	return Config{
		Room:        strings.ToUpper(room),
		Passphrase:  pass,
		DisplayName: GuestName(),
		Privacy:     media.PrivacyNone,
	}, nil
}

// GuestName generates a throwaway display name for magic-link entry.
func GuestName() string {
	return "Guest-" + strings.ToUpper(uuid.New().String()[:4])
}
