package gateway

import (
	"fmt"
	"time"
)

// Session is a credentialed admin session against the gateway. It is owned
// exclusively by the session pool; callers only ever see it between a
// borrow and the matching return. A session without a cookie has never
// logged in.
type Session struct {
	Username            string
	Password            string
	Cookie              string
	CSRFToken           string
	LastAuthenticatedAt time.Time
	FailureCount        int
}

// NewSession creates an uninitialised session from configured credentials.
func NewSession(username, password string) *Session {
	return &Session{Username: username, Password: password}
}

// IsNew reports whether the session has never completed a login.
func (s *Session) IsNew() bool {
	return s.Cookie == ""
}

// Expired reports whether the session is past the given lifetime. A session
// that never logged in is always expired.
func (s *Session) Expired(lifetime time.Duration) bool {
	if s.IsNew() {
		return true
	}
	return time.Since(s.LastAuthenticatedAt) > lifetime
}

// Refreshed returns a copy carrying fresh login credentials, with the
// failure count reset and the authentication timestamp set to now.
func (s *Session) Refreshed(cookie, csrfToken string) *Session {
	return &Session{
		Username:            s.Username,
		Password:            s.Password,
		Cookie:              cookie,
		CSRFToken:           csrfToken,
		LastAuthenticatedAt: time.Now(),
	}
}

// Failed returns a copy with the failure count incremented. The stale
// cookie is kept so a later refresh can still attempt a logout.
func (s *Session) Failed() *Session {
	c := *s
	c.FailureCount++
	return &c
}

func (s *Session) String() string {
	return fmt.Sprintf("session{username: %s, new: %t, failures: %d}", s.Username, s.IsNew(), s.FailureCount)
}

// ActiveDevice is a client entry as reported by the gateway's active
// clients listing. Field names follow the gateway's JSON schema.
type ActiveDevice struct {
	MAC        string `json:"id"`
	APMAC      string `json:"ap_mac"`
	IP         string `json:"ip"`
	FixedIP    string `json:"fixed_ip,omitempty"`
	ESSID      string `json:"essid"`
	Authorized bool   `json:"authorized"`
}

// ResolvedIP returns the fixed IP when the portal pinned one, otherwise the
// leased IP.
func (d ActiveDevice) ResolvedIP() string {
	if d.FixedIP != "" {
		return d.FixedIP
	}
	return d.IP
}

// MacsKey returns the device's cache key over its MAC pair.
func (d ActiveDevice) MacsKey() string {
	return MacsKey(d.MAC, d.APMAC)
}

// MacsKey builds the mac-pair cache key used by the device cache.
func MacsKey(mac, apMac string) string {
	return mac + ":" + apMac
}

// MatchesIP reports whether the device answers to the given IP on the given
// site SSID. Both the leased and the fixed IP are considered.
func (d ActiveDevice) MatchesIP(ip, siteIdentifier string) bool {
	return (ip == d.IP || (d.FixedIP != "" && ip == d.FixedIP)) && siteIdentifier == d.ESSID
}

// MatchesMacs reports whether the device carries the given MAC pair on the
// given site SSID.
func (d ActiveDevice) MatchesMacs(mac, apMac, siteIdentifier string) bool {
	return mac == d.MAC && apMac == d.APMAC && siteIdentifier == d.ESSID
}
