package jellyfin

import (
	"fmt"
	"strings"
)

// Identity is the device-identity block sent with every request.
type Identity struct {
	Client   string
	Device   string
	DeviceID string
	Version  string
}

// AuthorizationHeader renders the MediaBrowser authorization value, appending
// the access token when one is supplied.
func (id Identity) AuthorizationHeader(token string) string {
	var b strings.Builder
	b.WriteString("MediaBrowser ")
	fmt.Fprintf(&b, `Client="%s", Device="%s", DeviceId="%s", Version="%s"`,
		headerValue(id.Client), headerValue(id.Device), headerValue(id.DeviceID), headerValue(id.Version))
	if token = strings.TrimSpace(token); token != "" {
		fmt.Fprintf(&b, `, Token="%s"`, headerValue(token))
	}
	return b.String()
}

func headerValue(v string) string {
	v = strings.TrimSpace(v)
	return strings.NewReplacer(`"`, "'", "\r", "", "\n", "").Replace(v)
}
