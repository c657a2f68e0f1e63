package tableau

import (
	"fmt"
	"os"
	"strings"
)

// Credentials is a personal-access-token pair for one site.
type Credentials struct {
	Name   string
	Secret string
}

// resolveCredentials looks up site-scoped PAT env vars, falling back to the
// global pair. A site name like "political-insights" maps to
// POLITICAL_INSIGHTS_PAT_NAME / POLITICAL_INSIGHTS_PAT_SECRET.
func resolveCredentials(site string) (Credentials, error) {
	prefix := strings.ToUpper(strings.ReplaceAll(site, "-", "_"))
	name := os.Getenv(prefix + "_PAT_NAME")
	secret := os.Getenv(prefix + "_PAT_SECRET")
	if name == "" || secret == "" {
		name = os.Getenv("PAT_NAME")
		secret = os.Getenv("PAT_SECRET")
	}
	if name == "" || secret == "" {
		return Credentials{}, fmt.Errorf("no personal access token configured for site %q", site)
	}
	return Credentials{Name: name, Secret: secret}, nil
}
