package notify

import (
	"fmt"
	"net/url"
	"strings"
)

// UTM carries attribution parameters appended to recovery links.
type UTM struct {
	Source   string `json:"utm_source" yaml:"source"`
	Medium   string `json:"utm_medium" yaml:"medium"`
	Campaign string `json:"utm_campaign" yaml:"campaign"`
}

// DefaultUTM attributes links to the voice agent.
func DefaultUTM() UTM {
	return UTM{Source: "voice_agent", Medium: "phone", Campaign: "call_recovery"}
}

func (u UTM) apply(q url.Values) {
	if u.Source != "" {
		q.Set("utm_source", u.Source)
	}
	if u.Medium != "" {
		q.Set("utm_medium", u.Medium)
	}
	if u.Campaign != "" {
		q.Set("utm_campaign", u.Campaign)
	}
}

// BuildRecoveryURL returns the link sent with a code. With a known
// abandoned-checkout URL the code rides on it as the `discount` parameter;
// otherwise the storefront's /discount/<code> redemption path is used with a
// redirect to the home page. UTM parameters are added in both cases.
func BuildRecoveryURL(base, checkoutURL, code string, utm UTM) (string, error) {
	if strings.TrimSpace(checkoutURL) != "" {
		u, err := url.Parse(strings.TrimSpace(checkoutURL))
		if err != nil {
			return "", fmt.Errorf("checkout url: %w", err)
		}
		q := u.Query()
		if code != "" {
			q.Set("discount", code)
		}
		utm.apply(q)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	if strings.TrimSpace(base) == "" {
		return "", fmt.Errorf("storefront url is required without a checkout url")
	}
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return "", fmt.Errorf("storefront url: %w", err)
	}
	q := url.Values{}
	if code != "" {
		u.Path += "/discount/" + url.PathEscape(code)
		q.Set("redirect", "/")
	}
	utm.apply(q)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
