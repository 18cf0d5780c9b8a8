package skydesk

import (
	"golang.org/x/oauth2"
)

// Region identifies a SkyDesk deployment zone. Each region runs its own
// accounts server, and tokens issued in one region are not valid in another.
type Region string

const (
	RegionUS Region = "us"
	RegionEU Region = "eu"
	RegionIN Region = "in"
	RegionCN Region = "cn"
	RegionAU Region = "au"
	RegionJP Region = "jp"
)

const (
	// DiscoveryURL is the region-discovery endpoint. It is served by the US
	// accounts server and lists the accounts base URL of every deployment.
	DiscoveryURL = "https://accounts.skydesk.com/oauth/serverinfo"

	oauthPath  = "/oauth/v2"
	tokenPath  = "/token"
	authPath   = "/auth"
	revokePath = "/token/revoke"
)

// fallbackRegions is used when region discovery fails with a client error.
// It covers the four deployments that predate the serverinfo endpoint.
var fallbackRegions = map[Region]string{
	RegionUS: "https://accounts.skydesk.com",
	RegionEU: "https://accounts.skydesk.eu",
	RegionIN: "https://accounts.skydesk.in",
	RegionCN: "https://accounts.skydesk.com.cn",
}

// fallbackOrder fixes the resolution order for unknown regions. Map iteration
// order is random, and an unknown region must always land on the same base URL.
var fallbackOrder = []Region{RegionUS, RegionEU, RegionIN, RegionCN}

// Endpoint returns the oauth2.Endpoint for an accounts base URL, for callers
// that want to drive the standard oauth2 machinery directly.
func Endpoint(accountsBaseURL string) oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   accountsBaseURL + oauthPath + authPath,
		TokenURL:  accountsBaseURL + oauthPath + tokenPath,
		AuthStyle: oauth2.AuthStyleInParams,
	}
}
