package auth

import "fmt"

// Endpoint templates. Each is region-substituted per account; a region of
// "" falls back to us-east-1.
const (
	socialRefreshTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	idcTokenTemplate      = "https://oidc.%s.amazonaws.com/token"
	generateTemplate      = "https://codewhisperer.%s.amazonaws.com/generateAssistantResponse"
	usageLimitsTemplate   = "https://q.%s.amazonaws.com/getUsageLimits"
	registerClientPath    = "/client/register"
	deviceAuthPath        = "/device_authorization"
)

func resolveRegion(region string) string {
	if region == "" {
		return "us-east-1"
	}
	return region
}

// SocialRefreshURL returns the social-auth refresh endpoint for region.
func SocialRefreshURL(region string) string {
	return fmt.Sprintf(socialRefreshTemplate, resolveRegion(region))
}

// IDCTokenURL returns the builder-id/IDC token endpoint for region.
func IDCTokenURL(region string) string {
	return fmt.Sprintf(idcTokenTemplate, resolveRegion(region))
}

// GenerateURL returns the codewhisperer generateAssistantResponse endpoint
// for region.
func GenerateURL(region string) string {
	return fmt.Sprintf(generateTemplate, resolveRegion(region))
}

// UsageLimitsURL returns the usage-limits query endpoint for region.
func UsageLimitsURL(region string) string {
	return fmt.Sprintf(usageLimitsTemplate, resolveRegion(region))
}

// RegisterClientURL returns the OIDC client-registration endpoint for region.
func RegisterClientURL(region string) string {
	return IDCTokenURL(region)[:len(IDCTokenURL(region))-len("/token")] + registerClientPath
}

// DeviceAuthorizationURL returns the device-authorization endpoint for region.
func DeviceAuthorizationURL(region string) string {
	return IDCTokenURL(region)[:len(IDCTokenURL(region))-len("/token")] + deviceAuthPath
}
