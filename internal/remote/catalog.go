package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

type appDetails struct {
	Success bool `json:"success"`
	Data    *struct {
		Name       string `json:"name"`
		SteamAppID uint64 `json:"steam_appid"`
	} `json:"data"`
}

// Catalog looks up app names from the store's appdetails endpoint.
type Catalog struct {
	baseURL string
	client  *client
}

func NewCatalog(opts Options) *Catalog {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = DefaultCatalogURL
	}
	return &Catalog{baseURL: base, client: newClient("catalog", opts)}
}

func (c *Catalog) AppName(ctx context.Context, appID string) (string, error) {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return "", fmt.Errorf("lookup app name: app id is required")
	}
	body, err := c.client.get(ctx, c.baseURL+"?appids="+url.QueryEscape(appID), "application/json")
	if err != nil {
		return "", fmt.Errorf("lookup app name %s: %w", appID, err)
	}
	var payload map[string]appDetails
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode app details %s: %w", appID, err)
	}
	entry, ok := payload[appID]
	if !ok {
		return "", fmt.Errorf("lookup app name %s: no data returned", appID)
	}
	if !entry.Success {
		return "", fmt.Errorf("lookup app name %s: store returned success=false", appID)
	}
	if entry.Data == nil || strings.TrimSpace(entry.Data.Name) == "" {
		return "", fmt.Errorf("lookup app name %s: missing app data", appID)
	}
	return strings.TrimSpace(entry.Data.Name), nil
}

// FallbackAppName is the synthetic name used when the catalog cannot answer.
func FallbackAppName(appID string) string {
	return "app_" + strings.TrimSpace(appID)
}
