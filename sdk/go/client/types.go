package client

import "time"

// RunRequest is one flow execution.
type RunRequest struct {
	InstanceID string         `json:"instance_id,omitempty"`
	Input      map[string]any `json:"input"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RunBilling reports the credits a run consumed.
type RunBilling struct {
	Debited int64 `json:"debited"`
	Balance int64 `json:"balance"`
}

// RunResponse is the flow output plus usage and billing.
type RunResponse struct {
	RunID   string           `json:"run_id"`
	Output  map[string]any   `json:"output"`
	Usage   map[string]int64 `json:"usage"`
	Billing RunBilling       `json:"billing"`
}

// WidgetSessionRequest asks for an embeddable widget session.
type WidgetSessionRequest struct {
	InstanceID string `json:"instance_id"`
	Origin     string `json:"origin"`
}

// BrandingProfile is the widget's white-label appearance.
type BrandingProfile struct {
	Name         string `json:"name"`
	LogoURL      string `json:"logo_url,omitempty"`
	PrimaryColor string `json:"primary_color,omitempty"`
	AccentColor  string `json:"accent_color,omitempty"`
	Greeting     string `json:"greeting,omitempty"`
	PoweredBy    bool   `json:"powered_by"`
}

// WidgetSessionResponse carries the session token and branding.
type WidgetSessionResponse struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expires_at"`
	Branding  *BrandingProfile `json:"branding"`
}
