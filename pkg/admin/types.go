package admin

// CredentialStatusItem is one credential in the status listing. The
// refresh token only appears as a sha256 hash so the listing is safe to
// show in a dashboard.
type CredentialStatusItem struct {
	ID                uint64 `json:"id"`
	Priority          uint32 `json:"priority"`
	Disabled          bool   `json:"disabled"`
	DisabledReason    string `json:"disabledReason,omitempty"`
	FailureCount      uint32 `json:"failureCount"`
	IsCurrent         bool   `json:"isCurrent"`
	ExpiresAt         string `json:"expiresAt,omitempty"`
	AuthMethod        string `json:"authMethod"`
	HasProfileArn     bool   `json:"hasProfileArn"`
	RefreshTokenHash  string `json:"refreshTokenHash,omitempty"`
	Email             string `json:"email,omitempty"`
	SubscriptionTitle string `json:"subscriptionTitle,omitempty"`
	SuccessCount      uint64 `json:"successCount"`
	LastUsedAt        string `json:"lastUsedAt,omitempty"`
}

// CredentialsStatusResponse is the GET /credentials payload.
type CredentialsStatusResponse struct {
	Total       int                    `json:"total"`
	Available   int                    `json:"available"`
	CurrentID   uint64                 `json:"currentId"`
	Credentials []CredentialStatusItem `json:"credentials"`
}

type SetDisabledRequest struct {
	Disabled bool `json:"disabled"`
}

type SetPriorityRequest struct {
	Priority uint32 `json:"priority"`
}

// AddCredentialRequest carries a new account. Only refreshToken is
// required; authMethod defaults to "social".
type AddCredentialRequest struct {
	RefreshToken string `json:"refreshToken"`
	AuthMethod   string `json:"authMethod,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Priority     uint32 `json:"priority,omitempty"`
	Region       string `json:"region,omitempty"`
	AuthRegion   string `json:"authRegion,omitempty"`
	APIRegion    string `json:"apiRegion,omitempty"`
	MachineID    string `json:"machineId,omitempty"`
	Email        string `json:"email,omitempty"`
}

type AddCredentialResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	CredentialID uint64 `json:"credentialId"`
	Email        string `json:"email,omitempty"`
}

// BalanceResponse is the aggregated quota view for one credential: the
// base subscription plus any active free trial and active bonuses.
type BalanceResponse struct {
	ID                uint64   `json:"id"`
	Email             string   `json:"email,omitempty"`
	SubscriptionTitle string   `json:"subscriptionTitle,omitempty"`
	CurrentUsage      float64  `json:"currentUsage"`
	UsageLimit        float64  `json:"usageLimit"`
	Remaining         float64  `json:"remaining"`
	UsagePercentage   float64  `json:"usagePercentage"`
	NextResetAt       *float64 `json:"nextResetAt,omitempty"`
}

// BalanceListItem is one entry of GET /balances. On a per-credential
// failure the Error field carries the reason and the numbers stay zero.
type BalanceListItem struct {
	BalanceResponse
	Error string `json:"error,omitempty"`
}

type BalancesResponse struct {
	Balances []BalanceListItem `json:"balances"`
}

type LoadBalancingModeResponse struct {
	Mode string `json:"mode"`
}

type SetLoadBalancingModeRequest struct {
	Mode string `json:"mode"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
