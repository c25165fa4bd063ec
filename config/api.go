package config

import "strings"

type ProxyConfig struct {
	Upstream struct {
		BaseURL     string `toml:"base_url" env:"UPSTREAM_BASE_URL"`
		APIKey      string `toml:"api_key" env:"UPSTREAM_API_KEY"`
		TorProxyURL string `toml:"tor_proxy_url" env:"TOR_PROXY_URL"`
	} `toml:"upstream"`

	Database struct {
		URL             string `toml:"url" env:"DATABASE_URL"`
		MaxConns        int    `toml:"max_conns" env:"DATABASE_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"DATABASE_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"DATABASE_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"DATABASE_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	Redis struct {
		Host     string `toml:"host" env:"REDIS_HOST"`
		Port     string `toml:"port" env:"REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	Cashu struct {
		// Comma-separated mint URLs; the head of the list is the primary mint.
		Mints      string `toml:"mints" env:"CASHU_MINTS"`
		WalletPath string `toml:"wallet_path" env:"CASHU_WALLET_PATH" env-default:"./wallet"`
	} `toml:"cashu"`

	Pricing struct {
		Fixed                  bool    `toml:"fixed" env:"FIXED_PRICING" env-default:"false"`
		FixedCostPerRequest    int64   `toml:"fixed_cost_per_request" env:"FIXED_COST_PER_REQUEST" env-default:"1"`
		FixedPer1KInputTokens  float64 `toml:"fixed_per_1k_input_tokens" env:"FIXED_PER_1K_INPUT_TOKENS" env-default:"0"`
		FixedPer1KOutputTokens float64 `toml:"fixed_per_1k_output_tokens" env:"FIXED_PER_1K_OUTPUT_TOKENS" env-default:"0"`
		ExchangeFee            float64 `toml:"exchange_fee" env:"EXCHANGE_FEE" env-default:"1.005"`
		UpstreamProviderFee    float64 `toml:"upstream_provider_fee" env:"UPSTREAM_PROVIDER_FEE" env-default:"1.05"`
		RefreshIntervalSecs    int     `toml:"refresh_interval_seconds" env:"PRICING_REFRESH_INTERVAL_SECONDS" env-default:"180"`
		ModelsPath             string  `toml:"models_path" env:"MODELS_PATH"`
	} `toml:"pricing"`

	Payout struct {
		ReceiveLNAddress string `toml:"receive_ln_address" env:"RECEIVE_LN_ADDRESS"`
	} `toml:"payout"`

	HTTP struct {
		Port                  string `toml:"port" env:"PORT" env-default:"8000"`
		AdminPassword         string `toml:"admin_password" env:"ADMIN_PASSWORD"`
		CORSOrigins           string `toml:"cors_origins" env:"CORS_ORIGINS" env-default:"*"`
		RefundCacheTTLSeconds int    `toml:"refund_cache_ttl_seconds" env:"REFUND_CACHE_TTL_SECONDS" env-default:"60"`
	} `toml:"http"`
}

// MintURLs splits CASHU_MINTS into trimmed URLs, primary first.
func (c *ProxyConfig) MintURLs() []string {
	var out []string
	for _, m := range strings.Split(c.Cashu.Mints, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// PrimaryMint returns the head of CASHU_MINTS, or "" when unset.
func (c *ProxyConfig) PrimaryMint() string {
	mints := c.MintURLs()
	if len(mints) == 0 {
		return ""
	}
	return mints[0]
}
