package provider

import (
	"github.com/blockadesystems/certfleet/internal/config"
)

// FromConfig builds a guarded adapter for every enabled provider. Adapters are not connected.
func FromConfig(cfg config.ProvidersConfig) []Provider {
	guard := GuardOptions{
		Timeout:         cfg.CallTimeout,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
		BreakerFailures: cfg.BreakerFailures,
		BreakerOpenFor:  cfg.BreakerOpenFor,
	}
	commercial := func(c config.CommercialConfig) CommercialOptions {
		return CommercialOptions{
			BaseURL:   c.BaseURL,
			APIKey:    c.APIKey,
			APISecret: c.APISecret,
			AccountID: c.AccountID,
			Product:   c.Product,
			Timeout:   cfg.CallTimeout,
		}
	}

	var out []Provider
	if cfg.Vault.Enabled {
		out = append(out, Guard(NewVaultProvider(VaultOptions{
			Address:    cfg.Vault.Address,
			Token:      cfg.Vault.Token,
			Namespace:  cfg.Vault.Namespace,
			Mount:      cfg.Vault.Mount,
			Role:       cfg.Vault.Role,
			DefaultTTL: cfg.Vault.DefaultTTL,
			Timeout:    cfg.CallTimeout,
		}), guard))
	}
	if cfg.GlobalSign.Enabled {
		out = append(out, Guard(NewGlobalSignProvider(commercial(cfg.GlobalSign)), guard))
	}
	if cfg.DigiCert.Enabled {
		out = append(out, Guard(NewDigiCertProvider(commercial(cfg.DigiCert)), guard))
	}
	if cfg.Entrust.Enabled {
		out = append(out, Guard(NewEntrustProvider(commercial(cfg.Entrust)), guard))
	}
	return out
}
